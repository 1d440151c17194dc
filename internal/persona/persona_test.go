package persona

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseWithFrontmatter(t *testing.T) {
	doc := `---
name: cheerful
description: a friendly group assistant
---
历史：{history}
请回复{sender}：{latest_message}`

	p, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "cheerful" {
		t.Fatalf("name = %q", p.Name)
	}
	if p.Description != "a friendly group assistant" {
		t.Fatalf("description = %q", p.Description)
	}
	if p.Template != "历史：{history}\n请回复{sender}：{latest_message}" {
		t.Fatalf("template = %q", p.Template)
	}
}

func TestParsePlainBody(t *testing.T) {
	p, err := Parse("just a template {latest_message}")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "" || p.Template != "just a template {latest_message}" {
		t.Fatalf("persona = %+v", p)
	}
}

func TestParseEmptyBody(t *testing.T) {
	if _, err := Parse("---\nname: x\n---\n  \n"); err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestParseInvalidFrontmatter(t *testing.T) {
	if _, err := Parse("---\n: : :\n---\nbody"); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.md")
	if err := os.WriteFile(path, []byte("---\nname: n\n---\ntemplate body"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Template != "template body" {
		t.Fatalf("template = %q", p.Template)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
