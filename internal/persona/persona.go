// Package persona loads prompt-template files: an optional YAML
// frontmatter block (name, description) followed by the template body.
package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Persona struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Template    string `yaml:"-"`
}

func Load(path string) (Persona, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("persona: read %s: %w", path, err)
	}
	return Parse(string(raw))
}

func Parse(contents string) (Persona, error) {
	front, body, ok := splitFrontmatter(contents)
	p := Persona{Template: strings.TrimSpace(body)}
	if ok {
		if err := yaml.Unmarshal([]byte(front), &p); err != nil {
			return Persona{}, fmt.Errorf("persona: invalid frontmatter: %w", err)
		}
		p.Template = strings.TrimSpace(body)
	}
	if p.Template == "" {
		return Persona{}, fmt.Errorf("persona: empty template body")
	}
	return p, nil
}

// splitFrontmatter splits a document into raw YAML frontmatter and body.
// The delimiters must be a leading line "---" and a later closing "---".
func splitFrontmatter(contents string) (string, string, bool) {
	lines := strings.Split(strings.ReplaceAll(contents, "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", contents, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "---" {
			continue
		}
		return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), true
	}
	return "", contents, false
}
