package plugins

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/usubeni/gptrelay/pipeline"
)

// StripHTML removes markup tags from replies, keeping only text content.
// Models occasionally wrap answers in <p> or <span> when the prompt quotes
// web content; chat platforms render those literally.
type StripHTML struct{}

func (StripHTML) Name() string         { return "strip_html" }
func (StripHTML) DefaultPriority() int { return 50 }

func (StripHTML) AfterResponse(p *pipeline.ResponsePayload) error {
	if !strings.Contains(p.Content, "<") {
		return nil
	}
	cleaned := strings.TrimSpace(stripTags(p.Content))
	if cleaned != "" {
		p.Content = cleaned
	}
	return nil
}

func stripTags(s string) string {
	tok := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(tok.Text())
		}
	}
}
