// Package plugins holds the built-in pipeline plugins.
package plugins

import (
	"regexp"
	"strings"

	"github.com/usubeni/gptrelay/pipeline"
)

var thinkPattern = regexp.MustCompile(`(?is)<think>.*?</think>`)

// RemoveThink strips <think>...</think> blocks that reasoning models leak
// into their replies. If stripping would leave nothing, the reply stands.
type RemoveThink struct{}

func (RemoveThink) Name() string         { return "remove_think" }
func (RemoveThink) DefaultPriority() int { return 100 }

func (RemoveThink) AfterResponse(p *pipeline.ResponsePayload) error {
	cleaned := strings.TrimSpace(thinkPattern.ReplaceAllString(p.Content, ""))
	if cleaned != "" {
		p.Content = cleaned
	}
	return nil
}
