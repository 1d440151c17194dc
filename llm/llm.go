package llm

import (
	"context"
	"errors"
)

// ErrMalformedResponse marks a reply that arrived but carried no usable
// message content (missing choices, empty text, wrong shape).
var ErrMalformedResponse = errors.New("llm: response missing message content")

type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// Message is one chat-completion message. Content is either a plain string
// or an ordered []Part when the prompt carries images.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

func TextMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}

// MultimodalMessage builds a message with one text part followed by one
// image_url part per data URL, preserving image order.
func MultimodalMessage(role, text string, imageURLs []string) Message {
	if len(imageURLs) == 0 {
		return TextMessage(role, text)
	}
	parts := make([]Part, 0, len(imageURLs)+1)
	parts = append(parts, Part{Type: "text", Text: text})
	for _, u := range imageURLs {
		parts = append(parts, Part{Type: "image_url", ImageURL: &ImageURL{URL: u}})
	}
	return Message{Role: role, Content: parts}
}

type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type Result struct {
	Text string
}

type Client interface {
	Chat(ctx context.Context, req Request) (Result, error)
}
