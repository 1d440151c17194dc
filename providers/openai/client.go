// Package openai talks to an OpenAI-compatible chat-completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/usubeni/gptrelay/llm"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	// gate serializes outbound calls: at most one chat completion is in
	// flight process-wide (capacity-1 limiter).
	gate chan struct{}
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
		gate:    make(chan struct{}, 1),
	}
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Chat posts one chat completion and returns the first choice's text. No
// retries: a failed attempt surfaces immediately.
func (c *Client) Chat(ctx context.Context, req llm.Request) (llm.Result, error) {
	select {
	case c.gate <- struct{}{}:
	case <-ctx.Done():
		return llm.Result{}, ctx.Err()
	}
	defer func() { <-c.gate }()

	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return llm.Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return llm.Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return llm.Result{}, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Result{}, fmt.Errorf("openai: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.Result{}, fmt.Errorf("openai: status %d: %s", resp.StatusCode, truncate(raw, 512))
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return llm.Result{}, fmt.Errorf("%w: %v", llm.ErrMalformedResponse, err)
	}
	if len(out.Choices) == 0 {
		return llm.Result{}, fmt.Errorf("%w: empty choices", llm.ErrMalformedResponse)
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return llm.Result{}, fmt.Errorf("%w: empty content", llm.ErrMalformedResponse)
	}
	return llm.Result{Text: text}, nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
