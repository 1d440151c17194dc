package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/usubeni/gptrelay/llm"
)

func simpleRequest() llm.Request {
	return llm.Request{
		Model:    "gpt-4o-mini",
		Messages: []llm.Message{llm.TextMessage("user", "hi")},
	}
}

func TestChatSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi there"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", "sk-test", 5*time.Second)
	res, err := c.Chat(context.Background(), simpleRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hi there" {
		t.Fatalf("text = %q", res.Text)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth = %q", gotAuth)
	}
}

func TestChatNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", 5*time.Second)
	if _, err := c.Chat(context.Background(), simpleRequest()); err == nil {
		t.Fatal("expected error")
	}
}

func TestChatMalformedResponses(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"no choices", `{"choices":[]}`},
		{"empty content", `{"choices":[{"message":{"content":"  "}}]}`},
		{"missing message", `{"choices":[{}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := New(srv.URL, "k", 5*time.Second)
			_, err := c.Chat(context.Background(), simpleRequest())
			if !errors.Is(err, llm.ErrMalformedResponse) {
				t.Fatalf("err = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestChatGateSerializesCalls(t *testing.T) {
	var inFlight, maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if cur <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", 5*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Chat(context.Background(), simpleRequest()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("max in-flight = %d, want 1", got)
	}
}

func TestChatGateRespectsContext(t *testing.T) {
	c := New("http://127.0.0.1:0", "k", time.Second)
	c.gate <- struct{}{} // occupy the single slot

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Chat(ctx, simpleRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	c := New("", "", 0)
	if c.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("base = %q", c.BaseURL)
	}
	c = New("https://example.com/v1///", "", time.Second)
	if c.BaseURL != "https://example.com/v1" {
		t.Fatalf("base = %q", c.BaseURL)
	}
}
