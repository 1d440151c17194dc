// Package conversation drives one inbound group message through trigger
// decision, prompt composition, the plugin pipeline, the model call and
// history recording.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/google/uuid"

	"github.com/usubeni/gptrelay/history"
	"github.com/usubeni/gptrelay/images"
	"github.com/usubeni/gptrelay/internal/config"
	"github.com/usubeni/gptrelay/llm"
	"github.com/usubeni/gptrelay/pipeline"
)

const (
	// EmptyMessagePlaceholder stands in for messages with no text (e.g.
	// image-only), both in the prompt and in the recorded turn.
	EmptyMessagePlaceholder = "（无文字内容）"
	// EmptyHistoryPlaceholder renders in the prompt when a session has no
	// recorded turns yet.
	EmptyHistoryPlaceholder = "（暂无聊天记录）"
)

var errNoAPIKey = errors.New("conversation: no api key configured")

// Inbound is what the platform adapter supplies per message.
type Inbound struct {
	SessionID     string
	SenderID      string
	SenderName    string
	SelfID        string
	Text          string
	AddressedToMe bool
	Images        []images.Segment
}

type Orchestrator struct {
	cfg       config.Config
	hist      *history.Store
	pipe      *pipeline.Pipeline
	norm      *images.Normalizer
	client    llm.Client
	log       *slog.Logger
	randFloat func() float64
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRandFloat overrides the uniform draw used for probability-triggered
// replies.
func WithRandFloat(fn func() float64) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.randFloat = fn
		}
	}
}

func New(cfg config.Config, hist *history.Store, pipe *pipeline.Pipeline, norm *images.Normalizer, client llm.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		hist:      hist,
		pipe:      pipe,
		norm:      norm,
		client:    client,
		log:       slog.Default(),
		randFloat: rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// HandleMessage processes one inbound message. It returns the reply text
// and whether a reply should be emitted. Transport, configuration and
// malformed-response failures resolve to the configured fallback text; only
// a plugin failure propagates as an error, in which case nothing was
// emitted or recorded.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg Inbound) (string, bool, error) {
	if msg.SenderID == msg.SelfID {
		return "", false, nil
	}

	log := o.log.With("run_id", newRunID(), "session_id", msg.SessionID)

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = EmptyMessagePlaceholder
	}
	sender := msg.SenderName
	if sender == "" {
		sender = "用户" + msg.SenderID
	}

	imgs := o.norm.NormalizeAll(ctx, msg.Images)
	snapshot := o.hist.Snapshot(msg.SessionID)
	log.Debug("msg_received", "sender", sender, "text_len", len(text), "images", len(imgs))

	var (
		reply   string
		replied bool
	)
	if o.shouldReply(msg) {
		replied = true

		payload := &pipeline.RequestPayload{
			Prompt:        composePrompt(o.cfg.PromptTemplate, snapshot, sender, text),
			History:       snapshot,
			Sender:        sender,
			LatestMessage: text,
			Images:        imgs,
			Extra:         map[string]any{},
		}
		payload, err := o.pipe.RunBeforeRequest(payload)
		if err != nil {
			return "", false, err
		}

		generated, callErr := o.callModel(ctx, payload)
		if callErr != nil {
			log.Warn("llm_call_failed", "error", callErr)
			reply = o.cfg.FallbackReply
		} else {
			resp := &pipeline.ResponsePayload{
				Content: generated,
				Request: payload,
				Extra:   map[string]any{},
			}
			resp, err = o.pipe.RunAfterResponse(resp)
			if err != nil {
				return "", false, err
			}
			reply = resp.Content
			log.Info("reply_sent", "chars", len(reply))
		}
	} else {
		log.Debug("reply_skipped")
	}

	o.hist.Append(msg.SessionID, history.Entry{
		Speaker: sender,
		Content: text,
		Images:  imgs,
	})
	if replied && reply != "" {
		o.hist.Append(msg.SessionID, history.Entry{
			Speaker: o.cfg.BotName,
			Content: reply,
			IsBot:   true,
		})
	}

	return reply, replied, nil
}

// shouldReply implements the trigger policy: an explicit mention always
// replies; otherwise a uniform draw under the configured probability does,
// but only when a credential exists (a random reply that can only ever
// produce the fallback text is noise).
func (o *Orchestrator) shouldReply(msg Inbound) bool {
	if msg.AddressedToMe {
		return true
	}
	if o.cfg.ReplyProbability <= 0 {
		return false
	}
	if o.randFloat() >= o.cfg.ReplyProbability {
		return false
	}
	return o.cfg.APIKey != ""
}

func (o *Orchestrator) callModel(ctx context.Context, p *pipeline.RequestPayload) (string, error) {
	if o.cfg.APIKey == "" {
		return "", errNoAPIKey
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	res, err := o.client.Chat(ctx, llm.Request{
		Model:       o.cfg.Model,
		Messages:    []llm.Message{llm.MultimodalMessage("user", p.Prompt, p.Images)},
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func composePrompt(template string, hist []history.Entry, sender, latest string) string {
	historyBlock := EmptyHistoryPlaceholder
	if len(hist) > 0 {
		lines := make([]string, 0, len(hist))
		for _, e := range hist {
			lines = append(lines, e.Speaker+"："+e.Content)
		}
		historyBlock = strings.Join(lines, "\n")
	}
	return strings.NewReplacer(
		"{history}", historyBlock,
		"{sender}", sender,
		"{latest_message}", latest,
	).Replace(template)
}

func newRunID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
