// Package pipeline runs registered plugins around the language-model call:
// before-hooks may rewrite the outgoing request, after-hooks the reply.
package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/usubeni/gptrelay/history"
)

// RequestPayload is the mutable value handed through before-hooks. History
// is a snapshot copy of the session log; mutating it never reaches the
// store.
type RequestPayload struct {
	Prompt        string
	History       []history.Entry
	Sender        string
	LatestMessage string
	Images        []string
	Extra         map[string]any
}

// ResponsePayload wraps the reply text plus a read-only back-reference to
// the originating request.
type ResponsePayload struct {
	Content string
	Request *RequestPayload
	Extra   map[string]any
}

// Plugin is the minimal identity every pipeline entry carries. Hook
// capabilities are optional and detected per plugin; a plugin implementing
// neither is a no-op in both directions.
type Plugin interface {
	Name() string
	DefaultPriority() int
}

type RequestHook interface {
	BeforeRequest(p *RequestPayload) error
}

type ResponseHook interface {
	AfterResponse(p *ResponsePayload) error
}

type registered struct {
	priority int
	plugin   Plugin
}

// Pipeline keeps the registration list and nothing else; it is safe to
// share across sessions since payloads are per-invocation.
type Pipeline struct {
	plugins []registered
	log     *slog.Logger
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Register inserts a plugin at the given priority (the plugin's own default
// when omitted) and re-sorts the chain descending by priority, stable on
// ties. Re-registering the same instance adds a second entry; callers own
// idempotent registration.
func (p *Pipeline) Register(plugin Plugin, priority ...int) {
	if plugin == nil {
		return
	}
	prio := plugin.DefaultPriority()
	if len(priority) > 0 {
		prio = priority[0]
	}
	p.plugins = append(p.plugins, registered{priority: prio, plugin: plugin})
	sort.SliceStable(p.plugins, func(i, j int) bool {
		return p.plugins[i].priority > p.plugins[j].priority
	})
	p.logOrder()
}

func (p *Pipeline) logOrder() {
	if len(p.plugins) == 0 {
		p.log.Info("pipeline_empty")
		return
	}
	names := make([]string, 0, len(p.plugins))
	for _, r := range p.plugins {
		names = append(names, fmt.Sprintf("%s(%d)", r.plugin.Name(), r.priority))
	}
	p.log.Info("pipeline_order", "plugins", strings.Join(names, ", "))
}

// Len reports the number of registered entries, duplicates included.
func (p *Pipeline) Len() int { return len(p.plugins) }

// RunBeforeRequest folds the payload through every before-hook in pipeline
// order. The first hook error aborts the chain and propagates; there is no
// isolation between plugins.
func (p *Pipeline) RunBeforeRequest(payload *RequestPayload) (*RequestPayload, error) {
	for _, r := range p.plugins {
		hook, ok := r.plugin.(RequestHook)
		if !ok {
			continue
		}
		if err := hook.BeforeRequest(payload); err != nil {
			return nil, fmt.Errorf("pipeline: plugin %s before-request: %w", r.plugin.Name(), err)
		}
	}
	return payload, nil
}

// RunAfterResponse is the symmetric fold over after-hooks.
func (p *Pipeline) RunAfterResponse(payload *ResponsePayload) (*ResponsePayload, error) {
	for _, r := range p.plugins {
		hook, ok := r.plugin.(ResponseHook)
		if !ok {
			continue
		}
		if err := hook.AfterResponse(payload); err != nil {
			return nil, fmt.Errorf("pipeline: plugin %s after-response: %w", r.plugin.Name(), err)
		}
	}
	return payload, nil
}
