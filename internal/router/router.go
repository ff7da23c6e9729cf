// Package router maps logical model aliases to concrete inference backends
// and issues chat-completion requests against them.
//
// The alias table is static: loaded from the model roster at startup and
// immutable afterwards, so lookups are lock-free. Health checks are advisory
// GET /health probes and are never cached here — callers cache if they need
// to.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hivemind-ai/hivemind/internal/config"
)

// Default generation options applied when the caller leaves a field zero.
const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
	DefaultTopK        = 40

	// DefaultCallTimeout bounds one Generate call when the caller's context
	// carries no earlier deadline.
	DefaultCallTimeout = 60 * time.Second

	// healthTimeout bounds one health probe.
	healthTimeout = 5 * time.Second
)

// Options tunes a single generation call. The zero value selects the
// defaults above. Unknown tunables a caller may carry are simply not
// representable here, which keeps the surface forward-compatible: they are
// dropped rather than rejected.
type Options struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
	Stream      bool
}

// withDefaults returns a copy of o with zero fields replaced by defaults.
func (o Options) withDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultTemperature
	}
	if o.TopP == 0 {
		o.TopP = DefaultTopP
	}
	if o.TopK == 0 {
		o.TopK = DefaultTopK
	}
	return o
}

// Usage holds token accounting reported by (or estimated for) a backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`

	// Estimated is true when the backend reported no usage and the prompt
	// token count was estimated by whitespace splitting. CompletionTokens
	// is omitted in that case.
	Estimated bool `json:"estimated,omitempty"`
}

// Result is a normalized chat completion.
type Result struct {
	// Content is the first choice's message content, with any leading
	// reasoning-channel sentinel stripped.
	Content string

	// Model is the concrete model name the backend reported.
	Model string

	// Usage is nil when neither reported nor estimable.
	Usage *Usage

	// FinishReason is the backend's stop reason, when reported.
	FinishReason string
}

// backend issues chat completions for one inference server.
type backend interface {
	generate(ctx context.Context, model, prompt string, opts Options) (*Result, error)
	health(ctx context.Context) error
}

// Router dispatches Generate calls by model alias. Immutable after
// construction; safe for concurrent use.
type Router struct {
	entries map[string]entry
}

type entry struct {
	desc    config.ModelDescriptor
	backend backend
}

// New builds a Router from the model roster. Every descriptor must carry a
// valid provider; unknown providers fail construction since the roster is the
// single source of backend wiring.
func New(roster []config.ModelDescriptor) (*Router, error) {
	entries := make(map[string]entry, len(roster))
	for _, desc := range roster {
		var b backend
		switch desc.Provider {
		case config.ProviderLlamaCpp, config.ProviderOllama:
			b = newHTTPBackend(desc)
		case config.ProviderOpenAI:
			b = newOpenAIBackend(desc)
		case config.ProviderMock:
			b = newMockBackend(desc.Model)
		default:
			return nil, fmt.Errorf("router: alias %q: no backend for provider %q", desc.Alias, desc.Provider)
		}
		entries[desc.Alias] = entry{desc: desc, backend: b}
	}
	return &Router{entries: entries}, nil
}

// Aliases returns the configured alias names, for health aggregation.
func (r *Router) Aliases() []string {
	out := make([]string, 0, len(r.entries))
	for a := range r.entries {
		out = append(out, a)
	}
	return out
}

// Describe returns the descriptor for alias, if configured.
func (r *Router) Describe(alias string) (config.ModelDescriptor, bool) {
	e, ok := r.entries[alias]
	return e.desc, ok
}

// Generate resolves alias and issues a single-user-message chat completion.
// The call is bounded by [DefaultCallTimeout] unless ctx carries an earlier
// deadline. Failures map to the package error taxonomy: [ErrUnknownAlias],
// [ErrBackendUnavailable], [ErrBackendTimeout], or a [*BackendError].
func (r *Router) Generate(ctx context.Context, alias, prompt string, opts Options) (*Result, error) {
	e, ok := r.entries[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
	}

	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	res, err := e.backend.generate(ctx, e.desc.Model, prompt, opts.withDefaults())
	if err != nil {
		return nil, err
	}
	res.Content = stripSentinel(res.Content)
	if res.Usage == nil {
		res.Usage = &Usage{
			PromptTokens: len(strings.Fields(prompt)),
			Estimated:    true,
		}
	}
	return res, nil
}

// HealthCheck probes alias's backend with a cheap GET bounded by a 5-second
// timeout. A single healthy response means healthy. Results are advisory and
// not cached.
func (r *Router) HealthCheck(ctx context.Context, alias string) bool {
	e, ok := r.entries[alias]
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return e.backend.health(ctx) == nil
}

// stripSentinel removes a leading reasoning-channel preamble of the form
// "<|channel|>…<|message|>" that some llama.cpp chat templates emit, keeping
// the text after the last "<|message|>" marker.
func stripSentinel(content string) string {
	const (
		channel = "<|channel|>"
		message = "<|message|>"
	)
	if !strings.HasPrefix(content, channel) {
		return content
	}
	idx := strings.LastIndex(content, message)
	if idx < 0 {
		return content
	}
	return content[idx+len(message):]
}
