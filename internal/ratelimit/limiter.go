// Package ratelimit implements Redis-backed sliding-window rate limiting and
// in-process WebSocket connection accounting.
//
// Every applicable limit must pass for a request to be admitted. Windows are
// ordered sets of admission timestamps in the KV store, trimmed on every
// check; entries auto-expire one second after the window. When the KV store
// is unreachable the limiter fails open: rate limiting is a DoS safeguard,
// and in degraded mode availability wins over lockout.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hivemind-ai/hivemind/internal/config"
	"github.com/hivemind-ai/hivemind/internal/kv"
)

// Limit is one sliding-window rule.
type Limit struct {
	// Requests is the maximum number of admissions per window.
	Requests int

	// Window is the sliding window length.
	Window time.Duration

	// Scope names the rule and forms part of the KV key.
	Scope string

	// PerEndpoint appends the endpoint path to the KV key, separating
	// windows per endpoint within the scope.
	PerEndpoint bool
}

// Decision is the outcome of evaluating all applicable limits for a request.
type Decision struct {
	// Allowed reports whether the request is admitted.
	Allowed bool

	// Limit is the most restrictive applicable rule: on rejection, the rule
	// that rejected; on admission, the rule with the fewest remaining.
	Limit Limit

	// Remaining is the admissions left under that rule.
	Remaining int

	// RetryAfter is the suggested wait on rejection, in seconds.
	RetryAfter int

	// Reset is the Unix time at which the window fully resets.
	Reset int64

	// FailedOpen is true when KV was unreachable and the request was
	// admitted without counting.
	FailedOpen bool
}

// Limiter evaluates sliding-window limits against the KV store.
// Safe for concurrent use; all state lives in the store.
type Limiter struct {
	store    kv.Store
	defaults []Limit
	chat     []Limit
	voice    []Limit

	// endpoints holds endpoint-specific limit sets keyed by path.
	endpoints map[string][]Limit

	// now is the clock; overridable in tests.
	now func() time.Time
}

// New builds a Limiter with the default limit sets derived from cfg.
func New(store kv.Store, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		store: store,
		defaults: []Limit{
			{Requests: cfg.PerIPMinute, Window: time.Minute, Scope: "ip_minute"},
			{Requests: cfg.PerIPHour, Window: time.Hour, Scope: "ip_hour"},
		},
		chat: []Limit{
			{Requests: cfg.ChatPerMinute, Window: time.Minute, Scope: "chat"},
		},
		voice: []Limit{
			{Requests: cfg.VoicePerMinute, Window: time.Minute, Scope: "voice"},
		},
		endpoints: make(map[string][]Limit),
		now:       time.Now,
	}
}

// SetEndpointLimits installs an endpoint-specific limit set for path,
// evaluated in addition to the defaults. Must be called before serving.
func (l *Limiter) SetEndpointLimits(path string, limits []Limit) {
	l.endpoints[path] = limits
}

// applicable collects every limit that governs (ip, path): the default
// per-ip set, any endpoint-specific set, and the chat/voice scope sets for
// matching paths.
func (l *Limiter) applicable(path string) []Limit {
	limits := make([]Limit, 0, len(l.defaults)+2)
	limits = append(limits, l.defaults...)
	if eps, ok := l.endpoints[path]; ok {
		limits = append(limits, eps...)
	}
	if strings.Contains(path, "/chat") {
		limits = append(limits, l.chat...)
	}
	if strings.Contains(path, "/voice") {
		limits = append(limits, l.voice...)
	}
	return limits
}

// Evaluate runs every applicable limit for (ip, path) in order. The first
// rejecting limit short-circuits; on full admission the most restrictive
// remaining count is reported. A KV failure admits the request (fail open)
// with a warning log.
func (l *Limiter) Evaluate(ctx context.Context, ip, path string) Decision {
	now := l.now()
	best := Decision{Allowed: true, Remaining: -1}

	for _, lim := range l.applicable(path) {
		key := windowKey(lim, ip, path)
		count, err := l.store.SlidingWindowAdd(ctx, key, now, lim.Window)
		if err != nil {
			slog.Warn("rate limiter failing open: kv unavailable",
				"key", key, "err", err)
			return Decision{Allowed: true, Limit: lim, Remaining: lim.Requests, FailedOpen: true}
		}

		reset := now.Add(lim.Window).Unix()
		if count >= int64(lim.Requests) {
			return Decision{
				Allowed:    false,
				Limit:      lim,
				Remaining:  0,
				RetryAfter: int(lim.Window.Seconds()),
				Reset:      reset,
			}
		}

		remaining := lim.Requests - int(count) - 1
		if best.Remaining < 0 || remaining < best.Remaining {
			best.Limit = lim
			best.Remaining = remaining
			best.Reset = reset
		}
	}
	return best
}

// windowKey forms the KV key rate_limit:<scope>:<ip>[:<endpoint>].
func windowKey(lim Limit, ip, path string) string {
	if lim.PerEndpoint {
		return fmt.Sprintf("rate_limit:%s:%s:%s", lim.Scope, ip, path)
	}
	return fmt.Sprintf("rate_limit:%s:%s", lim.Scope, ip)
}
