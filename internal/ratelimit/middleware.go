package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/hivemind-ai/hivemind/internal/observe"
)

// ClientIP extracts the client address for rate-limit keys, preferring proxy
// headers: the first X-Forwarded-For token, then X-Real-IP, then the
// transport peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsLoopback reports whether ip is the local host.
func IsLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1"
}

// Middleware wraps next with sliding-window admission control. Admitted
// responses carry X-RateLimit-{Limit,Remaining,Reset}; rejections get a 429
// with Retry-After. Health probes from the loopback address bypass all
// limits. Rejections are logged at info — being rate limited is not an
// error.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	metrics := observe.DefaultMetrics()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if IsLoopback(ip) && (r.URL.Path == "/health" || r.URL.Path == "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			d := l.Evaluate(r.Context(), ip, r.URL.Path)
			if !d.FailedOpen {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit.Requests))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset, 10))
			}

			if !d.Allowed {
				metrics.RecordRateLimitRejection(r.Context(), d.Limit.Scope)
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
				slog.Info("request rate limited",
					"ip", ip,
					"path", r.URL.Path,
					"scope", d.Limit.Scope,
				)
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate limit exceeded",
					"retry_after": d.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
