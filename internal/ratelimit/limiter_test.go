package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hivemind-ai/hivemind/internal/config"
	"github.com/hivemind-ai/hivemind/internal/kv"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		PerIPMinute:    60,
		PerIPHour:      1000,
		ChatPerMinute:  10,
		VoicePerMinute: 5,
		MaxWSPerIP:     5,
	}
}

func newTestLimiter(store kv.Store) (*Limiter, *time.Time) {
	l := New(store, testConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestEvaluate_ChatScopeEnforced(t *testing.T) {
	l, now := newTestLimiter(kv.NewMemory())
	ctx := context.Background()

	// 10 admissions pass, the 11th within the window is rejected by the
	// chat scope.
	for i := 0; i < 10; i++ {
		d := l.Evaluate(ctx, "1.2.3.4", "/api/chat")
		if !d.Allowed {
			t.Fatalf("request %d rejected, want admitted", i+1)
		}
		*now = now.Add(time.Second)
	}

	d := l.Evaluate(ctx, "1.2.3.4", "/api/chat")
	if d.Allowed {
		t.Fatal("11th chat request admitted, want rejected")
	}
	if d.Limit.Scope != "chat" {
		t.Errorf("rejecting scope = %q, want chat", d.Limit.Scope)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 60 {
		t.Errorf("retry after = %d, want in (0, 60]", d.RetryAfter)
	}
}

func TestEvaluate_WindowSlides(t *testing.T) {
	l, now := newTestLimiter(kv.NewMemory())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Evaluate(ctx, "1.2.3.4", "/api/chat")
	}
	if d := l.Evaluate(ctx, "1.2.3.4", "/api/chat"); d.Allowed {
		t.Fatal("over-limit request admitted")
	}

	// After the window passes, admissions resume.
	*now = now.Add(61 * time.Second)
	if d := l.Evaluate(ctx, "1.2.3.4", "/api/chat"); !d.Allowed {
		t.Fatal("request after window elapsed rejected")
	}
}

func TestEvaluate_IPsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(kv.NewMemory())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Evaluate(ctx, "1.1.1.1", "/api/chat")
	}
	if d := l.Evaluate(ctx, "1.1.1.1", "/api/chat"); d.Allowed {
		t.Fatal("first IP should be exhausted")
	}
	if d := l.Evaluate(ctx, "2.2.2.2", "/api/chat"); !d.Allowed {
		t.Fatal("second IP should be unaffected")
	}
}

func TestEvaluate_MostRestrictiveRemainingReported(t *testing.T) {
	l, _ := newTestLimiter(kv.NewMemory())

	d := l.Evaluate(context.Background(), "1.2.3.4", "/api/chat")
	if !d.Allowed {
		t.Fatal("first request rejected")
	}
	// chat (10/min) is tighter than ip_minute (60/min) and ip_hour.
	if d.Limit.Scope != "chat" {
		t.Errorf("reported scope = %q, want chat", d.Limit.Scope)
	}
	if d.Remaining != 9 {
		t.Errorf("remaining = %d, want 9", d.Remaining)
	}
}

func TestEvaluate_VoiceScope(t *testing.T) {
	l, _ := newTestLimiter(kv.NewMemory())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if d := l.Evaluate(ctx, "1.2.3.4", "/api/voice/chat"); !d.Allowed {
			t.Fatalf("voice request %d rejected", i+1)
		}
	}
	d := l.Evaluate(ctx, "1.2.3.4", "/api/voice/chat")
	if d.Allowed || d.Limit.Scope != "voice" {
		t.Fatalf("decision = %+v, want voice rejection", d)
	}
}

// failingStore simulates KV unavailability.
type failingStore struct {
	kv.Store
}

func (f failingStore) SlidingWindowAdd(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestEvaluate_FailsOpenOnKVError(t *testing.T) {
	l := New(failingStore{}, testConfig())

	d := l.Evaluate(context.Background(), "1.2.3.4", "/api/chat")
	if !d.Allowed {
		t.Fatal("KV outage must fail open")
	}
	if !d.FailedOpen {
		t.Error("decision should be marked failed-open")
	}
}

func TestMiddleware_HeadersAndRejection(t *testing.T) {
	l, _ := newTestLimiter(kv.NewMemory())
	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var rec *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		req := httptest.NewRequest("POST", "/api/chat", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request status = %d, want 429", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry <= 0 || retry > 60 {
		t.Errorf("Retry-After = %q, want integer in (0, 60]", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" || rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("rate limit headers missing on rejection")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestMiddleware_LoopbackHealthBypass(t *testing.T) {
	l, _ := newTestLimiter(kv.NewMemory())
	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 200; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "127.0.0.1:999"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("loopback health probe %d limited", i+1)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{"forwarded first token", "10.0.0.1, 10.0.0.2", "", "1.1.1.1:80", "10.0.0.1"},
		{"real ip", "", "10.0.0.3", "1.1.1.1:80", "10.0.0.3"},
		{"transport peer", "", "", "1.1.1.1:80", "1.1.1.1"},
		{"xff wins over real ip", "10.0.0.1", "10.0.0.3", "1.1.1.1:80", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnCounter(t *testing.T) {
	c := NewConnCounter(2)

	if !c.Acquire("a") || !c.Acquire("a") {
		t.Fatal("first two connections should be admitted")
	}
	if c.Acquire("a") {
		t.Fatal("third connection should hit the cap")
	}
	if !c.Acquire("b") {
		t.Fatal("other IPs are unaffected by the cap")
	}

	c.Release("a")
	if !c.Acquire("a") {
		t.Fatal("released slot should be reusable")
	}

	// Release floors at zero.
	c.Release("ghost")
	if c.Count("ghost") != 0 {
		t.Errorf("count(ghost) = %d, want 0", c.Count("ghost"))
	}
}
