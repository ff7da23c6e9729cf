// Package server is the HTTP and WebSocket surface: REST chat and voice
// endpoints, streaming sockets, health aggregation, and the middleware
// chain that fronts them all.
//
// Middleware order is fixed: telemetry, security headers, CORS, rate
// limiting, then request validation. The rate limiter fails open and the
// validator fails closed; admission control runs before any body parsing.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hivemind-ai/hivemind/internal/config"
	"github.com/hivemind-ai/hivemind/internal/health"
	"github.com/hivemind-ai/hivemind/internal/observe"
	"github.com/hivemind-ai/hivemind/internal/orchestrator"
	"github.com/hivemind-ai/hivemind/internal/ratelimit"
	"github.com/hivemind-ai/hivemind/internal/validate"
	"github.com/hivemind-ai/hivemind/internal/voice"
)

// maxChatMessageChars bounds the chat message length.
const maxChatMessageChars = 8000

// Server wires the handlers and middleware. Construct with [New]; the
// resulting [Server.Handler] is safe for concurrent use.
type Server struct {
	cfg       config.ServerConfig
	orch      *orchestrator.Orchestrator
	voice     *voice.Adapter
	audioDir  string
	limiter   *ratelimit.Limiter
	validator *validate.Validator
	conns     *ratelimit.ConnCounter
	healthz   *health.Handler
	metrics   *observe.Metrics

	// inflight is the backpressure semaphore; a full channel means the
	// instance is saturated and new work is rejected with 503.
	inflight chan struct{}
}

// Option configures a [Server].
type Option func(*Server)

// WithVoice enables the voice endpoints.
func WithVoice(a *voice.Adapter, audioDir string) Option {
	return func(s *Server) {
		s.voice = a
		s.audioDir = audioDir
	}
}

// WithHealth sets the health aggregation handler.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.healthz = h }
}

// WithMetrics sets the metrics instance used by the handlers.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server over the orchestrator and edge controls.
func New(cfg config.ServerConfig, orch *orchestrator.Orchestrator, limiter *ratelimit.Limiter, validator *validate.Validator, conns *ratelimit.ConnCounter, opts ...Option) *Server {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		limiter:   limiter,
		validator: validator,
		conns:     conns,
		healthz:   health.New(func() bool { return orch != nil }),
		metrics:   observe.DefaultMetrics(),
		inflight:  make(chan struct{}, maxInFlight),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the full middleware chain around the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /ws/chat", s.handleChatSocket)
	if s.voice != nil {
		mux.HandleFunc("POST /api/voice/chat", s.handleVoiceChat)
		mux.HandleFunc("GET /api/voice/audio/{filename}", s.handleVoiceAudio)
		mux.HandleFunc("GET /ws/voice", s.handleVoiceSocket)
	}
	s.healthz.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = s.backpressure(mux)
	if s.validator != nil {
		h = s.validator.Middleware(h)
	}
	if s.limiter != nil {
		h = ratelimit.Middleware(s.limiter)(h)
	}
	h = s.cors(h)
	h = validate.SecurityHeaders(s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "")(h)
	h = observe.Middleware(s.metrics)(h)
	return h
}

// backpressure rejects API and socket work with 503 when the instance is
// saturated. Health and metrics always answer.
func (s *Server) backpressure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") && !strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		select {
		case s.inflight <- struct{}{}:
			defer func() { <-s.inflight }()
			next.ServeHTTP(w, r)
		default:
			writeError(w, http.StatusServiceUnavailable, "server at capacity")
		}
	})
}

// cors answers preflight requests and stamps allowed origins. An empty
// allowlist means same-origin only: no CORS headers at all.
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.CORSAllowedOrigins))
	for _, o := range s.cfg.CORSAllowedOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the uniform error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
