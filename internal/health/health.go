// Package health provides the /health endpoint with per-service status
// aggregation.
//
// Each dependency registers a named [Checker]. The endpoint reports
// "healthy" when every check passes, "degraded" when any dependency fails,
// and "unhealthy" when the orchestrator itself is not ready — a process
// that cannot process requests is worse than one with a flaky dependency.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single check may take before the
// context is cancelled.
const checkTimeout = 5 * time.Second

// Aggregate statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Checker is a named health check function. Check should return nil when
// the dependency is healthy and a non-nil error describing the failure
// otherwise. It must respect context cancellation.
type Checker struct {
	// Name is a short label for this dependency (e.g. "redis", "graph").
	// It appears as a key in the services map.
	Name string

	Check func(ctx context.Context) error
}

// serviceStatus is one entry of the services map.
type serviceStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// report is the JSON response body.
type report struct {
	Status        string                   `json:"status"`
	Timestamp     time.Time                `json:"timestamp"`
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Services      map[string]serviceStatus `json:"services"`
}

// Handler serves the /health endpoint. Safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	checkers []Checker
	ready    func() bool
	started  time.Time
	now      func() time.Time
}

// New creates a [Handler]. ready reports whether the orchestrator is
// initialised; nil means always ready. The checkers are evaluated
// sequentially in the order provided.
func New(ready func() bool, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{
		checkers: c,
		ready:    ready,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Health evaluates every checker and writes the aggregate report. The
// endpoint itself always answers 200; the status field carries the verdict
// so load balancers and dashboards read one shape.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	services := make(map[string]serviceStatus, len(h.checkers))
	anyFailed := false

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		s := serviceStatus{Status: StatusHealthy, CheckedAt: h.now()}
		if err != nil {
			s.Status = "error"
			s.Message = err.Error()
			anyFailed = true
		}
		services[c.Name] = s
	}

	status := StatusHealthy
	switch {
	case h.ready != nil && !h.ready():
		status = StatusUnhealthy
	case anyFailed:
		status = StatusDegraded
	}

	writeJSON(w, http.StatusOK, report{
		Status:        status,
		Timestamp:     now,
		UptimeSeconds: now.Sub(h.started).Seconds(),
		Services:      services,
	})
}

// Register adds the /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
