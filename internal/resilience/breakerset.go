package resilience

import (
	"sync"
	"time"
)

// BreakerSet holds one [CircuitBreaker] per model alias, created lazily with
// a shared configuration.
type BreakerSet struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a BreakerSet. Zero-value config fields take the
// breaker defaults; Name is overridden per alias.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker guarding alias, creating it on first use.
func (s *BreakerSet) For(alias string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[alias]
	if !ok {
		cfg := s.cfg
		cfg.Name = alias
		cb = NewCircuitBreaker(cfg)
		s.breakers[alias] = cb
	}
	return cb
}

// States returns a snapshot of every known alias and its breaker state, for
// health reporting.
func (s *BreakerSet) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for alias, cb := range s.breakers {
		out[alias] = cb.State()
	}
	return out
}

// DefaultBackendBreakerConfig is the tuning used for model backends: a
// backend that fails three calls in a row rests for fifteen seconds before
// probes resume.
func DefaultBackendBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: 15 * time.Second,
		HalfOpenMax:  2,
	}
}
