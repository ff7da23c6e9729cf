package kv

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Compile-time check that *Memory satisfies [Store].
var _ Store = (*Memory)(nil)

// Memory is an in-process [Store] used in development (no Redis configured)
// and in tests. Expiry is evaluated lazily on access against the injected
// clock.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	windows map[string][]time.Time

	// now is the clock; overridable in tests.
	now func() time.Time
}

type memoryEntry struct {
	value    []byte
	deadline time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the store's clock. Intended for tests that exercise
// expiry and daily-reset behaviour.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements [Store].
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.deadline = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Delete implements [Store].
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	delete(m.windows, key)
	return nil
}

// Keys implements [Store].
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k, e := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if m.expired(e) {
			delete(m.entries, k)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Incr implements [Store].
func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if e, ok := m.entries[key]; ok && !m.expired(e) {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err == nil {
			n = parsed
		}
	}
	n++
	e := memoryEntry{value: []byte(strconv.FormatInt(n, 10))}
	if ttl > 0 {
		e.deadline = m.now().Add(ttl)
	}
	m.entries[key] = e
	return n, nil
}

// GetInt implements [Store].
func (m *Memory) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := m.Get(ctx, key)
	if err != nil {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SlidingWindowAdd implements [Store].
func (m *Memory) SlidingWindowAdd(_ context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	kept := m.windows[key][:0]
	for _, ts := range m.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	count := int64(len(kept))
	m.windows[key] = append(kept, now)
	return count, nil
}

// Ping implements [Store]. The in-memory store is always reachable.
func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) expired(e memoryEntry) bool {
	return !e.deadline.IsZero() && m.now().After(e.deadline)
}
