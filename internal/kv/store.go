// Package kv defines the key-value store adapter used for rate-limit windows,
// budget records, transactions, and pheromind signals.
//
// Two implementations exist: [Redis], backed by a shared Redis instance, and
// [Memory], an in-process store used in development and tests. Both expose
// only the operations the rest of the system requires; nothing else of the
// underlying store leaks through.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Store.Get] when the key does not exist or has
// expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal key-value surface the orchestrator depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored at key, or [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix. Intended for
	// small, bounded namespaces (budgets, usage counters).
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Incr atomically increments the integer at key by one and returns the
	// new value. The ttl is (re)applied on every call when positive.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetInt returns the integer at key, or 0 when the key is missing.
	GetInt(ctx context.Context, key string) (int64, error)

	// SlidingWindowAdd runs the rate-limit window batch for key: trim
	// members older than window, count the remainder, add now, and set the
	// key to expire one second after the window. It returns the member
	// count before the add. The four steps execute atomically.
	SlidingWindowAdd(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)

	// Ping probes the store for health checks.
	Ping(ctx context.Context) error
}
