// Package pheromind is the ambient signal layer: short-lived observations
// deposited by request processing and scanned by later requests for
// environmental context. Signals expire on their own; the layer is advisory
// and a degraded store never fails a request.
package pheromind

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-ai/hivemind/internal/kv"
)

const (
	keyPrefix = "pheromind:signal:"

	// ambientBucket holds signals deposited without a topic; every scan
	// sees them alongside its own topic bucket.
	ambientBucket = "ambient"
)

// Signal is one ambient observation.
type Signal struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic,omitempty"`
	Kind      string         `json:"kind"`
	Source    string         `json:"source"`
	Content   string         `json:"content"`
	Strength  float64        `json:"strength"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Fingerprint folds a free-text topic to a stable bucket key. Significant
// words are lower-cased, deduplicated, and sorted before hashing, so word
// order and repetition do not split a topic across buckets. A topic with no
// significant words maps to the ambient bucket.
func Fingerprint(topic string) string {
	seen := make(map[string]bool)
	var words []string
	for _, w := range strings.Fields(strings.ToLower(topic)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	if len(words) == 0 {
		return ambientBucket
	}
	sort.Strings(words)

	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(words, " ")))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Field is the signal store. Safe for concurrent use.
type Field struct {
	store kv.Store
	ttl   time.Duration
	max   int
	now   func() time.Time
}

// Option configures a [Field].
type Option func(*Field)

// WithClock replaces the field clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Field) { f.now = now }
}

// New creates a Field whose signals live for ttl and whose scans return at
// most max signals.
func New(store kv.Store, ttl time.Duration, max int, opts ...Option) *Field {
	f := &Field{store: store, ttl: ttl, max: max, now: time.Now}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Deposit stores a signal under the topic's bucket with the field TTL and
// returns its id. An empty topic lands in the ambient bucket, visible to
// every scan.
func (f *Field) Deposit(ctx context.Context, topic, kind, source, content string, strength float64, metadata map[string]any) (string, error) {
	fp := Fingerprint(topic)
	sig := Signal{
		ID:        uuid.NewString(),
		Topic:     fp,
		Kind:      kind,
		Source:    source,
		Content:   content,
		Strength:  strength,
		Metadata:  metadata,
		Timestamp: f.now(),
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		return "", fmt.Errorf("pheromind: encode signal: %w", err)
	}
	if err := f.store.Set(ctx, keyPrefix+fp+":"+sig.ID, raw, f.ttl); err != nil {
		return "", fmt.Errorf("pheromind: deposit: %w", err)
	}
	return sig.ID, nil
}

// Scan returns live signals for the topic's bucket plus the ambient bucket,
// strongest first, capped at the field maximum. A degraded store yields an
// empty set, never an error: ambient context is best-effort.
func (f *Field) Scan(ctx context.Context, topic string) []Signal {
	prefixes := []string{keyPrefix + ambientBucket + ":"}
	if fp := Fingerprint(topic); fp != ambientBucket {
		prefixes = append(prefixes, keyPrefix+fp+":")
	}

	var signals []Signal
	for _, prefix := range prefixes {
		keys, err := f.store.Keys(ctx, prefix)
		if err != nil {
			slog.Warn("pheromind scan degraded", "err", err)
			return nil
		}
		for _, key := range keys {
			raw, err := f.store.Get(ctx, key)
			if err != nil {
				// Expired between listing and read.
				continue
			}
			var sig Signal
			if err := json.Unmarshal(raw, &sig); err != nil {
				slog.Warn("pheromind signal undecodable", "key", key, "err", err)
				continue
			}
			signals = append(signals, sig)
		}
	}

	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Strength != signals[j].Strength {
			return signals[i].Strength > signals[j].Strength
		}
		return signals[i].Timestamp.After(signals[j].Timestamp)
	})
	if len(signals) > f.max {
		signals = signals[:f.max]
	}
	return signals
}
