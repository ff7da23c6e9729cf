package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hivemind-ai/hivemind/internal/observe"
	"github.com/hivemind-ai/hivemind/internal/resilience"
	"github.com/hivemind-ai/hivemind/internal/router"
)

// ErrCouncilUnavailable is returned when every council member fails.
var ErrCouncilUnavailable = errors.New("orchestrator: council_unavailable")

// Council fans a prompt out to N model aliases in parallel and collects
// their positions under a partial-quorum rule: synthesis may proceed once
// ceil(N/2)+1 answers arrive, or when every call has finished, whichever
// comes first. Per-alias concurrency is capped so one busy inference server
// is not flooded by overlapping requests.
type Council struct {
	router   *router.Router
	aliases  []string
	deadline time.Duration
	sems     map[string]*semaphore.Weighted
	breakers *resilience.BreakerSet
	metrics  *observe.Metrics
}

// NewCouncil creates a Council over the given aliases. perAliasCap bounds
// concurrent calls per alias across all requests.
func NewCouncil(r *router.Router, aliases []string, deadline time.Duration, perAliasCap int) *Council {
	if perAliasCap <= 0 {
		perAliasCap = 4
	}
	sems := make(map[string]*semaphore.Weighted, len(aliases))
	for _, a := range aliases {
		sems[a] = semaphore.NewWeighted(int64(perAliasCap))
	}
	breakers := resilience.NewBreakerSet(resilience.DefaultBackendBreakerConfig())
	for _, a := range aliases {
		// Pre-create so health reporting covers every member from startup.
		breakers.For(a)
	}
	return &Council{
		router:   r,
		aliases:  aliases,
		deadline: deadline,
		sems:     sems,
		breakers: breakers,
		metrics:  observe.DefaultMetrics(),
	}
}

// Quorum is the number of positions that lets synthesis proceed early.
func (c *Council) Quorum() int {
	return quorum(len(c.aliases))
}

// BreakerStates reports each member's circuit breaker state for health
// aggregation.
func (c *Council) BreakerStates() map[string]resilience.State {
	return c.breakers.States()
}

// quorum computes ceil(N/2)+1 capped at N.
func quorum(n int) int {
	q := (n+1)/2 + 1
	if q > n {
		q = n
	}
	return q
}

type memberResult struct {
	position Position
	err      error
	alias    string
}

// Deliberate runs the council. Failed members contribute nothing; the phase
// only fails when every member does. Positions are returned sorted by alias
// so downstream prompts are stable.
func (c *Council) Deliberate(ctx context.Context, prompt string) ([]Position, error) {
	if len(c.aliases) == 0 {
		return nil, ErrCouncilUnavailable
	}

	need := quorum(len(c.aliases))
	results := make(chan memberResult, len(c.aliases))

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, alias := range c.aliases {
		go func(alias string) {
			results <- c.ask(callCtx, alias, prompt)
		}(alias)
	}

	var positions []Position
	var failures int
collect:
	for received := 0; received < len(c.aliases); received++ {
		select {
		case r := <-results:
			if r.err != nil {
				failures++
				slog.Warn("council member failed", "alias", r.alias, "err", r.err)
				continue
			}
			positions = append(positions, r.position)
			if len(positions) >= need {
				// Quorum reached; abandon the stragglers.
				cancel()
				break collect
			}
		case <-ctx.Done():
			break collect
		}
	}

	if len(positions) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d members, %d failures", ErrCouncilUnavailable, len(c.aliases), failures)
	}

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].ModelAlias < positions[j].ModelAlias
	})
	return positions, nil
}

// ask runs a single member call under its semaphore, circuit breaker, and
// deadline, retrying once on transient backend trouble.
func (c *Council) ask(ctx context.Context, alias, prompt string) memberResult {
	sem := c.sems[alias]
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return memberResult{alias: alias, err: err}
		}
		defer sem.Release(1)
	}

	var (
		res     *router.Result
		latency time.Duration
	)
	guarded := func() error {
		var callErr error
		res, latency, callErr = c.call(ctx, alias, prompt)
		return callErr
	}

	cb := c.breakers.For(alias)
	err := cb.Execute(guarded)
	if err != nil && (errors.Is(err, router.ErrBackendUnavailable) || errors.Is(err, router.ErrBackendTimeout)) && ctx.Err() == nil {
		err = cb.Execute(guarded)
	}
	if err != nil {
		c.metrics.RecordBackendRequest(ctx, alias, "error")
		c.metrics.RecordBackendError(ctx, alias, errorKind(err))
		return memberResult{alias: alias, err: err}
	}
	c.metrics.RecordBackendRequest(ctx, alias, "ok")

	return memberResult{
		alias: alias,
		position: Position{
			ModelAlias: alias,
			Answer:     res.Content,
			Confidence: positionConfidence(res),
			Latency:    latency,
		},
	}
}

func (c *Council) call(ctx context.Context, alias, prompt string) (*router.Result, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	start := time.Now()
	res, err := c.router.Generate(callCtx, alias, prompt, router.Options{})
	return res, time.Since(start), err
}

// errorKind classifies a member failure for the backend error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, router.ErrBackendTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "backend"
	}
}

// positionConfidence derives a coarse confidence from the finish reason:
// a truncated answer is worth less than a completed one.
func positionConfidence(res *router.Result) float64 {
	if res.FinishReason == "length" {
		return 0.5
	}
	return 0.8
}
