package treasury

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/hivemind-ai/hivemind/internal/config"
	"github.com/hivemind-ai/hivemind/internal/kv"
	"github.com/hivemind-ai/hivemind/internal/observe"
)

const (
	// cacheTTL bounds how stale a cached budget may be.
	cacheTTL = time.Minute

	// txTTL is the KV lifetime of a transaction record; the durable copy
	// lives in the graph store via the archiver.
	txTTL = 24 * time.Hour

	budgetKeyPrefix = "budget:"
	txKeyPrefix     = "transaction:"

	processedBy = "treasury"
)

// Rejection reasons returned by [Treasury.CheckFunds], in priority order.
const (
	ReasonInvalidAmount       = "invalid_amount"
	ReasonEmergencyFreeze     = "emergency_freeze"
	ReasonAgentNotFound       = "agent_not_found"
	ReasonAgentFrozen         = "agent_frozen"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonPerActionExceeded   = "per_action_exceeded"
	ReasonDailyLimitExceeded  = "daily_limit_exceeded"
)

// RejectionError is returned by [Treasury.RecordTransaction] when a spending
// debit fails the funds check.
type RejectionError struct {
	Reason string
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	return "treasury: transaction rejected: " + e.Reason
}

// CheckResult is the outcome of a funds check.
type CheckResult struct {
	Approved       bool   `json:"approved"`
	Reason         string `json:"reason,omitempty"`
	BalanceCents   int64  `json:"balance_cents"`
	DailyRemaining int64  `json:"daily_remaining"`
	RequestedCents int64  `json:"requested_cents"`
}

// Archiver receives the durable copy of every transaction. Implemented by
// the graph store; nil disables archival.
type Archiver interface {
	ArchiveTransaction(ctx context.Context, tx *Transaction) error
}

// Treasury is the budget and ledger subsystem. Per-agent operations
// serialize on a per-agent mutex; the read cache is guarded by a
// reader-writer lock; the emergency flag is a single atomic consulted by
// every funds check.
type Treasury struct {
	store    kv.Store
	archive  Archiver
	defaults config.TreasuryConfig
	metrics  *observe.Metrics

	emergency atomic.Bool

	cacheMu sync.RWMutex
	cache   map[string]cachedBudget

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// now is the clock; overridable in tests for daily-reset coverage.
	now func() time.Time
}

type cachedBudget struct {
	budget  Budget
	expires time.Time
}

// Option configures a [Treasury] during construction.
type Option func(*Treasury)

// WithArchiver sets the durable transaction sink.
func WithArchiver(a Archiver) Option {
	return func(t *Treasury) { t.archive = a }
}

// WithClock replaces the treasury clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Treasury) { t.now = now }
}

// New creates a Treasury backed by store, with seeding defaults from cfg.
func New(store kv.Store, cfg config.TreasuryConfig, opts ...Option) *Treasury {
	t := &Treasury{
		store:    store,
		defaults: cfg,
		metrics:  observe.DefaultMetrics(),
		cache:    make(map[string]cachedBudget),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// agentLock returns the mutex serializing operations for one agent.
func (t *Treasury) agentLock(agentID string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	mu, ok := t.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		t.locks[agentID] = mu
	}
	return mu
}

// InitializeBudget creates a budget for agentID with the given seed and
// limits; zero values select the configured defaults. The seed is recorded
// as the agent's first transaction. Fails with [ErrAlreadyExists] when the
// agent already has a budget.
func (t *Treasury) InitializeBudget(ctx context.Context, agentID string, seed, dailyLimit, perActionLimit int64) (*Budget, error) {
	id, err := NormalizeAgentID(agentID)
	if err != nil {
		return nil, err
	}
	if seed == 0 {
		seed = t.defaults.SeedCents
	}
	if dailyLimit == 0 {
		dailyLimit = t.defaults.DailyLimitCents
	}
	if perActionLimit == 0 {
		perActionLimit = t.defaults.PerActionLimitCents
	}

	mu := t.agentLock(id)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := t.loadBudget(ctx, id); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	now := t.now()
	b := &Budget{
		AgentID:        id,
		BalanceCents:   seed,
		TotalEarned:    seed,
		DailyLimit:     dailyLimit,
		PerActionLimit: perActionLimit,
		LastResetDate:  utcDate(now),
	}

	tx := &Transaction{
		TxID:          uuid.NewString(),
		AgentID:       id,
		AmountCents:   seed,
		Kind:          TxSeed,
		Description:   "initial budget seed",
		BalanceBefore: 0,
		BalanceAfter:  seed,
		Timestamp:     now,
		ProcessedBy:   processedBy,
	}
	b.TotalTransactions = 1

	if err := t.persist(ctx, b, tx); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBudget returns the agent's budget, or nil when unknown. Reads hit the
// one-minute cache first; a miss reads the KV store and applies the daily
// reset when the stored reset date predates today (UTC).
func (t *Treasury) GetBudget(ctx context.Context, agentID string) (*Budget, error) {
	id, err := NormalizeAgentID(agentID)
	if err != nil {
		return nil, err
	}

	t.cacheMu.RLock()
	if c, ok := t.cache[id]; ok && t.now().Before(c.expires) {
		t.cacheMu.RUnlock()
		b := c.budget
		return &b, nil
	}
	t.cacheMu.RUnlock()

	mu := t.agentLock(id)
	mu.Lock()
	defer mu.Unlock()
	return t.loadBudget(ctx, id)
}

// loadBudget reads the budget from KV, applies the daily reset, and
// refreshes the cache. Returns nil when the agent has no budget. Callers
// must hold the agent lock.
func (t *Treasury) loadBudget(ctx context.Context, id string) (*Budget, error) {
	raw, err := t.store.Get(ctx, budgetKeyPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("treasury: load budget %s: %w", id, err)
	}

	var b Budget
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("treasury: decode budget %s: %w", id, err)
	}

	if today := utcDate(t.now()); b.LastResetDate < today {
		b.DailySpent = 0
		b.LastResetDate = today
		if err := t.writeBudget(ctx, &b); err != nil {
			return nil, err
		}
	}

	t.cacheBudget(&b)
	return &b, nil
}

// CheckFunds decides whether agentID may spend amountCents. Rejection
// reasons are evaluated in priority order; the emergency flag is consulted
// before anything agent-specific.
func (t *Treasury) CheckFunds(ctx context.Context, agentID string, amountCents int64, description string) (*CheckResult, error) {
	if amountCents <= 0 {
		return &CheckResult{Reason: ReasonInvalidAmount, RequestedCents: amountCents}, nil
	}
	if t.emergency.Load() {
		return &CheckResult{Reason: ReasonEmergencyFreeze, RequestedCents: amountCents}, nil
	}

	b, err := t.GetBudget(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return t.checkAgainst(b, amountCents), nil
}

// checkAgainst applies the agent-specific gates to an already-loaded budget.
func (t *Treasury) checkAgainst(b *Budget, amountCents int64) *CheckResult {
	res := &CheckResult{RequestedCents: amountCents}
	if b == nil {
		res.Reason = ReasonAgentNotFound
		return res
	}
	res.BalanceCents = b.BalanceCents
	res.DailyRemaining = b.DailyLimit - b.DailySpent

	switch {
	case b.Frozen:
		res.Reason = ReasonAgentFrozen
	case amountCents > b.BalanceCents:
		res.Reason = ReasonInsufficientBalance
	case amountCents > b.PerActionLimit:
		res.Reason = ReasonPerActionExceeded
	case b.DailySpent+amountCents > b.DailyLimit:
		res.Reason = ReasonDailyLimitExceeded
	default:
		res.Approved = true
	}
	return res
}

// RecordTransaction applies a signed amount to the agent's budget and
// appends a ledger entry. Spending debits re-run the funds check under the
// agent lock; a rejection returns a [*RejectionError] and writes nothing.
// The budget update and the transaction record are written together before
// the call returns.
func (t *Treasury) RecordTransaction(ctx context.Context, agentID string, amountCents int64, description string, kind TxKind, roi *ROIData) (*Transaction, error) {
	id, err := NormalizeAgentID(agentID)
	if err != nil {
		return nil, err
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("treasury: invalid transaction kind %q", kind)
	}

	mu := t.agentLock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := t.loadBudget(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, &RejectionError{Reason: ReasonAgentNotFound}
	}

	if amountCents < 0 && kind == TxSpending {
		if t.emergency.Load() {
			return nil, &RejectionError{Reason: ReasonEmergencyFreeze}
		}
		if res := t.checkAgainst(b, -amountCents); !res.Approved {
			return nil, &RejectionError{Reason: res.Reason}
		}
	}

	now := t.now()
	tx := &Transaction{
		TxID:          uuid.NewString(),
		AgentID:       id,
		AmountCents:   amountCents,
		Kind:          kind,
		Description:   description,
		BalanceBefore: b.BalanceCents,
		Timestamp:     now,
		ProcessedBy:   processedBy,
		ROIData:       roi,
	}

	b.BalanceCents += amountCents
	if amountCents < 0 {
		b.TotalSpent += -amountCents
		if kind == TxSpending {
			b.DailySpent += -amountCents
		}
	} else {
		b.TotalEarned += amountCents
	}
	b.TotalTransactions++
	tx.BalanceAfter = b.BalanceCents

	if err := t.persist(ctx, b, tx); err != nil {
		return nil, err
	}
	if amountCents < 0 {
		t.metrics.TreasurySpend.Add(ctx, -amountCents,
			metric.WithAttributes(observe.Attr("agent_id", id)))
	}
	return tx, nil
}

// CalculateROIAdjustment rewards or penalises an agent based on realised
// return: positive ROI credits half the profit (rounded up), negative ROI
// debits a quarter of the loss (rounded down). The inputs are embedded in
// the resulting transaction. Requires cost > 0.
func (t *Treasury) CalculateROIAdjustment(ctx context.Context, agentID string, revenueCents, costCents int64, description string) (*Transaction, error) {
	if costCents <= 0 {
		return nil, fmt.Errorf("treasury: roi adjustment requires positive cost, got %d", costCents)
	}

	profit := revenueCents - costCents
	roiPct := float64(profit) / float64(costCents) * 100

	var (
		adjustment int64
		kind       TxKind
	)
	if roiPct > 0 {
		adjustment = ceilHalf(profit)
		kind = TxROIAdjustment
	} else {
		adjustment = floorQuarter(profit)
		kind = TxPenalty
	}

	// A penalty never takes the balance below zero.
	if adjustment < 0 {
		if b, err := t.GetBudget(ctx, agentID); err == nil && b != nil && -adjustment > b.BalanceCents {
			adjustment = -b.BalanceCents
		}
	}

	roi := &ROIData{
		RevenueCents: revenueCents,
		CostCents:    costCents,
		ProfitCents:  profit,
		ROIPercent:   roiPct,
	}
	return t.RecordTransaction(ctx, agentID, adjustment, description, kind, roi)
}

// EmergencyFreezeAll freezes every known budget and raises the process-wide
// emergency flag, which short-circuits all funds checks. Returns the number
// of budgets whose state changed.
func (t *Treasury) EmergencyFreezeAll(ctx context.Context, reason string) (int, error) {
	t.emergency.Store(true)
	return t.setFrozenAll(ctx, true, reason)
}

// EmergencyUnfreezeAll clears the emergency flag and unfreezes every budget.
// Returns the number of budgets whose state changed.
func (t *Treasury) EmergencyUnfreezeAll(ctx context.Context, reason string) (int, error) {
	t.emergency.Store(false)
	return t.setFrozenAll(ctx, false, reason)
}

// EmergencyActive reports whether the process-wide freeze is raised.
func (t *Treasury) EmergencyActive() bool {
	return t.emergency.Load()
}

func (t *Treasury) setFrozenAll(ctx context.Context, frozen bool, reason string) (int, error) {
	keys, err := t.store.Keys(ctx, budgetKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("treasury: list budgets: %w", err)
	}

	changed := 0
	for _, key := range keys {
		id := key[len(budgetKeyPrefix):]
		mu := t.agentLock(id)
		mu.Lock()
		b, err := t.loadBudget(ctx, id)
		if err != nil || b == nil || b.Frozen == frozen {
			mu.Unlock()
			continue
		}
		b.Frozen = frozen
		tx := &Transaction{
			TxID:          uuid.NewString(),
			AgentID:       id,
			Kind:          TxFreeze,
			Description:   reason,
			BalanceBefore: b.BalanceCents,
			BalanceAfter:  b.BalanceCents,
			Timestamp:     t.now(),
			ProcessedBy:   processedBy,
		}
		b.TotalTransactions++
		if err := t.persist(ctx, b, tx); err != nil {
			mu.Unlock()
			return changed, err
		}
		changed++
		mu.Unlock()
	}

	slog.Warn("emergency freeze state changed",
		"frozen", frozen, "reason", reason, "budgets", changed)
	return changed, nil
}

// persist writes the budget and the transaction record, archives the durable
// transaction copy, and refreshes the cache. Callers must hold the agent
// lock.
func (t *Treasury) persist(ctx context.Context, b *Budget, tx *Transaction) error {
	txRaw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("treasury: encode transaction: %w", err)
	}
	if err := t.store.Set(ctx, txKeyPrefix+tx.TxID, txRaw, txTTL); err != nil {
		return fmt.Errorf("treasury: write transaction: %w", err)
	}
	if err := t.writeBudget(ctx, b); err != nil {
		return err
	}

	if t.archive != nil {
		if err := t.archive.ArchiveTransaction(ctx, tx); err != nil {
			// KV holds the authoritative copy for 24h; archival failures
			// must not fail the spend.
			slog.Warn("transaction archive failed", "tx_id", tx.TxID, "err", err)
		}
	}

	t.cacheBudget(b)
	return nil
}

func (t *Treasury) writeBudget(ctx context.Context, b *Budget) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("treasury: encode budget: %w", err)
	}
	if err := t.store.Set(ctx, budgetKeyPrefix+b.AgentID, raw, 0); err != nil {
		return fmt.Errorf("treasury: write budget %s: %w", b.AgentID, err)
	}
	return nil
}

func (t *Treasury) cacheBudget(b *Budget) {
	t.cacheMu.Lock()
	t.cache[b.AgentID] = cachedBudget{budget: *b, expires: t.now().Add(cacheTTL)}
	t.cacheMu.Unlock()
}

// ceilHalf returns ceil(p/2) for positive p.
func ceilHalf(p int64) int64 {
	return (p + 1) / 2
}

// floorQuarter returns floor(p/4), correct for negative p.
func floorQuarter(p int64) int64 {
	q := p / 4
	if p%4 != 0 && p < 0 {
		q--
	}
	return q
}
