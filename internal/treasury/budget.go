// Package treasury implements per-agent budget accounting: balances in USD
// cents, daily limits with UTC resets, spend authorization, ROI adjustments,
// and an append-only transaction ledger.
package treasury

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAlreadyExists is returned by [Treasury.InitializeBudget] when the agent
// already has a budget.
var ErrAlreadyExists = errors.New("treasury: budget already exists")

// ErrInvalidAgentID is returned when an agent identifier cannot be
// normalised to a valid form.
var ErrInvalidAgentID = errors.New("treasury: invalid agent id")

// TxKind classifies a ledger entry.
type TxKind string

const (
	TxSeed            TxKind = "seed"
	TxEarning         TxKind = "earning"
	TxSpending        TxKind = "spending"
	TxROIAdjustment   TxKind = "roi_adjustment"
	TxPenalty         TxKind = "penalty"
	TxRefund          TxKind = "refund"
	TxFreeze          TxKind = "freeze"
	TxLimitAdjustment TxKind = "limit_adjustment"
)

// IsValid reports whether k is a recognised transaction kind.
func (k TxKind) IsValid() bool {
	switch k {
	case TxSeed, TxEarning, TxSpending, TxROIAdjustment, TxPenalty, TxRefund, TxFreeze, TxLimitAdjustment:
		return true
	}
	return false
}

// Budget is one agent's monetary state. All amounts are USD cents.
type Budget struct {
	AgentID           string  `json:"agent_id"`
	BalanceCents      int64   `json:"balance_cents"`
	TotalSpent        int64   `json:"total_spent"`
	TotalEarned       int64   `json:"total_earned"`
	DailySpent        int64   `json:"daily_spent"`
	DailyLimit        int64   `json:"daily_limit"`
	PerActionLimit    int64   `json:"per_action_limit"`
	LastResetDate     string  `json:"last_reset_date"` // YYYY-MM-DD, UTC
	Frozen            bool    `json:"frozen"`
	TotalTransactions int64   `json:"total_transactions"`
	ROIScore          float64 `json:"roi_score"`
}

// Transaction is one immutable ledger entry. Entries are append-only: no
// transaction is ever updated or deleted.
type Transaction struct {
	TxID          string    `json:"tx_id"`
	AgentID       string    `json:"agent_id"`
	AmountCents   int64     `json:"amount_cents"` // signed: credits positive, debits negative
	Kind          TxKind    `json:"kind"`
	Description   string    `json:"description"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	ROIData       *ROIData  `json:"roi_data,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	ProcessedBy   string    `json:"processed_by"`
}

// ROIData captures the inputs of an ROI adjustment, embedded in the
// resulting transaction.
type ROIData struct {
	RevenueCents int64   `json:"revenue_cents"`
	CostCents    int64   `json:"cost_cents"`
	ProfitCents  int64   `json:"profit_cents"`
	ROIPercent   float64 `json:"roi_percent"`
}

// NormalizeAgentID folds an agent identifier to canonical form: lower-cased,
// spaces replaced with underscores. Identifiers shorter than three characters
// are rejected.
func NormalizeAgentID(id string) (string, error) {
	norm := strings.ToLower(strings.TrimSpace(id))
	norm = strings.ReplaceAll(norm, " ", "_")
	if len(norm) < 3 {
		return "", fmt.Errorf("%w: %q is shorter than 3 characters", ErrInvalidAgentID, id)
	}
	return norm, nil
}

// utcDate formats t as the budget reset date key.
func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
