package kip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/hivemind-ai/hivemind/internal/kv"
	"github.com/hivemind-ai/hivemind/internal/observe"
	"github.com/hivemind-ai/hivemind/internal/treasury"
)

// usageTTL keeps daily-use counters around long enough for audit, then lets
// the store reap them.
const usageTTL = 7 * 24 * time.Hour

// ActionStatus is the terminal state of one tool execution.
type ActionStatus string

const (
	ActionSuccess  ActionStatus = "success"
	ActionRejected ActionStatus = "rejected"
	ActionTimeout  ActionStatus = "timeout"
	ActionError    ActionStatus = "error"
)

// Rejection reasons produced by the executor's own gates. Treasury
// rejections other than a short balance carry the treasury's reason
// verbatim.
const (
	ReasonToolNotFound       = "tool_not_found"
	ReasonToolInactive       = "tool_inactive"
	ReasonAgentNotActive     = "agent_not_active"
	ReasonAgentBusy          = "agent_busy"
	ReasonNotAuthorized      = "not_authorized"
	ReasonDailyLimitExceeded = "daily_limit_exceeded"
	ReasonInsufficientFunds  = "insufficient_funds"
)

// ActionResult records one tool execution attempt, whatever its outcome.
type ActionResult struct {
	ActionID      string       `json:"action_id"`
	AgentID       string       `json:"agent_id"`
	ToolName      string       `json:"tool_name"`
	Status        ActionStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Result        any          `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
	CostCents     int64        `json:"cost_cents"`
	TransactionID string       `json:"transaction_id,omitempty"`
	ExecutionTime float64      `json:"execution_time_seconds"`
	Timestamp     time.Time    `json:"timestamp"`
}

// UsageRecorder receives a durable copy of every completed execution.
// Implemented by the graph store; nil disables recording.
type UsageRecorder interface {
	RecordToolUsage(ctx context.Context, agentID, toolName, actionID, status string, costCents int64, duration time.Duration, txID string) error
}

// Executor runs tools on behalf of agents. Every call passes the gates in
// order: tool exists, tool active, agent active and authorized, daily quota,
// funds. The cost is debited before the tool body runs; a body that times
// out or fails keeps the debit.
type Executor struct {
	registry *Registry
	treasury *treasury.Treasury
	store    kv.Store
	usage    UsageRecorder
	metrics  *observe.Metrics
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]int
}

// ExecutorOption configures an [Executor].
type ExecutorOption func(*Executor)

// WithUsageRecorder sets the durable usage sink.
func WithUsageRecorder(u UsageRecorder) ExecutorOption {
	return func(e *Executor) { e.usage = u }
}

// WithExecutorClock replaces the executor clock. Intended for tests.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor over the given registry, treasury, and
// KV store (which holds the daily-use counters).
func NewExecutor(registry *Registry, tr *treasury.Treasury, store kv.Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		treasury: tr,
		store:    store,
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
		inflight: make(map[string]int),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs toolName for agentID. The returned ActionResult is never nil;
// rejections and failures are reported in its Status and Reason rather than
// as an error. The error return covers infrastructure faults only.
func (e *Executor) Execute(ctx context.Context, agentID, toolName string, params map[string]any) (*ActionResult, error) {
	if id, err := treasury.NormalizeAgentID(agentID); err == nil {
		agentID = id
	}
	start := e.now()
	res := &ActionResult{
		ActionID:  uuid.NewString(),
		AgentID:   agentID,
		ToolName:  toolName,
		Timestamp: start,
	}
	defer func() {
		res.ExecutionTime = e.now().Sub(start).Seconds()
		e.record(ctx, res)
	}()

	tool := e.registry.Tool(toolName)
	if tool == nil {
		return e.reject(res, ReasonToolNotFound), nil
	}
	if !tool.Active {
		return e.reject(res, ReasonToolInactive), nil
	}
	res.CostCents = tool.CostCents

	genome := e.registry.Agent(agentID)
	if genome == nil {
		return e.reject(res, treasury.ReasonAgentNotFound), nil
	}
	if genome.Status != StatusActive {
		return e.reject(res, ReasonAgentNotActive), nil
	}
	if !genome.authorizes(tool) {
		return e.reject(res, ReasonNotAuthorized), nil
	}

	if !e.acquire(agentID, genome.MaxConcurrent) {
		return e.reject(res, ReasonAgentBusy), nil
	}
	defer e.release(agentID)

	if tool.MaxDailyUses > 0 {
		used, err := e.store.GetInt(ctx, e.usageKey(agentID, toolName))
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("kip: read usage counter: %w", err)
		}
		if used >= int64(tool.MaxDailyUses) {
			return e.reject(res, ReasonDailyLimitExceeded), nil
		}
	}

	if tool.CostCents > 0 {
		check, err := e.treasury.CheckFunds(ctx, agentID, tool.CostCents, "tool: "+toolName)
		if err != nil {
			return nil, fmt.Errorf("kip: funds check: %w", err)
		}
		if !check.Approved {
			if check.Reason == treasury.ReasonInsufficientBalance {
				return e.insufficientFunds(res, tool, check.BalanceCents), nil
			}
			return e.reject(res, check.Reason), nil
		}

		// Debit before execution. The charge stands whatever the body does.
		tx, err := e.treasury.RecordTransaction(ctx, agentID, -tool.CostCents,
			"tool execution: "+toolName, treasury.TxSpending, nil)
		if err != nil {
			var rej *treasury.RejectionError
			if errors.As(err, &rej) {
				if rej.Reason == treasury.ReasonInsufficientBalance {
					return e.insufficientFunds(res, tool, check.BalanceCents), nil
				}
				return e.reject(res, rej.Reason), nil
			}
			return nil, fmt.Errorf("kip: debit: %w", err)
		}
		res.TransactionID = tx.TxID
	}

	timeout := tool.Timeout
	if timeout == 0 {
		timeout = genome.DefaultTimeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := e.runTool(execCtx, tool, params)
	switch {
	case err == nil:
		res.Status = ActionSuccess
		res.Result = out
		if tool.MaxDailyUses > 0 {
			if _, cntErr := e.store.Incr(ctx, e.usageKey(agentID, toolName), usageTTL); cntErr != nil {
				slog.Warn("usage counter increment failed",
					"agent_id", agentID, "tool", toolName, "err", cntErr)
			}
		}
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = ActionTimeout
		res.Error = fmt.Sprintf("tool %s exceeded its %s timeout", toolName, timeout)
	default:
		res.Status = ActionError
		res.Error = err.Error()
	}
	return res, nil
}

// runTool invokes the tool body in a goroutine so a body that ignores its
// context cannot wedge the executor past the deadline.
func (e *Executor) runTool(ctx context.Context, tool *Tool, params map[string]any) (any, error) {
	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := tool.fn(ctx, params)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) reject(res *ActionResult, reason string) *ActionResult {
	res.Status = ActionRejected
	res.Reason = reason
	return res
}

// insufficientFunds reports a short balance as an execution error rather
// than a gate rejection, with the shortfall spelled out.
func (e *Executor) insufficientFunds(res *ActionResult, tool *Tool, balanceCents int64) *ActionResult {
	res.Status = ActionError
	res.Reason = ReasonInsufficientFunds
	res.Error = fmt.Sprintf("insufficient funds: tool %s costs %d cents, balance is %d cents",
		tool.Name, tool.CostCents, balanceCents)
	return res
}

// acquire reserves one of the agent's concurrency slots.
func (e *Executor) acquire(agentID string, max int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if max > 0 && e.inflight[agentID] >= max {
		return false
	}
	e.inflight[agentID]++
	return true
}

func (e *Executor) release(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[agentID] <= 1 {
		delete(e.inflight, agentID)
	} else {
		e.inflight[agentID]--
	}
}

// usageKey names the per-agent per-tool daily counter. UTC date keying gives
// quota resets the same midnight as the treasury's daily limits.
func (e *Executor) usageKey(agentID, toolName string) string {
	return fmt.Sprintf("kip:usage:%s:%s:%s", agentID, toolName, e.now().UTC().Format("2006-01-02"))
}

func (e *Executor) record(ctx context.Context, res *ActionResult) {
	e.metrics.RecordToolCall(ctx, res.ToolName, string(res.Status))
	e.metrics.ToolExecutionDuration.Record(ctx, res.ExecutionTime,
		metric.WithAttributes(observe.Attr("tool", res.ToolName)))
	slog.Info("tool execution finished",
		"action_id", res.ActionID,
		"agent_id", res.AgentID,
		"tool", res.ToolName,
		"status", res.Status,
		"reason", res.Reason,
		"cost_cents", res.CostCents,
		"duration_s", res.ExecutionTime,
	)
	if e.usage == nil {
		return
	}
	duration := time.Duration(res.ExecutionTime * float64(time.Second))
	if err := e.usage.RecordToolUsage(ctx, res.AgentID, res.ToolName, res.ActionID,
		string(res.Status), res.CostCents, duration, res.TransactionID); err != nil {
		slog.Warn("tool usage record failed", "action_id", res.ActionID, "err", err)
	}
}
