package kip

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hivemind-ai/hivemind/internal/config"
	"github.com/hivemind-ai/hivemind/internal/kv"
	"github.com/hivemind-ai/hivemind/internal/treasury"
)

func testExecutor(t *testing.T) (*Executor, *treasury.Treasury, *Registry, *time.Time) {
	t.Helper()
	store := kv.NewMemory()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := &now
	store.SetClock(func() time.Time { return *clock })

	tr := treasury.New(store, config.TreasuryConfig{
		SeedCents:           5000,
		DailyLimitCents:     10000,
		PerActionLimitCents: 1000,
	}, treasury.WithClock(func() time.Time { return *clock }))

	reg := NewRegistry()
	exec := NewExecutor(reg, tr, store, WithExecutorClock(func() time.Time { return *clock }))
	return exec, tr, reg, clock
}

// registerAgent seeds a budget and a genome cleared for the builtin finance
// and analysis categories plus the ad-hoc "testing" category at the given
// level.
func registerAgent(t *testing.T, tr *treasury.Treasury, reg *Registry, id string, level AuthLevel) {
	t.Helper()
	if _, err := tr.InitializeBudget(context.Background(), id, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterAgent(&AgentGenome{
		AgentID:  id,
		Function: FunctionDataAnalyst,
		Status:   StatusActive,
		AuthorizedTools: []ToolGrant{
			{Category: "finance", AuthLevel: level},
			{Category: "analysis", AuthLevel: level},
			{Category: "testing", AuthLevel: level},
		},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestExecute_Success(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	registerAgent(t, tr, reg, "analyst_one", AuthBasic)

	res, err := exec.Execute(ctx, "analyst_one", "get_crypto_summary", map[string]any{"symbol": "eth"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != ActionSuccess {
		t.Fatalf("status = %s (%s), want success", res.Status, res.Reason)
	}
	if res.TransactionID == "" {
		t.Error("success result missing transaction id")
	}
	out, ok := res.Result.(map[string]any)
	if !ok || out["symbol"] != "ETH" {
		t.Errorf("result = %#v, want map with symbol ETH", res.Result)
	}

	// The 25-cent cost was debited.
	b, err := tr.GetBudget(ctx, "analyst_one")
	if err != nil {
		t.Fatal(err)
	}
	if b.BalanceCents != 5000-25 {
		t.Errorf("balance = %d, want 4975", b.BalanceCents)
	}
}

func TestExecute_GateOrder(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	registerAgent(t, tr, reg, "junior_one", AuthBasic)

	if err := reg.RegisterTool(&Tool{
		Name:         "dormant_tool",
		Category:     "testing",
		CostCents:    10,
		MinAuthLevel: AuthBasic,
		Active:       false,
	}, func(context.Context, map[string]any) (any, error) { return "x", nil }); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		agent  string
		tool   string
		reason string
	}{
		{"unknown tool", "junior_one", "no_such_tool", ReasonToolNotFound},
		{"inactive tool", "junior_one", "dormant_tool", ReasonToolInactive},
		{"unknown agent", "ghost_agent", "get_crypto_summary", treasury.ReasonAgentNotFound},
		{"insufficient clearance", "junior_one", "execute_trade", ReasonNotAuthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := exec.Execute(ctx, tt.agent, tt.tool, nil)
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != ActionRejected || res.Reason != tt.reason {
				t.Errorf("got status=%s reason=%q, want rejected %q", res.Status, res.Reason, tt.reason)
			}
			if res.TransactionID != "" {
				t.Error("rejected action must not carry a debit")
			}
		})
	}
}

func TestExecute_GrantScope(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	if _, err := tr.InitializeBudget(ctx, "scoped_one", 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterAgent(&AgentGenome{
		AgentID:  "scoped_one",
		Function: FunctionSpecialist,
		Status:   StatusActive,
		AuthorizedTools: []ToolGrant{
			{ToolName: "analyze_sentiment", AuthLevel: AuthBasic},
		},
	}); err != nil {
		t.Fatal(err)
	}

	res, _ := exec.Execute(ctx, "scoped_one", "get_crypto_summary", nil)
	if res.Status != ActionRejected || res.Reason != ReasonNotAuthorized {
		t.Errorf("ungranted tool: got %s/%s, want rejected/not_authorized", res.Status, res.Reason)
	}

	res, _ = exec.Execute(ctx, "scoped_one", "analyze_sentiment", map[string]any{"text": "great gain"})
	if res.Status != ActionSuccess {
		t.Errorf("granted tool: got %s (%s), want success", res.Status, res.Reason)
	}
}

func TestExecute_CategoryGrant(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	if _, err := tr.InitializeBudget(ctx, "trader_one", 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterAgent(&AgentGenome{
		AgentID:  "trader_one",
		Function: FunctionExecutor,
		Status:   StatusActive,
		AuthorizedTools: []ToolGrant{
			{Category: "finance", AuthLevel: AuthAdvanced},
		},
	}); err != nil {
		t.Fatal(err)
	}

	// A category grant covers every tool in the category it clears.
	res, _ := exec.Execute(ctx, "trader_one", "get_crypto_summary", nil)
	if res.Status != ActionSuccess {
		t.Errorf("category-covered tool: got %s (%s), want success", res.Status, res.Reason)
	}
	res, _ = exec.Execute(ctx, "trader_one", "execute_trade", map[string]any{"symbol": "btc", "side": "buy"})
	if res.Status != ActionSuccess {
		t.Errorf("advanced tool under advanced category grant: got %s (%s), want success", res.Status, res.Reason)
	}

	// Outside the granted category nothing is cleared.
	res, _ = exec.Execute(ctx, "trader_one", "analyze_sentiment", nil)
	if res.Status != ActionRejected || res.Reason != ReasonNotAuthorized {
		t.Errorf("out-of-category tool: got %s/%s, want rejected/not_authorized", res.Status, res.Reason)
	}
}

func TestExecute_AgentIDNormalized(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	registerAgent(t, tr, reg, "Analyst Two", AuthBasic)

	// Registration canonicalised the id.
	if g := reg.Agent("analyst_two"); g == nil || g.AgentID != "analyst_two" {
		t.Fatalf("Agent(analyst_two) = %+v, want canonical genome", g)
	}

	// Execution accepts any spelling of the same id.
	res, err := exec.Execute(ctx, "Analyst Two", "get_crypto_summary", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ActionSuccess {
		t.Fatalf("status = %s (%s), want success", res.Status, res.Reason)
	}
	if res.AgentID != "analyst_two" {
		t.Errorf("result agent id = %q, want analyst_two", res.AgentID)
	}
}

func TestExecute_DailyLimit(t *testing.T) {
	exec, tr, reg, clock := testExecutor(t)
	ctx := context.Background()
	registerAgent(t, tr, reg, "quota_one", AuthBasic)

	if err := reg.RegisterTool(&Tool{
		Name:         "limited_tool",
		Category:     "testing",
		CostCents:    1,
		MinAuthLevel: AuthBasic,
		MaxDailyUses: 2,
		Active:       true,
	}, func(context.Context, map[string]any) (any, error) { return "ok", nil }); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		res, err := exec.Execute(ctx, "quota_one", "limited_tool", nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != ActionSuccess {
			t.Fatalf("call %d: status = %s (%s)", i+1, res.Status, res.Reason)
		}
	}

	res, _ := exec.Execute(ctx, "quota_one", "limited_tool", nil)
	if res.Status != ActionRejected || res.Reason != ReasonDailyLimitExceeded {
		t.Fatalf("third call: got %s/%q, want rejected/daily_limit_exceeded", res.Status, res.Reason)
	}

	// The next UTC day opens a fresh quota.
	*clock = clock.Add(24 * time.Hour)
	res, _ = exec.Execute(ctx, "quota_one", "limited_tool", nil)
	if res.Status != ActionSuccess {
		t.Errorf("next day: status = %s (%s), want success", res.Status, res.Reason)
	}
}

func TestExecute_InsufficientFunds(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	if _, err := tr.InitializeBudget(ctx, "broke_one", 50, 10000, 1000); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterAgent(&AgentGenome{
		AgentID:  "broke_one",
		Function: FunctionExecutor,
		Status:   StatusActive,
		AuthorizedTools: []ToolGrant{
			{Category: "finance", AuthLevel: AuthAdvanced},
		},
	}); err != nil {
		t.Fatal(err)
	}

	// 50-cent balance against the 200-cent trade tool.
	res, err := exec.Execute(ctx, "broke_one", "execute_trade", map[string]any{"symbol": "btc", "side": "buy"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ActionError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if res.Reason != ReasonInsufficientFunds {
		t.Errorf("reason = %q, want insufficient_funds", res.Reason)
	}
	if !strings.Contains(res.Error, "insufficient") {
		t.Errorf("error = %q, want mention of insufficient funds", res.Error)
	}
	if res.TransactionID != "" {
		t.Error("short balance must not produce a transaction")
	}

	// No debit happened; the balance never goes negative.
	b, err := tr.GetBudget(ctx, "broke_one")
	if err != nil {
		t.Fatal(err)
	}
	if b.BalanceCents != 50 {
		t.Errorf("balance = %d, want untouched 50", b.BalanceCents)
	}
}

func TestExecute_TimeoutKeepsDebit(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	registerAgent(t, tr, reg, "slow_one", AuthBasic)

	if err := reg.RegisterTool(&Tool{
		Name:         "slow_tool",
		Category:     "testing",
		CostCents:    100,
		MinAuthLevel: AuthBasic,
		Timeout:      20 * time.Millisecond,
		Active:       true,
	}, func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}); err != nil {
		t.Fatal(err)
	}

	res, err := exec.Execute(ctx, "slow_one", "slow_tool", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ActionTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
	if res.TransactionID == "" {
		t.Error("timed-out action should still carry its debit transaction")
	}

	// No refund.
	b, err := tr.GetBudget(ctx, "slow_one")
	if err != nil {
		t.Fatal(err)
	}
	if b.BalanceCents != 5000-100 {
		t.Errorf("balance = %d, want 4900 (debit stands)", b.BalanceCents)
	}
}

func TestExecute_GenomeDefaultTimeout(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	if _, err := tr.InitializeBudget(ctx, "patient_one", 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterAgent(&AgentGenome{
		AgentID:  "patient_one",
		Function: FunctionSpecialist,
		Status:   StatusActive,
		AuthorizedTools: []ToolGrant{
			{Category: "testing", AuthLevel: AuthBasic},
		},
		DefaultTimeout: 20 * time.Millisecond,
	}); err != nil {
		t.Fatal(err)
	}

	// The catalog entry declares no timeout, so the genome's default binds.
	if err := reg.RegisterTool(&Tool{
		Name:         "unbounded_tool",
		Category:     "testing",
		MinAuthLevel: AuthBasic,
		Active:       true,
	}, func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}); err != nil {
		t.Fatal(err)
	}

	res, err := exec.Execute(ctx, "patient_one", "unbounded_tool", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ActionTimeout {
		t.Fatalf("status = %s (%s), want timeout from genome default", res.Status, res.Reason)
	}
}

func TestExecute_MaxConcurrent(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	registerAgent(t, tr, reg, "serial_one", AuthBasic)

	started := make(chan struct{})
	release := make(chan struct{})
	if err := reg.RegisterTool(&Tool{
		Name:         "blocking_tool",
		Category:     "testing",
		MinAuthLevel: AuthBasic,
		Active:       true,
	}, func(context.Context, map[string]any) (any, error) {
		close(started)
		<-release
		return "ok", nil
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan *ActionResult, 1)
	go func() {
		res, _ := exec.Execute(ctx, "serial_one", "blocking_tool", nil)
		done <- res
	}()
	<-started

	// Default max_concurrent is 1, so a second call bounces while the first
	// is in flight.
	res, err := exec.Execute(ctx, "serial_one", "get_crypto_summary", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ActionRejected || res.Reason != ReasonAgentBusy {
		t.Errorf("concurrent call: got %s/%q, want rejected/agent_busy", res.Status, res.Reason)
	}

	close(release)
	if first := <-done; first.Status != ActionSuccess {
		t.Fatalf("first call: status = %s (%s)", first.Status, first.Reason)
	}

	// The slot frees once the first call finishes.
	res, _ = exec.Execute(ctx, "serial_one", "get_crypto_summary", nil)
	if res.Status != ActionSuccess {
		t.Errorf("after release: status = %s (%s), want success", res.Status, res.Reason)
	}
}

func TestExecute_ErrorKeepsDebit(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	registerAgent(t, tr, reg, "err_one", AuthBasic)

	if err := reg.RegisterTool(&Tool{
		Name:         "failing_tool",
		Category:     "testing",
		CostCents:    50,
		MinAuthLevel: AuthBasic,
		Active:       true,
	}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("upstream 502")
	}); err != nil {
		t.Fatal(err)
	}

	res, err := exec.Execute(ctx, "err_one", "failing_tool", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ActionError || res.Error != "upstream 502" {
		t.Errorf("got status=%s error=%q, want error/upstream 502", res.Status, res.Error)
	}

	b, _ := tr.GetBudget(context.Background(), "err_one")
	if b.BalanceCents != 5000-50 {
		t.Errorf("balance = %d, want 4950 (debit stands)", b.BalanceCents)
	}
}

func TestExecute_InactiveAgent(t *testing.T) {
	exec, tr, reg, _ := testExecutor(t)
	ctx := context.Background()
	if _, err := tr.InitializeBudget(ctx, "benched_one", 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterAgent(&AgentGenome{
		AgentID:  "benched_one",
		Function: FunctionMonitor,
		Status:   StatusMaintenance,
		AuthorizedTools: []ToolGrant{
			{Category: "finance", AuthLevel: AuthFull},
		},
	}); err != nil {
		t.Fatal(err)
	}

	res, _ := exec.Execute(ctx, "benched_one", "get_crypto_summary", nil)
	if res.Status != ActionRejected || res.Reason != ReasonAgentNotActive {
		t.Errorf("got %s/%s, want rejected/agent_not_active", res.Status, res.Reason)
	}
}
