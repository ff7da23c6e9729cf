package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hivemind-ai/hivemind/internal/config"
	"github.com/hivemind-ai/hivemind/internal/kip"
	"github.com/hivemind-ai/hivemind/internal/kv"
	"github.com/hivemind-ai/hivemind/internal/pheromind"
	"github.com/hivemind-ai/hivemind/internal/resilience"
	"github.com/hivemind-ai/hivemind/internal/router"
	"github.com/hivemind-ai/hivemind/internal/treasury"
)

func mockRoster(aliases ...string) []config.ModelDescriptor {
	roster := make([]config.ModelDescriptor, 0, len(aliases))
	for _, a := range aliases {
		roster = append(roster, config.ModelDescriptor{
			Alias:    a,
			Provider: config.ProviderMock,
			Model:    "mock-" + a,
		})
	}
	return roster
}

func testOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	r, err := router.New(mockRoster("classifier", "council-a", "council-b", "council-c", "synthesizer"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.OrchestratorConfig{
		CouncilAliases:      []string{"council-a", "council-b", "council-c"},
		SynthesisAlias:      "synthesizer",
		CouncilDeadline:     5 * time.Second,
		SynthesisDeadline:   5 * time.Second,
		OverallTimeout:      30 * time.Second,
		PerAliasConcurrency: 4,
	}
	return New(r, cfg, opts...)
}

func TestFastPathSimpleQuery(t *testing.T) {
	o := testOrchestrator(t)
	var events []Event
	state := o.ProcessRequestStream(context.Background(), "Who is the CEO of Google?", "", func(ev Event) {
		events = append(events, ev)
	})

	if state.Phase != PhaseComplete {
		t.Fatalf("phase = %s (error %q), want complete", state.Phase, state.Error)
	}
	if state.Intent != IntentSimpleQuery {
		t.Errorf("intent = %s, want simple_query_task", state.Intent)
	}
	if state.PathTaken != PathFastResponse {
		t.Errorf("path_taken = %s, want fast_response", state.PathTaken)
	}
	if state.FinalResponse == "" {
		t.Error("complete state without final response")
	}
	for _, ev := range events {
		if ev.Phase == PhaseCouncilDeliberation {
			t.Errorf("fast path emitted a council event: %+v", ev)
		}
	}
	if last := events[len(events)-1]; last.Type != EventFinal {
		t.Errorf("last event type = %s, want final", last.Type)
	}
}

func TestDeepPathComplexReasoning(t *testing.T) {
	o := testOrchestrator(t)
	state := o.ProcessRequest(context.Background(),
		"What are the pros and cons of starting an AI business in 2025?", "")

	if state.Phase != PhaseComplete {
		t.Fatalf("phase = %s (error %q), want complete", state.Phase, state.Error)
	}
	if state.Intent != IntentComplexReasoning {
		t.Errorf("intent = %s, want complex_reasoning_task", state.Intent)
	}
	if state.PathTaken != PathCouncilDeliberation {
		t.Errorf("path_taken = %s, want council_deliberation", state.PathTaken)
	}
	if want := quorum(3); len(state.Positions) < want {
		t.Errorf("council positions = %d, want at least quorum %d", len(state.Positions), want)
	}
	// Positions are sorted by alias for stable synthesis prompts.
	for i := 1; i < len(state.Positions); i++ {
		if state.Positions[i-1].ModelAlias > state.Positions[i].ModelAlias {
			t.Errorf("positions not sorted: %s before %s",
				state.Positions[i-1].ModelAlias, state.Positions[i].ModelAlias)
		}
	}
}

func TestPhaseOrderOnStream(t *testing.T) {
	o := testOrchestrator(t)
	var events []Event
	o.ProcessRequestStream(context.Background(), "Compare SQL and NoSQL databases", "", func(ev Event) {
		events = append(events, ev)
	})

	var phases []Phase
	for _, ev := range events {
		if ev.Type == EventStatus {
			phases = append(phases, ev.Phase)
		}
	}
	want := []Phase{PhaseReceived, PhaseSmartRouted, PhasePheromindScan, PhaseCouncilDeliberation, PhaseSynthesis}
	if len(phases) != len(want) {
		t.Fatalf("status phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase[%d] = %s, want %s", i, phases[i], want[i])
		}
	}

	// Timestamps never go backwards.
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Errorf("event %d timestamp precedes event %d", i, i-1)
		}
	}
}

func TestCancellationEmitsTerminalEvent(t *testing.T) {
	o := testOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())

	var events []Event
	state := o.ProcessRequestStream(ctx, "Analyze the global semiconductor supply chain", "", func(ev Event) {
		events = append(events, ev)
		if ev.Type == EventPhaseComplete && ev.Phase == PhaseSmartRouted {
			cancel()
		}
	})

	if state.Phase != PhaseFailed || state.Error != "cancelled" {
		t.Fatalf("state = %s/%q, want failed/cancelled", state.Phase, state.Error)
	}
	last := events[len(events)-1]
	if last.Type != EventCancelled {
		t.Fatalf("last event = %s, want cancelled", last.Type)
	}
	for _, ev := range events {
		if ev.Type == EventFinal {
			t.Error("final event emitted on a cancelled request")
		}
	}
}

func TestCouncilUnavailableFailsRequest(t *testing.T) {
	r, err := router.New(mockRoster("synthesizer"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.OrchestratorConfig{
		// Aliases the router does not know: every member fails.
		CouncilAliases:    []string{"ghost-a", "ghost-b", "ghost-c"},
		SynthesisAlias:    "synthesizer",
		CouncilDeadline:   time.Second,
		SynthesisDeadline: time.Second,
		OverallTimeout:    5 * time.Second,
	}
	o := New(r, cfg)

	var events []Event
	state := o.ProcessRequestStream(context.Background(), "Compare A and B", "", func(ev Event) {
		events = append(events, ev)
	})

	if state.Phase != PhaseFailed || state.Error != "council_unavailable" {
		t.Fatalf("state = %s/%q, want failed/council_unavailable", state.Phase, state.Error)
	}
	if last := events[len(events)-1]; last.Type != EventError {
		t.Errorf("last event = %s, want error", last.Type)
	}
}

func TestBreakerStatesCoverCouncil(t *testing.T) {
	o := testOrchestrator(t)
	states := o.BreakerStates()
	for _, alias := range []string{"council-a", "council-b", "council-c"} {
		if s, ok := states[alias]; !ok || s != resilience.StateClosed {
			t.Errorf("breaker state for %s = %v (present %v), want closed", alias, s, ok)
		}
	}
}

func TestPheromindSignalsReachState(t *testing.T) {
	store := kv.NewMemory()
	field := pheromind.New(store, time.Minute, 20)
	if _, err := field.Deposit(context.Background(), "", "observation", "test", "latency elevated", 0.9, nil); err != nil {
		t.Fatal(err)
	}

	o := testOrchestrator(t, WithPheromind(field))
	state := o.ProcessRequest(context.Background(), "Compare A and B", "")
	if state.Phase != PhaseComplete {
		t.Fatalf("phase = %s, want complete", state.Phase)
	}
	if len(state.Signals) != 1 {
		t.Errorf("signals = %d, want 1", len(state.Signals))
	}
}

func TestDeliberationDepositsSignal(t *testing.T) {
	store := kv.NewMemory()
	field := pheromind.New(store, time.Minute, 20)
	o := testOrchestrator(t, WithPheromind(field))

	input := "Compare approaches for database sharding"
	state := o.ProcessRequest(context.Background(), input, "")
	if state.Phase != PhaseComplete {
		t.Fatalf("phase = %s, want complete", state.Phase)
	}

	// The completed deliberation leaves a signal under the request's topic
	// for the next request on the same subject.
	got := field.Scan(context.Background(), input)
	if len(got) != 1 {
		t.Fatalf("post-request scan returned %d signals, want 1", len(got))
	}
	if got[0].Kind != "deliberation" || got[0].Source != "council" {
		t.Errorf("signal = %s/%s, want deliberation/council", got[0].Kind, got[0].Source)
	}

	// An unrelated topic does not see it.
	if leaked := field.Scan(context.Background(), "weather forecast tomorrow morning"); len(leaked) != 0 {
		t.Errorf("unrelated scan returned %d signals, want 0", len(leaked))
	}
}

func TestActionIntentExecutesTool(t *testing.T) {
	store := kv.NewMemory()
	tr := treasury.New(store, config.TreasuryConfig{
		SeedCents: 5000, DailyLimitCents: 10000, PerActionLimitCents: 1000,
	})
	if _, err := tr.InitializeBudget(context.Background(), SystemAgentID(), 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	reg := kip.NewRegistry()
	if err := reg.RegisterAgent(&kip.AgentGenome{
		AgentID:  SystemAgentID(),
		Function: kip.FunctionCoordinator,
		Status:   kip.StatusActive,
		AuthorizedTools: []kip.ToolGrant{
			{Category: "finance", AuthLevel: kip.AuthFull},
			{Category: "analysis", AuthLevel: kip.AuthFull},
			{Category: "ops", AuthLevel: kip.AuthFull},
		},
	}); err != nil {
		t.Fatal(err)
	}
	exec := kip.NewExecutor(reg, tr, store)

	o := testOrchestrator(t, WithExecutor(exec))

	// The mock synthesizer echoes the first prompt line, so drive the spec
	// parse directly instead.
	spec, ok := parseActionSpec("Running it now.\n```json\n{\"tool_name\": \"get_crypto_summary\", \"params\": {\"symbol\": \"btc\"}}\n```")
	if !ok || spec.ToolName != "get_crypto_summary" {
		t.Fatalf("parseActionSpec = %+v, %v", spec, ok)
	}

	state := &State{Input: "check my bitcoin", Intent: IntentAction, FinalResponse: "Checking.\n```json\n{\"tool_name\": \"get_crypto_summary\", \"params\": {\"symbol\": \"btc\"}}\n```"}
	em := &emitter{now: time.Now}
	if ran := o.executeAction(context.Background(), state, em); !ran {
		t.Fatal("action intent with valid spec did not run the tool")
	}
	if !strings.Contains(state.FinalResponse, "Tool get_crypto_summary result") {
		t.Errorf("tool result not appended: %q", state.FinalResponse)
	}

	// The debit stands in the ledger.
	b, err := tr.GetBudget(context.Background(), SystemAgentID())
	if err != nil {
		t.Fatal(err)
	}
	if b.BalanceCents >= 5000 {
		t.Errorf("balance = %d, want a debit below 5000", b.BalanceCents)
	}
}

func TestParseActionSpec(t *testing.T) {
	tests := []struct {
		name string
		in   string
		tool string
		ok   bool
	}{
		{"fenced json", "answer\n```json\n{\"tool_name\": \"t1\", \"params\": {}}\n```", "t1", true},
		{"bare fence", "```\n{\"tool_name\": \"t2\", \"params\": {\"a\": 1}}\n```", "t2", true},
		{"trailing object", "I will use {\"tool_name\": \"t3\", \"params\": {}}", "t3", true},
		{"no spec", "just prose, no action here", "", false},
		{"object without tool", "{\"params\": {}}", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, ok := parseActionSpec(tt.in)
			if ok != tt.ok || spec.ToolName != tt.tool {
				t.Errorf("got (%q, %v), want (%q, %v)", spec.ToolName, ok, tt.tool, tt.ok)
			}
		})
	}
}

func TestQuorum(t *testing.T) {
	tests := []struct{ n, want int }{
		{1, 1}, {2, 2}, {3, 3}, {4, 3}, {5, 4}, {6, 4}, {7, 5},
	}
	for _, tt := range tests {
		if got := quorum(tt.n); got != tt.want {
			t.Errorf("quorum(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestClassifyLexical(t *testing.T) {
	tests := []struct {
		in   string
		want Intent
	}{
		{"Who is the CEO of Google?", IntentSimpleQuery},
		{"Whta is the capital of France", IntentSimpleQuery}, // typo tolerated
		{"What are the pros and cons of remote work?", IntentComplexReasoning},
		{"Compare PostgreSQL and Redis for caching", IntentComplexReasoning},
		{"Explore the patterns in recent trades", IntentExploratory},
		{"Buy 0.1 BTC at market price", IntentAction},
		{"", IntentComplexReasoning},
	}
	for _, tt := range tests {
		got, _ := classifyLexical(tt.in)
		if got != tt.want {
			t.Errorf("classifyLexical(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	// Length bias: a long question is no longer a simple lookup.
	long := "What is the best way to structure a multi region deployment of a stateful service with strict latency budgets and regulatory constraints on data residency"
	if got, _ := classifyLexical(long); got == IntentSimpleQuery {
		t.Error("long question classified as simple")
	}
}

func TestEmitterTerminalRule(t *testing.T) {
	var events []Event
	em := &emitter{sink: func(ev Event) { events = append(events, ev) }, now: time.Now}

	em.status(PhaseReceived, "start")
	em.emit(Event{Type: EventCancelled})
	em.status(PhaseSynthesis, "should be dropped")
	em.emit(Event{Type: EventFinal, Content: "should be dropped"})

	if len(events) != 2 {
		t.Fatalf("events after terminal = %d, want 2", len(events))
	}
	if events[1].Type != EventCancelled {
		t.Errorf("last delivered event = %s, want cancelled", events[1].Type)
	}
}
