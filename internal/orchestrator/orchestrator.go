package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/hivemind-ai/hivemind/internal/config"
	"github.com/hivemind-ai/hivemind/internal/kip"
	"github.com/hivemind-ai/hivemind/internal/observe"
	"github.com/hivemind-ai/hivemind/internal/pheromind"
	"github.com/hivemind-ai/hivemind/internal/resilience"
	"github.com/hivemind-ai/hivemind/internal/router"
)

// systemAgentID is the treasury identity the orchestrator spends as when it
// executes tools on a user's behalf. Seeded at startup.
const systemAgentID = "hivemind_core"

// SystemAgentID exposes the orchestrator's spending identity for startup
// seeding.
func SystemAgentID() string { return systemAgentID }

// ConversationArchiver receives completed requests for durable storage.
// Implemented by the graph store; nil disables archival.
type ConversationArchiver interface {
	ArchiveConversation(ctx context.Context, requestID, intent string, phases []string, prompt, response string, councilSize int, duration time.Duration) error
}

// Orchestrator owns the request pipeline. Safe for concurrent use; each
// request carries its own State.
type Orchestrator struct {
	router     *router.Router
	classifier *Classifier
	council    *Council
	field      *pheromind.Field
	executor   *kip.Executor
	cfg        config.OrchestratorConfig
	archive    ConversationArchiver
	metrics    *observe.Metrics
	now        func() time.Time
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithPheromind attaches the ambient signal field.
func WithPheromind(f *pheromind.Field) Option {
	return func(o *Orchestrator) { o.field = f }
}

// WithExecutor attaches the tool executor, enabling the kip_execution phase.
func WithExecutor(e *kip.Executor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithArchiver attaches the conversation archive.
func WithArchiver(a ConversationArchiver) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// BreakerStates reports the circuit breaker state of each council backend,
// keyed by alias. Used by the health endpoint.
func (o *Orchestrator) BreakerStates() map[string]resilience.State {
	return o.council.BreakerStates()
}

// WithClock replaces the orchestrator clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator over the router and configuration.
func New(r *router.Router, cfg config.OrchestratorConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		router:     r,
		classifier: NewClassifier(r, cfg.ClassifierAlias),
		council:    NewCouncil(r, cfg.CouncilAliases, cfg.CouncilDeadline, cfg.PerAliasConcurrency),
		cfg:        cfg,
		metrics:    observe.DefaultMetrics(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessRequest runs the pipeline to completion and returns the final
// state. Streaming consumers should use [Orchestrator.ProcessRequestStream].
func (o *Orchestrator) ProcessRequest(ctx context.Context, input, conversationID string) *State {
	return o.ProcessRequestStream(ctx, input, conversationID, nil)
}

// ProcessRequestStream runs the pipeline, delivering typed events to sink
// as phases advance. The returned state is terminal: complete or failed.
// Cancellation stops the pipeline at the next phase boundary; committed
// debits are not rolled back.
func (o *Orchestrator) ProcessRequestStream(ctx context.Context, input, conversationID string, sink Sink) *State {
	start := o.now()
	state := &State{
		RequestID:      uuid.NewString(),
		ConversationID: conversationID,
		Input:          input,
		PathTaken:      PathUnknown,
		StartedAt:      start,
	}
	em := &emitter{sink: sink, now: o.now}

	timeout := o.cfg.OverallTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "orchestrate")
	defer span.End()

	o.metrics.ActiveRequests.Add(ctx, 1)
	defer func() {
		state.Duration = o.now().Sub(start)
		o.metrics.ActiveRequests.Add(ctx, -1)
		o.metrics.RequestDuration.Record(ctx, state.Duration.Seconds(),
			metric.WithAttributes(
				observe.Attr("intent", string(state.Intent)),
				observe.Attr("path", state.PathTaken),
			))
		o.archiveState(state)
	}()

	state.advance(PhaseReceived)
	state.addMessage("user", input, "")
	em.status(PhaseReceived, "request received")

	o.classify(ctx, state, em)
	if o.interrupted(ctx, state, em) {
		return state
	}

	var toolRan bool
	if state.Intent == IntentSimpleQuery {
		if !o.synthesize(ctx, state, em, nil) {
			return state
		}
	} else {
		o.scanSignals(ctx, state, em)
		if o.interrupted(ctx, state, em) {
			return state
		}
		if !o.deliberate(ctx, state, em) {
			return state
		}
		if o.interrupted(ctx, state, em) {
			return state
		}
		if !o.synthesize(ctx, state, em, state.Positions) {
			return state
		}
		if state.Intent == IntentAction {
			if o.interrupted(ctx, state, em) {
				return state
			}
			toolRan = o.executeAction(ctx, state, em)
		}
	}

	state.PathTaken = pathFor(state.Intent, toolRan)
	state.advance(PhaseComplete)
	em.emit(Event{
		Type:    EventFinal,
		Content: state.FinalResponse,
		Metadata: map[string]any{
			"request_id":      state.RequestID,
			"intent":          string(state.Intent),
			"path_taken":      state.PathTaken,
			"processing_time": o.now().Sub(start).Seconds(),
		},
	})
	return state
}

// beginPhase opens a span for one phase and returns the instrumented context
// with a closer that records the phase duration.
func (o *Orchestrator) beginPhase(ctx context.Context, phase Phase) (context.Context, func()) {
	ctx, span := observe.StartSpan(ctx, "phase "+string(phase))
	start := o.now()
	return ctx, func() {
		o.metrics.RecordPhase(ctx, string(phase), o.now().Sub(start).Seconds())
		span.End()
	}
}

// classify runs the smart router phase.
func (o *Orchestrator) classify(ctx context.Context, state *State, em *emitter) {
	ctx, done := o.beginPhase(ctx, PhaseSmartRouted)
	defer done()
	state.advance(PhaseSmartRouted)
	em.status(PhaseSmartRouted, "classifying request")

	intent, confidence := o.classifier.Classify(ctx, state.Input)
	state.Intent = intent
	state.Confidence = confidence

	em.phaseComplete(PhaseSmartRouted, map[string]any{
		"intent":     string(intent),
		"confidence": confidence,
	})
}

// scanSignals runs the ambient scan phase. The phase never fails: a missing
// or degraded field yields an empty set.
func (o *Orchestrator) scanSignals(ctx context.Context, state *State, em *emitter) {
	ctx, done := o.beginPhase(ctx, PhasePheromindScan)
	defer done()
	state.advance(PhasePheromindScan)
	em.status(PhasePheromindScan, "scanning ambient signals")

	if o.field != nil {
		state.Signals = o.field.Scan(ctx, state.Input)
	}
	em.phaseComplete(PhasePheromindScan, map[string]any{
		"signal_count": len(state.Signals),
	})
}

// deliberate runs the council phase. Returns false when the pipeline must
// stop.
func (o *Orchestrator) deliberate(ctx context.Context, state *State, em *emitter) bool {
	ctx, done := o.beginPhase(ctx, PhaseCouncilDeliberation)
	defer done()
	state.advance(PhaseCouncilDeliberation)
	em.status(PhaseCouncilDeliberation, "consulting council")

	positions, err := o.council.Deliberate(ctx, o.councilPrompt(state))
	if err != nil {
		if o.interrupted(ctx, state, em) {
			return false
		}
		o.fail(state, em, "council_unavailable")
		return false
	}
	state.Positions = positions
	for _, p := range positions {
		state.addMessage("assistant", p.Answer, p.ModelAlias)
		em.emit(Event{
			Type:    EventPartial,
			Phase:   PhaseCouncilDeliberation,
			Content: fmt.Sprintf("position from %s (confidence %.2f)", p.ModelAlias, p.Confidence),
		})
	}
	em.phaseComplete(PhaseCouncilDeliberation, map[string]any{
		"positions": len(positions),
		"quorum":    o.council.Quorum(),
	})
	o.deposit(ctx, state, "deliberation", "council",
		fmt.Sprintf("council reached %d positions on: %s", len(positions), truncate(state.Input, 120)),
		0.6, map[string]any{"request_id": state.RequestID})
	return true
}

// deposit drops a best-effort signal into the ambient field under the
// request's topic. Failures are logged and swallowed.
func (o *Orchestrator) deposit(ctx context.Context, state *State, kind, source, content string, strength float64, metadata map[string]any) {
	if o.field == nil {
		return
	}
	if _, err := o.field.Deposit(ctx, state.Input, kind, source, content, strength, metadata); err != nil {
		slog.Warn("pheromind deposit failed", "kind", kind, "err", err)
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// synthesize runs the synthesis phase. Returns false when the pipeline must
// stop.
func (o *Orchestrator) synthesize(ctx context.Context, state *State, em *emitter, positions []Position) bool {
	ctx, done := o.beginPhase(ctx, PhaseSynthesis)
	defer done()
	state.advance(PhaseSynthesis)
	em.status(PhaseSynthesis, "synthesizing response")

	deadline := o.cfg.SynthesisDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	prompt := state.Input
	if len(positions) > 0 || len(state.Signals) > 0 {
		prompt = o.synthesisPrompt(state, positions)
	}

	res, err := o.router.Generate(callCtx, o.cfg.SynthesisAlias, prompt, router.Options{})
	if err != nil {
		if o.interrupted(ctx, state, em) {
			return false
		}
		o.fail(state, em, "synthesis_failed")
		return false
	}

	state.FinalResponse = res.Content
	state.addMessage("assistant", res.Content, o.cfg.SynthesisAlias)
	em.phaseComplete(PhaseSynthesis, map[string]any{
		"model":  res.Model,
		"tokens": res.Usage.TotalTokens,
	})
	return true
}

// executeAction runs the kip_execution phase for action intents. A missing
// executor or an unparseable action spec makes the phase a no-op: the
// synthesis answer stands on its own. Reports whether a tool actually ran.
func (o *Orchestrator) executeAction(ctx context.Context, state *State, em *emitter) bool {
	if o.executor == nil {
		return false
	}

	spec, ok := parseActionSpec(state.FinalResponse)
	if !ok {
		return false
	}

	ctx, done := o.beginPhase(ctx, PhaseKIPExecution)
	defer done()
	state.advance(PhaseKIPExecution)
	em.status(PhaseKIPExecution, "executing tool: "+spec.ToolName)

	res, err := o.executor.Execute(ctx, systemAgentID, spec.ToolName, spec.Params)
	if err != nil {
		slog.Error("tool execution infrastructure fault", "tool", spec.ToolName, "err", err)
		return false
	}

	switch res.Status {
	case kip.ActionSuccess:
		out, _ := json.Marshal(res.Result)
		state.FinalResponse += fmt.Sprintf("\n\nTool %s result: %s", spec.ToolName, out)
	default:
		detail := res.Reason
		if detail == "" {
			detail = res.Error
		}
		state.FinalResponse += fmt.Sprintf("\n\nTool %s did not complete: %s", spec.ToolName, detail)
	}

	em.phaseComplete(PhaseKIPExecution, map[string]any{
		"tool":      spec.ToolName,
		"status":    string(res.Status),
		"action_id": res.ActionID,
	})
	o.deposit(ctx, state, "tool_execution", "kip",
		fmt.Sprintf("tool %s finished with status %s", spec.ToolName, res.Status),
		0.5, map[string]any{"action_id": res.ActionID})
	return res.Status == kip.ActionSuccess
}

// interrupted handles cancellation and the overall timeout at phase
// boundaries. Overall timeout reports as a request_timeout error event;
// client cancellation emits the terminal cancelled event.
func (o *Orchestrator) interrupted(ctx context.Context, state *State, em *emitter) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		o.fail(state, em, "request_timeout")
		return true
	}
	state.Phase = PhaseFailed
	state.Error = "cancelled"
	em.emit(Event{Type: EventCancelled})
	return true
}

func (o *Orchestrator) fail(state *State, em *emitter, reason string) {
	phase := state.Phase
	state.advance(PhaseFailed)
	state.Error = reason
	em.emit(Event{Type: EventError, Phase: phase, Message: reason})
}

// councilPrompt builds the deliberation prompt from the input and any
// ambient signals.
func (o *Orchestrator) councilPrompt(state *State) string {
	var b strings.Builder
	b.WriteString("Consider the following request and give your best answer with reasoning.\n\n")
	if len(state.Signals) > 0 {
		b.WriteString("Ambient context:\n")
		for _, sig := range state.Signals {
			fmt.Fprintf(&b, "- [%s] %s\n", sig.Kind, sig.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Request: ")
	b.WriteString(state.Input)
	return b.String()
}

// synthesisPrompt builds the structured synthesis prompt: user input,
// intent, signals, and the council positions in alias order.
func (o *Orchestrator) synthesisPrompt(state *State, positions []Position) string {
	var b strings.Builder
	b.WriteString("Synthesize a single final answer from the material below.\n\n")
	fmt.Fprintf(&b, "User request (%s): %s\n\n", state.Intent, state.Input)
	if len(state.Signals) > 0 {
		b.WriteString("Ambient signals:\n")
		for _, sig := range state.Signals {
			fmt.Fprintf(&b, "- [%s] %s\n", sig.Kind, sig.Content)
		}
		b.WriteString("\n")
	}
	if len(positions) > 0 {
		b.WriteString("Council positions:\n")
		for _, p := range positions {
			fmt.Fprintf(&b, "--- %s (confidence %.2f) ---\n%s\n", p.ModelAlias, p.Confidence, p.Answer)
		}
		b.WriteString("\n")
	}
	if state.Intent == IntentAction {
		b.WriteString("If the request calls for a tool, end your answer with a fenced json block ")
		b.WriteString("containing {\"tool_name\": ..., \"params\": {...}}.\n")
	}
	b.WriteString("Final answer:")
	return b.String()
}

type actionSpec struct {
	ToolName string         `json:"tool_name"`
	Params   map[string]any `json:"params"`
}

// parseActionSpec extracts a {tool_name, params} object from synthesis
// output. It prefers a fenced json block, falling back to the last JSON
// object in the text.
func parseActionSpec(s string) (actionSpec, bool) {
	var spec actionSpec

	candidate := fencedJSON(s)
	if candidate == "" {
		start := strings.LastIndexByte(s, '{')
		end := strings.LastIndexByte(s, '}')
		if start < 0 || end <= start {
			return spec, false
		}
		// Widen to the outermost object containing the tail.
		if first := strings.IndexByte(s, '{'); first >= 0 && strings.Contains(s[first:end+1], "tool_name") {
			start = first
		}
		candidate = s[start : end+1]
	}

	if err := json.Unmarshal([]byte(candidate), &spec); err != nil || spec.ToolName == "" {
		return actionSpec{}, false
	}
	return spec, true
}

// fencedJSON returns the contents of the first ```json fence, or "".
func fencedJSON(s string) string {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(s, marker)
		if start < 0 {
			continue
		}
		rest := s[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		body := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(body, "{") {
			return body
		}
	}
	return ""
}

func (o *Orchestrator) archiveState(state *State) {
	if o.archive == nil || state.Phase != PhaseComplete {
		return
	}
	phases := make([]string, len(state.PhasesVisited))
	for i, p := range state.PhasesVisited {
		phases[i] = string(p)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.archive.ArchiveConversation(ctx, state.RequestID, string(state.Intent), phases,
		state.Input, state.FinalResponse, len(state.Positions), state.Duration); err != nil {
		slog.Warn("conversation archive failed", "request_id", state.RequestID, "err", err)
	}
}
