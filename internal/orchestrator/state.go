// Package orchestrator drives a request through the multi-phase pipeline:
// intent classification, ambient signal scan, parallel council deliberation,
// synthesis, and optional tool execution. Phases advance along one of two
// paths — a fast path for simple queries and a deep path for everything
// else — and every transition is observable as a typed streaming event.
package orchestrator

import (
	"time"

	"github.com/hivemind-ai/hivemind/internal/pheromind"
)

// Phase is one node of the request state machine.
type Phase string

const (
	PhaseReceived            Phase = "received"
	PhaseSmartRouted         Phase = "smart_routed"
	PhasePheromindScan       Phase = "pheromind_scan"
	PhaseCouncilDeliberation Phase = "council_deliberation"
	PhaseSynthesis           Phase = "synthesis"
	PhaseKIPExecution        Phase = "kip_execution"
	PhaseComplete            Phase = "complete"
	PhaseFailed              Phase = "failed"
)

// Intent classifies a request and selects its path.
type Intent string

const (
	IntentSimpleQuery      Intent = "simple_query_task"
	IntentComplexReasoning Intent = "complex_reasoning_task"
	IntentExploratory      Intent = "exploratory_task"
	IntentAction           Intent = "action_task"
)

// Path labels reported to clients in path_taken.
const (
	PathFastResponse        = "fast_response"
	PathCouncilDeliberation = "council_deliberation"
	PathPheromindScan       = "pheromind_scan"
	PathKIPExecution        = "kip_execution"
	PathUnknown             = "unknown"
)

// Message is one entry of the request's message log.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ModelAlias string `json:"model_alias,omitempty"`
	Phase      Phase  `json:"phase"`
}

// Position is one council member's answer.
type Position struct {
	ModelAlias string        `json:"model_alias"`
	Answer     string        `json:"answer"`
	Confidence float64       `json:"confidence"`
	Latency    time.Duration `json:"latency"`
}

// State is the full record of one request's journey through the pipeline.
// FinalResponse is set exactly when Phase is complete.
type State struct {
	RequestID      string             `json:"request_id"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Input          string             `json:"input"`
	Intent         Intent             `json:"intent,omitempty"`
	Confidence     float64            `json:"confidence,omitempty"`
	Phase          Phase              `json:"phase"`
	PathTaken      string             `json:"path_taken"`
	PhasesVisited  []Phase            `json:"phases_visited"`
	Messages       []Message          `json:"messages"`
	Signals        []pheromind.Signal `json:"signals,omitempty"`
	Positions      []Position         `json:"council_positions,omitempty"`
	FinalResponse  string             `json:"final_response,omitempty"`
	Error          string             `json:"error,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	Duration       time.Duration      `json:"duration"`
}

// advance moves the state to phase and records the visit.
func (s *State) advance(phase Phase) {
	s.Phase = phase
	s.PhasesVisited = append(s.PhasesVisited, phase)
}

// addMessage appends to the message log, tagged with the current phase.
func (s *State) addMessage(role, content, alias string) {
	s.Messages = append(s.Messages, Message{
		Role:       role,
		Content:    content,
		ModelAlias: alias,
		Phase:      s.Phase,
	})
}

// pathFor maps an intent to its client-facing path label. Action requests
// only earn the kip_execution label when a tool actually ran.
func pathFor(intent Intent, toolRan bool) string {
	switch intent {
	case IntentSimpleQuery:
		return PathFastResponse
	case IntentComplexReasoning:
		return PathCouncilDeliberation
	case IntentExploratory:
		return PathPheromindScan
	case IntentAction:
		if toolRan {
			return PathKIPExecution
		}
		return PathCouncilDeliberation
	}
	return PathUnknown
}
