package orchestrator

import (
	"time"
)

// EventType discriminates streaming events.
type EventType string

const (
	EventStatus        EventType = "status"
	EventPartial       EventType = "partial"
	EventPhaseComplete EventType = "phase_complete"
	EventFinal         EventType = "final"
	EventError         EventType = "error"
	EventCancelled     EventType = "cancelled"
)

// Event is one typed streaming frame. Within a request, events are emitted
// strictly in phase order; final, error, and cancelled are terminal.
type Event struct {
	Type      EventType      `json:"type"`
	Phase     Phase          `json:"phase,omitempty"`
	Message   string         `json:"message,omitempty"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives streaming events. Sinks must be fast; slow consumers should
// buffer on their side of the callback.
type Sink func(Event)

// emitter serializes event delivery and enforces the terminal-event rule:
// nothing is emitted after final, error, or cancelled.
type emitter struct {
	sink Sink
	now  func() time.Time
	done bool
}

func (e *emitter) emit(ev Event) {
	if e.done || e.sink == nil {
		return
	}
	switch ev.Type {
	case EventFinal, EventError, EventCancelled:
		e.done = true
	}
	ev.Timestamp = e.now()
	e.sink(ev)
}

func (e *emitter) status(phase Phase, message string) {
	e.emit(Event{Type: EventStatus, Phase: phase, Message: message})
}

func (e *emitter) phaseComplete(phase Phase, metadata map[string]any) {
	e.emit(Event{Type: EventPhaseComplete, Phase: phase, Metadata: metadata})
}
