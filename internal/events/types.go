// Package events defines the tracking events emitted while functions run and
// the durable store that keeps them.
package events

import (
	"time"

	"github.com/watzon/tracery/internal/failure"
)

// Type identifies what an event describes.
type Type string

const (
	ExecutionStarted       Type = "execution_started"
	ExecutionResumed       Type = "execution_resumed"
	ExecutionCompleted     Type = "execution_completed"
	ExecutionFailed        Type = "execution_failed"
	ExecutionAwaitingInput Type = "execution_awaiting_input"

	StepStarted       Type = "step_started"
	StepCompleted     Type = "step_completed"
	StepFailed        Type = "step_failed"
	StepAwaitingInput Type = "step_awaiting_input"

	Log Type = "log"
)

// EndsStream reports whether no further events are expected for the current
// phase once an event of this type has been published.
func (t Type) EndsStream() bool {
	switch t {
	case ExecutionCompleted, ExecutionFailed, ExecutionAwaitingInput:
		return true
	}
	return false
}

// FinalizesStep reports whether the event closes a step.
func (t Type) FinalizesStep() bool {
	switch t {
	case StepCompleted, StepFailed, StepAwaitingInput:
		return true
	}
	return false
}

// Event is a single entry in an execution's stream. Runtimes emit step and
// log events; the orchestrator emits execution events. Sequence is assigned
// by the tracker when the event is accepted.
type Event struct {
	Sequence    int64          `json:"sequence"`
	Type        Type           `json:"type"`
	ExecutionID string         `json:"execution_id"`
	Phase       int            `json:"phase,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	Function    string         `json:"function,omitempty"`
	Input       any            `json:"input,omitempty"`
	Output      any            `json:"output,omitempty"`
	Error       *failure.Error `json:"error,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	Message     string         `json:"message,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Time        time.Time      `json:"time"`
}

// Sink receives events in emission order.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
