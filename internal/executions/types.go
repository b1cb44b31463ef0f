package executions

import (
	"time"

	"github.com/watzon/tracery/internal/failure"
)

// Status represents the state of an execution.
type Status string

const (
	// StatusPending indicates the execution is waiting for a runtime slot.
	StatusPending Status = "pending"
	// StatusRunning indicates a phase of the execution is in progress.
	StatusRunning Status = "running"
	// StatusCompleted indicates the execution returned an output.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the execution ended with a classified failure.
	StatusFailed Status = "failed"
	// StatusAwaitingInput indicates the function asked for more input. It is
	// terminal until the execution is continued.
	StatusAwaitingInput Status = "awaiting_input"
)

var transitions = map[Status][]Status{
	StatusPending:       {StatusRunning},
	StatusRunning:       {StatusCompleted, StatusFailed, StatusAwaitingInput},
	StatusAwaitingInput: {StatusRunning},
}

// CanTransition reports whether an execution may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further phase will run without a continuation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAwaitingInput
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusAwaitingInput:
		return true
	}
	return false
}

// TriggerKind identifies what started an execution.
type TriggerKind string

const (
	TriggerDirect   TriggerKind = "direct"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerSchedule TriggerKind = "schedule"
	TriggerAgent    TriggerKind = "agent"
)

// Valid reports whether k is a known trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerDirect, TriggerWebhook, TriggerSchedule, TriggerAgent:
		return true
	}
	return false
}

// Execution is one top-level invocation of a function.
type Execution struct {
	ID            string         `json:"id"`
	Function      string         `json:"function"`
	Version       int            `json:"function_version"`
	Trigger       TriggerKind    `json:"trigger_kind"`
	TriggerRef    string         `json:"trigger_ref,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Status        Status         `json:"status"`
	Phase         int            `json:"phase"`
	Input         map[string]any `json:"input"`
	Output        any            `json:"output,omitempty"`
	ErrorCode     failure.Code   `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	InputPrompt   string         `json:"input_prompt,omitempty"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Err returns the recorded failure, or nil.
func (e *Execution) Err() *failure.Error {
	if e.ErrorCode == "" {
		return nil
	}
	return &failure.Error{Code: e.ErrorCode, Message: e.ErrorMessage}
}

// StepStatus represents the state of a step.
type StepStatus string

const (
	StepRunning       StepStatus = "running"
	StepCompleted     StepStatus = "completed"
	StepFailed        StepStatus = "failed"
	StepAwaitingInput StepStatus = "awaiting_input"
)

// Step is one tracked call inside an execution.
type Step struct {
	ID           string       `json:"id"`
	ExecutionID  string       `json:"execution_id"`
	ParentID     string       `json:"parent_id,omitempty"`
	Phase        int          `json:"phase"`
	Function     string       `json:"function"`
	Sequence     int64        `json:"sequence"`
	Status       StepStatus   `json:"status"`
	Input        any          `json:"input"`
	Output       any          `json:"output,omitempty"`
	ErrorCode    failure.Code `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	ErrorTrace   string       `json:"error_trace,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	DurationMs   int64        `json:"duration_ms"`
}

// StepResult finalizes a running step.
type StepResult struct {
	ID          string
	Status      StepStatus
	Output      any
	Error       *failure.Error
	CompletedAt time.Time
	DurationMs  int64
}

// StepNode is a step with its children ordered by sequence.
type StepNode struct {
	*Step
	Children []*StepNode `json:"children"`
}

// Filter selects executions for listing.
type Filter struct {
	Function      string
	Status        Status
	Trigger       TriggerKind
	CorrelationID string
	// Since and Until bound created_at as [Since, Until). Zero is unbounded.
	Since         time.Time
	Until         time.Time
	Limit         int
	Offset        int
}
