// Package sandbox runs instrumented functions in an isolated runtime and
// reports their tracking events and outcome.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/watzon/tracery/internal/credentials"
	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/failure"
)

// Unit is one function of a bundle, pinned to a version.
type Unit struct {
	Name         string          `json:"name"`
	Version      int             `json:"version"`
	Source       string          `json:"source"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Imports      []string        `json:"imports,omitempty"`
}

// packages lists the packages to expose to the unit: what its source
// imports, or the declared dependencies for versions stored before imports
// were recorded.
func (u *Unit) packages() []string {
	if len(u.Imports) > 0 {
		return u.Imports
	}
	return u.Dependencies
}

// Bundle maps function names to the pinned units an execution may reach.
type Bundle map[string]*Unit

// Limits bound a single run.
type Limits struct {
	Timeout  time.Duration `json:"timeout"`
	MemoryMB int           `json:"memory_mb"`
}

// Job is everything a runtime needs to execute one phase.
type Job struct {
	Context credentials.ExecutionContext `json:"context"`
	Entry   string                       `json:"entry"`
	Phase   int                          `json:"phase"`
	Input   map[string]any               `json:"input"`
	Bundle  Bundle                       `json:"bundle"`
	Limits  Limits                       `json:"limits"`
	// Allowed is the platform package allowlist. Units only see the
	// intersection of their dependencies with it.
	Allowed []string `json:"allowed"`
}

// Validate checks that the job can be run.
func (j *Job) Validate() error {
	if j.Context.ExecutionID == "" {
		return failure.New(failure.InternalError, "job has no execution id")
	}
	if j.Bundle[j.Entry] == nil {
		return failure.New(failure.NotFound, "function %s is not in the bundle", j.Entry)
	}
	if j.Phase <= 0 {
		j.Phase = 1
	}
	return nil
}

// Outcome is the kind of result a run produced.
type Outcome string

const (
	OutcomeOutput        Outcome = "output"
	OutcomeAwaitingInput Outcome = "awaiting_input"
	OutcomeFailure       Outcome = "failure"
)

// Result is the terminal result of a run.
type Result struct {
	Outcome     Outcome        `json:"outcome"`
	Output      any            `json:"output,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Error       *failure.Error `json:"error,omitempty"`
	RootStepID  string         `json:"root_step_id,omitempty"`
}

// Failed builds a failure result.
func Failed(err error) *Result {
	return &Result{Outcome: OutcomeFailure, Error: failure.From(err)}
}

// Runner executes jobs. Run blocks until the job ends or ctx is done and
// always returns a result; infrastructure problems are InternalError
// failures.
type Runner interface {
	Run(ctx context.Context, job *Job, sink events.Sink) *Result
}

// AwaitSignal is returned by fxrt.AwaitInput. When it reaches the root call
// the execution pauses for more input.
type AwaitSignal struct {
	Prompt string
	Schema map[string]any
}

func (s *AwaitSignal) Error() string {
	return fmt.Sprintf("awaiting input: %s", s.Prompt)
}

func asAwait(err error) (*AwaitSignal, bool) {
	var sig *AwaitSignal
	if errors.As(err, &sig) {
		return sig, true
	}
	return nil, false
}

// deadlineFailure classifies a finished context.
func deadlineFailure(ctx context.Context, timeout time.Duration) *failure.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if timeout > 0 {
			return failure.New(failure.ResourceExceeded, "timeout after %s", timeout)
		}
		return failure.New(failure.ResourceExceeded, "deadline exceeded")
	}
	return failure.Wrap(failure.InternalError, ctx.Err(), "execution cancelled")
}
