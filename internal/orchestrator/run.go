package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/metrics"
	"github.com/watzon/tracery/internal/sandbox"
)

const (
	// watchdogGrace is added to the job timeout before the orchestrator
	// stops waiting for a runner that did not enforce its own deadline.
	watchdogGrace = 5 * time.Second

	// settleTimeout bounds the wait for steps to finalize after a run.
	settleTimeout = 5 * time.Second

	defaultAcquireTimeout = 30 * time.Second
)

// beginFunc moves the execution to running once a slot is held.
type beginFunc func(ctx context.Context) (*executions.Execution, error)

// launch runs one phase, synchronously or in the background. Runs use the
// orchestrator's own context so a caller that goes away does not leave the
// execution unfinished.
func (o *Orchestrator) launch(exec *executions.Execution, job *sandbox.Job, begin beginFunc, async bool) (*Handle, error) {
	h := newHandle(exec, async)

	o.wg.Add(1)
	run := func() {
		defer o.wg.Done()
		final, err := o.runPhase(o.base, exec, job, begin)
		h.finish(final, err)
	}

	if async {
		go run()
		return h, nil
	}

	run()
	return h, h.err
}

func (o *Orchestrator) runPhase(ctx context.Context, exec *executions.Execution, job *sandbox.Job, begin beginFunc) (*executions.Execution, error) {
	logger := log.With().
		Str("execution_id", exec.ID).
		Str("function", exec.Function).
		Int("phase", job.Phase).
		Logger()

	timeout := o.runtime.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	slot, acquireErr := o.pool.Acquire(acquireCtx)
	cancel()

	if slot != nil {
		defer slot.Release()
	}

	if begin != nil {
		started, err := begin(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start execution")
			return nil, err
		}
		exec = started
	}

	if acquireErr != nil {
		cause := failure.Wrap(failure.ResourceExceeded, acquireErr, "no runtime slot available")
		if errors.Is(acquireErr, sandbox.ErrPoolClosed) {
			cause = failure.Wrap(failure.InternalError, acquireErr, "runtime unavailable")
		}
		logger.Warn().Err(acquireErr).Msg("Could not acquire a runtime slot")
		return o.finalize(ctx, exec, sandbox.Failed(cause))
	}

	runCtx, cancelRun := context.WithTimeout(ctx, job.Limits.Timeout+watchdogGrace)
	res := o.pool.Run(runCtx, slot, job, o.tracker)
	cancelRun()
	if res == nil {
		res = sandbox.Failed(failure.New(failure.InternalError, "runner returned no result"))
	}

	return o.finalize(ctx, exec, res)
}

// finalize closes out the step tree and moves the execution to its
// terminal state for this phase.
func (o *Orchestrator) finalize(ctx context.Context, exec *executions.Execution, res *sandbox.Result) (*executions.Execution, error) {
	id := exec.ID

	var cause *failure.Error
	if res.Outcome == sandbox.OutcomeFailure {
		cause = res.Error
		if cause == nil {
			cause = failure.New(failure.InternalError, "run failed without a cause")
		}
	}

	// A run cut short by its limits leaves steps that will never finish.
	if cause == nil || cause.Code != failure.ResourceExceeded {
		settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
		if err := o.tracker.Settle(settleCtx, id); err != nil {
			log.Warn().Err(err).Str("execution_id", id).Msg("Steps did not settle")
		}
		cancel()
	}

	openCause := cause
	if openCause == nil {
		openCause = failure.New(failure.InternalError, "step did not finish")
	}
	n, err := o.tracker.FailOpen(ctx, id, openCause)
	if err != nil {
		log.Error().Err(err).Str("execution_id", id).Msg("Failed to fail open steps")
	} else if n > 0 {
		log.Warn().Str("execution_id", id).Int("steps", n).Msg("Failed steps left open")
	}

	var (
		final *executions.Execution
		ev    = events.Event{ExecutionID: id, Phase: exec.Phase, Function: exec.Function, StepID: res.RootStepID}
	)
	switch res.Outcome {
	case sandbox.OutcomeOutput:
		final, err = o.store.Complete(ctx, id, res.Output)
		ev.Type = events.ExecutionCompleted
		ev.Output = res.Output
	case sandbox.OutcomeAwaitingInput:
		final, err = o.store.Await(ctx, id, res.Prompt, res.InputSchema)
		ev.Type = events.ExecutionAwaitingInput
		ev.Message = res.Prompt
		if res.InputSchema != nil {
			ev.Fields = map[string]any{"input_schema": res.InputSchema}
		}
	default:
		final, err = o.store.Fail(ctx, id, cause)
		ev.Type = events.ExecutionFailed
		ev.Error = cause
	}
	if err != nil {
		log.Error().Err(err).Str("execution_id", id).Str("outcome", string(res.Outcome)).Msg("Failed to record execution outcome")
		return nil, err
	}

	ev.DurationMs = final.DurationMs
	o.record(ctx, ev)
	metrics.RecordExecution(final.Function, string(final.Status), time.Duration(final.DurationMs)*time.Millisecond)

	logEvent := log.Info()
	if final.Status == executions.StatusFailed {
		logEvent = log.Warn().Str("error_code", string(final.ErrorCode)).Str("error", final.ErrorMessage)
	}
	logEvent.
		Str("execution_id", id).
		Str("function", final.Function).
		Int("phase", final.Phase).
		Str("status", string(final.Status)).
		Int64("duration_ms", final.DurationMs).
		Msg("Execution finished")

	return final, nil
}
