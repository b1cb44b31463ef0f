package sandbox

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/schema"
)

// InProcess runs jobs in an interpreter inside the current process. The
// timeout is enforced at the runner boundary and at every tracked call; a
// function stuck in a loop without calls keeps its goroutine until it
// returns, and memory is not bounded. It is meant for development and tests.
type InProcess struct {
	refresh  Refresher
	compiler *schema.Compiler
}

// NewInProcess creates an in-process runner. refresh renews credentials
// for fxrt.Callback without going through HTTP.
func NewInProcess(refresh Refresher) *InProcess {
	return &InProcess{refresh: refresh, compiler: schema.NewCompiler()}
}

func (r *InProcess) Run(ctx context.Context, job *Job, sink events.Sink) *Result {
	if job.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Limits.Timeout)
		defer cancel()
	}

	done := make(chan *Result, 1)
	go func() {
		done <- Execute(ctx, job, sink, HostOptions{Refresh: r.refresh, Compiler: r.compiler})
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		log.Warn().
			Str("execution_id", job.Context.ExecutionID).
			Str("function", job.Entry).
			Msg("Abandoning in-process run after deadline")
		return Failed(deadlineFailure(ctx, job.Limits.Timeout))
	}
}
