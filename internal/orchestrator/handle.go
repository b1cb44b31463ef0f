package orchestrator

import (
	"context"
	"sync"

	"github.com/watzon/tracery/internal/executions"
)

// Handle tracks one launched phase of an execution.
type Handle struct {
	ExecutionID string
	Async       bool

	mu    sync.Mutex
	exec  *executions.Execution
	err   error
	done  chan struct{}
	close sync.Once
}

func newHandle(exec *executions.Execution, async bool) *Handle {
	snapshot := *exec
	return &Handle{
		ExecutionID: exec.ID,
		Async:       async,
		exec:        &snapshot,
		done:        make(chan struct{}),
	}
}

func (h *Handle) finish(exec *executions.Execution, err error) {
	h.mu.Lock()
	if exec != nil {
		h.exec = exec
	}
	h.err = err
	h.mu.Unlock()
	h.close.Do(func() { close(h.done) })
}

// Done is closed when the phase has ended.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Execution returns the latest known state. Before the phase ends this is
// the execution as it was launched.
func (h *Handle) Execution() *executions.Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec
}

// Wait blocks until the phase ends or ctx is done. The error reports a
// failure to record the outcome, not a failed execution; inspect the
// returned execution's status for that.
func (h *Handle) Wait(ctx context.Context) (*executions.Execution, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return h.Execution(), ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec, h.err
}
