package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/failure"
)

// killGrace bounds how long a killed worker may take to exit.
const killGrace = 5 * time.Second

// Subprocess runs each job in a fresh `tracery worker` process.
type Subprocess struct {
	path string
	env  []string
}

// NewSubprocess creates a runner that executes path as the worker. An
// empty path uses the running executable.
func NewSubprocess(path string) (*Subprocess, error) {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		path = exe
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("worker binary: %w", err)
	}
	return &Subprocess{
		path: path,
		env:  []string{"TRACERY_LOGGING_FORMAT=json", "PATH=" + os.Getenv("PATH")},
	}, nil
}

func (r *Subprocess) Run(ctx context.Context, job *Job, sink events.Sink) *Result {
	cmd := exec.Command(r.path, "worker") //nolint:gosec // path comes from config or os.Executable
	cmd.Env = r.env
	setProcessGroup(cmd)
	return runWorker(ctx, job, sink, cmd, killProcessGroup)
}

type frameResult struct {
	res *Result
	err error
}

// runWorker feeds job to cmd and relays its frames. It is shared by the
// subprocess and container runners.
func runWorker(ctx context.Context, job *Job, sink events.Sink, cmd *exec.Cmd, kill func(*exec.Cmd) error) *Result {
	if sink == nil {
		sink = events.Discard
	}
	if job.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Limits.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return Failed(failure.Wrap(failure.InternalError, err, "encoding job"))
	}
	cmd.Stdin = bytes.NewReader(payload)

	logger := log.With().
		Str("execution_id", job.Context.ExecutionID).
		Str("function", job.Entry).
		Logger()
	stderr := &lineWriter{emit: func(line string) {
		logger.Debug().Str("source", "worker").Msg(line)
	}}
	cmd.Stderr = stderr
	defer stderr.Flush()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Failed(failure.Wrap(failure.InternalError, err, "creating worker pipe"))
	}

	if err := cmd.Start(); err != nil {
		return Failed(failure.Wrap(failure.InternalError, err, "starting worker"))
	}

	frames := make(chan frameResult, 1)
	go func() {
		res, err := readFrames(stdout, sink)
		frames <- frameResult{res: res, err: err}
	}()

	select {
	case fr := <-frames:
		waitErr := cmd.Wait()
		return interpretExit(ctx, job, fr, waitErr)
	case <-ctx.Done():
		if err := kill(cmd); err != nil {
			logger.Warn().Err(err).Msg("Failed to kill worker")
		}
		select {
		case <-frames:
		case <-time.After(killGrace):
			logger.Warn().Msg("Worker output did not close after kill")
		}
		_ = cmd.Wait()
		return Failed(deadlineFailure(ctx, job.Limits.Timeout))
	}
}

func interpretExit(ctx context.Context, job *Job, fr frameResult, waitErr error) *Result {
	if ctx.Err() != nil {
		return Failed(deadlineFailure(ctx, job.Limits.Timeout))
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		switch exitErr.ExitCode() {
		case ExitMemoryExceeded:
			if fr.res != nil && fr.res.Error != nil {
				return fr.res
			}
			return Failed(failure.New(failure.ResourceExceeded, "memory limit of %d MB exceeded", job.Limits.MemoryMB))
		case 137:
			// Killed by the container runtime's OOM handling.
			return Failed(failure.New(failure.ResourceExceeded, "memory limit of %d MB exceeded", job.Limits.MemoryMB))
		}
		if reason, ok := terminatedBy(waitErr); ok {
			return Failed(failure.New(failure.ResourceExceeded, "%s", reason))
		}
	}

	if fr.err != nil {
		return Failed(failure.Wrap(failure.InternalError, fr.err, "worker protocol error"))
	}
	if fr.res == nil {
		return Failed(failure.Wrap(failure.InternalError, waitErr, "worker exited without a result"))
	}
	return fr.res
}
