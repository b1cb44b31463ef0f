package sandbox

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/events"
)

type stubRunner struct {
	result *Result
}

func (s stubRunner) Run(context.Context, *Job, events.Sink) *Result {
	return s.result
}

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool(stubRunner{result: &Result{Outcome: OutcomeOutput, Output: "ok"}}, 1)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, PoolStats{Busy: 1, Free: 0, Total: 1}, p.Stats())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	res := p.Run(context.Background(), slot, &Job{}, nil)
	require.Equal(t, "ok", res.Output)

	slot.Release()
	slot.Release()
	require.Equal(t, PoolStats{Busy: 0, Free: 1, Total: 1}, p.Stats())

	slot, err = p.Acquire(context.Background())
	require.NoError(t, err)
	slot.Release()
}

func TestPool_RunRequiresSlot(t *testing.T) {
	p := NewPool(stubRunner{}, 2)
	res := p.Run(context.Background(), nil, &Job{}, nil)
	require.Equal(t, OutcomeFailure, res.Outcome)
}

func TestPool_Close(t *testing.T) {
	p := NewPool(stubRunner{}, 2)
	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Close(context.Background()) }()

	select {
	case <-done:
		t.Fatal("close returned while a slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	slot.Release()
	require.NoError(t, <-done)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewRunner(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	r, err := NewRunner(context.Background(), config.RuntimeConfig{Mode: "inprocess"}, nil)
	require.NoError(t, err)
	require.IsType(t, &InProcess{}, r)
	require.Contains(t, buf.String(), `"level":"warn"`)
	require.Contains(t, buf.String(), "inside the server process")

	_, err = NewRunner(context.Background(), config.RuntimeConfig{Mode: "wasm"}, nil)
	require.Error(t, err)
}
