package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("runtime pool is closed")

// Slot is a claim on one concurrent run.
type Slot struct {
	pool       *Pool
	acquiredAt time.Time
	once       sync.Once
}

// Release returns the slot to its pool. It is safe to call more than once.
func (s *Slot) Release() {
	s.once.Do(func() { s.pool.release(s) })
}

// Pool caps how many jobs run at once and hands them to a runner.
type Pool struct {
	runner Runner
	slots  chan struct{}
	max    int

	mu      sync.Mutex
	busy    int
	closing bool
	wg      sync.WaitGroup
}

// NewPool creates a pool of max slots in front of runner.
func NewPool(runner Runner, max int) *Pool {
	if max <= 0 {
		max = 1
	}
	p := &Pool{
		runner: runner,
		slots:  make(chan struct{}, max),
		max:    max,
	}
	metrics.UpdateSlotStats(0, max)
	return p
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.wg.Done()
		return nil, fmt.Errorf("waiting for a runtime slot: %w", ctx.Err())
	}

	p.mu.Lock()
	p.busy++
	busy := p.busy
	p.mu.Unlock()
	metrics.UpdateSlotStats(busy, p.max-busy)

	return &Slot{pool: p, acquiredAt: time.Now()}, nil
}

func (p *Pool) release(s *Slot) {
	<-p.slots

	p.mu.Lock()
	p.busy--
	busy := p.busy
	p.mu.Unlock()
	metrics.UpdateSlotStats(busy, p.max-busy)

	log.Debug().Dur("held", time.Since(s.acquiredAt)).Msg("Released runtime slot")
	p.wg.Done()
}

// Run executes job on the pool's runner while holding slot.
func (p *Pool) Run(ctx context.Context, slot *Slot, job *Job, sink events.Sink) *Result {
	if slot == nil || slot.pool != p {
		return Failed(failure.New(failure.InternalError, "run without a slot from this pool"))
	}
	return p.runner.Run(ctx, job, sink)
}

// PoolStats describes slot usage.
type PoolStats struct {
	Busy  int `json:"busy"`
	Free  int `json:"free"`
	Total int `json:"total"`
}

// Stats returns the current slot usage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Busy: p.busy, Free: p.max - p.busy, Total: p.max}
}

// Close stops handing out slots and waits for held slots to be released
// or ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// NewRunner builds the runner selected by cfg.Mode. refresh is used by the
// in-process runner for credential renewal.
func NewRunner(ctx context.Context, cfg config.RuntimeConfig, refresh Refresher) (Runner, error) {
	switch cfg.Mode {
	case "inprocess":
		log.Warn().
			Str("mode", cfg.Mode).
			Msg("Functions run inside the server process; a run past its deadline is abandoned but not stopped. Use subprocess or container outside development")
		return NewInProcess(refresh), nil
	case "", "subprocess":
		return NewSubprocess(cfg.WorkerPath)
	case "container":
		c, err := NewContainer(cfg.Container)
		if err != nil {
			return nil, err
		}
		if err := c.CleanupStale(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to cleanup stale containers")
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown runtime mode %q", cfg.Mode)
	}
}
