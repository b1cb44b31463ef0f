package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/metrics"
	"github.com/watzon/tracery/internal/orchestrator"
)

// dueBatch is how many due schedules one poll handles.
const dueBatch = 100

// Run is a started execution.
type Run interface {
	Done() <-chan struct{}
	Execution() *executions.Execution
}

// Invoker starts executions.
type Invoker interface {
	Invoke(ctx context.Context, req orchestrator.InvokeRequest) (Run, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req orchestrator.InvokeRequest) (Run, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req orchestrator.InvokeRequest) (Run, error) {
	return f(ctx, req)
}

// Orchestrated returns an Invoker that starts executions on o.
func Orchestrated(o *orchestrator.Orchestrator) Invoker {
	return InvokerFunc(func(ctx context.Context, req orchestrator.InvokeRequest) (Run, error) {
		h, err := o.Invoke(ctx, req)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
}

// Scheduler polls for due schedules and invokes their functions. Runs are
// claimed by advancing next_run, so a run is started at least once per
// claim even with several pollers.
type Scheduler struct {
	store    *Store
	invoker  Invoker
	interval time.Duration
	catchup  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewScheduler creates a scheduler over db.
func NewScheduler(db *database.DB, invoker Invoker, cfg config.SchedulerConfig) *Scheduler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = config.DefaultSchedulerPoll
	}
	return &Scheduler{
		store:    NewStore(db),
		invoker:  invoker,
		interval: interval,
		catchup:  cfg.Catchup,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the schedule store.
func (s *Scheduler) Store() *Store {
	return s.store
}

// Start recovers schedules missed while stopped and begins polling.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to recover schedules")
	}

	s.wg.Add(1)
	go s.pollLoop(ctx)

	log.Info().
		Dur("poll_interval", s.interval).
		Bool("catchup", s.catchup).
		Msg("Scheduler started")
}

// Stop waits for the poll loop to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ProcessDue(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to process due schedules")
			}
		}
	}
}

// ProcessDue runs every due schedule once and returns how many were started.
func (s *Scheduler) ProcessDue(ctx context.Context) (int, error) {
	now := s.now()
	schedules, err := s.store.Due(ctx, now, dueBatch)
	if err != nil {
		return 0, fmt.Errorf("getting due schedules: %w", err)
	}

	started := 0
	for _, schedule := range schedules {
		ok, err := s.run(ctx, schedule, now)
		if err != nil {
			log.Error().
				Err(err).
				Str("schedule_id", schedule.ID).
				Str("schedule_name", schedule.Name).
				Msg("Failed to process schedule")
			continue
		}
		if ok {
			started++
		}
	}
	return started, nil
}

// run claims one due schedule and invokes its function.
func (s *Scheduler) run(ctx context.Context, schedule *Schedule, now time.Time) (bool, error) {
	expected := *schedule.NextRun

	schedule.LastRun = &now
	var next *time.Time
	n, ok, err := NextRun(schedule, now)
	if err != nil {
		return false, fmt.Errorf("calculating next run: %w", err)
	}
	if ok {
		next = &n
	}

	claimed, err := s.store.Claim(ctx, schedule.ID, expected, next, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		log.Debug().Str("schedule_id", schedule.ID).Msg("Schedule run claimed elsewhere")
		return false, nil
	}

	run, err := s.invoker.Invoke(ctx, orchestrator.InvokeRequest{
		Function:   schedule.Function,
		Input:      schedule.Input,
		Trigger:    executions.TriggerSchedule,
		TriggerRef: schedule.ID,
		UserID:     schedule.UserID,
		Async:      true,
	})
	if err != nil {
		metrics.RecordScheduleRun("error")
		if recErr := s.store.RecordRun(ctx, schedule.ID, "", "error: "+err.Error()); recErr != nil {
			log.Error().Err(recErr).Str("schedule_id", schedule.ID).Msg("Failed to record schedule run")
		}
		return false, fmt.Errorf("invoking %s: %w", schedule.Function, err)
	}

	metrics.RecordScheduleRun("started")
	started := run.Execution()
	if err := s.store.RecordRun(ctx, schedule.ID, started.ID, string(started.Status)); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("Failed to record schedule run")
	}

	s.wg.Add(1)
	go s.track(schedule.ID, run)

	event := log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("execution_id", started.ID)
	if next != nil {
		event = event.Time("next_run", *next)
	}
	event.Msg("Schedule triggered")
	return true, nil
}

// track records the final status of a scheduled execution.
func (s *Scheduler) track(scheduleID string, run Run) {
	defer s.wg.Done()

	<-run.Done()
	exec := run.Execution()
	status := string(exec.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordRun(ctx, scheduleID, exec.ID, status); err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to record schedule status")
	}
	metrics.RecordScheduleRun(status)
}

// Create validates and stores a schedule.
func (s *Scheduler) Create(ctx context.Context, schedule *Schedule) error {
	return s.store.Create(ctx, schedule)
}

// Update stores a changed schedule and recomputes its next run.
func (s *Scheduler) Update(ctx context.Context, schedule *Schedule) error {
	return s.store.Update(ctx, schedule, true)
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// Get retrieves a schedule by ID.
func (s *Scheduler) Get(ctx context.Context, id string) (*Schedule, error) {
	return s.store.Get(ctx, id)
}

// List retrieves all schedules.
func (s *Scheduler) List(ctx context.Context) ([]*Schedule, error) {
	return s.store.List(ctx)
}

// FindByFunction finds schedules for a function.
func (s *Scheduler) FindByFunction(ctx context.Context, function string) ([]*Schedule, error) {
	return s.store.FindByFunction(ctx, function)
}
