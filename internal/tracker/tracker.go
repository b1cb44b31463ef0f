// Package tracker turns the tracking events emitted by a running function
// into an ordered, persisted step tree.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/metrics"
)

// StepStore persists step rows.
type StepStore interface {
	InsertStep(ctx context.Context, st *executions.Step) (bool, error)
	FinalizeStep(ctx context.Context, r executions.StepResult) (bool, error)
	GetStep(ctx context.Context, id string) (*executions.Step, error)
	OpenSteps(ctx context.Context, executionID string) ([]*executions.Step, error)
	MaxSequence(ctx context.Context, executionID string) (int64, error)
}

// EventStore persists accepted events.
type EventStore interface {
	Append(ctx context.Context, ev events.Event) error
}

// Publisher delivers accepted events to live subscribers.
type Publisher interface {
	Publish(ev events.Event)
}

type openStep struct {
	function string
	phase    int
	parentID string
	sequence int64
	started  time.Time
}

type execState struct {
	mu sync.Mutex

	seq    int64
	seeded bool

	known map[string]bool
	open  map[string]*openStep

	// Start events whose parent has not been seen yet, keyed by parent id,
	// and finish events whose start is still buffered, keyed by step id.
	orphans      map[string][]events.Event
	earlyFinish  map[string]events.Event
	idle         chan struct{}
	lastActivity time.Time
}

// Tracker consumes events per execution in emission order.
type Tracker struct {
	steps     StepStore
	store     EventStore
	publisher Publisher

	mu    sync.Mutex
	execs map[string]*execState
}

// New creates a tracker.
func New(steps StepStore, store EventStore, publisher Publisher) *Tracker {
	return &Tracker{
		steps:     steps,
		store:     store,
		publisher: publisher,
		execs:     make(map[string]*execState),
	}
}

func (t *Tracker) state(executionID string) *execState {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.execs[executionID]
	if !ok {
		idle := make(chan struct{})
		close(idle)
		st = &execState{
			known:       make(map[string]bool),
			open:        make(map[string]*openStep),
			orphans:     make(map[string][]events.Event),
			earlyFinish: make(map[string]events.Event),
			idle:        idle,
		}
		t.execs[executionID] = st
	}
	return st
}

// Emit records ev. It satisfies events.Sink so runners can emit directly.
func (t *Tracker) Emit(ev events.Event) {
	if err := t.Record(context.Background(), ev); err != nil {
		log.Error().Err(err).
			Str("execution_id", ev.ExecutionID).
			Str("type", string(ev.Type)).
			Str("step_id", ev.StepID).
			Msg("Failed to record event")
	}
}

// Record accepts one event for its execution.
func (t *Tracker) Record(ctx context.Context, ev events.Event) error {
	if ev.ExecutionID == "" {
		return failure.New(failure.InternalError, "event %s has no execution id", ev.Type)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	st := t.state(ev.ExecutionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastActivity = time.Now()

	if err := t.seed(ctx, st, ev.ExecutionID); err != nil {
		return err
	}

	switch {
	case ev.Type == events.StepStarted:
		return t.start(ctx, st, ev)
	case ev.Type.FinalizesStep():
		return t.finish(ctx, st, ev)
	default:
		return t.accept(ctx, st, ev)
	}
}

func (t *Tracker) seed(ctx context.Context, st *execState, executionID string) error {
	if st.seeded {
		return nil
	}
	seq, err := t.steps.MaxSequence(ctx, executionID)
	if err != nil {
		return failure.Wrap(failure.InternalError, err, "seeding sequence")
	}
	st.seq = seq
	st.seeded = true
	return nil
}

// accept assigns the next sequence, persists and publishes ev.
func (t *Tracker) accept(ctx context.Context, st *execState, ev events.Event) error {
	st.seq++
	ev.Sequence = st.seq

	if err := t.store.Append(ctx, ev); err != nil {
		return failure.Wrap(failure.InternalError, err, "appending event")
	}
	if t.publisher != nil {
		t.publisher.Publish(ev)
	}
	return nil
}

func (t *Tracker) start(ctx context.Context, st *execState, ev events.Event) error {
	if ev.StepID == "" {
		return failure.New(failure.InternalError, "step_started without step id")
	}
	if st.known[ev.StepID] {
		return nil
	}

	if ev.ParentID != "" && !st.known[ev.ParentID] {
		// The parent may have been recorded before this state was created.
		parent, err := t.steps.GetStep(ctx, ev.ParentID)
		if err != nil {
			st.orphans[ev.ParentID] = append(st.orphans[ev.ParentID], ev)
			return nil
		}
		if parent.ExecutionID != ev.ExecutionID {
			return failure.New(failure.InternalError, "parent step %s of %s belongs to execution %s", ev.ParentID, ev.StepID, parent.ExecutionID)
		}
		st.known[ev.ParentID] = true
	}

	st.seq++
	ev.Sequence = st.seq

	inserted, err := t.steps.InsertStep(ctx, &executions.Step{
		ID:          ev.StepID,
		ExecutionID: ev.ExecutionID,
		ParentID:    ev.ParentID,
		Phase:       ev.Phase,
		Function:    ev.Function,
		Sequence:    ev.Sequence,
		Input:       ev.Input,
		StartedAt:   ev.Time,
	})
	if err != nil {
		st.seq--
		return failure.Wrap(failure.InternalError, err, "inserting step")
	}
	if !inserted {
		st.seq--
		// A replayed start is fine; a step id taken by another execution is not.
		existing, err := t.steps.GetStep(ctx, ev.StepID)
		if err != nil {
			return failure.Wrap(failure.InternalError, err, "loading step %s", ev.StepID)
		}
		if existing.ExecutionID != ev.ExecutionID {
			return failure.New(failure.InternalError, "step %s belongs to execution %s", ev.StepID, existing.ExecutionID)
		}
		st.known[ev.StepID] = true
		return nil
	}
	st.known[ev.StepID] = true

	if st.open == nil {
		st.open = make(map[string]*openStep)
	}
	if len(st.open) == 0 {
		st.idle = make(chan struct{})
	}
	st.open[ev.StepID] = &openStep{
		function: ev.Function,
		phase:    ev.Phase,
		parentID: ev.ParentID,
		sequence: ev.Sequence,
		started:  ev.Time,
	}

	if err := t.store.Append(ctx, ev); err != nil {
		return failure.Wrap(failure.InternalError, err, "appending event")
	}
	if t.publisher != nil {
		t.publisher.Publish(ev)
	}

	if fin, ok := st.earlyFinish[ev.StepID]; ok {
		delete(st.earlyFinish, ev.StepID)
		if err := t.finish(ctx, st, fin); err != nil {
			return err
		}
	}

	children := st.orphans[ev.StepID]
	delete(st.orphans, ev.StepID)
	for _, child := range children {
		if err := t.start(ctx, st, child); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) finish(ctx context.Context, st *execState, ev events.Event) error {
	if ev.StepID == "" {
		return failure.New(failure.InternalError, "%s without step id", ev.Type)
	}

	open, isOpen := st.open[ev.StepID]
	if !isOpen && !st.known[ev.StepID] && st.isBuffered(ev.StepID) {
		if _, dup := st.earlyFinish[ev.StepID]; !dup {
			st.earlyFinish[ev.StepID] = ev
		}
		return nil
	}

	if isOpen {
		if ev.Function == "" {
			ev.Function = open.function
		}
		if ev.ParentID == "" {
			ev.ParentID = open.parentID
		}
		if ev.Phase == 0 {
			ev.Phase = open.phase
		}
		if ev.DurationMs == 0 {
			ev.DurationMs = ev.Time.Sub(open.started).Milliseconds()
		}
	}

	finalized, err := t.steps.FinalizeStep(ctx, executions.StepResult{
		ID:          ev.StepID,
		Status:      stepStatus(ev.Type),
		Output:      ev.Output,
		Error:       ev.Error,
		CompletedAt: ev.Time,
		DurationMs:  ev.DurationMs,
	})
	if err != nil {
		return failure.Wrap(failure.InternalError, err, "finalizing step")
	}

	if isOpen {
		delete(st.open, ev.StepID)
		if len(st.open) == 0 {
			close(st.idle)
		}
	}

	if !finalized {
		log.Debug().
			Str("execution_id", ev.ExecutionID).
			Str("step_id", ev.StepID).
			Str("type", string(ev.Type)).
			Msg("Dropped duplicate step finalization")
		return nil
	}

	metrics.RecordStep(ev.Function, string(stepStatus(ev.Type)))
	return t.accept(ctx, st, ev)
}

func (st *execState) isBuffered(stepID string) bool {
	for _, list := range st.orphans {
		for _, ev := range list {
			if ev.StepID == stepID {
				return true
			}
		}
	}
	return false
}

func stepStatus(t events.Type) executions.StepStatus {
	switch t {
	case events.StepCompleted:
		return executions.StepCompleted
	case events.StepAwaitingInput:
		return executions.StepAwaitingInput
	default:
		return executions.StepFailed
	}
}

// Settle waits until every started step of the execution has been finalized
// or ctx ends. Start events still waiting for a parent are dropped.
func (t *Tracker) Settle(ctx context.Context, executionID string) error {
	st := t.state(executionID)

	st.mu.Lock()
	idle := st.idle
	st.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for parent, list := range st.orphans {
		for _, ev := range list {
			log.Warn().
				Str("execution_id", executionID).
				Str("step_id", ev.StepID).
				Str("parent_id", parent).
				Msg("Dropping step whose parent was never recorded")
		}
	}
	st.orphans = make(map[string][]events.Event)
	st.earlyFinish = make(map[string]events.Event)
	return nil
}

// OpenCount returns the number of steps started but not finalized.
func (t *Tracker) OpenCount(executionID string) int {
	st := t.state(executionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.open)
}

// FailOpen marks every still-running step of the execution failed with
// cause, innermost first. It returns the number of steps failed.
func (t *Tracker) FailOpen(ctx context.Context, executionID string, cause *failure.Error) (int, error) {
	st := t.state(executionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := t.seed(ctx, st, executionID); err != nil {
		return 0, err
	}

	type victim struct {
		id       string
		sequence int64
	}
	seen := make(map[string]bool)
	var victims []victim
	for id, o := range st.open {
		seen[id] = true
		victims = append(victims, victim{id: id, sequence: o.sequence})
	}

	persisted, err := t.steps.OpenSteps(ctx, executionID)
	if err != nil {
		return 0, failure.Wrap(failure.InternalError, err, "listing open steps")
	}
	for _, s := range persisted {
		if !seen[s.ID] {
			victims = append(victims, victim{id: s.ID, sequence: s.Sequence})
			st.known[s.ID] = true
		}
	}

	sort.Slice(victims, func(i, j int) bool { return victims[i].sequence > victims[j].sequence })

	now := time.Now().UTC()
	failed := 0
	for _, v := range victims {
		ev := events.Event{
			Type:        events.StepFailed,
			ExecutionID: executionID,
			StepID:      v.id,
			Error:       cause,
			Time:        now,
		}
		if s := findStep(persisted, v.id); s != nil {
			ev.Function = s.Function
			ev.ParentID = s.ParentID
			ev.Phase = s.Phase
			ev.DurationMs = now.Sub(s.StartedAt).Milliseconds()
		}
		if err := t.finish(ctx, st, ev); err != nil {
			return failed, err
		}
		failed++
	}

	if len(st.open) > 0 {
		st.open = make(map[string]*openStep)
		close(st.idle)
	}
	return failed, nil
}

func findStep(steps []*executions.Step, id string) *executions.Step {
	for _, s := range steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Sweep forgets executions with no open steps that have been idle for at
// least age.
func (t *Tracker) Sweep(age time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-age)
	for id, st := range t.execs {
		if !st.mu.TryLock() {
			continue
		}
		if len(st.open) == 0 && st.lastActivity.Before(cutoff) {
			delete(t.execs, id)
			removed++
		}
		st.mu.Unlock()
	}
	return removed
}
