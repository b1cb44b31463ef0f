// Package orchestrator drives executions through their lifecycle: it resolves
// the function bundle, acquires a runtime slot, runs a phase, and records the
// outcome on the execution and its step tree.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/catalog"
	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/credentials"
	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/sandbox"
)

// FunctionResolver reads functions from the catalog.
type FunctionResolver interface {
	Resolve(ctx context.Context, name string) (*catalog.ResolvedFunction, error)
	ResolveVersion(ctx context.Context, name string, version int) (*catalog.ResolvedFunction, error)
}

// ContextIssuer creates and renews execution contexts.
type ContextIssuer interface {
	Issue(ctx context.Context, executionID, userID, trigger, ref, correlationID string) (credentials.ExecutionContext, error)
	Refresh(ctx context.Context, ec credentials.ExecutionContext) (credentials.ExecutionContext, error)
}

// ExecutionStore persists executions and their step trees.
type ExecutionStore interface {
	Create(ctx context.Context, e *executions.Execution) error
	Get(ctx context.Context, id string) (*executions.Execution, error)
	List(ctx context.Context, f executions.Filter) ([]*executions.Execution, int, error)
	Start(ctx context.Context, id string) (*executions.Execution, error)
	Resume(ctx context.Context, id string, input map[string]any) (*executions.Execution, error)
	Complete(ctx context.Context, id string, output any) (*executions.Execution, error)
	Fail(ctx context.Context, id string, cause *failure.Error) (*executions.Execution, error)
	Await(ctx context.Context, id, prompt string, schema map[string]any) (*executions.Execution, error)
	Tree(ctx context.Context, executionID string) ([]*executions.StepNode, error)
}

// EventTracker records events and settles step trees.
type EventTracker interface {
	events.Sink
	Record(ctx context.Context, ev events.Event) error
	Settle(ctx context.Context, executionID string) error
	FailOpen(ctx context.Context, executionID string, cause *failure.Error) (int, error)
}

// EventHistory reads persisted events.
type EventHistory interface {
	List(ctx context.Context, executionID string, afterSeq int64) ([]events.Event, error)
}

// EventArchive reads events moved out of the database by retention.
type EventArchive interface {
	Read(ctx context.Context, executionID string) ([]events.Event, error)
}

// Subscriber streams an execution's events.
type Subscriber interface {
	Subscribe(ctx context.Context, executionID string, afterSeq int64, live bool) (<-chan events.Event, error)
}

// SlotPool bounds concurrent runs.
type SlotPool interface {
	Acquire(ctx context.Context) (*sandbox.Slot, error)
	Run(ctx context.Context, slot *sandbox.Slot, job *sandbox.Job, sink events.Sink) *sandbox.Result
}

// Deps are the collaborators of an Orchestrator. Archive is optional.
type Deps struct {
	Catalog    FunctionResolver
	Issuer     ContextIssuer
	Executions ExecutionStore
	Tracker    EventTracker
	Events     EventHistory
	Archive    EventArchive
	Stream     Subscriber
	Pool       SlotPool
}

// InvokeRequest starts a new execution.
type InvokeRequest struct {
	Function      string
	Input         map[string]any
	Trigger       executions.TriggerKind
	TriggerRef    string
	UserID        string
	CorrelationID string
	Async         bool
}

// Orchestrator owns the execution state machine.
type Orchestrator struct {
	catalog FunctionResolver
	issuer  ContextIssuer
	store   ExecutionStore
	tracker EventTracker
	history EventHistory
	archive EventArchive
	stream  Subscriber
	pool    SlotPool
	runtime config.RuntimeConfig

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(deps Deps, cfg config.RuntimeConfig) *Orchestrator {
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		catalog: deps.Catalog,
		issuer:  deps.Issuer,
		store:   deps.Executions,
		tracker: deps.Tracker,
		history: deps.Events,
		archive: deps.Archive,
		stream:  deps.Stream,
		pool:    deps.Pool,
		runtime: cfg,
		base:    base,
		cancel:  cancel,
	}
}

// Invoke creates an execution of req.Function and runs its first phase. A
// sync invocation returns once the phase has ended; an async one returns the
// pending execution immediately.
func (o *Orchestrator) Invoke(ctx context.Context, req InvokeRequest) (*Handle, error) {
	if req.Trigger == "" {
		req.Trigger = executions.TriggerDirect
	}
	if !req.Trigger.Valid() {
		return nil, failure.New(failure.ValidationError, "unknown trigger kind %q", req.Trigger)
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	fn, err := o.catalog.Resolve(ctx, req.Function)
	if err != nil {
		return nil, err
	}
	bundle, err := o.bundle(ctx, fn)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ec, err := o.issuer.Issue(ctx, id, req.UserID, string(req.Trigger), req.TriggerRef, req.CorrelationID)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "issuing execution context")
	}

	exec := &executions.Execution{
		ID:            id,
		Function:      fn.Name,
		Version:       fn.Version,
		Trigger:       req.Trigger,
		TriggerRef:    req.TriggerRef,
		UserID:        req.UserID,
		CorrelationID: req.CorrelationID,
		Input:         req.Input,
	}
	if err := o.store.Create(ctx, exec); err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "creating execution")
	}

	log.Info().
		Str("execution_id", id).
		Str("function", fn.Name).
		Int("version", fn.Version).
		Str("trigger", string(req.Trigger)).
		Bool("async", req.Async).
		Msg("Execution created")

	job := o.job(ec, fn, bundle, exec)
	begin := func(ctx context.Context) (*executions.Execution, error) {
		e, err := o.store.Start(ctx, id)
		if err != nil {
			return nil, err
		}
		o.record(ctx, events.Event{
			Type:        events.ExecutionStarted,
			ExecutionID: id,
			Phase:       e.Phase,
			Function:    e.Function,
			Input:       e.Input,
		})
		return e, nil
	}
	return o.launch(exec, job, begin, req.Async)
}

// ContinueExecution merges input over the original input of an execution
// awaiting input and runs it again as a new phase.
func (o *Orchestrator) ContinueExecution(ctx context.Context, id string, input map[string]any, async bool) (*Handle, error) {
	exec, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status != executions.StatusAwaitingInput {
		return nil, failure.New(failure.InvalidTransition, "execution %s is %s, not awaiting input", id, exec.Status)
	}

	fn, err := o.catalog.ResolveVersion(ctx, exec.Function, exec.Version)
	if err != nil {
		return nil, err
	}
	bundle, err := o.bundle(ctx, fn)
	if err != nil {
		return nil, err
	}
	ec, err := o.issuer.Issue(ctx, id, exec.UserID, string(exec.Trigger), exec.TriggerRef, exec.CorrelationID)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "issuing execution context")
	}

	exec, err = o.store.Resume(ctx, id, mergeInput(exec.Input, input))
	if err != nil {
		return nil, err
	}
	o.record(ctx, events.Event{
		Type:        events.ExecutionResumed,
		ExecutionID: id,
		Phase:       exec.Phase,
		Function:    exec.Function,
		Input:       exec.Input,
	})

	log.Info().
		Str("execution_id", id).
		Int("phase", exec.Phase).
		Bool("async", async).
		Msg("Execution continued")

	return o.launch(exec, o.job(ec, fn, bundle, exec), nil, async)
}

// GetExecution returns an execution by id.
func (o *Orchestrator) GetExecution(ctx context.Context, id string) (*executions.Execution, error) {
	return o.store.Get(ctx, id)
}

// ListExecutions returns executions matching f and the total count.
func (o *Orchestrator) ListExecutions(ctx context.Context, f executions.Filter) ([]*executions.Execution, int, error) {
	return o.store.List(ctx, f)
}

// GetSteps returns the step tree: one root per phase with children ordered
// by sequence.
func (o *Orchestrator) GetSteps(ctx context.Context, executionID string) ([]*executions.StepNode, error) {
	if _, err := o.store.Get(ctx, executionID); err != nil {
		return nil, err
	}
	return o.store.Tree(ctx, executionID)
}

// Events returns the recorded events with sequence above afterSeq, including
// archived ones.
func (o *Orchestrator) Events(ctx context.Context, executionID string, afterSeq int64) ([]events.Event, error) {
	if _, err := o.store.Get(ctx, executionID); err != nil {
		return nil, err
	}

	var out []events.Event
	seen := make(map[int64]bool)
	if o.archive != nil {
		archived, err := o.archive.Read(ctx, executionID)
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, err, "reading archived events")
		}
		for _, ev := range archived {
			if ev.Sequence > afterSeq && !seen[ev.Sequence] {
				seen[ev.Sequence] = true
				out = append(out, ev)
			}
		}
	}

	persisted, err := o.history.List(ctx, executionID, afterSeq)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "listing events")
	}
	for _, ev := range persisted {
		if !seen[ev.Sequence] {
			seen[ev.Sequence] = true
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// StreamEvents replays an execution's events and then follows it live. The
// channel closes once the execution is terminal or awaiting input.
func (o *Orchestrator) StreamEvents(ctx context.Context, executionID string) (<-chan events.Event, error) {
	return o.StreamEventsAfter(ctx, executionID, 0)
}

// StreamEventsAfter is StreamEvents starting after a known sequence.
func (o *Orchestrator) StreamEventsAfter(ctx context.Context, executionID string, afterSeq int64) (<-chan events.Event, error) {
	exec, err := o.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return o.stream.Subscribe(ctx, executionID, afterSeq, !exec.Status.Terminal())
}

// Refresh renews the credential of a running execution.
func (o *Orchestrator) Refresh(ctx context.Context, ec credentials.ExecutionContext) (credentials.ExecutionContext, error) {
	exec, err := o.store.Get(ctx, ec.ExecutionID)
	if err != nil {
		return credentials.ExecutionContext{}, err
	}
	if exec.Status.Terminal() {
		return credentials.ExecutionContext{}, failure.New(failure.InvalidTransition, "execution %s is %s", exec.ID, exec.Status)
	}
	return o.issuer.Refresh(ctx, ec)
}

// Close waits for in-flight runs until ctx ends, then cancels them and
// waits for them to record their outcome.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) job(ec credentials.ExecutionContext, fn *catalog.ResolvedFunction, bundle sandbox.Bundle, exec *executions.Execution) *sandbox.Job {
	return &sandbox.Job{
		Context: ec,
		Entry:   fn.Name,
		Phase:   exec.Phase,
		Input:   exec.Input,
		Bundle:  bundle,
		Limits: sandbox.Limits{
			Timeout:  o.runtime.EffectiveTimeout(fn.Timeout),
			MemoryMB: o.runtime.EffectiveMemory(fn.MemoryMB),
		},
		Allowed: o.runtime.AllowedPackages,
	}
}

// bundle pins the entry and every function it can reach through external
// references. Missing references are left out; calling one fails at run
// time with NotFound.
func (o *Orchestrator) bundle(ctx context.Context, entry *catalog.ResolvedFunction) (sandbox.Bundle, error) {
	b := sandbox.Bundle{}
	seen := map[string]bool{entry.Name: true}
	queue := []*catalog.ResolvedFunction{entry}

	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]
		b[fn.Name] = &sandbox.Unit{
			Name:         fn.Name,
			Version:      fn.Version,
			Source:       fn.Source,
			InputSchema:  fn.InputSchema,
			OutputSchema: fn.OutputSchema,
			Dependencies: fn.Dependencies,
			Imports:      fn.Imports,
		}

		for _, ref := range fn.References {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			dep, err := o.catalog.Resolve(ctx, ref)
			if err != nil {
				if failure.Is(err, failure.NotFound) {
					log.Debug().Str("function", fn.Name).Str("reference", ref).Msg("Referenced function not found")
					continue
				}
				return nil, err
			}
			queue = append(queue, dep)
		}
	}
	return b, nil
}

// record emits an orchestrator event through the tracker.
func (o *Orchestrator) record(ctx context.Context, ev events.Event) {
	ev.Time = time.Now().UTC()
	if err := o.tracker.Record(ctx, ev); err != nil {
		log.Error().Err(err).
			Str("execution_id", ev.ExecutionID).
			Str("type", string(ev.Type)).
			Msg("Failed to record execution event")
	}
}

// mergeInput overlays extra on base without modifying either.
func mergeInput(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
