package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/traefik/yaegi/interp"

	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/schema"
	"github.com/watzon/tracery/internal/source"
)

type callable func(map[string]any) (any, error)

type loadedUnit struct {
	unit   *Unit
	entry  callable
	input  *schema.Schema
	output *schema.Schema
}

// host is the per-run environment behind package fxrt. User code runs on a
// single goroutine, so the call stack gives every step its parent.
type host struct {
	ctx      context.Context
	job      *Job
	sink     events.Sink
	callback *CallbackClient
	compiler *schema.Compiler

	mu     sync.Mutex
	stack  []string
	rootID string
	units  map[string]*loadedUnit
	stdout *lineWriter
}

// HostOptions configures Execute.
type HostOptions struct {
	// Refresh renews credentials for fxrt.Callback. Nil uses the platform's
	// refresh endpoint.
	Refresh Refresher
	// Compiler caches compiled schemas across runs.
	Compiler *schema.Compiler
}

// Execute runs job in the current process and returns its result. It is the
// shared core of every runner.
func Execute(ctx context.Context, job *Job, sink events.Sink, opts HostOptions) (res *Result) {
	if err := job.Validate(); err != nil {
		return Failed(err)
	}
	if sink == nil {
		sink = events.Discard
	}
	compiler := opts.Compiler
	if compiler == nil {
		compiler = schema.NewCompiler()
	}

	h := &host{
		ctx:      ctx,
		job:      job,
		sink:     sink,
		callback: NewCallbackClient(job.Context, opts.Refresh),
		compiler: compiler,
		units:    make(map[string]*loadedUnit),
	}
	h.stdout = &lineWriter{emit: h.logLine}
	defer h.stdout.Flush()

	defer func() {
		if r := recover(); r != nil {
			res = Failed(failure.New(failure.InternalError, "runtime host panic: %v", r).WithTrace(string(debug.Stack())))
		}
	}()

	root, err := h.load(job.Entry)
	if err != nil {
		return Failed(err)
	}

	out, err := h.track(job.Entry, root.entry, job.Input, root)
	h.stdout.Flush()

	res = &Result{RootStepID: h.rootID}
	switch {
	case ctx.Err() != nil:
		res.Outcome = OutcomeFailure
		res.Error = deadlineFailure(ctx, job.Limits.Timeout)
	case err != nil:
		if sig, ok := asAwait(err); ok {
			res.Outcome = OutcomeAwaitingInput
			res.Prompt = sig.Prompt
			res.InputSchema = sig.Schema
			break
		}
		res.Outcome = OutcomeFailure
		res.Error = failure.From(err)
	default:
		res.Outcome = OutcomeOutput
		res.Output = out
	}
	return res
}

func (h *host) exports() interp.Exports {
	return interp.Exports{
		source.RuntimePackage + "/" + source.RuntimePackage: {
			"Track":      reflect.ValueOf(h.fxTrack),
			"Call":       reflect.ValueOf(h.fxCall),
			"AwaitInput": reflect.ValueOf(h.fxAwaitInput),
			"Context":    reflect.ValueOf(h.fxContext),
			"Callback":   reflect.ValueOf(h.fxCallback),
			"Log":        reflect.ValueOf(h.fxLog),
		},
	}
}

// load interprets a bundle unit once and returns its entry point.
func (h *host) load(name string) (*loadedUnit, error) {
	h.mu.Lock()
	lu, ok := h.units[name]
	h.mu.Unlock()
	if ok {
		return lu, nil
	}

	unit := h.job.Bundle[name]
	if unit == nil {
		return nil, failure.New(failure.NotFound, "function %s is not available to this execution", name)
	}

	in, err := h.compiler.Compile(unit.InputSchema)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "compiling input schema of %s", name)
	}
	out, err := h.compiler.Compile(unit.OutputSchema)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "compiling output schema of %s", name)
	}

	i := interp.New(interp.Options{Stdout: h.stdout, Stderr: h.stdout})
	if err := i.Use(filteredSymbols(unit.packages(), h.job.Allowed)); err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "exposing packages to %s", name)
	}
	if err := i.Use(h.exports()); err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "exposing runtime to %s", name)
	}
	if _, err := i.EvalWithContext(h.ctx, unit.Source); err != nil {
		if h.ctx.Err() != nil {
			return nil, deadlineFailure(h.ctx, h.job.Limits.Timeout)
		}
		return nil, failure.Wrap(failure.RuntimeFailure, err, "loading %s v%d", name, unit.Version)
	}
	v, err := i.Eval(name)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "resolving entry point %s", name)
	}
	entry, err := toCallable(v)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "entry point %s", name)
	}

	lu = &loadedUnit{unit: unit, entry: entry, input: in, output: out}
	h.mu.Lock()
	h.units[name] = lu
	h.mu.Unlock()
	return lu, nil
}

func toCallable(v reflect.Value) (callable, error) {
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, fmt.Errorf("not a function")
	}
	if f, ok := v.Interface().(func(map[string]any) (any, error)); ok {
		return f, nil
	}
	t := v.Type()
	if t.NumIn() != 1 || t.NumOut() != 2 {
		return nil, fmt.Errorf("unexpected signature %s", t)
	}
	return func(input map[string]any) (any, error) {
		results := v.Call([]reflect.Value{reflect.ValueOf(input)})
		var err error
		if e := results[1]; e.IsValid() && !e.IsNil() {
			err, _ = e.Interface().(error)
		}
		return results[0].Interface(), err
	}, nil
}

func (h *host) emit(ev events.Event) {
	ev.ExecutionID = h.job.Context.ExecutionID
	ev.Phase = h.job.Phase
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.sink.Emit(ev)
}

func (h *host) push(id string) (parent string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.stack) > 0 {
		parent = h.stack[len(h.stack)-1]
	} else if h.rootID == "" {
		h.rootID = id
	}
	h.stack = append(h.stack, id)
	return parent
}

func (h *host) pop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.stack) > 0 {
		h.stack = h.stack[:len(h.stack)-1]
	}
}

func (h *host) current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.stack) == 0 {
		return ""
	}
	return h.stack[len(h.stack)-1]
}

// track runs fn as a tracked step. boundary is set when the call crosses
// into a function of the bundle, whose schemas then apply.
func (h *host) track(name string, fn callable, input map[string]any, boundary *loadedUnit) (any, error) {
	if h.ctx.Err() != nil {
		return nil, deadlineFailure(h.ctx, h.job.Limits.Timeout)
	}

	stepID := uuid.NewString()
	parent := h.push(stepID)
	defer h.pop()

	started := time.Now()
	recorded, err := schema.Normalize(input)
	if err != nil {
		recorded = nil
	}
	h.emit(events.Event{
		Type:     events.StepStarted,
		StepID:   stepID,
		ParentID: parent,
		Function: name,
		Input:    recorded,
		Time:     started.UTC(),
	})

	fail := func(fe *failure.Error) (any, error) {
		h.emit(events.Event{
			Type:       events.StepFailed,
			StepID:     stepID,
			ParentID:   parent,
			Function:   name,
			Error:      fe,
			DurationMs: time.Since(started).Milliseconds(),
		})
		return nil, fe
	}

	if boundary != nil && boundary.input != nil {
		if err := boundary.input.Validate(recorded); err != nil {
			return fail(prefixed(err, "%s input", name))
		}
	}

	out, err := h.call(name, fn, input)
	if err != nil {
		if sig, ok := asAwait(err); ok {
			h.emit(events.Event{
				Type:       events.StepAwaitingInput,
				StepID:     stepID,
				ParentID:   parent,
				Function:   name,
				Message:    sig.Prompt,
				Fields:     map[string]any{"input_schema": sig.Schema},
				DurationMs: time.Since(started).Milliseconds(),
			})
			return nil, sig
		}
		if h.ctx.Err() != nil {
			return fail(deadlineFailure(h.ctx, h.job.Limits.Timeout))
		}
		return fail(h.classify(name, err))
	}

	normalized, err := schema.Normalize(out)
	if err != nil {
		return fail(failure.Wrap(failure.RuntimeFailure, err, "%s returned a value that is not JSON-serializable", name))
	}
	if boundary != nil && boundary.output != nil {
		if err := boundary.output.Validate(normalized); err != nil {
			return fail(prefixed(err, "%s output", name))
		}
	}

	h.emit(events.Event{
		Type:       events.StepCompleted,
		StepID:     stepID,
		ParentID:   parent,
		Function:   name,
		Output:     normalized,
		DurationMs: time.Since(started).Milliseconds(),
	})

	if boundary != nil {
		return normalized, nil
	}
	return out, nil
}

// call invokes user code, recovering panics into RuntimeFailure.
func (h *host) call(name string, fn callable, input map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*failure.Error); ok {
				err = fe
				return
			}
			err = failure.New(failure.RuntimeFailure, "%s: panic: %v", name, r).
				WithTrace(h.chain() + "\n\n" + string(debug.Stack()))
		}
	}()
	return fn(input)
}

// classify turns an error returned by user code into a failure. Failures
// passed up unchanged from a child keep their code and message.
func (h *host) classify(name string, err error) *failure.Error {
	if fe, ok := err.(*failure.Error); ok {
		return fe
	}
	if inner, ok := failure.As(err); ok {
		return &failure.Error{Code: inner.Code, Message: name + ": " + err.Error(), Trace: inner.Trace, Cause: err}
	}
	return &failure.Error{Code: failure.RuntimeFailure, Message: name + ": " + err.Error(), Trace: h.chain(), Cause: err}
}

// chain renders the current call stack as step ids from the root.
func (h *host) chain() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return "steps: " + strings.Join(h.stack, " > ")
}

func prefixed(err error, format string, args ...any) *failure.Error {
	fe := failure.From(err)
	out := *fe
	out.Message = fmt.Sprintf(format, args...) + ": " + fe.Message
	return &out
}

func (h *host) fxTrack(name string, fn func(map[string]any) (any, error), input map[string]any) (any, error) {
	return h.track(name, fn, input, nil)
}

func (h *host) fxCall(name string, input map[string]any) (any, error) {
	if h.ctx.Err() != nil {
		return nil, deadlineFailure(h.ctx, h.job.Limits.Timeout)
	}
	lu, err := h.load(name)
	if err != nil {
		return nil, err
	}
	return h.track(name, lu.entry, input, lu)
}

func (h *host) fxAwaitInput(prompt string, schema map[string]any) error {
	return &AwaitSignal{Prompt: prompt, Schema: schema}
}

func (h *host) fxContext() map[string]any {
	return h.callback.Context().Map()
}

func (h *host) fxCallback(method, path string, body map[string]any) (map[string]any, error) {
	if h.ctx.Err() != nil {
		return nil, deadlineFailure(h.ctx, h.job.Limits.Timeout)
	}
	return h.callback.Do(h.ctx, method, path, body)
}

func (h *host) fxLog(msg string, fields map[string]any) {
	var recorded map[string]any
	if fields != nil {
		if norm, err := schema.Normalize(fields); err == nil {
			recorded, _ = norm.(map[string]any)
		}
	}
	h.emit(events.Event{Type: events.Log, StepID: h.current(), Message: msg, Fields: recorded})
}

func (h *host) logLine(line string) {
	h.emit(events.Event{Type: events.Log, StepID: h.current(), Message: line, Fields: map[string]any{"stream": "stdout"}})
}

// lineWriter turns interpreter output into one log event per line.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits any partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}
