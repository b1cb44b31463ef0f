package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/credentials"
	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/source"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testUnit(t *testing.T, name, src, inSchema, outSchema string) *Unit {
	t.Helper()
	art, err := source.Prepare(src, name, source.Options{Allowed: config.DefaultAllowedPackages})
	require.NoError(t, err)
	u := &Unit{Name: name, Version: 1, Source: art.Source, Imports: art.Imports}
	if inSchema != "" {
		u.InputSchema = json.RawMessage(inSchema)
	}
	if outSchema != "" {
		u.OutputSchema = json.RawMessage(outSchema)
	}
	return u
}

func testJob(entry string, input map[string]any, units ...*Unit) *Job {
	bundle := make(Bundle, len(units))
	for _, u := range units {
		bundle[u.Name] = u
	}
	return &Job{
		Context: credentials.ExecutionContext{ExecutionID: "exec-1", UserID: "user-1", Trigger: "direct"},
		Entry:   entry,
		Phase:   1,
		Input:   input,
		Bundle:  bundle,
		Limits:  Limits{Timeout: 10 * time.Second},
		Allowed: config.DefaultAllowedPackages,
	}
}

func TestExecute_IsEven(t *testing.T) {
	u := testUnit(t, "is_even", `package main
func is_even(input map[string]any) (any, error) {
	n, _ := input["number"].(float64)
	return int(n)%2 == 0, nil
}`, `{"type":"object","required":["number"]}`, `{"type":"boolean"}`)

	rec := &recorder{}
	res := Execute(context.Background(), testJob("is_even", map[string]any{"number": float64(4)}, u), rec, HostOptions{})

	require.Equal(t, OutcomeOutput, res.Outcome, "%+v", res.Error)
	require.Equal(t, true, res.Output)
	require.NotEmpty(t, res.RootStepID)

	started := rec.ofType(events.StepStarted)
	require.Len(t, started, 1)
	require.Equal(t, res.RootStepID, started[0].StepID)
	require.Empty(t, started[0].ParentID)
	require.Equal(t, "exec-1", started[0].ExecutionID)
	require.Equal(t, 1, started[0].Phase)

	completed := rec.ofType(events.StepCompleted)
	require.Len(t, completed, 1)
	require.Equal(t, true, completed[0].Output)
}

func TestExecute_ChildFailurePropagates(t *testing.T) {
	u := testUnit(t, "a", `package main
import "errors"
func a(input map[string]any) (any, error) {
	return b(input)
}
func b(input map[string]any) (any, error) {
	return nil, errors.New("boom")
}`, "", "")

	rec := &recorder{}
	res := Execute(context.Background(), testJob("a", map[string]any{}, u), rec, HostOptions{})

	require.Equal(t, OutcomeFailure, res.Outcome)
	require.Equal(t, failure.RuntimeFailure, res.Error.Code)
	require.Contains(t, res.Error.Message, "b")
	require.Contains(t, res.Error.Message, "boom")

	started := rec.ofType(events.StepStarted)
	require.Len(t, started, 2)
	require.Equal(t, "a", started[0].Function)
	require.Equal(t, "b", started[1].Function)
	require.Equal(t, started[0].StepID, started[1].ParentID)

	failed := rec.ofType(events.StepFailed)
	require.Len(t, failed, 2)
	require.Equal(t, "b", failed[0].Function)
	require.Equal(t, "a", failed[1].Function)
}

func TestExecute_HandledChildFailure(t *testing.T) {
	u := testUnit(t, "parent", `package main
import "errors"
func parent(input map[string]any) (any, error) {
	if _, err := child(input); err != nil {
		return "recovered", nil
	}
	return "unexpected", nil
}
func child(input map[string]any) (any, error) {
	return nil, errors.New("nope")
}`, "", "")

	rec := &recorder{}
	res := Execute(context.Background(), testJob("parent", nil, u), rec, HostOptions{})

	require.Equal(t, OutcomeOutput, res.Outcome)
	require.Equal(t, "recovered", res.Output)
	require.Len(t, rec.ofType(events.StepFailed), 1)
	require.Len(t, rec.ofType(events.StepCompleted), 1)
}

func TestExecute_PanicIsRuntimeFailure(t *testing.T) {
	u := testUnit(t, "explode", `package main
func explode(input map[string]any) (any, error) {
	var m map[string]int
	m["x"] = 1
	return nil, nil
}`, "", "")

	res := Execute(context.Background(), testJob("explode", nil, u), nil, HostOptions{})

	require.Equal(t, OutcomeFailure, res.Outcome)
	require.Equal(t, failure.RuntimeFailure, res.Error.Code)
	require.Contains(t, res.Error.Message, "panic")
	require.NotEmpty(t, res.Error.Trace)
}

func TestExecute_SchemaValidation(t *testing.T) {
	src := `package main
func echo(input map[string]any) (any, error) {
	fxrt.Log("ran", nil)
	return input["value"], nil
}`

	t.Run("input mismatch skips user code", func(t *testing.T) {
		u := testUnit(t, "echo", src, `{"type":"object","required":["value"]}`, "")
		rec := &recorder{}
		res := Execute(context.Background(), testJob("echo", map[string]any{}, u), rec, HostOptions{})

		require.Equal(t, OutcomeFailure, res.Outcome)
		require.Equal(t, failure.ValidationError, res.Error.Code)
		require.Empty(t, rec.ofType(events.Log))
		require.Len(t, rec.ofType(events.StepFailed), 1)
	})

	t.Run("output mismatch fails the call", func(t *testing.T) {
		u := testUnit(t, "echo", src, "", `{"type":"string"}`)
		rec := &recorder{}
		res := Execute(context.Background(), testJob("echo", map[string]any{"value": float64(3)}, u), rec, HostOptions{})

		require.Equal(t, OutcomeFailure, res.Outcome)
		require.Equal(t, failure.ValidationError, res.Error.Code)
		require.Len(t, rec.ofType(events.Log), 1)
	})
}

func TestExecute_AwaitInput(t *testing.T) {
	u := testUnit(t, "approve", `package main
func approve(input map[string]any) (any, error) {
	if input["confirmed"] != true {
		return nil, fxrt.AwaitInput("please confirm", map[string]any{"type": "object"})
	}
	return "approved", nil
}`, "", "")

	rec := &recorder{}
	res := Execute(context.Background(), testJob("approve", map[string]any{}, u), rec, HostOptions{})
	require.Equal(t, OutcomeAwaitingInput, res.Outcome)
	require.Equal(t, "please confirm", res.Prompt)
	require.Equal(t, "object", res.InputSchema["type"])

	awaiting := rec.ofType(events.StepAwaitingInput)
	require.Len(t, awaiting, 1)
	require.Equal(t, res.RootStepID, awaiting[0].StepID)

	res = Execute(context.Background(), testJob("approve", map[string]any{"confirmed": true}, u), nil, HostOptions{})
	require.Equal(t, OutcomeOutput, res.Outcome)
	require.Equal(t, "approved", res.Output)
}

func TestExecute_CallAcrossBundle(t *testing.T) {
	caller := testUnit(t, "caller", `package main
func caller(input map[string]any) (any, error) {
	out, err := callee(map[string]any{"n": input["n"]})
	if err != nil {
		return nil, err
	}
	return map[string]any{"doubled": out}, nil
}`, "", "")
	callee := testUnit(t, "callee", `package main
func callee(input map[string]any) (any, error) {
	n, _ := input["n"].(float64)
	return n * 2, nil
}`, `{"type":"object","properties":{"n":{"type":"number"}}}`, `{"type":"number"}`)

	rec := &recorder{}
	res := Execute(context.Background(), testJob("caller", map[string]any{"n": float64(21)}, caller, callee), rec, HostOptions{})

	require.Equal(t, OutcomeOutput, res.Outcome, "%+v", res.Error)
	require.Equal(t, map[string]any{"doubled": float64(42)}, res.Output)

	started := rec.ofType(events.StepStarted)
	require.Len(t, started, 2)
	require.Equal(t, "callee", started[1].Function)
	require.Equal(t, started[0].StepID, started[1].ParentID)

	t.Run("callee schema applies", func(t *testing.T) {
		res := Execute(context.Background(), testJob("caller", map[string]any{"n": "x"}, caller, callee), nil, HostOptions{})
		require.Equal(t, OutcomeFailure, res.Outcome)
		require.Equal(t, failure.ValidationError, res.Error.Code)
	})

	t.Run("missing callee", func(t *testing.T) {
		res := Execute(context.Background(), testJob("caller", map[string]any{"n": float64(1)}, caller), nil, HostOptions{})
		require.Equal(t, OutcomeFailure, res.Outcome)
		require.Equal(t, failure.NotFound, res.Error.Code)
	})
}

func TestExecute_LogsAndStdout(t *testing.T) {
	u := testUnit(t, "chatty", `package main
import "fmt"
func chatty(input map[string]any) (any, error) {
	fxrt.Log("structured", map[string]any{"k": 1})
	fmt.Println("printed")
	return fxrt.Context()["execution_id"], nil
}`, "", "")

	rec := &recorder{}
	res := Execute(context.Background(), testJob("chatty", nil, u), rec, HostOptions{})
	require.Equal(t, OutcomeOutput, res.Outcome, "%+v", res.Error)
	require.Equal(t, "exec-1", res.Output)

	logs := rec.ofType(events.Log)
	require.Len(t, logs, 2)
	assert.Equal(t, "structured", logs[0].Message)
	assert.Equal(t, float64(1), logs[0].Fields["k"])
	assert.Equal(t, res.RootStepID, logs[0].StepID)
	assert.Equal(t, "printed", logs[1].Message)
	assert.Equal(t, "stdout", logs[1].Fields["stream"])
}

func TestExecute_Callback(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer srv.Close()

	u := testUnit(t, "calls_home", `package main
func calls_home(input map[string]any) (any, error) {
	return fxrt.Callback("GET", "/api/internal/context", nil)
}`, "", "")

	job := testJob("calls_home", nil, u)
	job.Context.CallbackURL = srv.URL
	job.Context.Credential = "token-1"
	job.Context.ExpiresAt = time.Now().Add(time.Hour)

	res := Execute(context.Background(), job, nil, HostOptions{})
	require.Equal(t, OutcomeOutput, res.Outcome, "%+v", res.Error)
	require.Equal(t, map[string]any{"path": "/api/internal/context"}, res.Output)
	require.Equal(t, "Bearer token-1", gotAuth)
}

func TestInProcess_Timeout(t *testing.T) {
	u := testUnit(t, "forever", `package main
func forever(input map[string]any) (any, error) {
	for {
		if _, err := spin(input); err != nil {
			return nil, err
		}
	}
}
func spin(input map[string]any) (any, error) {
	return nil, nil
}`, "", "")

	job := testJob("forever", nil, u)
	job.Limits.Timeout = 200 * time.Millisecond

	start := time.Now()
	res := NewInProcess(nil).Run(context.Background(), job, nil)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, OutcomeFailure, res.Outcome)
	require.Equal(t, failure.ResourceExceeded, res.Error.Code)
}

func TestJobValidate(t *testing.T) {
	job := &Job{Entry: "f"}
	require.True(t, failure.Is(job.Validate(), failure.InternalError))

	job.Context.ExecutionID = "e"
	require.True(t, failure.Is(job.Validate(), failure.NotFound))

	job.Bundle = Bundle{"f": {Name: "f"}}
	require.NoError(t, job.Validate())
	require.Equal(t, 1, job.Phase)
}

func TestUnitPackages(t *testing.T) {
	u := &Unit{Imports: []string{"strings"}, Dependencies: []string{"fmt", "strings"}}
	require.Equal(t, []string{"strings"}, u.packages())

	legacy := &Unit{Dependencies: []string{"fmt"}}
	require.Equal(t, []string{"fmt"}, legacy.packages())

	syms := filteredSymbols((&Unit{Imports: []string{"strings", "os"}}).packages(), []string{"strings"})
	require.Contains(t, syms, "strings/strings")
	require.NotContains(t, syms, "os/os")
}
