package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/tracery/internal/catalog"
	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/credentials"
	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/sandbox"
	"github.com/watzon/tracery/internal/schema"
	"github.com/watzon/tracery/internal/storage"
	"github.com/watzon/tracery/internal/stream"
	"github.com/watzon/tracery/internal/tracker"
)

type harness struct {
	orch    *Orchestrator
	catalog *catalog.Service
	execs   *executions.Store
	events  *events.Store
	tracker *tracker.Tracker
	archive *stream.Archive
	db      *database.DB
}

func setup(t *testing.T, tune func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Runtime.Timeout = 10 * time.Second
	cfg.Runtime.AcquireTimeout = time.Second
	if tune != nil {
		tune(cfg)
	}

	db, err := database.Open(&cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	execStore := executions.NewStore(db)
	eventStore := events.NewStore(db)
	hub := stream.NewHub(eventStore, cfg.Stream)
	tr := tracker.New(execStore, eventStore, hub)
	issuer := credentials.NewIssuer(cfg.Credentials, "http://127.0.0.1:0")
	pool := sandbox.NewPool(sandbox.NewInProcess(nil), cfg.Runtime.MaxConcurrent)
	cat := catalog.NewService(db, cfg.Runtime.AllowedPackages)

	archive := stream.NewArchive(storage.NewFilesystemBackend(filepath.Join(t.TempDir(), "archive")))

	orch := New(Deps{
		Catalog:    cat,
		Issuer:     issuer,
		Executions: execStore,
		Tracker:    tr,
		Events:     eventStore,
		Archive:    archive,
		Stream:     hub,
		Pool:       pool,
	}, cfg.Runtime)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	return &harness{
		orch:    orch,
		catalog: cat,
		execs:   execStore,
		events:  eventStore,
		tracker: tr,
		archive: archive,
		db:      db,
	}
}

func (h *harness) create(t *testing.T, name, src, inSchema, outSchema string) {
	t.Helper()
	in := catalog.CreateInput{Name: name, Source: src, Dependencies: nil}
	if inSchema != "" {
		in.InputSchema = json.RawMessage(inSchema)
	}
	if outSchema != "" {
		in.OutputSchema = json.RawMessage(outSchema)
	}
	_, err := h.catalog.Create(context.Background(), in)
	require.NoError(t, err)
}

func (h *harness) invoke(t *testing.T, name string, input map[string]any) *executions.Execution {
	t.Helper()
	handle, err := h.orch.Invoke(context.Background(), InvokeRequest{
		Function: name,
		Input:    input,
		UserID:   "user-1",
	})
	require.NoError(t, err)
	exec, err := handle.Wait(context.Background())
	require.NoError(t, err)
	return exec
}

func flatten(nodes []*executions.StepNode) []*executions.Step {
	var out []*executions.Step
	executions.Walk(nodes, func(n *executions.StepNode, _ int) {
		out = append(out, n.Step)
	})
	return out
}

func TestInvoke_Completed(t *testing.T) {
	h := setup(t, nil)
	h.create(t, "is_even", `package main
func is_even(input map[string]any) (any, error) {
	n, _ := input["number"].(float64)
	return int(n)%2 == 0, nil
}`, `{"type":"object","required":["number"]}`, `{"type":"boolean"}`)

	exec := h.invoke(t, "is_even", map[string]any{"number": float64(4)})
	assert.Equal(t, executions.StatusCompleted, exec.Status)
	assert.Equal(t, true, exec.Output)
	assert.Equal(t, 1, exec.Version)
	assert.NotNil(t, exec.CompletedAt)

	stored, err := h.orch.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusCompleted, stored.Status)

	tree, err := h.orch.GetSteps(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, "is_even", tree[0].Function)
	assert.Equal(t, executions.StepCompleted, tree[0].Status)
	assert.Equal(t, map[string]any{"number": float64(4)}, tree[0].Input)
	assert.Equal(t, true, tree[0].Output)

	evs, err := h.orch.Events(context.Background(), exec.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.ExecutionStarted, evs[0].Type)
	assert.Equal(t, events.ExecutionCompleted, evs[len(evs)-1].Type)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Sequence, evs[i-1].Sequence)
	}
}

func TestInvoke_ChildFailure(t *testing.T) {
	h := setup(t, nil)
	h.create(t, "a", `package main
import "errors"
func a(input map[string]any) (any, error) {
	return b(input)
}
func b(input map[string]any) (any, error) {
	return nil, errors.New("boom")
}`, "", "")

	exec := h.invoke(t, "a", nil)
	assert.Equal(t, executions.StatusFailed, exec.Status)
	assert.Equal(t, failure.RuntimeFailure, exec.ErrorCode)
	assert.Contains(t, exec.ErrorMessage, "b")

	tree, err := h.orch.GetSteps(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, executions.StepFailed, tree[0].Status)
	assert.Equal(t, "b", tree[0].Children[0].Function)
	assert.Equal(t, executions.StepFailed, tree[0].Children[0].Status)
	assert.Equal(t, tree[0].ID, tree[0].Children[0].ParentID)
}

func TestInvoke_Timeout(t *testing.T) {
	h := setup(t, func(cfg *config.Config) {
		cfg.Runtime.Timeout = 300 * time.Millisecond
	})
	h.create(t, "forever", `package main
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

	start := time.Now()
	exec := h.invoke(t, "forever", nil)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, executions.StatusFailed, exec.Status)
	assert.Equal(t, failure.ResourceExceeded, exec.ErrorCode)

	require.Eventually(t, func() bool {
		tree, err := h.orch.GetSteps(context.Background(), exec.ID)
		if err != nil || len(tree) != 1 {
			return false
		}
		if tree[0].Status != executions.StepFailed {
			return false
		}
		for _, st := range flatten(tree) {
			if st.Status == executions.StepRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond)
}

const approveSrc = `package main
func approve(input map[string]any) (any, error) {
	if input["confirmed"] != true {
		return nil, fxrt.AwaitInput("please confirm", map[string]any{"type": "object"})
	}
	return map[string]any{"approved": input["item"]}, nil
}`

func TestContinueExecution(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	h.create(t, "approve", approveSrc, "", "")

	exec := h.invoke(t, "approve", map[string]any{"item": "laptop"})
	require.Equal(t, executions.StatusAwaitingInput, exec.Status)
	assert.Equal(t, "please confirm", exec.InputPrompt)
	assert.Equal(t, "object", exec.InputSchema["type"])
	assert.Equal(t, 1, exec.Phase)

	handle, err := h.orch.ContinueExecution(ctx, exec.ID, map[string]any{"confirmed": true}, false)
	require.NoError(t, err)
	final, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, final.ID)
	assert.Equal(t, executions.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Phase)
	assert.Equal(t, map[string]any{"approved": "laptop"}, final.Output)
	assert.Equal(t, map[string]any{"item": "laptop", "confirmed": true}, final.Input)

	tree, err := h.orch.GetSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, tree, 2)
	assert.Equal(t, 1, tree[0].Phase)
	assert.Equal(t, executions.StepAwaitingInput, tree[0].Status)
	assert.Equal(t, 2, tree[1].Phase)
	assert.Equal(t, executions.StepCompleted, tree[1].Status)
	assert.Greater(t, tree[1].Sequence, tree[0].Sequence)

	_, err = h.orch.ContinueExecution(ctx, exec.ID, nil, false)
	assert.Equal(t, failure.InvalidTransition, failure.CodeOf(err))
}

// backdate moves every persisted event of an execution past retention.
func (h *harness) backdate(t *testing.T, executionID string) {
	t.Helper()
	_, err := h.db.ExecContext(context.Background(),
		`UPDATE execution_events SET created_at = ? WHERE execution_id = ?`,
		database.FormatTime(time.Now().Add(-time.Hour)), executionID)
	require.NoError(t, err)
}

func TestContinueExecution_AfterRetention(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	h.create(t, "approve", approveSrc, "", "")
	retention := stream.NewRetention(h.events, h.archive, config.StreamConfig{Retention: time.Minute})

	exec := h.invoke(t, "approve", map[string]any{"item": "laptop"})
	require.Equal(t, executions.StatusAwaitingInput, exec.Status)
	paused, err := h.orch.Events(ctx, exec.ID, 0)
	require.NoError(t, err)

	h.backdate(t, exec.ID)
	removed, err := retention.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "events of a paused execution must stay")
	h.tracker.Sweep(0)

	handle, err := h.orch.ContinueExecution(ctx, exec.ID, map[string]any{"confirmed": true}, false)
	require.NoError(t, err)
	final, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, executions.StatusCompleted, final.Status, final.ErrorMessage)

	all, err := h.orch.Events(ctx, exec.ID, 0)
	require.NoError(t, err)
	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i].Sequence, all[i-1].Sequence)
	}
	resumed := slices.IndexFunc(all, func(ev events.Event) bool { return ev.Type == events.ExecutionResumed })
	require.Equal(t, len(paused), resumed)
	assert.Equal(t, events.ExecutionCompleted, all[len(all)-1].Type)

	// Once finished, the whole stream is archived and still readable.
	h.backdate(t, exec.ID)
	removed, err = retention.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(all)), removed)

	archived, err := h.orch.Events(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, archived, len(all))
	for i := range all {
		assert.Equal(t, all[i].Sequence, archived[i].Sequence)
		assert.Equal(t, all[i].Type, archived[i].Type)
	}
}

func TestInvoke_DuplicateEntryRejected(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	_, err := h.catalog.Create(ctx, catalog.CreateInput{Name: "twice", Source: `package main
func twice(input map[string]any) (any, error) { return 1, nil }
func twice(input map[string]any) (any, error) { return 2, nil }`})
	assert.Equal(t, failure.InvalidSignature, failure.CodeOf(err))

	_, err = h.orch.Invoke(ctx, InvokeRequest{Function: "twice"})
	assert.Equal(t, failure.NotFound, failure.CodeOf(err))

	_, total, err := h.orch.ListExecutions(ctx, executions.Filter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestInvoke_Async(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	h.create(t, "slow", `package main
import "time"
func slow(input map[string]any) (any, error) {
	time.Sleep(100 * time.Millisecond)
	return "done", nil
}`, "", "")

	handle, err := h.orch.Invoke(ctx, InvokeRequest{Function: "slow", Async: true, Trigger: executions.TriggerSchedule, TriggerRef: "sch-1"})
	require.NoError(t, err)
	assert.True(t, handle.Async)
	assert.Equal(t, executions.StatusPending, handle.Execution().Status)

	ch, err := h.orch.StreamEvents(ctx, handle.ExecutionID)
	require.NoError(t, err)

	var types []events.Type
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				break
			}
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, events.ExecutionCompleted, types[len(types)-1])
	assert.Contains(t, types, events.StepStarted)

	exec, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusCompleted, exec.Status)
	assert.Equal(t, executions.TriggerSchedule, exec.Trigger)
	assert.Equal(t, "sch-1", exec.TriggerRef)
}

func TestStreamEvents_Finished(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	h.create(t, "noop", `package main
func noop(input map[string]any) (any, error) {
	fxrt.Log("hello", map[string]any{"k": "v"})
	return nil, nil
}`, "", "")

	exec := h.invoke(t, "noop", nil)

	ch, err := h.orch.StreamEvents(ctx, exec.ID)
	require.NoError(t, err)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	persisted, err := h.orch.Events(ctx, exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, len(persisted), len(got))

	var logs int
	for _, ev := range got {
		if ev.Type == events.Log {
			logs++
			assert.Equal(t, "hello", ev.Message)
		}
	}
	assert.Equal(t, 1, logs)

	_, err = h.orch.StreamEvents(ctx, "missing")
	assert.Equal(t, failure.NotFound, failure.CodeOf(err))
}

func TestInvoke_CrossFunctionBundle(t *testing.T) {
	h := setup(t, nil)
	h.create(t, "double", `package main
func double(input map[string]any) (any, error) {
	n, _ := input["n"].(float64)
	return n * 2, nil
}`, `{"type":"object","required":["n"]}`, "")
	h.create(t, "quad", `package main
func quad(input map[string]any) (any, error) {
	once, err := double(input)
	if err != nil {
		return nil, err
	}
	return double(map[string]any{"n": once})
}`, "", "")

	exec := h.invoke(t, "quad", map[string]any{"n": float64(3)})
	require.Equal(t, executions.StatusCompleted, exec.Status, exec.ErrorMessage)
	assert.Equal(t, float64(12), exec.Output)

	tree, err := h.orch.GetSteps(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Children, 2)
	for _, child := range tree[0].Children {
		assert.Equal(t, "double", child.Function)
	}
	assert.Less(t, tree[0].Children[0].Sequence, tree[0].Children[1].Sequence)
}

func TestInvoke_ImportsWithoutDeclaredDependencies(t *testing.T) {
	h := setup(t, nil)
	h.create(t, "shout", `package main
import (
	"fmt"
	"strings"
)
func shout(input map[string]any) (any, error) {
	name, _ := input["name"].(string)
	return fmt.Sprintf("%s!", strings.ToUpper(name)), nil
}`, "", `{"type":"string"}`)

	fn, err := h.catalog.GetVersion(context.Background(), "shout", 1)
	require.NoError(t, err)
	assert.Empty(t, fn.Dependencies)
	assert.Equal(t, []string{"fmt", "strings"}, fn.Imports)

	exec := h.invoke(t, "shout", map[string]any{"name": "ada"})
	require.Equal(t, executions.StatusCompleted, exec.Status, exec.ErrorMessage)
	assert.Equal(t, "ADA!", exec.Output)
}

// requireStepsMatchSchemas reads every persisted step back and validates
// its input and output against the schemas of the function it ran.
func (h *harness) requireStepsMatchSchemas(t *testing.T, executionID string) {
	t.Helper()
	ctx := context.Background()

	tree, err := h.orch.GetSteps(ctx, executionID)
	require.NoError(t, err)
	steps := flatten(tree)
	require.NotEmpty(t, steps)

	for _, st := range steps {
		require.Equal(t, executions.StepCompleted, st.Status, st.Function)
		fn, err := h.catalog.Get(ctx, st.Function)
		require.NoError(t, err)

		in, err := schema.Compile(fn.InputSchema)
		require.NoError(t, err)
		out, err := schema.Compile(fn.OutputSchema)
		require.NoError(t, err)

		_, err = in.ValidateValue(st.Input)
		assert.NoError(t, err, "input of %s step %s", st.Function, st.ID)
		_, err = out.ValidateValue(st.Output)
		assert.NoError(t, err, "output of %s step %s", st.Function, st.ID)
	}
}

func TestStepRecords_MatchSchemas(t *testing.T) {
	t.Run("single function", func(t *testing.T) {
		h := setup(t, nil)
		h.create(t, "is_even", `package main
func is_even(input map[string]any) (any, error) {
	n, _ := input["number"].(float64)
	return int(n)%2 == 0, nil
}`, `{"type":"object","required":["number"],"properties":{"number":{"type":"number"}}}`, `{"type":"boolean"}`)

		exec := h.invoke(t, "is_even", map[string]any{"number": float64(4)})
		require.Equal(t, executions.StatusCompleted, exec.Status, exec.ErrorMessage)
		h.requireStepsMatchSchemas(t, exec.ID)
	})

	t.Run("nested calls", func(t *testing.T) {
		h := setup(t, nil)
		h.create(t, "double", `package main
func double(input map[string]any) (any, error) {
	n, _ := input["n"].(float64)
	return n * 2, nil
}`, `{"type":"object","required":["n"],"properties":{"n":{"type":"number"}}}`, `{"type":"number"}`)
		h.create(t, "quad", `package main
func quad(input map[string]any) (any, error) {
	once, err := double(input)
	if err != nil {
		return nil, err
	}
	return double(map[string]any{"n": once})
}`, `{"type":"object","required":["n"]}`, `{"type":"number","multipleOf":4}`)

		exec := h.invoke(t, "quad", map[string]any{"n": float64(3)})
		require.Equal(t, executions.StatusCompleted, exec.Status, exec.ErrorMessage)

		tree, err := h.orch.GetSteps(context.Background(), exec.ID)
		require.NoError(t, err)
		require.Len(t, flatten(tree), 3)
		h.requireStepsMatchSchemas(t, exec.ID)
	})
}

func TestInvoke_Errors(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	_, err := h.orch.Invoke(ctx, InvokeRequest{Function: "missing"})
	assert.Equal(t, failure.NotFound, failure.CodeOf(err))

	h.create(t, "noop", "package main\nfunc noop(input map[string]any) (any, error) { return nil, nil }", "", "")
	_, err = h.orch.Invoke(ctx, InvokeRequest{Function: "noop", Trigger: "carrier_pigeon"})
	assert.Equal(t, failure.ValidationError, failure.CodeOf(err))

	_, err = h.orch.ContinueExecution(ctx, "missing", nil, false)
	assert.Equal(t, failure.NotFound, failure.CodeOf(err))

	exec := h.invoke(t, "noop", nil)
	_, err = h.orch.ContinueExecution(ctx, exec.ID, nil, false)
	assert.Equal(t, failure.InvalidTransition, failure.CodeOf(err))

	_, err = h.orch.Refresh(ctx, credentials.ExecutionContext{ExecutionID: exec.ID})
	assert.Equal(t, failure.InvalidTransition, failure.CodeOf(err))
}

func TestInvoke_InputValidation(t *testing.T) {
	h := setup(t, nil)
	h.create(t, "strict", `package main
func strict(input map[string]any) (any, error) {
	return input["name"], nil
}`, `{"type":"object","required":["name"]}`, "")

	exec := h.invoke(t, "strict", map[string]any{})
	assert.Equal(t, executions.StatusFailed, exec.Status)
	assert.Equal(t, failure.ValidationError, exec.ErrorCode)
}

func TestMergeInput(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	merged := mergeInput(base, map[string]any{"b": 3, "c": 4})
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, merged)
	assert.Equal(t, 2, base["b"])
}
