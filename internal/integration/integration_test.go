// Package integration exercises the triggers, the orchestrator and event
// retention together against a real database and archive.
package integration

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
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
	"github.com/watzon/tracery/internal/orchestrator"
	"github.com/watzon/tracery/internal/rules"
	"github.com/watzon/tracery/internal/sandbox"
	"github.com/watzon/tracery/internal/scheduler"
	"github.com/watzon/tracery/internal/storage"
	"github.com/watzon/tracery/internal/stream"
	"github.com/watzon/tracery/internal/tracker"
	"github.com/watzon/tracery/internal/webhooks"
)

const sumSrc = `package main

func sum(input map[string]any) (any, error) {
	a, _ := input["a"].(float64)
	b, _ := input["b"].(float64)
	return map[string]any{"sum": a + b}, nil
}
`

const payloadSrc = `package main

func payload(input map[string]any) (any, error) {
	return map[string]any{"verified": input["verified"], "json": input["json"]}, nil
}
`

type env struct {
	db         *database.DB
	cfg        *config.Config
	catalog    *catalog.Service
	orch       *orchestrator.Orchestrator
	eventStore *events.Store
	archive    *stream.Archive
}

func setup(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "test.db")
	cfg.Runtime.Timeout = 10 * time.Second
	cfg.Archive.Enabled = true
	cfg.Archive.Path = filepath.Join(dir, "archive")
	cfg.Archive.Compression = "zstd"

	db, err := database.Open(&cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend, err := storage.NewBackend(context.Background(), cfg.Archive)
	require.NoError(t, err)
	archive := stream.NewArchive(backend)

	execStore := executions.NewStore(db)
	eventStore := events.NewStore(db)
	hub := stream.NewHub(eventStore, cfg.Stream)
	cat := catalog.NewService(db, cfg.Runtime.AllowedPackages)

	orch := orchestrator.New(orchestrator.Deps{
		Catalog:    cat,
		Issuer:     credentials.NewIssuer(cfg.Credentials, "http://127.0.0.1:0"),
		Executions: execStore,
		Tracker:    tracker.New(execStore, eventStore, hub),
		Events:     eventStore,
		Archive:    archive,
		Stream:     hub,
		Pool:       sandbox.NewPool(sandbox.NewInProcess(nil), cfg.Runtime.MaxConcurrent),
	}, cfg.Runtime)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	return &env{db: db, cfg: cfg, catalog: cat, orch: orch, eventStore: eventStore, archive: archive}
}

func (e *env) create(t *testing.T, name, src string) {
	t.Helper()
	_, err := e.catalog.Create(context.Background(), catalog.CreateInput{Name: name, Source: src})
	require.NoError(t, err)
}

func (e *env) waitTerminal(t *testing.T, id string) *executions.Execution {
	t.Helper()
	var exec *executions.Execution
	require.Eventually(t, func() bool {
		var err error
		exec, err = e.orch.GetExecution(context.Background(), id)
		return err == nil && (exec.Status == executions.StatusCompleted || exec.Status == executions.StatusFailed)
	}, 10*time.Second, 20*time.Millisecond)
	return exec
}

func TestScheduleRunsFunction(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.create(t, "sum", sumSrc)

	sched := scheduler.NewScheduler(e.db, scheduler.Orchestrated(e.orch), e.cfg.Scheduler)
	t.Cleanup(sched.Stop)

	due := time.Now().Add(-time.Second).UTC()
	s := &scheduler.Schedule{
		Name:       "every-minute",
		Function:   "sum",
		Type:       scheduler.ScheduleTypeInterval,
		Expression: "1m",
		Input:      map[string]any{"a": 2, "b": 3},
		Enabled:    true,
		NextRun:    &due,
	}
	require.NoError(t, sched.Create(ctx, s))

	started, err := sched.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	// The claim moved the next run a minute out.
	started, err = sched.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	stored, err := sched.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.LastExecutionID)
	require.NotNil(t, stored.NextRun)
	assert.True(t, stored.NextRun.After(time.Now()))

	exec := e.waitTerminal(t, stored.LastExecutionID)
	assert.Equal(t, executions.StatusCompleted, exec.Status)
	assert.Equal(t, executions.TriggerSchedule, exec.Trigger)
	assert.Equal(t, s.ID, exec.TriggerRef)
	assert.Equal(t, map[string]any{"sum": float64(5)}, exec.Output)
}

func TestWebhookRunsFunction(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.create(t, "payload", payloadSrc)

	engine, err := rules.NewEngine()
	require.NoError(t, err)
	store := webhooks.NewStore(e.db)
	handler := webhooks.NewHandler(store, engine, webhooks.Orchestrated(e.orch))
	require.NoError(t, store.Create(ctx, &webhooks.Endpoint{
		Path:     "github/push",
		Function: "payload",
		Methods:  []string{http.MethodPost},
		Verification: &webhooks.Verification{
			Type:   "hmac-sha256",
			Header: "X-Hub-Signature-256",
			Secret: "shh",
		},
		Condition: `request.json.ref == "refs/heads/main"`,
		Active:    true,
	}))

	mux := http.NewServeMux()
	mux.Handle("/webhooks/{path...}", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	post := func(body, secret string) *http.Response {
		t.Helper()
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(body))
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/github/push", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"ref":"refs/heads/main"}`, "shh")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, true, out["verified"])
	assert.Equal(t, map[string]any{"ref": "refs/heads/main"}, out["json"])

	resp = post(`{"ref":"refs/heads/dev"}`, "shh")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = post(`{"ref":"refs/heads/main"}`, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	list, total, err := e.orch.ListExecutions(ctx, executions.Filter{Trigger: executions.TriggerWebhook})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "payload", list[0].Function)
}

func TestRetentionArchivesEvents(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.create(t, "sum", sumSrc)

	handle, err := e.orch.Invoke(ctx, orchestrator.InvokeRequest{
		Function: "sum",
		Input:    map[string]any{"a": 1, "b": 1},
	})
	require.NoError(t, err)
	exec, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, executions.StatusCompleted, exec.Status)

	before, err := e.orch.Events(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	time.Sleep(10 * time.Millisecond)
	retention := stream.NewRetention(e.eventStore, e.archive, config.StreamConfig{
		Retention:       time.Millisecond,
		CleanupInterval: time.Hour,
	})
	removed, err := retention.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(before)), removed)

	persisted, err := e.eventStore.List(ctx, exec.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	after, err := e.orch.Events(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Sequence, after[i].Sequence)
		assert.Equal(t, before[i].Type, after[i].Type)
	}

	tail, err := e.orch.Events(ctx, exec.ID, before[0].Sequence)
	require.NoError(t, err)
	assert.Len(t, tail, len(before)-1)
}
