package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/orchestrator"
)

// testDB creates a test database with migrations.
func testDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}

	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

type finishedRun struct {
	exec *executions.Execution
	done chan struct{}
}

func (r *finishedRun) Done() <-chan struct{}            { return r.done }
func (r *finishedRun) Execution() *executions.Execution { return r.exec }

// recordingInvoker completes every invocation immediately.
type recordingInvoker struct {
	mu       sync.Mutex
	requests []orchestrator.InvokeRequest
	err      error
}

func (i *recordingInvoker) Invoke(_ context.Context, req orchestrator.InvokeRequest) (Run, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return nil, i.err
	}
	i.requests = append(i.requests, req)
	done := make(chan struct{})
	close(done)
	return &finishedRun{
		exec: &executions.Execution{ID: "exec-" + req.TriggerRef, Function: req.Function, Status: executions.StatusCompleted},
		done: done,
	}, nil
}

func (i *recordingInvoker) calls() []orchestrator.InvokeRequest {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]orchestrator.InvokeRequest(nil), i.requests...)
}

func newTestScheduler(t *testing.T, invoker Invoker, catchup bool) *Scheduler {
	t.Helper()
	s := NewScheduler(testDB(t), invoker, config.SchedulerConfig{
		Enabled:      true,
		PollInterval: 50 * time.Millisecond,
		Catchup:      catchup,
	})
	t.Cleanup(s.Stop)
	return s
}

// makeDue moves a schedule's next run into the past.
func makeDue(t *testing.T, s *Scheduler, schedule *Schedule, at time.Time) {
	t.Helper()
	if err := s.store.Reschedule(context.Background(), schedule.ID, at); err != nil {
		t.Fatalf("Reschedule() error = %v", err)
	}
}

func TestScheduler_CreateAndGet(t *testing.T) {
	s := newTestScheduler(t, &recordingInvoker{}, false)
	ctx := context.Background()

	schedule := &Schedule{
		Name:       "nightly-report",
		Function:   "report",
		Type:       ScheduleTypeCron,
		Expression: "0 * * * *",
		Input:      map[string]any{"format": "pdf"},
		UserID:     "user-1",
		Enabled:    true,
	}
	if err := s.Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if schedule.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}
	if schedule.NextRun == nil {
		t.Fatal("Create() did not compute next_run")
	}

	got, err := s.Get(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != schedule.Name || got.Function != "report" || got.Timezone != "UTC" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Input["format"] != "pdf" {
		t.Errorf("Input = %v, want format=pdf", got.Input)
	}
	if got.NextRun == nil || !got.NextRun.Equal(*schedule.NextRun) {
		t.Errorf("NextRun = %v, want %v", got.NextRun, schedule.NextRun)
	}
}

func TestScheduler_CreateRejects(t *testing.T) {
	s := newTestScheduler(t, &recordingInvoker{}, false)
	ctx := context.Background()

	bad := &Schedule{Name: "bad", Function: "f", Type: ScheduleTypeCron, Expression: "every day"}
	if err := s.Create(ctx, bad); failure.CodeOf(err) != failure.ValidationError {
		t.Errorf("Create() error = %v, want validation error", err)
	}

	first := &Schedule{Name: "dup", Function: "f", Type: ScheduleTypeInterval, Expression: "1m", Enabled: true}
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second := &Schedule{Name: "dup", Function: "g", Type: ScheduleTypeInterval, Expression: "1m", Enabled: true}
	if err := s.Create(ctx, second); !errors.Is(err, ErrExists) {
		t.Errorf("Create() error = %v, want ErrExists", err)
	}
}

func TestScheduler_Update(t *testing.T) {
	s := newTestScheduler(t, &recordingInvoker{}, false)
	ctx := context.Background()

	schedule := &Schedule{Name: "tick", Function: "f", Type: ScheduleTypeInterval, Expression: "1h", Enabled: true}
	if err := s.Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	schedule.Expression = "1m"
	schedule.Enabled = false
	if err := s.Update(ctx, schedule); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.Get(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Expression != "1m" || got.Enabled {
		t.Errorf("Get() = %+v", got)
	}
	if got.NextRun == nil || got.NextRun.After(time.Now().Add(2*time.Minute)) {
		t.Errorf("NextRun = %v, want within the new interval", got.NextRun)
	}

	missing := &Schedule{ID: "nope", Name: "x", Function: "f", Type: ScheduleTypeInterval, Expression: "1m"}
	if err := s.Update(ctx, missing); failure.CodeOf(err) != failure.NotFound {
		t.Errorf("Update() error = %v, want not found", err)
	}
}

func TestScheduler_Delete(t *testing.T) {
	s := newTestScheduler(t, &recordingInvoker{}, false)
	ctx := context.Background()

	schedule := &Schedule{Name: "tick", Function: "f", Type: ScheduleTypeInterval, Expression: "1h", Enabled: true}
	if err := s.Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Delete(ctx, schedule.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, schedule.ID); failure.CodeOf(err) != failure.NotFound {
		t.Errorf("Get() error = %v, want not found", err)
	}
	if err := s.Delete(ctx, schedule.ID); failure.CodeOf(err) != failure.NotFound {
		t.Errorf("Delete() error = %v, want not found", err)
	}
}

func TestScheduler_ListAndFindByFunction(t *testing.T) {
	s := newTestScheduler(t, &recordingInvoker{}, false)
	ctx := context.Background()

	for _, sc := range []*Schedule{
		{Name: "b", Function: "alpha", Type: ScheduleTypeInterval, Expression: "1h", Enabled: true},
		{Name: "a", Function: "alpha", Type: ScheduleTypeCron, Expression: "@hourly", Enabled: true},
		{Name: "c", Function: "beta", Type: ScheduleTypeInterval, Expression: "1h", Enabled: true},
	} {
		if err := s.Create(ctx, sc); err != nil {
			t.Fatalf("Create(%s) error = %v", sc.Name, err)
		}
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 || all[0].Name != "a" {
		t.Errorf("List() = %d schedules, first %q", len(all), all[0].Name)
	}

	alpha, err := s.FindByFunction(ctx, "alpha")
	if err != nil {
		t.Fatalf("FindByFunction() error = %v", err)
	}
	if len(alpha) != 2 {
		t.Errorf("FindByFunction() = %d schedules, want 2", len(alpha))
	}
}

func TestScheduler_ProcessDue(t *testing.T) {
	invoker := &recordingInvoker{}
	s := newTestScheduler(t, invoker, false)
	ctx := context.Background()

	schedule := &Schedule{
		Name:       "tick",
		Function:   "f",
		Type:       ScheduleTypeInterval,
		Expression: "1h",
		Input:      map[string]any{"n": float64(1)},
		UserID:     "user-1",
		Enabled:    true,
	}
	if err := s.Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Not due yet.
	if n, err := s.ProcessDue(ctx); err != nil || n != 0 {
		t.Fatalf("ProcessDue() = %d, %v, want 0", n, err)
	}

	makeDue(t, s, schedule, time.Now().Add(-time.Minute))
	n, err := s.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ProcessDue() = %d, want 1", n)
	}

	calls := invoker.calls()
	if len(calls) != 1 {
		t.Fatalf("invoked %d times, want 1", len(calls))
	}
	req := calls[0]
	if req.Function != "f" || req.Trigger != executions.TriggerSchedule || req.TriggerRef != schedule.ID || !req.Async {
		t.Errorf("request = %+v", req)
	}
	if req.UserID != "user-1" || req.Input["n"] != float64(1) {
		t.Errorf("request carried %q %v", req.UserID, req.Input)
	}

	// The run was claimed, so a second poll does nothing.
	if n, _ := s.ProcessDue(ctx); n != 0 {
		t.Errorf("second ProcessDue() = %d, want 0", n)
	}

	s.wg.Wait()
	got, err := s.Get(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastRun == nil || got.LastExecutionID != "exec-"+schedule.ID || got.LastStatus != "completed" {
		t.Errorf("last run = %v %q %q", got.LastRun, got.LastExecutionID, got.LastStatus)
	}
	if got.NextRun == nil || !got.NextRun.After(time.Now().Add(50*time.Minute)) {
		t.Errorf("NextRun = %v, want about an hour out", got.NextRun)
	}
}

func TestScheduler_ClaimIsExclusive(t *testing.T) {
	s := newTestScheduler(t, &recordingInvoker{}, false)
	ctx := context.Background()

	schedule := &Schedule{Name: "tick", Function: "f", Type: ScheduleTypeInterval, Expression: "1h", Enabled: true}
	if err := s.Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	due := time.Now().Add(-time.Minute).UTC()
	makeDue(t, s, schedule, due)

	now := time.Now().UTC()
	next := now.Add(time.Hour)
	first, err := s.store.Claim(ctx, schedule.ID, due, &next, now)
	if err != nil || !first {
		t.Fatalf("first Claim() = %v, %v", first, err)
	}
	second, err := s.store.Claim(ctx, schedule.ID, due, &next, now)
	if err != nil {
		t.Fatalf("second Claim() error = %v", err)
	}
	if second {
		t.Error("second Claim() succeeded for the same run")
	}
}

func TestScheduler_InvokeError(t *testing.T) {
	invoker := &recordingInvoker{err: failure.New(failure.NotFound, "function f not found")}
	s := newTestScheduler(t, invoker, false)
	ctx := context.Background()

	schedule := &Schedule{Name: "tick", Function: "f", Type: ScheduleTypeInterval, Expression: "1h", Enabled: true}
	if err := s.Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	makeDue(t, s, schedule, time.Now().Add(-time.Minute))

	if n, err := s.ProcessDue(ctx); err != nil || n != 0 {
		t.Fatalf("ProcessDue() = %d, %v", n, err)
	}

	got, err := s.Get(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastExecutionID != "" || got.LastStatus == "" {
		t.Errorf("last run = %q %q, want recorded error", got.LastExecutionID, got.LastStatus)
	}
	if !got.Enabled {
		t.Error("schedule was disabled after a failed invocation")
	}
}

func TestScheduler_OneTimeSchedule(t *testing.T) {
	invoker := &recordingInvoker{}
	s := newTestScheduler(t, invoker, false)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	schedule := &Schedule{
		Name:       "once",
		Function:   "f",
		Type:       ScheduleTypeOneTime,
		Expression: at.Format(time.RFC3339),
		Enabled:    true,
	}
	if err := s.Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if schedule.NextRun == nil || !schedule.NextRun.Equal(at) {
		t.Fatalf("NextRun = %v, want %v", schedule.NextRun, at)
	}

	makeDue(t, s, schedule, time.Now().Add(-time.Second))
	if n, err := s.ProcessDue(ctx); err != nil || n != 1 {
		t.Fatalf("ProcessDue() = %d, %v, want 1", n, err)
	}

	got, err := s.Get(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Enabled || got.NextRun != nil {
		t.Errorf("one-time schedule still armed: enabled=%v next=%v", got.Enabled, got.NextRun)
	}
}

func TestScheduler_Recover(t *testing.T) {
	tests := []struct {
		name      string
		catchup   bool
		wantCalls int
	}{
		{name: "catch-up disabled skips", catchup: false, wantCalls: 0},
		{name: "catch-up enabled runs once", catchup: true, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invoker := &recordingInvoker{}
			s := newTestScheduler(t, invoker, tt.catchup)
			ctx := context.Background()

			schedule := &Schedule{Name: "tick", Function: "f", Type: ScheduleTypeCron, Expression: "* * * * *", Enabled: true}
			if err := s.Create(ctx, schedule); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			makeDue(t, s, schedule, time.Now().Add(-10*time.Minute))

			if err := s.Recover(ctx); err != nil {
				t.Fatalf("Recover() error = %v", err)
			}
			s.wg.Wait()

			if got := len(invoker.calls()); got != tt.wantCalls {
				t.Errorf("invoked %d times, want %d", got, tt.wantCalls)
			}
			got, err := s.Get(ctx, schedule.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.NextRun == nil || !got.NextRun.After(time.Now()) {
				t.Errorf("NextRun = %v, want in the future", got.NextRun)
			}
		})
	}
}

func TestCountMissed(t *testing.T) {
	now := time.Date(2026, 1, 25, 12, 0, 0, 0, time.UTC)
	past := now.Add(-10 * time.Minute)

	s := &Schedule{Type: ScheduleTypeInterval, Expression: "1m", NextRun: &past}
	if got := countMissed(s, now); got != 11 {
		t.Errorf("countMissed() = %d, want 11", got)
	}

	future := now.Add(time.Minute)
	s.NextRun = &future
	if got := countMissed(s, now); got != 0 {
		t.Errorf("countMissed() = %d, want 0", got)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	invoker := &recordingInvoker{}
	s := newTestScheduler(t, invoker, false)
	ctx := context.Background()

	schedule := &Schedule{Name: "tick", Function: "f", Type: ScheduleTypeInterval, Expression: "1h", Enabled: true}
	if err := s.Create(ctx, schedule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	s.Start(ctx)
	makeDue(t, s, schedule, time.Now().Add(-time.Second))

	deadline := time.Now().Add(2 * time.Second)
	for len(invoker.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	if got := len(invoker.calls()); got != 1 {
		t.Errorf("invoked %d times, want 1", got)
	}
}
