package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/failure"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStore(db)
}

func TestStoreAppendAndList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	evs := []Event{
		{Sequence: 1, Type: ExecutionStarted, ExecutionID: "exec-1", Function: "a"},
		{Sequence: 2, Type: StepStarted, ExecutionID: "exec-1", StepID: "s1", Function: "a", Input: map[string]any{"n": float64(1)}},
		{Sequence: 3, Type: StepFailed, ExecutionID: "exec-1", StepID: "s1", Error: failure.New(failure.RuntimeFailure, "boom")},
		{Sequence: 1, Type: ExecutionStarted, ExecutionID: "exec-2"},
	}
	for _, ev := range evs {
		require.NoError(t, store.Append(ctx, ev))
	}

	got, err := store.List(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, StepStarted, got[1].Type)
	require.Equal(t, map[string]any{"n": float64(1)}, got[1].Input)
	require.Equal(t, failure.RuntimeFailure, got[2].Error.Code)

	tail, err := store.List(ctx, "exec-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, int64(3), tail[0].Sequence)
}

func TestStoreExpiry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Append(ctx, Event{Sequence: 1, Type: ExecutionStarted, ExecutionID: "old", Time: old}))
	require.NoError(t, store.Append(ctx, Event{Sequence: 2, Type: ExecutionCompleted, ExecutionID: "old", Time: old}))
	require.NoError(t, store.Append(ctx, Event{Sequence: 1, Type: ExecutionStarted, ExecutionID: "new"}))

	// Old events of an execution still awaiting input are kept; those of a
	// finished one expire.
	for id, status := range map[string]string{"paused": "awaiting_input", "finished": "completed"} {
		_, err := store.db.ExecContext(ctx, `
			INSERT INTO executions (id, function_name, function_version, trigger_kind, status, created_at, updated_at)
			VALUES (?, 'a', 1, 'direct', ?, ?, ?)
		`, id, status, database.FormatTime(old), database.FormatTime(old))
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, Event{Sequence: 1, Type: ExecutionStarted, ExecutionID: id, Time: old}))
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	ids, err := store.ExpiredExecutions(ctx, cutoff, 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"old", "finished"}, ids)

	expired, err := store.ListBefore(ctx, "old", cutoff)
	require.NoError(t, err)
	require.Len(t, expired, 2)

	n, err := store.DeleteBefore(ctx, "old", cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	remaining, err := store.List(ctx, "new", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestTypePredicates(t *testing.T) {
	require.True(t, ExecutionCompleted.EndsStream())
	require.True(t, ExecutionAwaitingInput.EndsStream())
	require.False(t, StepCompleted.EndsStream())

	require.True(t, StepFailed.FinalizesStep())
	require.False(t, StepStarted.FinalizesStep())
}
