package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/watzon/tracery/internal/database"
)

// Store persists events in the execution_events table.
type Store struct {
	db *database.DB
}

// NewStore creates a new event store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Append persists an event. The full event is kept as JSON in payload.
func (s *Store) Append(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_events (execution_id, sequence, type, step_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ExecutionID, ev.Sequence, string(ev.Type), ev.StepID, string(payload), database.FormatTime(ev.Time))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return nil
}

// List returns events for an execution with sequence greater than afterSeq,
// in insertion order.
func (s *Store) List(ctx context.Context, executionID string, afterSeq int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM execution_events
		WHERE execution_id = ? AND sequence > ?
		ORDER BY id ASC
	`, executionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListBefore returns an execution's events created before cutoff.
func (s *Store) ListBefore(ctx context.Context, executionID string, cutoff time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM execution_events
		WHERE execution_id = ? AND created_at < ?
		ORDER BY id ASC
	`, executionID, database.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ExpiredExecutions returns ids of executions that have events created before
// cutoff. Executions that may still emit events (running, pending or
// awaiting input) are skipped: the tracker reseeds sequences from what is
// persisted, so their events must stay until they complete or fail.
func (s *Store) ExpiredExecutions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ev.execution_id FROM execution_events ev
		WHERE ev.created_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM executions e
			WHERE e.id = ev.execution_id AND e.status NOT IN ('completed', 'failed')
		  )
		LIMIT ?
	`, database.FormatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("querying expired executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteBefore removes an execution's events created before cutoff.
func (s *Store) DeleteBefore(ctx context.Context, executionID string, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM execution_events WHERE execution_id = ? AND created_at < ?
	`, executionID, database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}
	return result.RowsAffected()
}

func scanEvents(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
