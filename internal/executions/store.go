package executions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/failure"
)

const executionColumns = `id, function_name, function_version, trigger_kind, trigger_ref,
	user_id, correlation_id, status, phase, input, output, error_code, error_message,
	input_prompt, input_schema, started_at, completed_at, duration_ms, created_at, updated_at`

const stepColumns = `id, execution_id, parent_id, phase, function_name, sequence, status,
	input, output, error_code, error_message, error_trace, started_at, completed_at, duration_ms`

// Store handles database operations for executions and their steps.
type Store struct {
	db *database.DB
}

// NewStore creates a new execution store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a pending execution.
func (s *Store) Create(ctx context.Context, e *Execution) error {
	now := time.Now().UTC()
	e.Status = StatusPending
	if e.Phase == 0 {
		e.Phase = 1
	}
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, function_name, function_version, trigger_kind, trigger_ref,
			user_id, correlation_id, status, phase, input, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.Function, e.Version, string(e.Trigger), e.TriggerRef,
		e.UserID, e.CorrelationID, string(e.Status), e.Phase, encodeJSON(e.Input),
		database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", database.ClassifyError(err))
	}
	return nil
}

// Get retrieves an execution by ID.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.New(failure.NotFound, "execution %s not found", id)
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return e, nil
}

// List retrieves executions matching f, newest first, with the total count.
func (s *Store) List(ctx context.Context, f Filter) ([]*Execution, int, error) {
	q := database.NewSelect("executions", executionColumns).
		WhereIf(f.Function != "", "function_name", f.Function).
		WhereIf(f.Status != "", "status", string(f.Status)).
		WhereIf(f.Trigger != "", "trigger_kind", string(f.Trigger)).
		WhereIf(f.CorrelationID != "", "correlation_id", f.CorrelationID)
	if !f.Since.IsZero() {
		q.WhereOp("created_at", ">=", database.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		q.WhereOp("created_at", "<", database.FormatTime(f.Until))
	}
	q.OrderBy("created_at", database.SortDesc).Page(f.Limit, f.Offset)

	countSQL, countArgs := q.BuildCount()
	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting executions: %w", err)
	}

	query, args := q.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating executions: %w", err)
	}
	return out, total, nil
}

// Start moves a pending execution to running.
func (s *Store) Start(ctx context.Context, id string) (*Execution, error) {
	return s.transition(ctx, id, StatusPending, StatusRunning, func(e *Execution, now time.Time) {
		e.StartedAt = &now
	})
}

// Resume starts a new running phase for an execution awaiting input. The
// merged input replaces the stored input.
func (s *Store) Resume(ctx context.Context, id string, input map[string]any) (*Execution, error) {
	return s.transition(ctx, id, StatusAwaitingInput, StatusRunning, func(e *Execution, now time.Time) {
		e.Phase++
		e.Input = input
		e.Output = nil
		e.InputPrompt = ""
		e.InputSchema = nil
		e.CompletedAt = nil
	})
}

// Complete records the output of a running execution.
func (s *Store) Complete(ctx context.Context, id string, output any) (*Execution, error) {
	return s.transition(ctx, id, StatusRunning, StatusCompleted, func(e *Execution, now time.Time) {
		e.Output = output
		finish(e, now)
	})
}

// Fail records the failure of a running execution.
func (s *Store) Fail(ctx context.Context, id string, cause *failure.Error) (*Execution, error) {
	return s.transition(ctx, id, StatusRunning, StatusFailed, func(e *Execution, now time.Time) {
		e.ErrorCode = cause.Code
		e.ErrorMessage = cause.Message
		finish(e, now)
	})
}

// Await records that a running execution needs more input.
func (s *Store) Await(ctx context.Context, id, prompt string, schema map[string]any) (*Execution, error) {
	return s.transition(ctx, id, StatusRunning, StatusAwaitingInput, func(e *Execution, now time.Time) {
		e.InputPrompt = prompt
		e.InputSchema = schema
		finish(e, now)
	})
}

func finish(e *Execution, now time.Time) {
	e.CompletedAt = &now
	if e.StartedAt != nil {
		e.DurationMs = now.Sub(*e.StartedAt).Milliseconds()
	}
}

// transition applies a status change atomically. The row is only updated
// while it still holds the expected status, so concurrent finalizers cannot
// both succeed.
func (s *Store) transition(ctx context.Context, id string, from, to Status, apply func(*Execution, time.Time)) (*Execution, error) {
	if !CanTransition(from, to) {
		return nil, failure.New(failure.InvalidTransition, "cannot move execution from %s to %s", from, to)
	}

	var out *Execution
	err := s.db.Transaction(ctx, func(tx *database.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
		e, err := scanExecution(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return failure.New(failure.NotFound, "execution %s not found", id)
			}
			return fmt.Errorf("querying execution: %w", err)
		}
		if e.Status != from {
			return failure.New(failure.InvalidTransition, "cannot move execution %s from %s to %s", id, e.Status, to)
		}

		now := time.Now().UTC()
		apply(e, now)
		e.Status = to
		e.UpdatedAt = now

		result, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = ?, phase = ?, input = ?, output = ?, error_code = ?, error_message = ?,
			    input_prompt = ?, input_schema = ?, started_at = ?, completed_at = ?,
			    duration_ms = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`,
			string(e.Status), e.Phase, encodeJSON(e.Input), encodeJSON(e.Output),
			string(e.ErrorCode), e.ErrorMessage, e.InputPrompt, encodeJSON(e.InputSchema),
			database.NullTime(e.StartedAt), database.NullTime(e.CompletedAt),
			e.DurationMs, database.FormatTime(now), id, string(from),
		)
		if err != nil {
			return fmt.Errorf("updating execution: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if n == 0 {
			return failure.New(failure.InvalidTransition, "execution %s changed concurrently", id)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertStep records a running step. A step that already exists is left
// untouched and reported as not inserted.
func (s *Store) InsertStep(ctx context.Context, st *Step) (bool, error) {
	var parent sql.NullString
	if st.ParentID != "" {
		parent = sql.NullString{String: st.ParentID, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (
			id, execution_id, parent_id, phase, function_name, sequence, status, input, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		st.ID, st.ExecutionID, parent, st.Phase, st.Function, st.Sequence,
		string(StepRunning), encodeJSON(st.Input), database.FormatTime(st.StartedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting step: %w", database.ClassifyError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n == 1, nil
}

// FinalizeStep closes a running step. The first finalize wins: it reports
// false when the step was already closed or does not exist.
func (s *Store) FinalizeStep(ctx context.Context, r StepResult) (bool, error) {
	var code failure.Code
	var msg, trace string
	if r.Error != nil {
		code, msg, trace = r.Error.Code, r.Error.Message, r.Error.Trace
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_steps
		SET status = ?, output = ?, error_code = ?, error_message = ?, error_trace = ?,
		    completed_at = ?, duration_ms = ?
		WHERE id = ? AND status = 'running'
	`,
		string(r.Status), encodeJSON(r.Output), string(code), msg, trace,
		database.FormatTime(r.CompletedAt), r.DurationMs, r.ID,
	)
	if err != nil {
		return false, fmt.Errorf("finalizing step: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n == 1, nil
}

// GetStep retrieves a single step.
func (s *Store) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM execution_steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.New(failure.NotFound, "step %s not found", id)
		}
		return nil, fmt.Errorf("querying step: %w", err)
	}
	return st, nil
}

// Steps returns every step of an execution ordered by sequence.
func (s *Store) Steps(ctx context.Context, executionID string) ([]*Step, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? ORDER BY sequence ASC`, executionID)
}

// OpenSteps returns the steps of an execution that are still running.
func (s *Store) OpenSteps(ctx context.Context, executionID string) ([]*Step, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? AND status = 'running' ORDER BY sequence DESC`, executionID)
}

func (s *Store) querySteps(ctx context.Context, query string, args ...any) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating steps: %w", err)
	}
	return out, nil
}

// MaxSequence returns the highest sequence number recorded for an execution
// across steps and persisted events.
func (s *Store) MaxSequence(ctx context.Context, executionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM (
			SELECT MAX(sequence) AS seq FROM execution_steps WHERE execution_id = ?
			UNION ALL
			SELECT MAX(sequence) AS seq FROM execution_events WHERE execution_id = ?
		)
	`, executionID, executionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("querying max sequence: %w", err)
	}
	return seq.Int64, nil
}

// Tree returns the step tree of an execution, one root per phase.
func (s *Store) Tree(ctx context.Context, executionID string) ([]*StepNode, error) {
	steps, err := s.Steps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return BuildTree(steps), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var trigger, status, code string
	var input, output, inputSchema sql.NullString
	var startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&e.ID, &e.Function, &e.Version, &trigger, &e.TriggerRef,
		&e.UserID, &e.CorrelationID, &status, &e.Phase, &input, &output, &code, &e.ErrorMessage,
		&e.InputPrompt, &inputSchema, &startedAt, &completedAt, &e.DurationMs, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	e.Trigger = TriggerKind(trigger)
	e.Status = Status(status)
	e.ErrorCode = failure.Code(code)
	e.StartedAt = database.TimePtr(startedAt)
	e.CompletedAt = database.TimePtr(completedAt)
	e.CreatedAt = database.ParseTime(createdAt)
	e.UpdatedAt = database.ParseTime(updatedAt)

	if err := decodeJSON(input, &e.Input); err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}
	if err := decodeJSON(output, &e.Output); err != nil {
		return nil, fmt.Errorf("decoding output: %w", err)
	}
	if err := decodeJSON(inputSchema, &e.InputSchema); err != nil {
		return nil, fmt.Errorf("decoding input schema: %w", err)
	}
	return &e, nil
}

func scanStep(row scanner) (*Step, error) {
	var st Step
	var parent, input, output, completedAt sql.NullString
	var status, code, startedAt string

	if err := row.Scan(
		&st.ID, &st.ExecutionID, &parent, &st.Phase, &st.Function, &st.Sequence, &status,
		&input, &output, &code, &st.ErrorMessage, &st.ErrorTrace, &startedAt, &completedAt, &st.DurationMs,
	); err != nil {
		return nil, err
	}

	st.ParentID = parent.String
	st.Status = StepStatus(status)
	st.ErrorCode = failure.Code(code)
	st.StartedAt = database.ParseTime(startedAt)
	st.CompletedAt = database.TimePtr(completedAt)

	if err := decodeJSON(input, &st.Input); err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}
	if err := decodeJSON(output, &st.Output); err != nil {
		return nil, fmt.Errorf("decoding output: %w", err)
	}
	return &st, nil
}

func encodeJSON(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	switch m := v.(type) {
	case map[string]any:
		if m == nil {
			return sql.NullString{}
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func decodeJSON(ns sql.NullString, dest any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dest)
}
