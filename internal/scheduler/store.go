package scheduler

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

const scheduleColumns = `id, name, function_name, type, expression, timezone, input, user_id,
	enabled, next_run, last_run, last_execution_id, last_status, created_at, updated_at`

// ErrExists is returned when a schedule name is taken.
var ErrExists = errors.New("schedule already exists")

// Store handles database operations for schedules.
type Store struct {
	db *database.DB
}

// NewStore creates a new schedule store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create validates and inserts a schedule, computing its first run.
func (s *Store) Create(ctx context.Context, schedule *Schedule) error {
	if err := Validate(schedule); err != nil {
		return err
	}
	if schedule.ID == "" {
		schedule.ID = database.GenerateShortID("sch_")
	}
	if schedule.Timezone == "" {
		schedule.Timezone = "UTC"
	}
	now := time.Now().UTC()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	if schedule.NextRun == nil {
		next, ok, err := NextRun(schedule, now)
		if err != nil {
			return err
		}
		if ok {
			schedule.NextRun = &next
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		schedule.ID, schedule.Name, schedule.Function, string(schedule.Type), schedule.Expression,
		schedule.Timezone, encodeInput(schedule.Input), schedule.UserID, schedule.Enabled,
		database.NullTime(schedule.NextRun), database.NullTime(schedule.LastRun),
		schedule.LastExecutionID, schedule.LastStatus,
		database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		if database.IsUniqueError(database.ClassifyError(err)) {
			return fmt.Errorf("%w: %s", ErrExists, schedule.Name)
		}
		return fmt.Errorf("inserting schedule: %w", database.ClassifyError(err))
	}
	return nil
}

// Update saves every field of schedule. The next run is recomputed from now
// when reschedule is true.
func (s *Store) Update(ctx context.Context, schedule *Schedule, reschedule bool) error {
	if err := Validate(schedule); err != nil {
		return err
	}
	now := time.Now().UTC()
	if reschedule {
		schedule.NextRun = nil
		next, ok, err := NextRun(schedule, now)
		if err != nil {
			return err
		}
		if ok {
			schedule.NextRun = &next
		}
	}
	schedule.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, function_name = ?, type = ?, expression = ?, timezone = ?, input = ?,
		    user_id = ?, enabled = ?, next_run = ?, updated_at = ?
		WHERE id = ?
	`,
		schedule.Name, schedule.Function, string(schedule.Type), schedule.Expression,
		schedule.Timezone, encodeInput(schedule.Input), schedule.UserID, schedule.Enabled,
		database.NullTime(schedule.NextRun), database.FormatTime(now), schedule.ID,
	)
	if err != nil {
		if database.IsUniqueError(database.ClassifyError(err)) {
			return fmt.Errorf("%w: %s", ErrExists, schedule.Name)
		}
		return fmt.Errorf("updating schedule: %w", database.ClassifyError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.New(failure.NotFound, "schedule %s not found", schedule.ID)
	}
	return nil
}

// Claim advances a due schedule from expected to next. Only one poller can
// claim a given run. A nil next disables the schedule.
func (s *Store) Claim(ctx context.Context, id string, expected time.Time, next *time.Time, now time.Time) (bool, error) {
	enabled := next != nil
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET next_run = ?, last_run = ?, enabled = ?, updated_at = ?
		WHERE id = ? AND enabled = 1 AND next_run = ?
	`,
		database.NullTime(next), database.FormatTime(now), enabled, database.FormatTime(now),
		id, database.FormatTime(expected),
	)
	if err != nil {
		return false, fmt.Errorf("claiming schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n == 1, nil
}

// Reschedule moves the next run of an enabled schedule without running it.
func (s *Store) Reschedule(ctx context.Context, id string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run = ?, updated_at = ? WHERE id = ?`,
		database.FormatTime(next), database.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("rescheduling: %w", err)
	}
	return nil
}

// RecordRun stores the execution started by the last run.
func (s *Store) RecordRun(ctx context.Context, id, executionID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_execution_id = ?, last_status = ?, updated_at = ? WHERE id = ?`,
		executionID, status, database.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("recording schedule run: %w", err)
	}
	return nil
}

// Delete removes a schedule.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.New(failure.NotFound, "schedule %s not found", id)
	}
	return nil
}

// Get retrieves a schedule by ID.
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.New(failure.NotFound, "schedule %s not found", id)
		}
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	return schedule, nil
}

// List retrieves all schedules ordered by name.
func (s *Store) List(ctx context.Context) ([]*Schedule, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC`)
}

// Due retrieves enabled schedules whose next run is at or before now.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	return s.query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC
		LIMIT ?
	`, database.FormatTime(now), limit)
}

// FindByFunction finds schedules for a function.
func (s *Store) FindByFunction(ctx context.Context, function string) ([]*Schedule, error) {
	return s.query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE function_name = ? ORDER BY created_at ASC`, function)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		out = append(out, schedule)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*Schedule, error) {
	var (
		schedule             Schedule
		typ                  string
		input                sql.NullString
		nextRun, lastRun     sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&schedule.ID, &schedule.Name, &schedule.Function, &typ, &schedule.Expression,
		&schedule.Timezone, &input, &schedule.UserID, &schedule.Enabled, &nextRun, &lastRun,
		&schedule.LastExecutionID, &schedule.LastStatus, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	schedule.Type = ScheduleType(typ)
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &schedule.Input); err != nil {
			return nil, fmt.Errorf("decoding input: %w", err)
		}
	}
	schedule.NextRun = database.TimePtr(nextRun)
	schedule.LastRun = database.TimePtr(lastRun)
	schedule.CreatedAt = database.ParseTime(createdAt)
	schedule.UpdatedAt = database.ParseTime(updatedAt)
	return &schedule, nil
}

func encodeInput(input map[string]any) sql.NullString {
	if input == nil {
		return sql.NullString{}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}
