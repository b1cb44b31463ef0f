package catalog

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

const functionColumns = `name, description, source, input_schema, output_schema, dependencies,
	timeout_ms, memory_mb, active, current_version, created_by, created_at, updated_at`

const versionColumns = `function_name, version, source, instrumented, refs, input_schema,
	output_schema, dependencies, imports, created_by, created_at`

// Store handles database operations for the catalog.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Insert creates a function together with its first version.
func (s *Store) Insert(ctx context.Context, f *Function, v *FunctionVersion) error {
	now := time.Now().UTC()
	f.Version = 1
	f.CreatedAt = now
	f.UpdatedAt = now
	v.Function = f.Name
	v.Version = 1
	v.CreatedAt = now

	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO functions (`+functionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			f.Name, f.Description, f.Source, rawOrNull(f.InputSchema), rawOrNull(f.OutputSchema),
			encodeList(f.Dependencies), f.Timeout.Milliseconds(), f.MemoryMB, f.Active, f.Version,
			f.CreatedBy, database.FormatTime(now), database.FormatTime(now),
		)
		if err != nil {
			if database.IsUniqueError(database.ClassifyError(err)) {
				return fmt.Errorf("%w: %s", ErrExists, f.Name)
			}
			return fmt.Errorf("inserting function: %w", database.ClassifyError(err))
		}
		return insertVersion(ctx, tx, v)
	})
}

// Save updates the current record. When v is non-nil it is written as the
// next version and the record points at it.
func (s *Store) Save(ctx context.Context, f *Function, v *FunctionVersion) error {
	now := time.Now().UTC()

	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		if v != nil {
			var current int
			err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(version), 0) FROM function_versions WHERE function_name = ?`, f.Name,
			).Scan(&current)
			if err != nil {
				return fmt.Errorf("getting next version: %w", err)
			}
			v.Function = f.Name
			v.Version = current + 1
			v.CreatedAt = now
			if err := insertVersion(ctx, tx, v); err != nil {
				return err
			}
			f.Version = v.Version
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE functions SET description = ?, source = ?, input_schema = ?, output_schema = ?,
				dependencies = ?, timeout_ms = ?, memory_mb = ?, active = ?, current_version = ?,
				updated_at = ?
			WHERE name = ?
		`,
			f.Description, f.Source, rawOrNull(f.InputSchema), rawOrNull(f.OutputSchema),
			encodeList(f.Dependencies), f.Timeout.Milliseconds(), f.MemoryMB, f.Active, f.Version,
			database.FormatTime(now), f.Name,
		)
		if err != nil {
			return fmt.Errorf("updating function: %w", database.ClassifyError(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return failure.New(failure.NotFound, "function %s not found", f.Name)
		}
		f.UpdatedAt = now
		return nil
	})
}

func insertVersion(ctx context.Context, tx *database.Tx, v *FunctionVersion) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO function_versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.Function, v.Version, v.Source, v.Instrumented, encodeList(v.References),
		rawOrNull(v.InputSchema), rawOrNull(v.OutputSchema), encodeList(v.Dependencies), encodeList(v.Imports),
		v.CreatedBy, database.FormatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting version %d: %w", v.Version, database.ClassifyError(err))
	}
	return nil
}

// Get retrieves a function by name.
func (s *Store) Get(ctx context.Context, name string) (*Function, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+functionColumns+` FROM functions WHERE name = ?`, name)
	f, err := scanFunction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.New(failure.NotFound, "function %s not found", name)
		}
		return nil, fmt.Errorf("querying function: %w", err)
	}
	return f, nil
}

// List returns functions ordered by name.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]*Function, error) {
	q := database.NewSelect("functions", functionColumns).OrderBy("name", database.SortAsc)
	if activeOnly {
		q.Where("active", true)
	}
	query, args := q.Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing functions: %w", err)
	}
	defer rows.Close()

	var out []*Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning function: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Versions lists the versions of a function, newest first.
func (s *Store) Versions(ctx context.Context, name string) ([]*FunctionVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM function_versions WHERE function_name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()

	var out []*FunctionVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVersion retrieves one version of a function.
func (s *Store) GetVersion(ctx context.Context, name string, version int) (*FunctionVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM function_versions WHERE function_name = ? AND version = ?`, name, version)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.New(failure.NotFound, "function %s version %d not found", name, version)
		}
		return nil, fmt.Errorf("querying version: %w", err)
	}
	return v, nil
}

// Delete removes a function and its versions.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM functions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting function: %w", database.ClassifyError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.New(failure.NotFound, "function %s not found", name)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFunction(row scanner) (*Function, error) {
	var (
		f                   Function
		input, output, deps sql.NullString
		timeoutMS           int64
		createdAt           string
		updatedAt           string
	)
	err := row.Scan(
		&f.Name, &f.Description, &f.Source, &input, &output, &deps,
		&timeoutMS, &f.MemoryMB, &f.Active, &f.Version, &f.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.InputSchema = nullRaw(input)
	f.OutputSchema = nullRaw(output)
	f.Dependencies = decodeList(deps)
	f.Timeout = time.Duration(timeoutMS) * time.Millisecond
	f.CreatedAt = database.ParseTime(createdAt)
	f.UpdatedAt = database.ParseTime(updatedAt)
	return &f, nil
}

func scanVersion(row scanner) (*FunctionVersion, error) {
	var (
		v                         FunctionVersion
		refs, input, output, deps sql.NullString
		imports                   sql.NullString
		createdAt                 string
	)
	err := row.Scan(
		&v.Function, &v.Version, &v.Source, &v.Instrumented, &refs, &input,
		&output, &deps, &imports, &v.CreatedBy, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	v.References = decodeList(refs)
	v.InputSchema = nullRaw(input)
	v.OutputSchema = nullRaw(output)
	v.Dependencies = decodeList(deps)
	v.Imports = decodeList(imports)
	v.CreatedAt = database.ParseTime(createdAt)
	return &v, nil
}

func rawOrNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func encodeList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func decodeList(ns sql.NullString) []string {
	out := []string{}
	if ns.Valid && ns.String != "" {
		_ = json.Unmarshal([]byte(ns.String), &out)
	}
	return out
}
