package webhooks

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

const endpointColumns = `id, path, function_name, methods, verification, condition, async, active, created_at, updated_at`

// ErrExists is returned when a webhook path is taken.
var ErrExists = errors.New("webhook path already registered")

// Store handles database operations for webhook endpoints.
type Store struct {
	db *database.DB
}

// NewStore creates a new webhook store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new webhook endpoint.
func (s *Store) Create(ctx context.Context, endpoint *Endpoint) error {
	if endpoint.ID == "" {
		endpoint.ID = database.GenerateShortID("wh_")
	}
	now := time.Now().UTC()
	endpoint.CreatedAt = now
	endpoint.UpdatedAt = now

	methods, verification, err := encodeEndpoint(endpoint)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (`+endpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		endpoint.ID, endpoint.Path, endpoint.Function, methods, verification,
		endpoint.Condition, endpoint.Async, endpoint.Active,
		database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		if database.IsUniqueError(database.ClassifyError(err)) {
			return fmt.Errorf("%w: %s", ErrExists, endpoint.Path)
		}
		return fmt.Errorf("inserting webhook endpoint: %w", database.ClassifyError(err))
	}
	return nil
}

// Update saves every field of an existing webhook endpoint.
func (s *Store) Update(ctx context.Context, endpoint *Endpoint) error {
	methods, verification, err := encodeEndpoint(endpoint)
	if err != nil {
		return err
	}
	endpoint.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE webhooks
		SET path = ?, function_name = ?, methods = ?, verification = ?, condition = ?,
		    async = ?, active = ?, updated_at = ?
		WHERE id = ?
	`,
		endpoint.Path, endpoint.Function, methods, verification, endpoint.Condition,
		endpoint.Async, endpoint.Active, database.FormatTime(endpoint.UpdatedAt), endpoint.ID,
	)
	if err != nil {
		if database.IsUniqueError(database.ClassifyError(err)) {
			return fmt.Errorf("%w: %s", ErrExists, endpoint.Path)
		}
		return fmt.Errorf("updating webhook endpoint: %w", database.ClassifyError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.New(failure.NotFound, "webhook %s not found", endpoint.ID)
	}
	return nil
}

// Delete removes a webhook endpoint.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting webhook endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.New(failure.NotFound, "webhook %s not found", id)
	}
	return nil
}

// Get retrieves a webhook endpoint by ID.
func (s *Store) Get(ctx context.Context, id string) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM webhooks WHERE id = ?`, id)
	endpoint, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.New(failure.NotFound, "webhook %s not found", id)
		}
		return nil, fmt.Errorf("getting webhook endpoint: %w", err)
	}
	return endpoint, nil
}

// GetByPath retrieves an active webhook endpoint by path.
func (s *Store) GetByPath(ctx context.Context, path string) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM webhooks WHERE path = ? AND active = 1`, path)
	endpoint, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.New(failure.NotFound, "no webhook at %q", path)
		}
		return nil, fmt.Errorf("getting webhook endpoint by path: %w", err)
	}
	return endpoint, nil
}

// List retrieves all webhook endpoints.
func (s *Store) List(ctx context.Context) ([]*Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM webhooks ORDER BY path ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying webhook endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*Endpoint
	for rows.Next() {
		endpoint, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook endpoint row: %w", err)
		}
		endpoints = append(endpoints, endpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webhook endpoint rows: %w", err)
	}
	return endpoints, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (*Endpoint, error) {
	var (
		endpoint             Endpoint
		methods              string
		verification         sql.NullString
		createdAt, updatedAt string
	)

	err := row.Scan(
		&endpoint.ID, &endpoint.Path, &endpoint.Function, &methods, &verification,
		&endpoint.Condition, &endpoint.Async, &endpoint.Active, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(methods), &endpoint.Methods); err != nil {
		return nil, fmt.Errorf("unmarshaling methods: %w", err)
	}
	if verification.Valid && verification.String != "" {
		var v Verification
		if err := json.Unmarshal([]byte(verification.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshaling verification: %w", err)
		}
		endpoint.Verification = &v
	}
	endpoint.CreatedAt = database.ParseTime(createdAt)
	endpoint.UpdatedAt = database.ParseTime(updatedAt)
	return &endpoint, nil
}

func encodeEndpoint(endpoint *Endpoint) (string, sql.NullString, error) {
	methods := endpoint.Methods
	if methods == nil {
		methods = []string{}
	}
	methodsJSON, err := json.Marshal(methods)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("marshaling methods: %w", err)
	}

	if endpoint.Verification == nil {
		return string(methodsJSON), sql.NullString{}, nil
	}
	verificationJSON, err := json.Marshal(endpoint.Verification)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("marshaling verification: %w", err)
	}
	return string(methodsJSON), sql.NullString{String: string(verificationJSON), Valid: true}, nil
}
