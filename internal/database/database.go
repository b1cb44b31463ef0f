// Package database opens the tracery SQLite store and applies its schema.
package database

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/database/migrations"
)

// TimeFormat is the layout used for every timestamp column. It is fixed width
// so that stored values sort lexically in time order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DB is the shared SQLite handle.
type DB struct {
	*sql.DB
	cfg       *config.DatabaseConfig
	closeOnce sync.Once
	closeErr  error
}

// Open connects to the database and brings its schema up to date.
func Open(cfg *config.DatabaseConfig) (*DB, error) {
	db, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Connect opens the database file and applies connection settings without
// touching the schema.
func Connect(cfg *config.DatabaseConfig) (*DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// PRAGMAs are per connection, so one connection keeps them applied.
	sqlDB.SetMaxOpenConns(cmp.Or(max(cfg.MaxOpenConns, 0), config.DefaultMaxOpenConns))
	sqlDB.SetMaxIdleConns(max(cfg.MaxIdleConns, 1))
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	for _, pragma := range pragmas(cfg) {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	return &DB{DB: sqlDB, cfg: cfg}, nil
}

// Migrate applies pending schema migrations and returns their ids.
func (db *DB) Migrate(ctx context.Context) ([]string, error) {
	ran, err := migrations.Run(ctx, db.DB)
	if err != nil {
		return ran, fmt.Errorf("running migrations: %w", err)
	}
	return ran, nil
}

// MigrationStatus reports every known migration without applying any.
func (db *DB) MigrationStatus(ctx context.Context) ([]migrations.State, error) {
	return migrations.Status(ctx, db.DB)
}

func pragmas(cfg *config.DatabaseConfig) []string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = config.DefaultBusyTimeout
	}
	out := []string{fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())}
	if cfg.WALMode {
		out = append(out, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	if cfg.ForeignKeys {
		out = append(out, "PRAGMA foreign_keys = ON")
	}
	if cfg.CacheSize != 0 {
		out = append(out, fmt.Sprintf("PRAGMA cache_size = %d", cfg.CacheSize))
	}
	return append(out, "PRAGMA temp_store = MEMORY")
}

// Close checkpoints the WAL and closes the handle. Later calls return the
// first result.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		if db.cfg.WALMode {
			_, _ = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		}
		db.closeErr = db.DB.Close()
	})
	return db.closeErr
}

func (db *DB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

// Transaction runs fn inside a transaction, committing when fn returns nil.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	tx := &Tx{Tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

type Tx struct {
	*sql.Tx
}

// Now returns the current time formatted for storage.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime formats t in UTC for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp, returning the zero time for empty input.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

// NullTime formats t for a nullable column.
func NullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// TimePtr parses a nullable column into a time pointer.
func TimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := ParseTime(ns.String)
	return &t
}
