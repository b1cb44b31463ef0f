// Package migrations holds the embedded SQL schema and applies it in
// filename order. Each applied file is recorded with a checksum so that a
// file edited after release is caught instead of silently skipped.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

//go:embed sql/*.sql
var sqlFS embed.FS

const versionTable = "_tracery_schema_versions"

// State describes one migration as seen from the database.
type State struct {
	ID        string
	Applied   bool
	AppliedAt time.Time
	// Modified is set when the embedded file no longer matches the
	// checksum recorded when it was applied.
	Modified bool
	// Unknown is set for a recorded migration that this binary does not
	// embed, usually because the database was used by a newer release.
	Unknown bool
}

type script struct {
	id       string
	body     string
	checksum string
}

type record struct {
	checksum  string
	appliedAt time.Time
}

// Run applies every pending migration, each in its own transaction, and
// returns the ids it applied.
func Run(ctx context.Context, db *sql.DB) ([]string, error) {
	scripts, recorded, err := inspect(ctx, db)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, s := range scripts {
		if rec, ok := recorded[s.id]; ok {
			if rec.checksum != "" && rec.checksum != s.checksum {
				return ran, fmt.Errorf("migration %s was modified after it was applied", s.id)
			}
			continue
		}
		if err := apply(ctx, db, s); err != nil {
			return ran, fmt.Errorf("applying migration %s: %w", s.id, err)
		}
		log.Debug().Str("migration", s.id).Msg("Applied migration")
		ran = append(ran, s.id)
	}
	return ran, nil
}

// Status lists every embedded migration followed by any recorded ones the
// binary does not know.
func Status(ctx context.Context, db *sql.DB) ([]State, error) {
	scripts, recorded, err := inspect(ctx, db)
	if err != nil {
		return nil, err
	}

	out := make([]State, 0, len(scripts))
	for _, s := range scripts {
		st := State{ID: s.id}
		if rec, ok := recorded[s.id]; ok {
			st.Applied = true
			st.AppliedAt = rec.appliedAt
			st.Modified = rec.checksum != "" && rec.checksum != s.checksum
			delete(recorded, s.id)
		}
		out = append(out, st)
	}

	extra := make([]string, 0, len(recorded))
	for id := range recorded {
		extra = append(extra, id)
	}
	sort.Strings(extra)
	for _, id := range extra {
		out = append(out, State{ID: id, Applied: true, AppliedAt: recorded[id].appliedAt, Unknown: true})
	}
	return out, nil
}

// Pending reports how many embedded migrations have not been applied.
func Pending(states []State) int {
	n := 0
	for _, s := range states {
		if !s.Applied {
			n++
		}
	}
	return n
}

func inspect(ctx context.Context, db *sql.DB) ([]script, map[string]record, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+versionTable+` (
		id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL DEFAULT '',
		applied_at TEXT NOT NULL
	)`); err != nil {
		return nil, nil, fmt.Errorf("creating version table: %w", err)
	}

	scripts, err := embedded()
	if err != nil {
		return nil, nil, fmt.Errorf("loading migrations: %w", err)
	}
	recorded, err := applied(ctx, db)
	if err != nil {
		return nil, nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	return scripts, recorded, nil
}

func applied(ctx context.Context, db *sql.DB) (map[string]record, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, checksum, applied_at FROM `+versionTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]record)
	for rows.Next() {
		var id, at string
		var rec record
		if err := rows.Scan(&id, &rec.checksum, &at); err != nil {
			return nil, err
		}
		rec.appliedAt, _ = time.Parse(time.RFC3339Nano, at)
		out[id] = rec
	}
	return out, rows.Err()
}

func embedded() ([]script, error) {
	names, err := fs.Glob(sqlFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]script, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(sqlFS, name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		out = append(out, script{
			id:       strings.TrimSuffix(path.Base(name), ".sql"),
			body:     string(body),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	return out, nil
}

func apply(ctx context.Context, db *sql.DB, s script) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(s.body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\nSQL: %s", err, truncate(stmt, 100))
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+versionTable+` (id, checksum, applied_at) VALUES (?, ?, ?)`,
		s.id, s.checksum, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// splitStatements splits a script on semicolons outside string literals and
// drops line comments.
func splitStatements(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			lines = append(lines, line)
		}
	}

	var statements []string
	var current strings.Builder
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	inString := false
	for _, ch := range strings.Join(lines, "\n") {
		switch {
		case ch == '\'':
			inString = !inString
		case ch == ';' && !inString:
			flush()
			continue
		}
		current.WriteRune(ch)
	}
	flush()
	return statements
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
