package database

import (
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrForeignKey      = errors.New("foreign key constraint failed")
	ErrUniqueViolation = errors.New("unique constraint violated")
	ErrNotNull         = errors.New("not null constraint failed")
	ErrCheckConstraint = errors.New("check constraint failed")
)

// ConstraintKind names the constraint a write violated.
type ConstraintKind string

const (
	KindUnique     ConstraintKind = "unique"
	KindForeignKey ConstraintKind = "foreign_key"
	KindNotNull    ConstraintKind = "not_null"
	KindCheck      ConstraintKind = "check"
)

// ConstraintError describes a rejected write. Table and Column are set
// when sqlite names them.
type ConstraintError struct {
	Kind   ConstraintKind
	Table  string
	Column string
	Cause  error
}

func (e *ConstraintError) Error() string {
	switch e.Kind {
	case KindUnique:
		if e.Column != "" {
			return "a record with this " + e.Column + " already exists"
		}
		return "a record with this value already exists"
	case KindNotNull:
		if e.Column != "" {
			return e.Column + " is required"
		}
		return "a required value is missing"
	case KindForeignKey:
		return "referenced record does not exist"
	default:
		return "value does not meet requirements"
	}
}

func (e *ConstraintError) Unwrap() error {
	return e.Cause
}

var constraintCodes = map[int]struct {
	kind  ConstraintKind
	cause error
}{
	sqlite3.SQLITE_CONSTRAINT_UNIQUE:     {KindUnique, ErrUniqueViolation},
	sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY: {KindUnique, ErrUniqueViolation},
	sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY: {KindForeignKey, ErrForeignKey},
	sqlite3.SQLITE_CONSTRAINT_NOTNULL:    {KindNotNull, ErrNotNull},
	sqlite3.SQLITE_CONSTRAINT_CHECK:      {KindCheck, ErrCheckConstraint},
}

// ClassifyError maps sqlite constraint failures onto *ConstraintError and
// sql.ErrNoRows onto ErrNotFound. Other errors are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return err
	}
	c, ok := constraintCodes[serr.Code()]
	if !ok {
		return err
	}
	ce := &ConstraintError{Kind: c.kind, Cause: c.cause}
	ce.Table, ce.Column = constrainedColumn(serr.Error())
	return ce
}

// constrainedColumn pulls "table.column" out of messages such as
// "UNIQUE constraint failed: webhooks.path". Composite keys keep the first.
func constrainedColumn(msg string) (table, column string) {
	const marker = "constraint failed: "
	i := strings.LastIndex(msg, marker)
	if i < 0 {
		return "", ""
	}
	detail := msg[i+len(marker):]
	detail, _, _ = strings.Cut(detail, ",")
	detail, _, _ = strings.Cut(detail, " ")
	table, column, _ = strings.Cut(strings.TrimSpace(detail), ".")
	return table, column
}

func IsUniqueError(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}

func IsForeignKeyError(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
