// Package catalog stores functions and their immutable versions.
package catalog

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrExists is returned when creating a function whose name is taken.
var ErrExists = errors.New("function already exists")

// Function is the current record of a function.
type Function struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Source       string          `json:"source"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Dependencies []string        `json:"dependencies"`
	Timeout      time.Duration   `json:"timeout,omitempty"`
	MemoryMB     int             `json:"memory_mb,omitempty"`
	Active       bool            `json:"active"`
	Version      int             `json:"version"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// FunctionVersion is a snapshot written on every change. Imports lists the
// packages the source imports; without declared dependencies the validator
// accepts any allowlisted package, so Imports is what the runtime exposes.
type FunctionVersion struct {
	Function     string          `json:"function"`
	Version      int             `json:"version"`
	Source       string          `json:"source"`
	Instrumented string          `json:"-"`
	References   []string        `json:"references"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Dependencies []string        `json:"dependencies"`
	Imports      []string        `json:"imports"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ResolvedFunction is what an execution needs to run a function.
type ResolvedFunction struct {
	Name         string
	Version      int
	Source       string
	References   []string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Dependencies []string
	Imports      []string
	Timeout      time.Duration
	MemoryMB     int
}

// CreateInput describes a new function.
type CreateInput struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Source       string          `json:"source"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Dependencies []string        `json:"dependencies"`
	Timeout      time.Duration   `json:"timeout"`
	MemoryMB     int             `json:"memory_mb"`
	CreatedBy    string          `json:"-"`
}

// UpdateInput changes a function. Nil fields are left as they are.
type UpdateInput struct {
	Description  *string          `json:"description"`
	Source       *string          `json:"source"`
	InputSchema  *json.RawMessage `json:"input_schema"`
	OutputSchema *json.RawMessage `json:"output_schema"`
	Dependencies *[]string        `json:"dependencies"`
	Timeout      *time.Duration   `json:"timeout"`
	MemoryMB     *int             `json:"memory_mb"`
	UpdatedBy    string           `json:"-"`
}
