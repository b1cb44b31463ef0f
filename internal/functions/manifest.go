// Package functions syncs function definitions from a directory into the
// catalog.
package functions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ManifestFile is the manifest name inside each function directory.
const ManifestFile = "manifest.yaml"

// DefaultEntry is the source file used when a manifest names none.
const DefaultEntry = "main.go"

// Manifest describes a function stored on disk.
type Manifest struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Entry        string         `yaml:"entry"`
	InputSchema  map[string]any `yaml:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema"`
	Dependencies []string       `yaml:"dependencies"`
	Timeout      string         `yaml:"timeout"`
	Memory       string         `yaml:"memory"`
}

// Validate validates the manifest structure.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("manifest: name is required")
	}
	if !isIdentifier(m.Name) {
		return fmt.Errorf("manifest: name %q is not a valid identifier", m.Name)
	}

	if m.Entry != "" && !strings.HasSuffix(m.Entry, ".go") {
		return fmt.Errorf("manifest: entry must be a .go file: %s", m.Entry)
	}

	if m.Timeout != "" {
		if parseTimeout(m.Timeout) == 0 {
			return fmt.Errorf("manifest: invalid timeout format: %s", m.Timeout)
		}
	}

	if m.Memory != "" {
		if parseMemoryMB(m.Memory) == 0 {
			return fmt.Errorf("manifest: invalid memory format: %s", m.Memory)
		}
	}

	for i, dep := range m.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("manifest: dependencies[%d] is empty", i)
		}
	}

	return nil
}

// EntryFile returns the source file name.
func (m *Manifest) EntryFile() string {
	if m.Entry == "" {
		return DefaultEntry
	}
	return m.Entry
}

// TimeoutDuration returns the parsed timeout, or zero for the default.
func (m *Manifest) TimeoutDuration() time.Duration {
	return parseTimeout(m.Timeout)
}

// MemoryMB returns the parsed memory ceiling, or zero for the default.
func (m *Manifest) MemoryMB() int {
	return parseMemoryMB(m.Memory)
}

// Schemas returns the input and output schemas as JSON.
func (m *Manifest) Schemas() (in, out json.RawMessage, err error) {
	if in, err = schemaJSON(m.InputSchema); err != nil {
		return nil, nil, fmt.Errorf("input_schema: %w", err)
	}
	if out, err = schemaJSON(m.OutputSchema); err != nil {
		return nil, nil, fmt.Errorf("output_schema: %w", err)
	}
	return in, out, nil
}

func schemaJSON(schema map[string]any) (json.RawMessage, error) {
	if schema == nil {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func isIdentifier(s string) bool {
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return s != ""
}

const mbPerGB = 1024

// parseTimeout accepts Go durations ("1m30s") and bare seconds ("30").
func parseTimeout(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0
		}
		return d
	}
	var seconds int
	if _, err := fmt.Sscanf(s, "%d", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func parseMemoryMB(s string) int {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0
	}

	var value int

	switch {
	case strings.HasSuffix(s, "gb"):
		s = strings.TrimSuffix(s, "gb")
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value * mbPerGB
		}
	case strings.HasSuffix(s, "mb"):
		s = strings.TrimSuffix(s, "mb")
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value
		}
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value
		}
	default:
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value
		}
	}

	return 0
}
