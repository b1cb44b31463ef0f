// Package schema compiles and applies the JSON Schemas attached to functions.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/watzon/tracery/internal/failure"
)

// Schema is a compiled JSON Schema. A nil *Schema accepts every value.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// Raw returns the source document.
func (s *Schema) Raw() json.RawMessage {
	if s == nil {
		return nil
	}
	return s.raw
}

// Validate checks v, which must already be in generic JSON form (see Normalize).
func (s *Schema) Validate(v any) error {
	if s == nil {
		return nil
	}
	if err := s.compiled.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return failure.Wrap(failure.ValidationError, nil, "%s", flatten(ve))
		}
		return failure.Wrap(failure.ValidationError, err, "schema validation")
	}
	return nil
}

// ValidateValue normalizes v and validates it, returning the normalized value.
func (s *Schema) ValidateValue(v any) (any, error) {
	norm, err := Normalize(v)
	if err != nil {
		return nil, failure.Wrap(failure.ValidationError, err, "value is not JSON-serializable")
	}
	if err := s.Validate(norm); err != nil {
		return nil, err
	}
	return norm, nil
}

// Empty reports whether doc is absent or JSON null.
func Empty(doc json.RawMessage) bool {
	trimmed := bytes.TrimSpace(doc)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Normalize converts v into the generic form produced by encoding/json:
// map[string]any, []any, float64, string, bool and nil.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Compiler compiles schemas and caches them by content hash.
type Compiler struct {
	mu    sync.RWMutex
	cache map[string]*Schema
}

func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]*Schema)}
}

var defaultCompiler = NewCompiler()

// Compile compiles doc with the shared compiler.
func Compile(doc json.RawMessage) (*Schema, error) {
	return defaultCompiler.Compile(doc)
}

// Compile returns nil for an empty document.
func (c *Compiler) Compile(doc json.RawMessage) (*Schema, error) {
	if Empty(doc) {
		return nil, nil
	}

	sum := sha256.Sum256(doc)
	key := hex.EncodeToString(sum[:])

	c.mu.RLock()
	if s, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, failure.Wrap(failure.ValidationError, err, "schema is not valid JSON")
	}

	jc := jsonschema.NewCompiler()
	jc.UseLoader(noRemoteLoader{})
	url := "mem://schema/" + key + ".json"
	if err := jc.AddResource(url, parsed); err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "registering schema")
	}
	compiled, err := jc.Compile(url)
	if err != nil {
		return nil, failure.Wrap(failure.ValidationError, err, "invalid schema")
	}

	s := &Schema{raw: append(json.RawMessage(nil), doc...), compiled: compiled}

	c.mu.Lock()
	c.cache[key] = s
	c.mu.Unlock()

	return s, nil
}

// noRemoteLoader refuses every external $ref so schemas cannot read files or
// reach the network.
type noRemoteLoader struct{}

func (noRemoteLoader) Load(url string) (any, error) {
	return nil, fmt.Errorf("loading %s: external references are not allowed", url)
}

var printer = message.NewPrinter(language.English)

func flatten(ve *jsonschema.ValidationError) string {
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/" + strings.Join(e.InstanceLocation, "/")
			msgs = append(msgs, fmt.Sprintf("at %s: %s", loc, e.ErrorKind.LocalizedString(printer)))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(msgs) == 0 {
		return ve.Error()
	}
	return strings.Join(msgs, "; ")
}
