package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watzon/tracery/internal/failure"
)

func TestCompileEmpty(t *testing.T) {
	for _, doc := range []string{"", "  ", "null"} {
		s, err := Compile(json.RawMessage(doc))
		require.NoError(t, err)
		require.Nil(t, s)
		require.NoError(t, s.Validate(map[string]any{"anything": true}))
	}
}

func TestValidate(t *testing.T) {
	s, err := Compile(json.RawMessage(`{
		"type": "object",
		"properties": {"number": {"type": "integer"}},
		"required": ["number"]
	}`))
	require.NoError(t, err)

	require.NoError(t, s.Validate(map[string]any{"number": float64(4)}))

	err = s.Validate(map[string]any{"number": "four"})
	require.Error(t, err)
	require.True(t, failure.Is(err, failure.ValidationError))
	require.Contains(t, err.Error(), "/number")

	err = s.Validate(map[string]any{})
	require.True(t, failure.Is(err, failure.ValidationError))
}

func TestValidateValueNormalizes(t *testing.T) {
	s, err := Compile(json.RawMessage(`{"type": "array", "items": {"type": "integer"}}`))
	require.NoError(t, err)

	norm, err := s.ValidateValue([]int{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []any{float64(1), float64(2), float64(3)}, norm)

	_, err = s.ValidateValue(make(chan int))
	require.True(t, failure.Is(err, failure.ValidationError))
}

func TestBooleanSchema(t *testing.T) {
	s, err := Compile(json.RawMessage(`{"type": "boolean"}`))
	require.NoError(t, err)

	require.NoError(t, s.Validate(true))
	require.Error(t, s.Validate("true"))
}

func TestInvalidSchema(t *testing.T) {
	_, err := Compile(json.RawMessage(`{"type": 12`))
	require.True(t, failure.Is(err, failure.ValidationError))

	_, err = Compile(json.RawMessage(`{"type": "nonsense"}`))
	require.True(t, failure.Is(err, failure.ValidationError))
}

func TestRemoteRefsRejected(t *testing.T) {
	_, err := Compile(json.RawMessage(`{"$ref": "file:///etc/passwd"}`))
	require.Error(t, err)
}

func TestCompileCaches(t *testing.T) {
	c := NewCompiler()
	doc := json.RawMessage(`{"type": "string"}`)

	a, err := c.Compile(doc)
	require.NoError(t, err)
	b, err := c.Compile(doc)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.JSONEq(t, string(doc), string(a.Raw()))
}
