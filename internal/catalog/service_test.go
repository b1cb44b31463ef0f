package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/failure"
)

const isEvenSrc = `package main

func is_even(input map[string]any) (any, error) {
	n := int(input["number"].(float64))
	return map[string]any{"even": n%2 == 0}, nil
}
`

const callerSrc = `package main

import "strings"

func shout(input map[string]any) (any, error) {
	_, err := is_even(input)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper("ok"), nil
}
`

func testService(t *testing.T) *Service {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		ForeignKeys: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewService(db, config.DefaultAllowedPackages)
}

func createIsEven(t *testing.T, s *Service) *Function {
	t.Helper()
	f, err := s.Create(context.Background(), CreateInput{
		Name:        "is_even",
		Source:      isEvenSrc,
		InputSchema: json.RawMessage(`{"type":"object","required":["number"]}`),
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)
	return f
}

func TestCreate(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	f := createIsEven(t, s)
	assert.Equal(t, 1, f.Version)
	assert.True(t, f.Active)

	got, err := s.Get(ctx, "is_even")
	require.NoError(t, err)
	assert.Equal(t, isEvenSrc, got.Source)
	assert.JSONEq(t, `{"type":"object","required":["number"]}`, string(got.InputSchema))
	assert.Empty(t, got.Dependencies)

	v, err := s.GetVersion(ctx, "is_even", 1)
	require.NoError(t, err)
	assert.Contains(t, v.Instrumented, "fxrt")
	assert.Equal(t, "user-1", v.CreatedBy)
}

func TestCreate_Duplicate(t *testing.T) {
	s := testService(t)
	createIsEven(t, s)

	_, err := s.Create(context.Background(), CreateInput{Name: "is_even", Source: isEvenSrc})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExists))
}

func TestCreate_Rejected(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreateInput
		code failure.Code
	}{
		{
			name: "syntax error",
			in:   CreateInput{Name: "broken", Source: "package main\nfunc broken(\n"},
			code: failure.InvalidSource,
		},
		{
			name: "missing entry",
			in:   CreateInput{Name: "missing", Source: isEvenSrc},
			code: failure.InvalidSignature,
		},
		{
			name: "dependency not allowed",
			in:   CreateInput{Name: "is_even", Source: isEvenSrc, Dependencies: []string{"os/exec"}},
			code: failure.InvalidSource,
		},
		{
			name: "import not declared",
			in:   CreateInput{Name: "shout", Source: callerSrc, Dependencies: []string{"fmt"}},
			code: failure.InvalidSource,
		},
		{
			name: "bad schema",
			in:   CreateInput{Name: "is_even", Source: isEvenSrc, InputSchema: json.RawMessage(`{"type":42}`)},
			code: failure.ValidationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.code, failure.CodeOf(err))
		})
	}

	list, err := s.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreate_References(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateInput{Name: "shout", Source: callerSrc, Dependencies: []string{"strings"}})
	require.NoError(t, err)

	r, err := s.Resolve(ctx, "shout")
	require.NoError(t, err)
	assert.Equal(t, []string{"is_even"}, r.References)
	assert.Equal(t, []string{"strings"}, r.Dependencies)
	assert.Contains(t, r.Source, `fxrt.Call("is_even"`)
}

func TestUpdate(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	createIsEven(t, s)

	desc := "checks parity"
	timeout := 5 * time.Second
	f, err := s.Update(ctx, "is_even", UpdateInput{Description: &desc, Timeout: &timeout})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Version, "metadata changes keep the version")
	assert.Equal(t, timeout, f.Timeout)

	schema := json.RawMessage(` { "type" : "object", "required" : ["number"] } `)
	f, err = s.Update(ctx, "is_even", UpdateInput{InputSchema: &schema})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Version, "equivalent schema keeps the version")

	src := isEvenSrc + "\n// v2\n"
	f, err = s.Update(ctx, "is_even", UpdateInput{Source: &src, UpdatedBy: "user-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Version)

	versions, err := s.Versions(ctx, "is_even")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, "user-2", versions[0].CreatedBy)

	bad := "package main\n"
	_, err = s.Update(ctx, "is_even", UpdateInput{Source: &bad})
	assert.Equal(t, failure.InvalidSignature, failure.CodeOf(err))

	got, err := s.Get(ctx, "is_even")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, desc, got.Description)
	assert.Equal(t, timeout, got.Timeout)
}

func TestRollback(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	createIsEven(t, s)

	src := isEvenSrc + "\n// v2\n"
	_, err := s.Update(ctx, "is_even", UpdateInput{Source: &src})
	require.NoError(t, err)

	f, err := s.Rollback(ctx, "is_even", 1, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, f.Version)
	assert.Equal(t, isEvenSrc, f.Source)

	r, err := s.Resolve(ctx, "is_even")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Version)

	_, err = s.Rollback(ctx, "is_even", 9, "user-1")
	assert.Equal(t, failure.NotFound, failure.CodeOf(err))
}

func TestVersionImports(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	createIsEven(t, s)
	_, err := s.Create(ctx, CreateInput{Name: "shout", Source: callerSrc})
	require.NoError(t, err)

	r, err := s.Resolve(ctx, "shout")
	require.NoError(t, err)
	assert.Empty(t, r.Dependencies)
	assert.Equal(t, []string{"strings"}, r.Imports)

	plain := "package main\n\nfunc shout(input map[string]any) (any, error) {\n\treturn is_even(input)\n}\n"
	_, err = s.Update(ctx, "shout", UpdateInput{Source: &plain})
	require.NoError(t, err)
	r, err = s.Resolve(ctx, "shout")
	require.NoError(t, err)
	assert.Empty(t, r.Imports)

	_, err = s.Rollback(ctx, "shout", 1, "user-1")
	require.NoError(t, err)
	r, err = s.Resolve(ctx, "shout")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Version)
	assert.Equal(t, []string{"strings"}, r.Imports)
}

func TestResolve_Inactive(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	createIsEven(t, s)

	_, err := s.SetActive(ctx, "is_even", false)
	require.NoError(t, err)

	_, err = s.Resolve(ctx, "is_even")
	assert.Equal(t, failure.NotFound, failure.CodeOf(err))
	_, err = s.ResolveVersion(ctx, "is_even", 1)
	assert.Equal(t, failure.NotFound, failure.CodeOf(err))

	active, err := s.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.SetActive(ctx, "is_even", true)
	require.NoError(t, err)
	r, err := s.Resolve(ctx, "is_even")
	require.NoError(t, err)
	assert.Equal(t, "is_even@v1", r.String())
}

func TestDelete(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	createIsEven(t, s)

	require.NoError(t, s.Delete(ctx, "is_even"))
	_, err := s.Get(ctx, "is_even")
	assert.Equal(t, failure.NotFound, failure.CodeOf(err))
	_, err = s.GetVersion(ctx, "is_even", 1)
	assert.Equal(t, failure.NotFound, failure.CodeOf(err))

	assert.Equal(t, failure.NotFound, failure.CodeOf(s.Delete(ctx, "is_even")))
}
