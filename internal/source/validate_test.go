package source

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watzon/tracery/internal/failure"
)

var testOpts = Options{Allowed: []string{"fmt", "strings", "strconv", "errors"}}

func TestValidate_Accepts(t *testing.T) {
	src := `package main

import (
	"fmt"
	"strings"
)

func greet(input map[string]any) (any, error) {
	name, _ := input["name"].(string)
	shout, err := upper(map[string]any{"s": name})
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("hello %v", shout), nil
}

func upper(input map[string]any) (any, error) {
	s, _ := input["s"].(string)
	n, err := count_chars(map[string]any{"s": s})
	if err != nil {
		return nil, err
	}
	_ = n
	return strings.ToUpper(s), nil
}
`
	a, err := Validate(src, "greet", testOpts)
	require.NoError(t, err)
	require.Equal(t, "greet", a.Entry)
	require.Equal(t, []string{"greet", "upper"}, a.Callables)
	require.Equal(t, []string{"fmt", "strings"}, a.Imports)
	require.Equal(t, []string{"count_chars"}, a.References)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code failure.Code
	}{
		{
			name: "syntax error",
			src:  "package main\nfunc f(input map[string]any) (any, error) {",
			code: failure.InvalidSource,
		},
		{
			name: "wrong package",
			src:  "package lib\nfunc f(input map[string]any) (any, error) { return nil, nil }",
			code: failure.InvalidSource,
		},
		{
			name: "duplicate entry point",
			src: `package main
func f(input map[string]any) (any, error) { return 1, nil }
func f(input map[string]any) (any, error) { return 2, nil }`,
			code: failure.InvalidSignature,
		},
		{
			name: "missing entry point",
			src:  "package main\nfunc g(input map[string]any) (any, error) { return nil, nil }",
			code: failure.InvalidSignature,
		},
		{
			name: "entry is a var",
			src:  "package main\nvar f = 1\nfunc g(input map[string]any) (any, error) { return nil, nil }",
			code: failure.InvalidSignature,
		},
		{
			name: "wrong parameter",
			src:  "package main\nfunc f(input string) (any, error) { return nil, nil }",
			code: failure.InvalidSignature,
		},
		{
			name: "wrong results",
			src:  "package main\nfunc f(input map[string]any) any { return nil }",
			code: failure.InvalidSignature,
		},
		{
			name: "bad helper signature",
			src: `package main
func f(input map[string]any) (any, error) { return nil, nil }
func helper(n int) int { return n }`,
			code: failure.InvalidSignature,
		},
		{
			name: "method",
			src: `package main
type T struct{}
func (T) f(input map[string]any) (any, error) { return nil, nil }
func f(input map[string]any) (any, error) { return nil, nil }`,
			code: failure.InvalidSignature,
		},
		{
			name: "generic",
			src:  "package main\nfunc f[T any](input map[string]any) (any, error) { return nil, nil }",
			code: failure.InvalidSignature,
		},
		{
			name: "go statement",
			src: `package main
func f(input map[string]any) (any, error) {
	go func() {}()
	return nil, nil
}`,
			code: failure.InvalidSource,
		},
		{
			name: "init func",
			src: `package main
func init() {}
func f(input map[string]any) (any, error) { return nil, nil }`,
			code: failure.InvalidSource,
		},
		{
			name: "disallowed import",
			src: `package main
import "os"
func f(input map[string]any) (any, error) { return os.Getpid(), nil }`,
			code: failure.InvalidSource,
		},
		{
			name: "dot import",
			src: `package main
import . "strings"
func f(input map[string]any) (any, error) { return ToUpper("a"), nil }`,
			code: failure.InvalidSource,
		},
		{
			name: "blank import",
			src: `package main
import _ "strings"
func f(input map[string]any) (any, error) { return nil, nil }`,
			code: failure.InvalidSource,
		},
		{
			name: "cgo",
			src: `package main
import "C"
func f(input map[string]any) (any, error) { return nil, nil }`,
			code: failure.InvalidSource,
		},
		{
			name: "runtime package import",
			src: `package main
import "fxrt"
func f(input map[string]any) (any, error) { return fxrt.Context(), nil }`,
			code: failure.InvalidSource,
		},
		{
			name: "undefined identifier",
			src: `package main
func f(input map[string]any) (any, error) { return missing, nil }`,
			code: failure.InvalidSource,
		},
		{
			name: "initializer calls function",
			src: `package main
var cached, _ = f(nil)
func f(input map[string]any) (any, error) { return nil, nil }`,
			code: failure.InvalidSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.src, "f", testOpts)
			require.Error(t, err)
			require.Equal(t, tt.code, failure.CodeOf(err), err.Error())
		})
	}
}

func TestValidate_DeclaredDependencies(t *testing.T) {
	src := `package main
import (
	"fmt"
	"strings"
)
func f(input map[string]any) (any, error) { return fmt.Sprint(strings.ToUpper("x")), nil }`

	_, err := Validate(src, "f", Options{Allowed: testOpts.Allowed, Dependencies: []string{"fmt", "strings"}})
	require.NoError(t, err)

	_, err = Validate(src, "f", Options{Allowed: testOpts.Allowed, Dependencies: []string{"fmt"}})
	require.True(t, failure.Is(err, failure.InvalidSource))
}

func TestValidate_InvalidName(t *testing.T) {
	src := "package main\nfunc f(input map[string]any) (any, error) { return nil, nil }"
	for _, name := range []string{"", "main", "init", "fxrt", "len", "has-dash"} {
		_, err := Validate(src, name, testOpts)
		require.True(t, failure.Is(err, failure.InvalidSignature), name)
	}
}

func TestValidate_ShadowedBuiltinsAndClosures(t *testing.T) {
	src := `package main
import "strconv"
func f(input map[string]any) (any, error) {
	double := func(n int) int { return n * 2 }
	items := make([]int, 0, 3)
	items = append(items, double(len(items)))
	return strconv.Itoa(items[0]), nil
}`
	a, err := Validate(src, "f", testOpts)
	require.NoError(t, err)
	require.Empty(t, a.References)
}

func TestValidate_RuntimeHelpers(t *testing.T) {
	src := `package main
func confirm(input map[string]any) (any, error) {
	if input["confirmed"] != true {
		return nil, fxrt.AwaitInput("confirm?", map[string]any{"type": "object"})
	}
	fxrt.Log("confirmed", map[string]any{"by": fxrt.Context()["user_id"]})
	return true, nil
}`
	a, err := Validate(src, "confirm", testOpts)
	require.NoError(t, err)
	require.Empty(t, a.References)

	direct := `package main
func f(input map[string]any) (any, error) { return fxrt.Track("f", f, input) }`
	_, err = Validate(direct, "f", testOpts)
	require.True(t, failure.Is(err, failure.InvalidSource))

	shadow := `package main
func f(input map[string]any) (any, error) {
	fxrt := 1
	return fxrt, nil
}`
	_, err = Validate(shadow, "f", testOpts)
	require.True(t, failure.Is(err, failure.InvalidSource))
}
