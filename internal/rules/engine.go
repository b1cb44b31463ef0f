// Package rules evaluates CEL conditions that gate trigger invocations.
//
// A condition sees three variables: request (method, path, headers, query,
// body, json and verification_error for webhooks), webhook (the endpoint's
// id, path and function) and now (the evaluation timestamp).
package rules

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

var (
	ErrRuleEvaluation  = errors.New("rule evaluation failed")
	ErrInvalidRuleExpr = errors.New("invalid rule expression")
)

const (
	DefaultCostLimit = 10_000
	DefaultCacheSize = 256
)

// Engine compiles conditions once and caches the programs by expression
// text, so an edited condition never runs a stale program.
type Engine struct {
	env       *cel.Env
	costLimit uint64
	cacheSize int

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// Option adjusts an Engine.
type Option func(*Engine)

// WithCostLimit caps the CEL runtime cost of one evaluation.
func WithCostLimit(limit uint64) Option {
	return func(e *Engine) { e.costLimit = limit }
}

// WithCacheSize bounds the number of cached programs.
func WithCacheSize(n int) Option {
	return func(e *Engine) { e.cacheSize = n }
}

// EvalContext holds the variables visible to a condition. A zero Now means
// the current time.
type EvalContext struct {
	Request map[string]any
	Webhook map[string]any
	Now     time.Time
}

func (c *EvalContext) activation() map[string]any {
	vars := map[string]any{
		"request": map[string]any{},
		"webhook": map[string]any{},
		"now":     time.Now().UTC(),
	}
	if c == nil {
		return vars
	}
	if c.Request != nil {
		vars["request"] = c.Request
	}
	if c.Webhook != nil {
		vars["webhook"] = c.Webhook
	}
	if !c.Now.IsZero() {
		vars["now"] = c.Now.UTC()
	}
	return vars
}

func NewEngine(opts ...Option) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("webhook", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	e := &Engine{
		env:       env,
		costLimit: DefaultCostLimit,
		cacheSize: DefaultCacheSize,
		programs:  make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Compile checks that expr parses, type-checks and yields a bool.
func (e *Engine) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if err := issues.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRuleExpr, err)
	}
	if out := ast.OutputType(); !out.IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("%w: expression must return bool, got %s", ErrInvalidRuleExpr, out)
	}

	prg, err := e.env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRuleExpr, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.programs) >= e.cacheSize {
		for k := range e.programs {
			delete(e.programs, k)
			break
		}
	}
	e.programs[expr] = prg
	return prg, nil
}

// Evaluate runs expr against ctx. An empty expression always passes.
func (e *Engine) Evaluate(expr string, ctx *EvalContext) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(ctx.activation())
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRuleEvaluation, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition returned %s", ErrRuleEvaluation, out.Type())
	}
	return matched, nil
}

func (e *Engine) cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}
