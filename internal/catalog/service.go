package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/metrics"
	"github.com/watzon/tracery/internal/schema"
	"github.com/watzon/tracery/internal/source"
)

// Service validates functions before storing them and resolves them for
// execution.
type Service struct {
	store   *Store
	allowed []string
}

// NewService creates a catalog over db. allowed is the package allowlist
// functions may depend on.
func NewService(db *database.DB, allowed []string) *Service {
	return &Service{store: NewStore(db), allowed: allowed}
}

// Store returns the underlying store.
func (s *Service) Store() *Store {
	return s.store
}

// Validate checks source and schemas without storing anything.
func (s *Service) Validate(name, src string, dependencies []string, inputSchema, outputSchema json.RawMessage) (*source.Artifact, error) {
	art, err := s.prepare(name, src, dependencies, inputSchema, outputSchema)
	if err != nil {
		metrics.RecordValidationFailure(string(failure.CodeOf(err)))
		return nil, err
	}
	return art, nil
}

func (s *Service) prepare(name, src string, dependencies []string, inputSchema, outputSchema json.RawMessage) (*source.Artifact, error) {
	for _, dep := range dependencies {
		if !slices.Contains(s.allowed, dep) {
			return nil, failure.New(failure.InvalidSource, "dependency %q is not available to functions", dep)
		}
	}
	for label, doc := range map[string]json.RawMessage{"input": inputSchema, "output": outputSchema} {
		if _, err := schema.Compile(doc); err != nil {
			return nil, failure.Wrap(failure.ValidationError, err, "%s schema", label)
		}
	}
	return source.Prepare(src, name, source.Options{Allowed: s.allowed, Dependencies: dependencies})
}

// Create validates and stores version 1 of a new function.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Function, error) {
	deps := normalizeDeps(in.Dependencies)
	art, err := s.Validate(in.Name, in.Source, deps, in.InputSchema, in.OutputSchema)
	if err != nil {
		return nil, err
	}

	f := &Function{
		Name:         in.Name,
		Description:  in.Description,
		Source:       in.Source,
		InputSchema:  in.InputSchema,
		OutputSchema: in.OutputSchema,
		Dependencies: deps,
		Timeout:      in.Timeout,
		MemoryMB:     in.MemoryMB,
		Active:       true,
		CreatedBy:    in.CreatedBy,
	}
	v := versionOf(f, art, in.CreatedBy)
	if err := s.store.Insert(ctx, f, v); err != nil {
		return nil, err
	}

	log.Info().Str("function", f.Name).Msg("Function created")
	return f, nil
}

// Update applies in to a function. A new version is written only when the
// source, schemas or dependencies change; other fields update in place.
func (s *Service) Update(ctx context.Context, name string, in UpdateInput) (*Function, error) {
	f, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	before := *f

	if in.Description != nil {
		f.Description = *in.Description
	}
	if in.Source != nil {
		f.Source = *in.Source
	}
	if in.InputSchema != nil {
		f.InputSchema = *in.InputSchema
	}
	if in.OutputSchema != nil {
		f.OutputSchema = *in.OutputSchema
	}
	if in.Dependencies != nil {
		f.Dependencies = normalizeDeps(*in.Dependencies)
	}
	if in.Timeout != nil {
		f.Timeout = *in.Timeout
	}
	if in.MemoryMB != nil {
		f.MemoryMB = *in.MemoryMB
	}

	var v *FunctionVersion
	if versionChanged(&before, f) {
		art, err := s.Validate(f.Name, f.Source, f.Dependencies, f.InputSchema, f.OutputSchema)
		if err != nil {
			return nil, err
		}
		v = versionOf(f, art, in.UpdatedBy)
	}

	if err := s.store.Save(ctx, f, v); err != nil {
		return nil, err
	}
	if v != nil {
		log.Info().Str("function", f.Name).Int("version", f.Version).Msg("Function updated")
	}
	return f, nil
}

// Rollback writes a new version that copies version.
func (s *Service) Rollback(ctx context.Context, name string, version int, by string) (*Function, error) {
	f, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	old, err := s.store.GetVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}

	f.Source = old.Source
	f.InputSchema = old.InputSchema
	f.OutputSchema = old.OutputSchema
	f.Dependencies = old.Dependencies

	v := &FunctionVersion{
		Source:       old.Source,
		Instrumented: old.Instrumented,
		References:   old.References,
		InputSchema:  old.InputSchema,
		OutputSchema: old.OutputSchema,
		Dependencies: old.Dependencies,
		Imports:      old.Imports,
		CreatedBy:    by,
	}
	if err := s.store.Save(ctx, f, v); err != nil {
		return nil, err
	}

	log.Info().Str("function", name).Int("from", version).Int("version", f.Version).Msg("Function rolled back")
	return f, nil
}

// SetActive enables or disables a function. Inactive functions cannot be
// resolved.
func (s *Service) SetActive(ctx context.Context, name string, active bool) (*Function, error) {
	f, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if f.Active == active {
		return f, nil
	}
	f.Active = active
	if err := s.store.Save(ctx, f, nil); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) Get(ctx context.Context, name string) (*Function, error) {
	return s.store.Get(ctx, name)
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]*Function, error) {
	return s.store.List(ctx, activeOnly)
}

func (s *Service) Versions(ctx context.Context, name string) ([]*FunctionVersion, error) {
	if _, err := s.store.Get(ctx, name); err != nil {
		return nil, err
	}
	return s.store.Versions(ctx, name)
}

func (s *Service) GetVersion(ctx context.Context, name string, version int) (*FunctionVersion, error) {
	return s.store.GetVersion(ctx, name, version)
}

func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, name); err != nil {
		return err
	}
	log.Info().Str("function", name).Msg("Function deleted")
	return nil
}

// Resolve returns the current version of an active function.
func (s *Service) Resolve(ctx context.Context, name string) (*ResolvedFunction, error) {
	f, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !f.Active {
		return nil, failure.New(failure.NotFound, "function %s not found", name)
	}
	return s.resolve(ctx, f, f.Version)
}

// ResolveVersion returns a pinned version of an active function.
func (s *Service) ResolveVersion(ctx context.Context, name string, version int) (*ResolvedFunction, error) {
	f, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !f.Active {
		return nil, failure.New(failure.NotFound, "function %s not found", name)
	}
	return s.resolve(ctx, f, version)
}

func (s *Service) resolve(ctx context.Context, f *Function, version int) (*ResolvedFunction, error) {
	v, err := s.store.GetVersion(ctx, f.Name, version)
	if err != nil {
		return nil, err
	}
	return &ResolvedFunction{
		Name:         f.Name,
		Version:      v.Version,
		Source:       v.Instrumented,
		References:   v.References,
		InputSchema:  v.InputSchema,
		OutputSchema: v.OutputSchema,
		Dependencies: v.Dependencies,
		Imports:      v.Imports,
		Timeout:      f.Timeout,
		MemoryMB:     f.MemoryMB,
	}, nil
}

func versionOf(f *Function, art *source.Artifact, by string) *FunctionVersion {
	return &FunctionVersion{
		Source:       f.Source,
		Instrumented: art.Source,
		References:   art.References,
		InputSchema:  f.InputSchema,
		OutputSchema: f.OutputSchema,
		Dependencies: f.Dependencies,
		Imports:      art.Imports,
		CreatedBy:    by,
	}
}

func versionChanged(a, b *Function) bool {
	return a.Source != b.Source ||
		!sameJSON(a.InputSchema, b.InputSchema) ||
		!sameJSON(a.OutputSchema, b.OutputSchema) ||
		!slices.Equal(a.Dependencies, b.Dependencies)
}

// sameJSON compares documents ignoring insignificant whitespace.
func sameJSON(a, b json.RawMessage) bool {
	if schema.Empty(a) || schema.Empty(b) {
		return schema.Empty(a) == schema.Empty(b)
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func normalizeDeps(deps []string) []string {
	out := slices.Clone(deps)
	sort.Strings(out)
	return slices.Compact(out)
}

// String implements fmt.Stringer for log output.
func (r *ResolvedFunction) String() string {
	return fmt.Sprintf("%s@v%d", r.Name, r.Version)
}
