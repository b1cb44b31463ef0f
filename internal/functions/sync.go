package functions

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/catalog"
	"github.com/watzon/tracery/internal/failure"
)

// syncUser is recorded as the author of synced versions.
const syncUser = "sync"

// Catalog is the part of the catalog the syncer writes to.
type Catalog interface {
	Get(ctx context.Context, name string) (*catalog.Function, error)
	Create(ctx context.Context, in catalog.CreateInput) (*catalog.Function, error)
	Update(ctx context.Context, name string, in catalog.UpdateInput) (*catalog.Function, error)
}

// Outcome reports what a sync did to one function.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Syncer loads function directories into the catalog. Functions removed
// from disk are left in the catalog.
type Syncer struct {
	catalog Catalog
	dir     string
}

// NewSyncer creates a syncer for dir.
func NewSyncer(cat Catalog, dir string) *Syncer {
	return &Syncer{catalog: cat, dir: dir}
}

// Dir returns the synced directory.
func (s *Syncer) Dir() string {
	return s.dir
}

// SyncAll syncs every function directory and returns the outcome per name.
func (s *Syncer) SyncAll(ctx context.Context) (map[string]Outcome, error) {
	defs, err := Discover(s.dir)
	if err != nil {
		return nil, err
	}

	results := make(map[string]Outcome, len(defs))
	for _, def := range defs {
		outcome, err := s.apply(ctx, def)
		if err != nil {
			log.Error().Err(err).Str("function", def.Name).Msg("Failed to sync function")
		}
		results[def.Name] = outcome
	}
	return results, nil
}

// SyncDir syncs one function directory.
func (s *Syncer) SyncDir(ctx context.Context, funcDir string) (Outcome, error) {
	def, err := Load(funcDir)
	if err != nil {
		return OutcomeFailed, err
	}
	return s.apply(ctx, def)
}

func (s *Syncer) apply(ctx context.Context, def *Definition) (Outcome, error) {
	existing, err := s.catalog.Get(ctx, def.Name)
	if err != nil && !failure.Is(err, failure.NotFound) {
		return OutcomeFailed, fmt.Errorf("looking up %s: %w", def.Name, err)
	}

	if existing == nil {
		in, err := def.CreateInput()
		if err != nil {
			return OutcomeFailed, err
		}
		created, err := s.catalog.Create(ctx, in)
		if err != nil {
			return OutcomeFailed, err
		}
		log.Info().Str("function", created.Name).Str("dir", def.Dir).Msg("Synced new function")
		return OutcomeCreated, nil
	}

	in, err := def.UpdateInput()
	if err != nil {
		return OutcomeFailed, err
	}
	updated, err := s.catalog.Update(ctx, def.Name, in)
	if err != nil {
		return OutcomeFailed, err
	}
	if updated.Version == existing.Version {
		return OutcomeUnchanged, nil
	}
	log.Info().
		Str("function", updated.Name).
		Int("version", updated.Version).
		Msg("Synced function update")
	return OutcomeUpdated, nil
}
