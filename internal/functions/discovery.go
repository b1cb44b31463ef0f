package functions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/watzon/tracery/internal/catalog"
)

var errNotAFunction = errors.New("not a function directory")

// Definition is a function loaded from its directory.
type Definition struct {
	Name     string
	Dir      string
	Manifest *Manifest
	Source   string
}

// Discover loads every function directory under dir. Directories starting
// with "." or "_" are skipped, as are directories without a manifest.
// Broken definitions are logged and skipped.
func Discover(dir string) ([]*Definition, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Warn().Str("path", dir).Msg("Functions directory does not exist")
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading functions directory: %w", err)
	}

	var defs []*Definition
	for _, entry := range entries {
		if !entry.IsDir() || skipName(entry.Name()) {
			continue
		}

		def, err := Load(filepath.Join(dir, entry.Name()))
		if errors.Is(err, errNotAFunction) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("dir", entry.Name()).Msg("Failed to load function")
			continue
		}

		defs = append(defs, def)
		log.Debug().Str("name", def.Name).Str("dir", def.Dir).Msg("Discovered function")
	}

	log.Info().Int("count", len(defs)).Msg("Functions discovered")
	return defs, nil
}

// Load reads the manifest and source of one function directory. The name
// defaults to the directory name.
func Load(funcDir string) (*Definition, error) {
	manifestPath := filepath.Join(funcDir, ManifestFile)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotAFunction
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if manifest.Name == "" {
		manifest.Name = filepath.Base(funcDir)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	src, err := os.ReadFile(filepath.Join(funcDir, manifest.EntryFile()))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", manifest.EntryFile(), err)
	}

	return &Definition{
		Name:     manifest.Name,
		Dir:      funcDir,
		Manifest: &manifest,
		Source:   string(src),
	}, nil
}

// CreateInput converts the definition into a catalog create request.
func (d *Definition) CreateInput() (catalog.CreateInput, error) {
	in, out, err := d.Manifest.Schemas()
	if err != nil {
		return catalog.CreateInput{}, err
	}
	return catalog.CreateInput{
		Name:         d.Name,
		Description:  d.Manifest.Description,
		Source:       d.Source,
		InputSchema:  in,
		OutputSchema: out,
		Dependencies: d.Manifest.Dependencies,
		Timeout:      d.Manifest.TimeoutDuration(),
		MemoryMB:     d.Manifest.MemoryMB(),
		CreatedBy:    syncUser,
	}, nil
}

// UpdateInput converts the definition into a catalog update that replaces
// every field.
func (d *Definition) UpdateInput() (catalog.UpdateInput, error) {
	in, out, err := d.Manifest.Schemas()
	if err != nil {
		return catalog.UpdateInput{}, err
	}
	deps := d.Manifest.Dependencies
	if deps == nil {
		deps = []string{}
	}
	timeout := d.Manifest.TimeoutDuration()
	memory := d.Manifest.MemoryMB()
	return catalog.UpdateInput{
		Description:  &d.Manifest.Description,
		Source:       &d.Source,
		InputSchema:  &in,
		OutputSchema: &out,
		Dependencies: &deps,
		Timeout:      &timeout,
		MemoryMB:     &memory,
		UpdatedBy:    syncUser,
	}, nil
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}
