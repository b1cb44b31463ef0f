// Package storage provides the object stores that expired execution events
// are archived to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/watzon/tracery/internal/config"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrInvalidConfig = errors.New("invalid backend configuration")
)

// Backend stores opaque objects under slash-separated keys.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys that start with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// NewBackend builds the archive backend described by cfg, wrapped with the
// configured compression.
func NewBackend(ctx context.Context, cfg config.ArchiveConfig) (Backend, error) {
	var backend Backend
	switch cfg.Backend {
	case "", "filesystem":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: archive path is required", ErrInvalidConfig)
		}
		backend = NewFilesystemBackend(cfg.Path)
	case "s3":
		s3b, err := NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		backend = s3b
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, cfg.Backend)
	}

	if cfg.Compression == "" || cfg.Compression == "none" {
		return backend, nil
	}
	return NewCompressedBackend(backend, cfg.Compression)
}
