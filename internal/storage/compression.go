package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// codec streams one compression format. Keys written through it carry ext.
type codec struct {
	ext      string
	compress func(w io.Writer) (io.WriteCloser, error)
	expand   func(r io.Reader) (io.ReadCloser, error)
}

var codecs = map[string]codec{
	"zstd": {
		ext: ".zst",
		compress: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
		expand: func(r io.Reader) (io.ReadCloser, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr.IOReadCloser(), nil
		},
	},
	"gzip": {
		ext: ".gz",
		compress: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		},
		expand: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	},
}

// Compressions lists the accepted compression names, sorted.
func Compressions() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CompressedBackend compresses objects on the way in and expands them on
// the way out. Callers use logical keys; stored keys get the codec suffix.
type CompressedBackend struct {
	backend Backend
	codec   codec
}

func NewCompressedBackend(backend Backend, compression string) (*CompressedBackend, error) {
	c, ok := codecs[compression]
	if !ok {
		return nil, fmt.Errorf("%w: unknown compression %q, want one of %s",
			ErrInvalidConfig, compression, strings.Join(Compressions(), ", "))
	}
	return &CompressedBackend{backend: backend, codec: c}, nil
}

func (c *CompressedBackend) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(c.encode(pw, r))
	}()
	err := c.backend.Put(ctx, key+c.codec.ext, pr, -1)
	// Unblocks the encoder if the backend stopped reading early.
	pr.CloseWithError(err)
	return err
}

func (c *CompressedBackend) encode(w io.Writer, r io.Reader) error {
	cw, err := c.codec.compress(w)
	if err != nil {
		return err
	}
	if _, err := io.Copy(cw, r); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

func (c *CompressedBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.backend.Get(ctx, key+c.codec.ext)
	if err != nil {
		return nil, err
	}
	dr, err := c.codec.expand(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	return &expandedReader{ReadCloser: dr, raw: rc}, nil
}

// expandedReader closes both the decoder and the stored object.
type expandedReader struct {
	io.ReadCloser
	raw io.Closer
}

func (r *expandedReader) Close() error {
	err := r.ReadCloser.Close()
	if rerr := r.raw.Close(); err == nil {
		err = rerr
	}
	return err
}

func (c *CompressedBackend) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key+c.codec.ext)
}

func (c *CompressedBackend) Exists(ctx context.Context, key string) (bool, error) {
	return c.backend.Exists(ctx, key+c.codec.ext)
}

// List returns logical keys. Objects written without this codec are skipped.
func (c *CompressedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := c.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if logical, ok := strings.CutSuffix(k, c.codec.ext); ok {
			out = append(out, logical)
		}
	}
	return out, nil
}
