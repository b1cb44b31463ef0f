package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/watzon/tracery/internal/config"
)

func TestNewS3Backend_Validation(t *testing.T) {
	ctx := context.Background()
	cases := []config.S3Config{
		{Region: "us-east-1"},
		{Bucket: "b"},
		{Bucket: "b", Region: "us-east-1", AccessKeyID: "only-id"},
	}
	for _, cfg := range cases {
		if _, err := NewS3Backend(ctx, cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("NewS3Backend(%+v) error = %v, want ErrInvalidConfig", cfg, err)
		}
	}
}

func TestS3Backend(t *testing.T) {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_ENDPOINT not set, skipping S3 integration tests")
	}

	ctx := context.Background()
	backend, err := NewS3Backend(ctx, config.S3Config{
		Bucket:          os.Getenv("S3_BUCKET"),
		Endpoint:        endpoint,
		Region:          os.Getenv("S3_REGION"),
		AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		ForcePathStyle:  true,
		Prefix:          "/tracery-test/",
	})
	if err != nil {
		t.Fatalf("NewS3Backend failed: %v", err)
	}

	prefix := uuid.NewString() + "/"
	key := prefix + "events.ndjson"
	content := []byte(`{"type":"log"}` + "\n")

	if err := backend.Put(ctx, key, io.NopCloser(bytes.NewReader(content)), -1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Delete(context.Background(), key) })

	exists, err := backend.Exists(ctx, key)
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}

	rc, err := backend.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, content) {
		t.Errorf("got %q, want %q", got, content)
	}

	keys, err := backend.List(ctx, prefix)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("List = %v", keys)
	}

	if _, err := backend.Get(ctx, prefix+"missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing error = %v", err)
	}
}
