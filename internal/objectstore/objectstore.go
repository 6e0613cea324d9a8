// Package objectstore adapts an S3-compatible bucket (AWS S3, MinIO,
// Supabase Storage) for upload handoff and chunk persistence.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrStorage wraps every backend failure so callers map it to a single
// upstream-error kind without leaking provider detail.
var ErrStorage = errors.New("object storage failure")

// Store is the surface the orchestrator and workers depend on.
type Store interface {
	// PresignPut returns a URL the client PUTs the raw CSV to.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	// Get streams an object without buffering it in memory.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put writes an object; used by the chunk splitter.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}
