// Package kv defines the small key-value contract backing the App State KV
// component (spec.md §3): opaque blobs with optional expiry plus an atomic
// counter, for runtime state that does not belong on the Account row itself.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key is absent or expired.
var ErrNotFound = errors.New("kv: not found")

// Store is implemented by sqlitekv (sharing the account database's
// connection) and rediskv (an alternate backend for deployments that
// already run Redis for other reasons).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Close() error
}
