// Package store implements the key/value cache contract over two
// interchangeable backends: a remote Valkey store and a process-local
// in-memory fallback. TieredStore combines them behind a circuit breaker
// so that a failing remote never propagates errors to read paths.
package store

import (
	"context"
	"time"
)

// Store is the uniform cache contract. Get returns (nil, nil) on a miss;
// an entry is never returned after its TTL has elapsed.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching the glob and returns how
	// many were deleted.
	DeletePattern(ctx context.Context, glob string) (int, error)

	// Keys lists keys matching the glob.
	Keys(ctx context.Context, glob string) ([]string, error)
}
