package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates the key does not exist or has expired.
	ErrNotFound = errors.New("storage: key not found")

	// ErrUnavailable indicates the backing store could not be reached.
	// Callers on security-sensitive paths must fail closed when they see it.
	ErrUnavailable = errors.New("storage: store unavailable")
)

// Store is the narrow port every manager depends on. Implementations must be
// safe for concurrent use across goroutines and, for distributed backends,
// across server instances.
//
// Increment is the single concurrency-control primitive in the system: it is
// what turns N simultaneous redemption attempts into exactly one winner.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound if the key is
	// absent or its TTL has elapsed.
	Get(ctx context.Context, key string) ([]byte, error)

	// PutWithTTL stores value at key. A zero ttl means no expiry.
	PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically increments the integer counter at key and returns
	// the post-increment value. It never creates the key: incrementing an
	// absent or expired counter returns ErrNotFound. The counter's TTL is
	// preserved.
	Increment(ctx context.Context, key string) (int64, error)

	// Delete removes the given keys. Deleting an absent key is not an error.
	Delete(ctx context.Context, keys ...string) error

	// Keys returns all live keys with the given prefix. Used by the cleanup
	// sweep and statistics; not on the hot path.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
