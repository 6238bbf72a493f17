// Package cache provides the shared key-value cache backing the job store,
// the per-user advisory locks, and the device probe memoization.
package cache

import (
	"context"
	"time"
)

// Cache is the interface over the shared persistent cache. A ttl of zero
// stores the entry without expiry; on the Redis backend this is a
// non-expiring key, and the in-memory backend mirrors that.
type Cache interface {
	// Get returns the value for key, reporting whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes key with the given ttl, replacing any existing value.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// SetNX writes key only if absent, reporting whether it was written.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value string) error

	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
