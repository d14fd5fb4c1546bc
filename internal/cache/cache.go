// Package cache provides the key/value stores backing remote resolution.
// Caching is always best-effort: callers treat any store error as a miss.
package cache

import (
	"context"
	"time"
)

// Store is the capability set every cache backend implements. Implementations
// are safe for concurrent use without external locking.
type Store interface {
	// Get retrieves the value for key. ok is false when the key is absent
	// or expired. An expired entry is never returned.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key for ttl. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
