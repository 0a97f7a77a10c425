package idempotency

import (
	"context"
	"time"
)

// Store is a key-value store with per-key expiry
type Store interface {
	// Exists reports whether key is present and unexpired
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns the value for key and whether it was found
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl. A zero ttl keeps the key forever.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only when key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key; a missing key is not an error
	Delete(ctx context.Context, key string) error
}
