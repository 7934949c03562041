// Package cache provides a pluggable response cache for the registry
// source drivers.
//
// Index metadata and registry API responses are cached between runs so
// that repeated resolves don't re-fetch unchanged data. Three backends
// are provided:
//   - file: per-user cache directory, the default for CLI usage
//   - redis: shared cache for CI fleets that resolve the same graphs
//   - null: no-op backend for tests and refresh runs
package cache

import (
	"context"
	"time"
)

// Cache is the storage interface shared by all backends.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a value. The second return reports whether the key
	// was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL. A zero TTL means the entry
	// never expires.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the backend.
	Close() error
}
