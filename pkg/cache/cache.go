// Package cache defines the storage interface behind the response
// deduplication cache. Backends store the marshaled bytes of successful
// completion responses keyed by request fingerprint; only successful
// responses are ever written.
package cache

import (
	"context"
	"time"
)

// Type represents the type of cache backend.
type Type string

const (
	TypeLocal Type = "local" // In-memory cache
	TypeRedis Type = "redis" // Redis cache
	TypeDual  Type = "dual"  // In-memory + Redis dual cache
)

// Cache defines the interface for all cache backends.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns nil, nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with the given TTL.
	// If TTL is 0, the backend's default TTL is used.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) error

	// Entries returns the number of live entries. Backends that cannot
	// count exactly report their best approximation.
	Entries(ctx context.Context) (int64, error)

	// Ping checks if the cache is healthy.
	Ping(ctx context.Context) error

	// Close releases any resources held by the cache.
	Close() error

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache statistics for monitoring.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}
