// Package memory provides an in-process cache backend.
package memory

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/quillforge/relay/pkg/cache"
)

// Cache implements cache.Cache with an in-process store. Expired
// entries are rejected lazily on read and swept by a background
// janitor.
type Cache struct {
	store      *gocache.Cache
	defaultTTL time.Duration

	// Statistics
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// Config holds configuration for the in-memory cache.
type Config struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`      // Default TTL (default: 5 minutes)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Janitor sweep interval (default: 1 minute)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// New creates a new in-memory cache.
func New(cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	return &Cache{
		store:      gocache.New(cfg.DefaultTTL, cfg.CleanupInterval),
		defaultTTL: cfg.DefaultTTL,
	}
}

// Get retrieves a value. Returns nil, nil on miss or expiry.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	val, found := c.store.Get(key)
	if !found {
		c.misses.Add(1)
		return nil, nil
	}

	data, ok := val.([]byte)
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}

	c.hits.Add(1)
	return data, nil
}

// Set stores a value with the given TTL.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.store.Set(key, value, ttl)
	c.sets.Add(1)
	return nil
}

// Delete removes a key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.store.Delete(key)
	c.deletes.Add(1)
	return nil
}

// Entries returns the number of stored entries. Entries past their TTL
// are included until the next janitor sweep.
func (c *Cache) Entries(_ context.Context) (int64, error) {
	return int64(c.store.ItemCount()), nil
}

// Ping always succeeds for the in-process store.
func (c *Cache) Ping(_ context.Context) error {
	return nil
}

// Close drops all entries.
func (c *Cache) Close() error {
	c.store.Flush()
	return nil
}

// Flush removes every entry without touching the statistics.
func (c *Cache) Flush() {
	c.store.Flush()
}

// Stats returns cache statistics.
func (c *Cache) Stats() cache.Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return cache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		HitRate: hitRate,
	}
}
