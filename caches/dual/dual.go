// Package dual provides a two-tier cache with in-memory (L1) and Redis (L2).
package dual

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quillforge/relay/caches/memory"
	"github.com/quillforge/relay/caches/redis"
	"github.com/quillforge/relay/pkg/cache"
)

// Cache implements a two-tier cache. Writes go to both tiers, reads
// check L1 first then L2 with backfill.
type Cache struct {
	local  *memory.Cache
	remote *redis.Cache
	config Config

	// Statistics
	localHits atomic.Int64
	redisHits atomic.Int64
	misses    atomic.Int64
	backfills atomic.Int64
}

// Config holds configuration for the dual cache.
type Config struct {
	LocalTTL time.Duration `yaml:"local_ttl"` // TTL for local entries (default: 1 minute)
	RedisTTL time.Duration `yaml:"redis_ttl"` // TTL for Redis entries (default: 5 minutes)
}

// DefaultConfig returns sensible defaults. The local tier is kept
// shorter than Redis so stale local reads converge quickly.
func DefaultConfig() Config {
	return Config{
		LocalTTL: time.Minute,
		RedisTTL: 5 * time.Minute,
	}
}

// New creates a new dual-tier cache.
func New(local *memory.Cache, remote *redis.Cache, cfg Config) *Cache {
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = time.Minute
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = 5 * time.Minute
	}

	return &Cache{
		local:  local,
		remote: remote,
		config: cfg,
	}
}

// Get retrieves a value, checking the local tier first, then Redis.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, key); err == nil && val != nil {
		c.localHits.Add(1)
		return val, nil
	}

	if c.remote != nil {
		val, err := c.remote.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if val != nil {
			c.redisHits.Add(1)
			// Backfill is best-effort; a failure only costs the next
			// read another Redis round trip.
			_ = c.local.Set(ctx, key, val, c.config.LocalTTL)
			c.backfills.Add(1)
			return val, nil
		}
	}

	c.misses.Add(1)
	return nil, nil
}

// Set stores a value in both tiers.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	redisTTL := ttl
	if redisTTL <= 0 {
		redisTTL = c.config.RedisTTL
	}
	localTTL := c.config.LocalTTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}

	if err := c.local.Set(ctx, key, value, localTTL); err != nil {
		return err
	}
	if c.remote != nil {
		return c.remote.Set(ctx, key, value, redisTTL)
	}
	return nil
}

// Delete removes a key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	if c.remote != nil {
		return c.remote.Delete(ctx, key)
	}
	return nil
}

// Entries reports the Redis tier when present; local entries are a
// subset of it.
func (c *Cache) Entries(ctx context.Context) (int64, error) {
	if c.remote != nil {
		return c.remote.Entries(ctx)
	}
	return c.local.Entries(ctx)
}

// Ping checks both tiers.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return err
	}
	if c.remote != nil {
		return c.remote.Ping(ctx)
	}
	return nil
}

// Close closes both tiers.
func (c *Cache) Close() error {
	_ = c.local.Close()
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

// Stats returns combined statistics across both tiers.
func (c *Cache) Stats() cache.Stats {
	localStats := c.local.Stats()
	var redisStats cache.Stats
	if c.remote != nil {
		redisStats = c.remote.Stats()
	}

	totalHits := c.localHits.Load() + c.redisHits.Load()
	totalMisses := c.misses.Load()
	total := totalHits + totalMisses

	var hitRate float64
	if total > 0 {
		hitRate = float64(totalHits) / float64(total)
	}

	return cache.Stats{
		Hits:    totalHits,
		Misses:  totalMisses,
		Sets:    localStats.Sets + redisStats.Sets,
		Deletes: localStats.Deletes + redisStats.Deletes,
		Errors:  redisStats.Errors,
		HitRate: hitRate,
	}
}

// DetailedStats holds per-tier statistics.
type DetailedStats struct {
	LocalHits  int64       `json:"local_hits"`
	RedisHits  int64       `json:"redis_hits"`
	Misses     int64       `json:"misses"`
	Backfills  int64       `json:"backfills"`
	HitRate    float64     `json:"hit_rate"`
	LocalStats cache.Stats `json:"local_stats"`
	RedisStats cache.Stats `json:"redis_stats"`
}

// GetDetailedStats returns statistics broken down by tier.
func (c *Cache) GetDetailedStats() DetailedStats {
	localHits := c.localHits.Load()
	redisHits := c.redisHits.Load()
	misses := c.misses.Load()
	total := localHits + redisHits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(localHits+redisHits) / float64(total)
	}

	stats := DetailedStats{
		LocalHits:  localHits,
		RedisHits:  redisHits,
		Misses:     misses,
		Backfills:  c.backfills.Load(),
		HitRate:    hitRate,
		LocalStats: c.local.Stats(),
	}
	if c.remote != nil {
		stats.RedisStats = c.remote.Stats()
	}
	return stats
}
