// Package caches provides the cache backends behind response
// deduplication: memory, redis, and dual-tier.
package caches

import (
	"fmt"

	"github.com/quillforge/relay/caches/dual"
	"github.com/quillforge/relay/caches/memory"
	"github.com/quillforge/relay/caches/redis"
	"github.com/quillforge/relay/pkg/cache"
)

// Type re-exports cache types for convenience.
type Type = cache.Type

// Cache type constants.
const (
	TypeLocal = cache.TypeLocal
	TypeRedis = cache.TypeRedis
	TypeDual  = cache.TypeDual
)

// Config selects and configures a cache backend.
type Config struct {
	Type   cache.Type    `yaml:"type"`
	Memory memory.Config `yaml:"memory"`
	Redis  redis.Config  `yaml:"redis"`
	Dual   dual.Config   `yaml:"dual"`
}

// New builds the backend named by cfg.Type. An empty type selects the
// in-memory backend.
func New(cfg Config) (cache.Cache, error) {
	switch cfg.Type {
	case "", cache.TypeLocal:
		return memory.New(cfg.Memory), nil
	case cache.TypeRedis:
		return redis.New(cfg.Redis)
	case cache.TypeDual:
		remote, err := redis.New(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return dual.New(memory.New(cfg.Memory), remote, cfg.Dual), nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}

// NewMemory creates a new in-memory cache with the given configuration.
func NewMemory(cfg memory.Config) *memory.Cache {
	return memory.New(cfg)
}

// NewMemoryDefault creates a new in-memory cache with default configuration.
func NewMemoryDefault() *memory.Cache {
	return memory.New(memory.DefaultConfig())
}

// NewRedis creates a new Redis cache with the given configuration.
func NewRedis(cfg redis.Config) (*redis.Cache, error) {
	return redis.New(cfg)
}

// NewRedisDefault creates a new Redis cache with default configuration.
// Returns an error if the Redis connection fails.
func NewRedisDefault() (*redis.Cache, error) {
	return redis.New(redis.DefaultConfig())
}

// NewDual creates a new dual-tier cache with memory (L1) and Redis (L2).
func NewDual(local *memory.Cache, remote *redis.Cache, cfg dual.Config) *dual.Cache {
	return dual.New(local, remote, cfg)
}

// NewDualDefault creates a new dual-tier cache with default configurations.
// Returns an error if the Redis connection fails.
func NewDualDefault() (*dual.Cache, error) {
	local := memory.New(memory.DefaultConfig())
	remote, err := redis.New(redis.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return dual.New(local, remote, dual.DefaultConfig()), nil
}

// Re-export config types for convenience.
type (
	MemoryConfig = memory.Config
	RedisConfig  = redis.Config
	DualConfig   = dual.Config
)

// Re-export default config functions.
var (
	DefaultMemoryConfig = memory.DefaultConfig
	DefaultRedisConfig  = redis.DefaultConfig
	DefaultDualConfig   = dual.DefaultConfig
)
