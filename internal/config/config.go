// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quillforge/relay/caches"
)

// Config represents the complete orchestrator configuration. Provider
// implementations are registered in code; the providers section tunes
// the pipeline built around each of them.
type Config struct {
	Providers      []ProviderConfig     `yaml:"providers"`
	Batch          BatchConfig          `yaml:"batch"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Cache          CacheConfig          `yaml:"cache"`
	Tokenizer      TokenizerConfig      `yaml:"tokenizer"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check"`
	Logging        LoggingConfig        `yaml:"logging"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// ProviderConfig tunes the pipeline for a single registered provider.
type ProviderConfig struct {
	Name           string        `yaml:"name"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`

	// Batch overrides the top-level batch settings for this provider.
	Batch *BatchConfig `yaml:"batch"`
}

// BatchConfig bounds batch formation.
type BatchConfig struct {
	MaxBatchSize         int           `yaml:"max_batch_size"`
	MaxWaitTime          time.Duration `yaml:"max_wait_time"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	EnableDeduplication  bool          `yaml:"enable_deduplication"`
	PriorityOrdering     bool          `yaml:"priority_ordering"`
}

// RetryConfig tunes the retry executor.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter"`
}

// CircuitBreakerConfig tunes the per-provider circuit breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// CacheConfig selects and tunes the response cache backend.
type CacheConfig struct {
	// TTL bounds how long deduplicated responses are served.
	TTL time.Duration `yaml:"ttl"`

	Backend caches.Config `yaml:",inline"`
}

// TokenizerConfig tunes the tokenization service.
type TokenizerConfig struct {
	DefaultFamily   string            `yaml:"default_family"`
	CacheTTL        time.Duration     `yaml:"cache_ttl"`
	CacheSweepLimit int               `yaml:"cache_sweep_limit"`
	Families        []TokenizerFamily `yaml:"families"`
}

// TokenizerFamily declares a custom model family. Entries override
// built-in families with the same name.
type TokenizerFamily struct {
	Name            string `yaml:"name"`
	Encoding        string `yaml:"encoding"`
	ContextWindow   int    `yaml:"context_window"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

// HealthCheckConfig tunes the background provider prober.
type HealthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json, text
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Batch: BatchConfig{
			MaxBatchSize:         8,
			MaxWaitTime:          50 * time.Millisecond,
			MaxConcurrentBatches: 4,
			EnableDeduplication:  true,
			PriorityOrdering:     true,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      200 * time.Millisecond,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			ResetTimeout:     60 * time.Second,
		},
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
			Backend: caches.Config{
				Type:   caches.TypeLocal,
				Memory: caches.DefaultMemoryConfig(),
				Redis:  caches.DefaultRedisConfig(),
				Dual:   caches.DefaultDualConfig(),
			},
		},
		Tokenizer: TokenizerConfig{
			CacheTTL:        5 * time.Minute,
			CacheSweepLimit: 1000,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:  false,
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "relay",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes over the defaults.
// Environment variables in the format ${VAR_NAME} are expanded.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider[%d] %q: duplicate provider name", i, p.Name)
		}
		seen[p.Name] = true
		if p.Timeout < 0 {
			return fmt.Errorf("provider[%d] %q: timeout cannot be negative", i, p.Name)
		}
		if p.RateLimitRPS < 0 {
			return fmt.Errorf("provider[%d] %q: rate_limit_rps cannot be negative", i, p.Name)
		}
		if p.Batch != nil {
			if err := p.Batch.validate(); err != nil {
				return fmt.Errorf("provider[%d] %q: %w", i, p.Name, err)
			}
		}
	}

	if err := c.Batch.validate(); err != nil {
		return err
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts cannot be negative")
	}
	if c.Retry.BackoffMultiplier < 0 {
		return fmt.Errorf("retry.backoff_multiplier cannot be negative")
	}

	if c.CircuitBreaker.FailureThreshold < 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold cannot be negative")
	}
	if c.CircuitBreaker.SuccessThreshold < 0 {
		return fmt.Errorf("circuit_breaker.success_threshold cannot be negative")
	}

	switch c.Cache.Backend.Type {
	case "", caches.TypeLocal, caches.TypeRedis, caches.TypeDual:
	default:
		return fmt.Errorf("cache.type %q is not one of local, redis, dual", c.Cache.Backend.Type)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl cannot be negative")
	}

	for i, f := range c.Tokenizer.Families {
		if f.Name == "" {
			return fmt.Errorf("tokenizer.families[%d]: name is required", i)
		}
		if f.Encoding == "" {
			return fmt.Errorf("tokenizer.families[%d] %q: encoding is required", i, f.Name)
		}
	}

	if c.HealthCheck.Enabled {
		if c.HealthCheck.Interval <= 0 {
			return fmt.Errorf("health_check.interval must be positive when enabled")
		}
		if c.HealthCheck.Timeout <= 0 {
			return fmt.Errorf("health_check.timeout must be positive when enabled")
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0.0, 1.0], got %g", c.Tracing.SampleRate)
	}

	return nil
}

func (b *BatchConfig) validate() error {
	if b.MaxBatchSize < 0 {
		return fmt.Errorf("batch.max_batch_size cannot be negative")
	}
	if b.MaxWaitTime < 0 {
		return fmt.Errorf("batch.max_wait_time cannot be negative")
	}
	if b.MaxConcurrentBatches < 0 {
		return fmt.Errorf("batch.max_concurrent_batches cannot be negative")
	}
	return nil
}

// BatchFor returns the batch settings for the named provider: the
// provider's override when present, the top-level settings otherwise.
func (c *Config) BatchFor(name string) BatchConfig {
	for _, p := range c.Providers {
		if p.Name == name && p.Batch != nil {
			return *p.Batch
		}
	}
	return c.Batch
}

// Provider returns the tuning section for the named provider, or nil.
func (c *Config) Provider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}
