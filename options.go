package relay

import (
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/quillforge/relay/caches"
	"github.com/quillforge/relay/internal/batcher"
	"github.com/quillforge/relay/internal/config"
	"github.com/quillforge/relay/internal/healthcheck"
	"github.com/quillforge/relay/internal/observability"
	"github.com/quillforge/relay/internal/resilience"
	"github.com/quillforge/relay/internal/tokenizer"
	"github.com/quillforge/relay/pkg/cache"
	"github.com/quillforge/relay/pkg/provider"
)

// RateLimit is a per-provider token bucket: rps sustained requests per
// second with the given burst capacity.
type RateLimit struct {
	RPS   float64
	Burst int
}

// OrchestratorConfig holds all configuration for the orchestrator.
type OrchestratorConfig struct {
	// Provider instances registered at construction.
	Providers []provider.Provider

	// Batching
	Batch batcher.Config
	// ProviderBatch overrides the batch settings per provider name.
	ProviderBatch map[string]batcher.Config

	// Resilience
	Retry          resilience.RetryConfig
	CircuitBreaker resilience.CircuitBreakerConfig
	// ProviderTimeouts overrides the per-attempt execution deadline
	// (CircuitBreaker.Timeout) per provider name.
	ProviderTimeouts map[string]time.Duration
	RateLimits       map[string]RateLimit

	// Deduplication cache
	Cache    cache.Cache
	CacheTTL time.Duration

	// Token budgeting
	Tokenizer tokenizer.Config

	// Background probing
	HealthCheck healthcheck.Config

	// Observability
	Logger  *slog.Logger
	Tracing observability.TracingConfig

	// err accumulates option failures surfaced by New.
	err error
}

// Option is a function that configures the Orchestrator.
type Option func(*OrchestratorConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Batch:            batcher.DefaultConfig(),
		ProviderBatch:    make(map[string]batcher.Config),
		Retry:            resilience.DefaultRetryConfig(),
		CircuitBreaker:   resilience.DefaultCircuitBreakerConfig(),
		ProviderTimeouts: make(map[string]time.Duration),
		RateLimits:       make(map[string]RateLimit),
		CacheTTL:         5 * time.Minute,
		Logger:           slog.Default(),
		Tracing:          observability.DefaultTracingConfig(),
	}
}

// WithProvider registers a provider instance at construction.
//
// Example:
//
//	relay.WithProvider(&relay.ProviderFunc{
//	    ProviderName: "openai",
//	    ExecuteFunc:  callOpenAI,
//	})
func WithProvider(p provider.Provider) Option {
	return func(c *OrchestratorConfig) {
		c.Providers = append(c.Providers, p)
	}
}

// WithBatchConfig sets the batch formation settings shared by every
// provider without an explicit override.
func WithBatchConfig(cfg batcher.Config) Option {
	return func(c *OrchestratorConfig) {
		c.Batch = cfg
	}
}

// WithProviderBatchConfig overrides the batch formation settings for
// one provider.
func WithProviderBatchConfig(name string, cfg batcher.Config) Option {
	return func(c *OrchestratorConfig) {
		c.ProviderBatch[name] = cfg
	}
}

// WithRetryConfig sets the retry policy applied to every provider call.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *OrchestratorConfig) {
		c.Retry = cfg
	}
}

// WithProviderTimeout sets the per-attempt execution deadline for one
// provider, overriding the circuit breaker's shared timeout.
func WithProviderTimeout(name string, timeout time.Duration) Option {
	return func(c *OrchestratorConfig) {
		c.ProviderTimeouts[name] = timeout
	}
}

// WithCircuitBreakerConfig sets the circuit breaker settings shared by
// all per-provider breakers.
func WithCircuitBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *OrchestratorConfig) {
		c.CircuitBreaker = cfg
	}
}

// WithCache supplies the deduplication cache backend. The caller keeps
// ownership: Close does not close a cache installed this way.
//
// Example:
//
//	redisCache, _ := caches.NewRedis(redis.Config{Addr: "localhost:6379"})
//	relay.WithCache(redisCache)
func WithCache(c cache.Cache) Option {
	return func(cfg *OrchestratorConfig) {
		cfg.Cache = c
	}
}

// WithCacheTTL bounds how long deduplicated responses are served.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *OrchestratorConfig) {
		c.CacheTTL = ttl
	}
}

// WithLogger sets the logger for the orchestrator and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *OrchestratorConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithHealthChecks enables background provider probing on the given
// interval, each probe bounded by timeout.
func WithHealthChecks(interval, timeout time.Duration) Option {
	return func(c *OrchestratorConfig) {
		c.HealthCheck = healthcheck.Config{
			Enabled:  true,
			Interval: interval,
			Timeout:  timeout,
		}
	}
}

// WithProviderRateLimit installs a token-bucket rate limit applied
// before each attempt against the named provider.
func WithProviderRateLimit(name string, rps float64, burst int) Option {
	return func(c *OrchestratorConfig) {
		c.RateLimits[name] = RateLimit{RPS: rps, Burst: burst}
	}
}

// WithTokenizerConfig sets the token counting configuration: custom
// model families, default family, and count-cache tuning.
func WithTokenizerConfig(cfg tokenizer.Config) Option {
	return func(c *OrchestratorConfig) {
		c.Tokenizer = cfg
	}
}

// WithTracing enables OpenTelemetry tracing of batches and provider
// calls, exported over OTLP gRPC.
func WithTracing(cfg observability.TracingConfig) Option {
	return func(c *OrchestratorConfig) {
		c.Tracing = cfg
	}
}

// WithConfigFile loads orchestration settings from a YAML file.
// File values replace the settings accumulated so far, so options
// placed after this one override the file.
func WithConfigFile(path string) Option {
	return func(c *OrchestratorConfig) {
		fileCfg, err := config.LoadFromFile(path)
		if err != nil {
			c.err = stderrors.Join(c.err, err)
			return
		}
		c.applyFile(fileCfg)
	}
}

// applyFile maps a loaded configuration file onto the option set.
func (c *OrchestratorConfig) applyFile(fc *config.Config) {
	c.Batch = batchFromConfig(fc.Batch)

	c.Retry = resilience.RetryConfig{
		MaxAttempts:       fc.Retry.MaxAttempts,
		InitialDelay:      fc.Retry.InitialDelay,
		MaxDelay:          fc.Retry.MaxDelay,
		BackoffMultiplier: fc.Retry.BackoffMultiplier,
		Jitter:            fc.Retry.Jitter,
	}
	c.CircuitBreaker = resilience.CircuitBreakerConfig{
		FailureThreshold: fc.CircuitBreaker.FailureThreshold,
		SuccessThreshold: fc.CircuitBreaker.SuccessThreshold,
		Timeout:          fc.CircuitBreaker.Timeout,
		ResetTimeout:     fc.CircuitBreaker.ResetTimeout,
	}

	for _, p := range fc.Providers {
		if p.Batch != nil {
			c.ProviderBatch[p.Name] = batchFromConfig(*p.Batch)
		}
		if p.Timeout > 0 {
			c.ProviderTimeouts[p.Name] = p.Timeout
		}
		if p.RateLimitRPS > 0 {
			c.RateLimits[p.Name] = RateLimit{RPS: p.RateLimitRPS, Burst: p.RateLimitBurst}
		}
	}

	if fc.Cache.TTL > 0 {
		c.CacheTTL = fc.Cache.TTL
	}
	if c.Cache == nil && fc.Cache.Backend.Type != "" && fc.Cache.Backend.Type != cache.TypeLocal {
		backend, err := caches.New(fc.Cache.Backend)
		if err != nil {
			c.err = stderrors.Join(c.err, err)
		} else {
			c.Cache = backend
		}
	}

	families := make([]tokenizer.Family, 0, len(fc.Tokenizer.Families))
	for _, f := range fc.Tokenizer.Families {
		families = append(families, tokenizer.Family{
			Name:            f.Name,
			Encoding:        f.Encoding,
			ContextWindow:   f.ContextWindow,
			MaxOutputTokens: f.MaxOutputTokens,
		})
	}
	c.Tokenizer = tokenizer.Config{
		Families:        families,
		DefaultFamily:   fc.Tokenizer.DefaultFamily,
		CacheTTL:        fc.Tokenizer.CacheTTL,
		CacheSweepLimit: fc.Tokenizer.CacheSweepLimit,
	}

	c.HealthCheck = healthcheck.Config{
		Enabled:  fc.HealthCheck.Enabled,
		Interval: fc.HealthCheck.Interval,
		Timeout:  fc.HealthCheck.Timeout,
	}

	c.Logger = observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(fc.Logging.Level),
		JSONFormat: fc.Logging.Format != "text",
		AddSource:  fc.Logging.AddSource,
	}, observability.NewRedactor()).Slog()

	c.Tracing = observability.TracingConfig{
		Enabled:     fc.Tracing.Enabled,
		Endpoint:    fc.Tracing.Endpoint,
		ServiceName: fc.Tracing.ServiceName,
		SampleRate:  fc.Tracing.SampleRate,
		Insecure:    fc.Tracing.Insecure,
	}
}

func batchFromConfig(bc config.BatchConfig) batcher.Config {
	return batcher.Config{
		MaxBatchSize:         bc.MaxBatchSize,
		MaxWaitTime:          bc.MaxWaitTime,
		MaxConcurrentBatches: bc.MaxConcurrentBatches,
		EnableDeduplication:  bc.EnableDeduplication,
		PriorityOrdering:     bc.PriorityOrdering,
	}
}
