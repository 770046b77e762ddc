// Package relay provides batching, deduplication, and failure-handling
// orchestration for AI completion providers as a Go library.
//
// Callers register providers and submit completion requests; relay
// coalesces identical requests, forms batches per provider, executes
// them through a retry loop gated by per-provider circuit breakers, and
// routes balanced submissions to the healthiest provider.
//
// Basic usage:
//
//	orch, err := relay.New(
//	    relay.WithProvider(&relay.ProviderFunc{
//	        ProviderName: "openai",
//	        ExecuteFunc:  callOpenAI,
//	    }),
//	    relay.WithBatchConfig(relay.BatchConfig{
//	        MaxBatchSize: 8,
//	        MaxWaitTime:  50 * time.Millisecond,
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer orch.Close()
//
//	resp, err := orch.Complete(ctx, &relay.CompletionRequest{
//	    Model: "gpt-4o",
//	    Messages: []relay.Message{
//	        {Role: relay.RoleUser, Content: "Hello!"},
//	    },
//	})
package relay

import (
	"github.com/quillforge/relay/internal/batcher"
	"github.com/quillforge/relay/internal/healthcheck"
	"github.com/quillforge/relay/internal/observability"
	"github.com/quillforge/relay/internal/resilience"
	"github.com/quillforge/relay/internal/tokenizer"
	"github.com/quillforge/relay/pkg/cache"
	"github.com/quillforge/relay/pkg/errors"
	"github.com/quillforge/relay/pkg/provider"
	"github.com/quillforge/relay/pkg/types"
)

// Version is the current version of relay.
const Version = "0.1.0"

// Re-export core request/response types for convenience.
// Users can use relay.CompletionRequest instead of types.CompletionRequest.
type (
	// CompletionRequest describes a prompt, target model, and generation
	// parameters.
	CompletionRequest = types.CompletionRequest

	// CompletionResponse is the unified result of a provider call.
	CompletionResponse = types.CompletionResponse

	// Message is a single (role, content) pair in the conversation.
	Message = types.Message

	// Usage contains token usage statistics for the request.
	Usage = types.Usage

	// Role identifies the author of a conversation message.
	Role = types.Role

	// Priority orders requests within a batch.
	Priority = types.Priority
)

// Re-export message roles.
const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleFunction  = types.RoleFunction
)

// Re-export priority levels.
const (
	PriorityLow      = types.PriorityLow
	PriorityNormal   = types.PriorityNormal
	PriorityHigh     = types.PriorityHigh
	PriorityCritical = types.PriorityCritical
)

// Re-export provider types.
type (
	// Provider is the capability set the orchestrator requires from an
	// upstream.
	Provider = provider.Provider

	// ProviderFunc adapts a bare execute function into a Provider.
	ProviderFunc = provider.Func
)

// Re-export cache types.
type (
	// Cache is the storage interface behind response deduplication.
	Cache = cache.Cache

	// CacheType represents the type of cache backend.
	CacheType = cache.Type
)

// Re-export cache type constants.
const (
	CacheTypeLocal = cache.TypeLocal
	CacheTypeRedis = cache.TypeRedis
	CacheTypeDual  = cache.TypeDual
)

// Re-export component configuration types.
type (
	// BatchConfig bounds batch formation per provider.
	BatchConfig = batcher.Config

	// RetryConfig controls the exponential backoff retry loop.
	RetryConfig = resilience.RetryConfig

	// CircuitBreakerConfig tunes the per-provider circuit breakers.
	CircuitBreakerConfig = resilience.CircuitBreakerConfig

	// CircuitState represents the current state of a circuit breaker.
	CircuitState = resilience.CircuitState

	// TokenizerConfig controls model families and count caching.
	TokenizerConfig = tokenizer.Config

	// TokenizerFamily describes one model family's encoding and budgets.
	TokenizerFamily = tokenizer.Family

	// HealthCheckConfig controls the background provider prober.
	HealthCheckConfig = healthcheck.Config

	// TracingConfig contains OpenTelemetry tracing settings.
	TracingConfig = observability.TracingConfig
)

// Re-export circuit breaker states.
const (
	StateClosed   = resilience.StateClosed
	StateOpen     = resilience.StateOpen
	StateHalfOpen = resilience.StateHalfOpen
)

// Re-export component defaults.
var (
	DefaultBatchConfig          = batcher.DefaultConfig
	DefaultRetryConfig          = resilience.DefaultRetryConfig
	DefaultCircuitBreakerConfig = resilience.DefaultCircuitBreakerConfig
	DefaultTracingConfig        = observability.DefaultTracingConfig
)

// Re-export error types.
type (
	// RelayError is the standard error value for orchestration failures.
	RelayError = errors.RelayError

	// ErrorKind discriminates the failure classes of the pipeline.
	ErrorKind = errors.Kind
)

// Re-export error kinds.
const (
	KindValidation      = errors.KindValidation
	KindProviderFailure = errors.KindProviderFailure
	KindCircuitOpen     = errors.KindCircuitOpen
	KindUnavailable     = errors.KindUnavailable
	KindTimeout         = errors.KindTimeout
)

// Re-export error constructors for custom Provider implementations.
var (
	NewValidationError  = errors.NewValidationError
	NewProviderError    = errors.NewProviderError
	NewCircuitOpenError = errors.NewCircuitOpenError
	NewUnavailableError = errors.NewUnavailableError
	NewTimeoutError     = errors.NewTimeoutError
)

// Re-export error predicates.
var (
	IsValidation      = errors.IsValidation
	IsProviderFailure = errors.IsProviderFailure
	IsCircuitOpen     = errors.IsCircuitOpen
	IsUnavailable     = errors.IsUnavailable
	IsTimeout         = errors.IsTimeout
	IsRetryable       = errors.IsRetryable
)
