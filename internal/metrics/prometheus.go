// Package metrics provides Prometheus metrics collection for the
// orchestration pipeline. It tracks request outcomes, batch formation,
// deduplication effectiveness, resilience state, and token usage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "relay"
)

// LatencyBuckets defines histogram buckets for request latency metrics
// (in seconds). Sub-10ms buckets catch cache hits; the tail covers slow
// model generations.
var LatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 20.0, 30.0, 60.0, 120.0,
}

// BatchSizeBuckets covers the configurable batch size range.
var BatchSizeBuckets = []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32}

// =============================================================================
// Request Metrics
// =============================================================================

var (
	// RequestsTotal counts completed requests by outcome. The status label
	// is "success" or the error kind that terminated the request.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of completion requests",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestDuration tracks end-to-end request latency, queue wait and
	// retries included.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end completion request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)
)

// =============================================================================
// Batch Metrics
// =============================================================================

var (
	// BatchesFormed counts emitted batches.
	BatchesFormed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_formed_total",
			Help:      "Total number of batches handed to the execution pipeline",
		},
		[]string{"provider"},
	)

	// BatchSize tracks the member count of emitted batches.
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of requests per emitted batch",
			Buckets:   BatchSizeBuckets,
		},
		[]string{"provider"},
	)

	// QueueDepth tracks requests queued and not yet emitted.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting in the batch queue",
		},
		[]string{"provider"},
	)

	// InflightBatches tracks batches currently executing.
	InflightBatches = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_batches",
			Help:      "Batches currently held by the execution pipeline",
		},
		[]string{"provider"},
	)
)

// =============================================================================
// Deduplication Metrics
// =============================================================================

var (
	// CacheHits counts requests served from the response cache.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_cache_hits_total",
			Help:      "Requests answered from the response cache",
		},
		[]string{"provider"},
	)

	// CacheMisses counts requests that entered the pipeline.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_cache_misses_total",
			Help:      "Requests not answered from the response cache",
		},
		[]string{"provider"},
	)

	// CoalescedRequests counts requests attached to an identical
	// in-flight request instead of queueing.
	CoalescedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_requests_total",
			Help:      "Requests coalesced onto an identical in-flight request",
		},
		[]string{"provider"},
	)
)

// =============================================================================
// Resilience Metrics
// =============================================================================

var (
	// RetryAttempts counts provider call retries beyond the first attempt.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Provider call retries beyond the first attempt",
		},
		[]string{"provider"},
	)

	// CircuitState exposes the current breaker state per provider:
	// 0 closed, 1 half-open, 2 open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	// CircuitTransitions counts breaker state changes.
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)
)

// =============================================================================
// Token Metrics
// =============================================================================

var (
	// InputTokens counts prompt tokens reported by providers.
	InputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_tokens",
			Help:      "Total input tokens",
		},
		[]string{"provider", "model"},
	)

	// OutputTokens counts completion tokens reported by providers.
	OutputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens",
			Help:      "Total output tokens",
		},
		[]string{"provider", "model"},
	)

	// TotalTokens counts all tokens reported by providers.
	TotalTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "total_tokens",
			Help:      "Total tokens used",
		},
		[]string{"provider", "model"},
	)
)

// =============================================================================
// Provider Metrics
// =============================================================================

var (
	// ProviderScore exposes the balancer's current score per provider.
	ProviderScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_score",
			Help:      "Load balancer score (success rate minus latency penalty)",
		},
		[]string{"provider"},
	)

	// ProviderHealthy exposes provider health as seen by the balancer.
	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "Whether the provider is eligible for selection (1 healthy, 0 unhealthy)",
		},
		[]string{"provider"},
	)
)
