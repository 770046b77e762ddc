package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillforge/relay/caches/memory"
	"github.com/quillforge/relay/internal/balancer"
	"github.com/quillforge/relay/internal/batcher"
	"github.com/quillforge/relay/internal/healthcheck"
	"github.com/quillforge/relay/internal/metrics"
	"github.com/quillforge/relay/internal/observability"
	"github.com/quillforge/relay/internal/resilience"
	"github.com/quillforge/relay/internal/tokenizer"
	"github.com/quillforge/relay/pkg/cache"
	relayerrors "github.com/quillforge/relay/pkg/errors"
	"github.com/quillforge/relay/pkg/provider"
	"github.com/quillforge/relay/pkg/types"
)

// Orchestrator is the main entry point. It owns one batcher per
// registered provider, routes submissions through the deduplication
// cache and the load balancer, and executes formed batches through the
// retry and circuit breaker pipeline.
//
// Orchestrator is safe for concurrent use by multiple goroutines.
type Orchestrator struct {
	config     *OrchestratorConfig
	logger     *slog.Logger
	cache      cache.Cache
	ownsCache  bool
	resilience *resilience.Manager
	balancer   *balancer.Balancer
	tokenizer  *tokenizer.Service
	collector  *metrics.Collector
	tracing    *observability.TracerProvider
	prober     *healthcheck.Prober

	mu        sync.RWMutex
	providers map[string]provider.Provider
	batchers  map[string]*batcher.Batcher

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an orchestrator with the given options.
//
// Example:
//
//	orch, err := relay.New(
//	    relay.WithProvider(openaiProvider),
//	    relay.WithBatchConfig(relay.BatchConfig{MaxBatchSize: 8}),
//	)
func New(opts ...Option) (*Orchestrator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}

	c := cfg.Cache
	ownsCache := false
	if c == nil {
		c = memory.New(memory.Config{DefaultTTL: cfg.CacheTTL})
		ownsCache = true
	}

	tracing, err := observability.InitTracing(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		config:     cfg,
		logger:     cfg.Logger,
		cache:      c,
		ownsCache:  ownsCache,
		resilience: resilience.NewManager(cfg.CircuitBreaker),
		balancer:   balancer.New(),
		tokenizer:  tokenizer.NewService(cfg.Tokenizer, cfg.Logger),
		collector:  metrics.NewCollector(),
		tracing:    tracing,
		providers:  make(map[string]provider.Provider),
		batchers:   make(map[string]*batcher.Batcher),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}

	o.resilience.OnStateChange(func(name string, from, to resilience.CircuitState) {
		o.collector.RecordCircuitTransition(name, from.String(), to.String())
		o.logger.Warn("circuit breaker state changed",
			"provider", name,
			"from", from.String(),
			"to", to.String(),
		)
	})

	for name, rl := range cfg.RateLimits {
		o.resilience.SetRateLimit(name, rl.RPS, rl.Burst)
	}

	if cfg.HealthCheck.Enabled {
		o.prober = healthcheck.NewProber(cfg.HealthCheck, func(name string, healthy bool, _ error) {
			o.balancer.SetHealthy(name, healthy)
			o.collector.SetProviderHealth(name, healthy)
		}, cfg.Logger)
	}

	for _, p := range cfg.Providers {
		if err := o.RegisterProvider(p); err != nil {
			o.shutdown()
			return nil, err
		}
	}

	if o.prober != nil {
		o.prober.Start(baseCtx)
	}

	o.logger.Info("orchestrator initialized",
		"providers", len(o.providers),
		"max_batch_size", cfg.Batch.MaxBatchSize,
		"deduplication", cfg.Batch.EnableDeduplication,
	)

	return o, nil
}

// RegisterProvider adds a provider and starts its batching pipeline.
// The provider's name must be unique within this orchestrator.
func (o *Orchestrator) RegisterProvider(p provider.Provider) error {
	if o.closed.Load() {
		return relayerrors.NewUnavailableError("orchestrator is closed")
	}
	if p == nil || p.Name() == "" {
		return relayerrors.NewValidationError("provider must have a name")
	}
	name := p.Name()

	o.mu.Lock()
	if o.closed.Load() {
		o.mu.Unlock()
		return relayerrors.NewUnavailableError("orchestrator is closed")
	}
	if _, exists := o.providers[name]; exists {
		o.mu.Unlock()
		return relayerrors.NewValidationError(fmt.Sprintf("provider %q is already registered", name))
	}

	batchCfg := o.config.Batch
	if override, ok := o.config.ProviderBatch[name]; ok {
		batchCfg = override
	}

	b := batcher.New(name, batchCfg, o.cache, o.config.CacheTTL, o.logger, o.collector)
	o.providers[name] = p
	o.batchers[name] = b
	o.wg.Add(1)
	o.mu.Unlock()

	o.balancer.Register(name)
	if o.prober != nil {
		o.prober.AddTarget(healthcheck.Target{Name: name, Check: p.HealthCheck})
	}

	go o.runExecutor(b)

	o.logger.Info("provider registered",
		"provider", name,
		"max_batch_size", batchCfg.MaxBatchSize,
	)
	return nil
}

// Complete submits a request, letting the load balancer pick the
// provider. It blocks until the request resolves or ctx is done.
func (o *Orchestrator) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	if err := o.ValidateRequest(req); err != nil {
		return nil, err
	}

	name, err := o.balancer.Select()
	if err != nil {
		return nil, relayerrors.NewUnavailableError(err.Error())
	}
	return o.submit(ctx, name, req)
}

// CompleteWithProvider submits a request to the named provider,
// bypassing the load balancer.
func (o *Orchestrator) CompleteWithProvider(ctx context.Context, providerName string, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	if err := o.ValidateRequest(req); err != nil {
		return nil, err
	}
	return o.submit(ctx, providerName, req)
}

func (o *Orchestrator) submit(ctx context.Context, providerName string, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	if o.closed.Load() {
		return nil, relayerrors.NewUnavailableError("orchestrator is closed")
	}

	o.mu.RLock()
	b, ok := o.batchers[providerName]
	o.mu.RUnlock()
	if !ok {
		return nil, relayerrors.NewValidationError(fmt.Sprintf("unknown provider %q", providerName))
	}

	ctx, _ = observability.GetOrCreateRequestID(ctx)
	return b.Submit(ctx, req)
}

// ValidateRequest checks the request's structural invariants and its
// fit within the model's context window.
func (o *Orchestrator) ValidateRequest(req *types.CompletionRequest) error {
	if err := req.Validate(); err != nil {
		return relayerrors.NewValidationError(err.Error())
	}
	return o.tokenizer.ValidateContextWindow(req)
}

// CountTokens returns the token count of text under the model's
// encoding.
func (o *Orchestrator) CountTokens(model, text string) int {
	return o.tokenizer.CountTokens(model, text)
}

// CountRequestTokens returns the full prompt cost of a request,
// including per-message framing overhead.
func (o *Orchestrator) CountRequestTokens(req *types.CompletionRequest) int {
	return o.tokenizer.CountRequestTokens(req)
}

// OptimizeMaxTokens returns the largest output allowance for req that
// fits the given total token budget.
func (o *Orchestrator) OptimizeMaxTokens(req *types.CompletionRequest, tokenBudget int) (int, error) {
	return o.tokenizer.OptimizeMaxTokens(req, tokenBudget)
}

// Stats is a point-in-time snapshot of the orchestrator's state.
type Stats struct {
	PendingRequests       int
	CacheEntries          int64
	AvailableBatchPermits int
	Providers             map[string]ProviderStatus
}

// ProviderStatus describes one provider's pipeline.
type ProviderStatus struct {
	Pending          int
	AvailablePermits int
	Successes        uint64
	Failures         uint64
	AvgLatencyMs     float64
	Healthy          bool
	CircuitState     string
}

// Stats reports queue depths, cache size, and per-provider routing and
// breaker state. The cache count is best-effort: backends that cannot
// count report an approximation, and errors degrade to zero.
func (o *Orchestrator) Stats(ctx context.Context) Stats {
	o.mu.RLock()
	batchers := make(map[string]*batcher.Batcher, len(o.batchers))
	for name, b := range o.batchers {
		batchers[name] = b
	}
	o.mu.RUnlock()

	scores := o.balancer.Snapshot()
	breakers := o.resilience.BreakerStates()

	stats := Stats{
		Providers: make(map[string]ProviderStatus, len(batchers)),
	}

	for name, b := range batchers {
		ps := ProviderStatus{
			Pending:          b.Pending(),
			AvailablePermits: b.AvailablePermits(),
			CircuitState:     resilience.StateClosed.String(),
		}
		if s, ok := scores[name]; ok {
			ps.Successes = s.Successes
			ps.Failures = s.Failures
			ps.AvgLatencyMs = s.AvgLatencyMs
			ps.Healthy = s.Healthy
		}
		if state, ok := breakers[name]; ok {
			ps.CircuitState = state.String()
		}
		stats.Providers[name] = ps
		stats.PendingRequests += ps.Pending
		stats.AvailableBatchPermits += ps.AvailablePermits
	}

	entries, err := o.cache.Entries(ctx)
	if err != nil {
		o.logger.Warn("cache entry count failed", "error", err)
	} else {
		stats.CacheEntries = entries
	}

	return stats
}

// Providers returns the sorted names of all registered providers.
func (o *Orchestrator) Providers() []string {
	return o.balancer.Providers()
}

// Close stops the executors, fails any queued requests, and releases
// owned resources. It is safe to call more than once.
func (o *Orchestrator) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.shutdown()
	o.logger.Info("orchestrator closed")
	return nil
}

func (o *Orchestrator) shutdown() {
	o.cancel()
	o.wg.Wait()

	o.mu.Lock()
	batchers := o.batchers
	o.batchers = make(map[string]*batcher.Batcher)
	o.mu.Unlock()

	for _, b := range batchers {
		_ = b.Close()
	}

	if o.ownsCache {
		_ = o.cache.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.tracing.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("tracer shutdown failed", "error", err)
	}
}
