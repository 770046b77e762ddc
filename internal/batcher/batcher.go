// Package batcher implements request admission for one upstream
// provider: deduplication against a shared response cache, in-flight
// request coalescing, FIFO queueing, and bounded batch formation.
package batcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/quillforge/relay/internal/fingerprint"
	"github.com/quillforge/relay/internal/metrics"
	"github.com/quillforge/relay/internal/resilience"
	"github.com/quillforge/relay/pkg/cache"
	relayerrors "github.com/quillforge/relay/pkg/errors"
	"github.com/quillforge/relay/pkg/types"
)

// Config bounds batch formation.
type Config struct {
	MaxBatchSize         int           `yaml:"max_batch_size"`
	MaxWaitTime          time.Duration `yaml:"max_wait_time"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	EnableDeduplication  bool          `yaml:"enable_deduplication"`
	PriorityOrdering     bool          `yaml:"priority_ordering"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         8,
		MaxWaitTime:          50 * time.Millisecond,
		MaxConcurrentBatches: 4,
		EnableDeduplication:  true,
		PriorityOrdering:     true,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 8
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 50 * time.Millisecond
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 4
	}
	return c
}

// Batcher queues requests for one provider and emits bounded batches
// to the execution pipeline. Formation happens when the queue reaches
// MaxBatchSize, when the oldest request has waited MaxWaitTime, or on
// a background tick, and only while a concurrency permit is held.
type Batcher struct {
	provider  string
	config    Config
	cache     cache.Cache
	cacheTTL  time.Duration
	logger    *slog.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	queue    []*PendingRequest
	inflight map[string][]*PendingRequest // fingerprint -> coalesced waiters
	closed   bool

	permits *resilience.Semaphore
	out     chan *Batch
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a batcher for the named provider. The cache is shared
// across batchers; passing nil disables deduplication.
func New(provider string, cfg Config, c cache.Cache, cacheTTL time.Duration, logger *slog.Logger, collector *metrics.Collector) *Batcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if c == nil {
		cfg.EnableDeduplication = false
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	b := &Batcher{
		provider:  provider,
		config:    cfg,
		cache:     c,
		cacheTTL:  cacheTTL,
		logger:    logger,
		collector: collector,
		inflight:  make(map[string][]*PendingRequest),
		permits:   resilience.NewSemaphore(cfg.MaxConcurrentBatches),
		// One buffer slot per permit, so a held permit guarantees the
		// send in emitLocked cannot block.
		out:    make(chan *Batch, cfg.MaxConcurrentBatches),
		stopCh: make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Submit admits a request and blocks until it resolves or ctx is done.
// Identical requests are served from the cache when possible, and
// coalesced onto an already-queued duplicate otherwise.
func (b *Batcher) Submit(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	fp := fingerprint.Compute(req)

	if b.config.EnableDeduplication {
		if resp := b.cachedResponse(ctx, fp); resp != nil {
			b.collector.RecordRequest(&metrics.RequestMetrics{
				Provider: b.provider,
				Model:    req.Model,
				Status:   metrics.StatusSuccess,
				CacheHit: true,
			})
			return resp, nil
		}
	}

	p := NewPendingRequest(req, fp)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, relayerrors.NewUnavailableError("batcher is closed")
	}

	if b.config.EnableDeduplication {
		if waiters, ok := b.inflight[fp]; ok {
			// A structurally identical request is already queued or
			// executing; ride on its resolution instead of enqueueing.
			b.inflight[fp] = append(waiters, p)
			b.mu.Unlock()
			return p.Wait(ctx)
		}
		b.inflight[fp] = []*PendingRequest{p}
	}

	b.queue = append(b.queue, p)
	b.formLocked()
	b.mu.Unlock()

	return p.Wait(ctx)
}

// Batches returns the channel carrying formed batches. The channel is
// never closed; consumers stop on their own signal.
func (b *Batcher) Batches() <-chan *Batch {
	return b.out
}

// Release returns a batch's concurrency permit and retries formation
// for requests that queued up while all permits were held.
func (b *Batcher) Release() {
	b.permits.Release()

	b.mu.Lock()
	if !b.closed {
		b.formLocked()
	}
	b.mu.Unlock()
}

// ResolveSuccess caches the response, then resolves the member and
// every duplicate coalesced onto it. The cache write happens first so
// a submitter that misses the in-flight window hits the cache instead.
func (b *Batcher) ResolveSuccess(ctx context.Context, p *PendingRequest, resp *types.CompletionResponse) {
	if !b.config.EnableDeduplication {
		p.Resolve(resp)
		return
	}

	if data, err := json.Marshal(resp); err == nil {
		if err := b.cache.Set(ctx, p.Fingerprint, data, b.cacheTTL); err != nil {
			b.logger.Warn("response cache write failed",
				"provider", b.provider,
				"error", err,
			)
		}
	}

	for _, w := range b.takeInflight(p.Fingerprint) {
		if w != p {
			b.recordCoalesced(w, metrics.StatusSuccess)
		}
		w.Resolve(resp)
	}
	p.Resolve(resp)
}

// ResolveFailure resolves the member and its coalesced duplicates with
// err. Failures are never cached.
func (b *Batcher) ResolveFailure(p *PendingRequest, err error) {
	if b.config.EnableDeduplication {
		status := metrics.ErrorStatus(err)
		for _, w := range b.takeInflight(p.Fingerprint) {
			if w != p {
				b.recordCoalesced(w, status)
			}
			w.Fail(err)
		}
	}
	p.Fail(err)
}

// recordCoalesced records the outcome of a waiter that rode on another
// request's execution. The executed member records itself through the
// pipeline.
func (b *Batcher) recordCoalesced(w *PendingRequest, status string) {
	b.collector.RecordRequest(&metrics.RequestMetrics{
		Provider:  b.provider,
		Model:     w.Request.Model,
		Status:    status,
		Coalesced: true,
	})
}

// Pending returns the number of queued, not yet emitted requests.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// AvailablePermits returns how many batches could still be emitted
// before the concurrency bound is hit.
func (b *Batcher) AvailablePermits() int {
	return b.permits.Available()
}

// InflightBatches returns how many emitted batches hold a permit.
func (b *Batcher) InflightBatches() int {
	return b.permits.InUse()
}

// Provider returns the provider name this batcher feeds.
func (b *Batcher) Provider() string {
	return b.provider
}

// Close stops formation and fails queued and already-emitted but
// unconsumed requests. Requests in batches the pipeline has picked up
// resolve through the pipeline as usual.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()

	errClosed := relayerrors.NewUnavailableError("batcher is closed")
	for _, p := range queued {
		b.ResolveFailure(p, errClosed)
	}

	for {
		select {
		case batch := <-b.out:
			b.permits.Release()
			for _, p := range batch.Requests {
				b.ResolveFailure(p, errClosed)
			}
		default:
			return nil
		}
	}
}

// run retries formation on a fixed tick, bounding the wait of a
// request stranded in a partial batch under sparse traffic.
func (b *Batcher) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.MaxWaitTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			if !b.closed {
				b.formLocked()
			}
			b.mu.Unlock()
		}
	}
}

// formLocked forms and emits batches while the queue is ready and
// permits remain. The permit is acquired in the same critical section
// that dequeues members, so two formations can never share a permit.
// Callers must hold b.mu.
func (b *Batcher) formLocked() {
	for len(b.queue) > 0 {
		oldestAge := time.Since(b.queue[0].EnqueuedAt)
		if len(b.queue) < b.config.MaxBatchSize && oldestAge < b.config.MaxWaitTime {
			return
		}
		if !b.permits.TryAcquire() {
			return
		}

		n := b.config.MaxBatchSize
		if len(b.queue) < n {
			n = len(b.queue)
		}
		members := make([]*PendingRequest, n)
		copy(members, b.queue[:n])
		b.queue = b.queue[n:]

		if b.config.PriorityOrdering {
			// Stable: equal priorities keep arrival order.
			sort.SliceStable(members, func(i, j int) bool {
				return members[i].Priority > members[j].Priority
			})
		}

		b.emitLocked(newBatch(members))
	}
}

// emitLocked hands a formed batch to the pipeline. The buffer is sized
// to the permit count, so with a live consumer the send cannot block;
// the fallback exists so members are failed rather than stranded if
// the pipeline is gone.
func (b *Batcher) emitLocked(batch *Batch) {
	select {
	case b.out <- batch:
	default:
		b.permits.Release()
		err := relayerrors.NewUnavailableError("batch pipeline unavailable")
		for _, p := range batch.Requests {
			if b.config.EnableDeduplication {
				for _, w := range b.takeInflightLocked(p.Fingerprint) {
					w.Fail(err)
				}
			}
			p.Fail(err)
		}
	}
}

// cachedResponse returns the decoded cached response for fp, or nil on
// miss. Undecodable entries are dropped and treated as misses.
func (b *Batcher) cachedResponse(ctx context.Context, fp string) *types.CompletionResponse {
	data, err := b.cache.Get(ctx, fp)
	if err != nil {
		b.logger.Warn("response cache read failed",
			"provider", b.provider,
			"error", err,
		)
		return nil
	}
	if data == nil {
		return nil
	}

	var resp types.CompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		b.logger.Warn("dropping undecodable cache entry",
			"provider", b.provider,
			"error", err,
		)
		_ = b.cache.Delete(ctx, fp)
		return nil
	}
	return &resp
}

func (b *Batcher) takeInflight(fp string) []*PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeInflightLocked(fp)
}

func (b *Batcher) takeInflightLocked(fp string) []*PendingRequest {
	waiters := b.inflight[fp]
	delete(b.inflight, fp)
	return waiters
}
