package relay

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/quillforge/relay/internal/batcher"
	"github.com/quillforge/relay/internal/metrics"
	"github.com/quillforge/relay/internal/observability"
	"github.com/quillforge/relay/internal/resilience"
	relayerrors "github.com/quillforge/relay/pkg/errors"
	"github.com/quillforge/relay/pkg/provider"
	"github.com/quillforge/relay/pkg/types"
)

// runExecutor consumes formed batches for one provider until the
// orchestrator shuts down.
func (o *Orchestrator) runExecutor(b *batcher.Batcher) {
	defer o.wg.Done()

	for {
		select {
		case <-o.baseCtx.Done():
			return
		case batch := <-b.Batches():
			o.executeBatch(b, batch)
		}
	}
}

// executeBatch runs every member through the resilience pipeline, then
// returns the batch's concurrency permit. Execution runs on the
// orchestrator's context, not the submitters': a caller abandoning its
// wait does not cancel the provider call, and the result is still
// cached for the next identical request.
func (o *Orchestrator) executeBatch(b *batcher.Batcher, batch *batcher.Batch) {
	defer b.Release()

	providerName := b.Provider()
	ctx, span := observability.StartBatchSpan(o.baseCtx, o.tracing.Tracer(), providerName, batch.ID, batch.Size())
	defer span.End()

	o.collector.RecordBatch(providerName, batch.Size())
	o.logger.Debug("executing batch",
		"provider", providerName,
		"batch_id", batch.ID,
		"size", batch.Size(),
		"priority", batch.Priority().String(),
	)

	for _, member := range batch.Requests {
		o.executeMember(ctx, b, providerName, member)
	}

	o.updateGauges(providerName, b)
}

func (o *Orchestrator) executeMember(ctx context.Context, b *batcher.Batcher, providerName string, p *batcher.PendingRequest) {
	prov := o.providerByName(providerName)
	if prov == nil {
		b.ResolveFailure(p, relayerrors.NewUnavailableError("provider is not registered"))
		return
	}

	req := p.Request
	ctx, span := observability.StartLLMSpan(ctx, o.tracing.Tracer(), "completion.execute", observability.LLMSpanAttributes{
		Provider:    providerName,
		Model:       req.Model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: derefFloat(req.Temperature),
	})
	defer span.End()

	breaker := o.resilience.Breaker(providerName)
	timeout := o.attemptTimeout(providerName)

	attempts := 0
	start := time.Now()
	resp, err := resilience.Execute(ctx, providerName, o.config.Retry, breaker,
		func(ctx context.Context) (*types.CompletionResponse, error) {
			attempts++
			return o.attempt(ctx, prov, providerName, req, timeout)
		})
	latency := time.Since(start)

	o.collector.RecordRetries(providerName, attempts-1)

	if err != nil {
		o.balancer.RecordFailure(providerName)
		o.collector.RecordRequest(&metrics.RequestMetrics{
			Provider: providerName,
			Model:    req.Model,
			Status:   metrics.ErrorStatus(err),
			Duration: latency,
		})
		observability.RecordError(span, err)
		o.logger.Warn("request failed",
			"provider", providerName,
			"model", req.Model,
			"attempts", attempts,
			"error", err,
		)
		b.ResolveFailure(p, err)
		return
	}

	if resp.Provider == "" {
		resp.Provider = providerName
	}

	o.balancer.RecordSuccess(providerName, latency)

	m := &metrics.RequestMetrics{
		Provider: providerName,
		Model:    req.Model,
		Status:   metrics.StatusSuccess,
		Duration: latency,
	}
	if resp.Usage != nil {
		m.InputTokens = resp.Usage.PromptTokens
		m.OutputTokens = resp.Usage.CompletionTokens
		m.TotalTokens = resp.Usage.TotalTokens
		observability.RecordLLMResponse(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.FinishReason)
	}
	o.collector.RecordRequest(m)

	b.ResolveSuccess(ctx, p, resp)
}

// attempt runs one provider call under the rate limit and the
// per-attempt execution deadline.
func (o *Orchestrator) attempt(ctx context.Context, prov provider.Provider, providerName string, req *types.CompletionRequest, timeout time.Duration) (*types.CompletionResponse, error) {
	if err := o.resilience.WaitLimit(ctx, providerName); err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := prov.Execute(attemptCtx, req)
	if err == nil {
		return resp, nil
	}

	// Distinguish the attempt deadline from cancellation of the whole
	// pipeline; only the former is a retryable timeout.
	if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, relayerrors.NewTimeoutError(providerName, req.Model)
	}

	var re *relayerrors.RelayError
	if stderrors.As(err, &re) {
		return nil, err
	}
	return nil, relayerrors.NewProviderError(providerName, req.Model, "provider call failed", err)
}

// attemptTimeout is the per-attempt execution deadline for a provider.
func (o *Orchestrator) attemptTimeout(providerName string) time.Duration {
	if t, ok := o.config.ProviderTimeouts[providerName]; ok && t > 0 {
		return t
	}
	if t := o.config.CircuitBreaker.Timeout; t > 0 {
		return t
	}
	return resilience.DefaultCircuitBreakerConfig().Timeout
}

func (o *Orchestrator) providerByName(name string) provider.Provider {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.providers[name]
}

func (o *Orchestrator) updateGauges(providerName string, b *batcher.Batcher) {
	o.collector.SetQueueDepth(providerName, b.Pending())
	o.collector.SetInflightBatches(providerName, b.InflightBatches())
	if s, ok := o.balancer.Snapshot()[providerName]; ok {
		o.collector.SetProviderScore(providerName, s.Score())
	}
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
