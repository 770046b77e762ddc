package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingProvider is a scriptable in-process provider. It counts
// executions, records the prompts it saw, and can be told to fail its
// first N calls, return a fixed error, sleep, or fail health probes.
type countingProvider struct {
	name      string
	delay     time.Duration
	failFirst int64
	failWith  error

	calls atomic.Int64

	mu        sync.Mutex
	prompts   []string
	healthErr error
}

func (p *countingProvider) Name() string { return p.name }

func (p *countingProvider) Execute(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	n := p.calls.Add(1)

	p.mu.Lock()
	p.prompts = append(p.prompts, req.Messages[len(req.Messages)-1].Content)
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if n <= p.failFirst {
		if p.failWith != nil {
			return nil, p.failWith
		}
		return nil, fmt.Errorf("upstream rejected call %d", n)
	}

	return &CompletionResponse{
		ID:           fmt.Sprintf("%s-%d", p.name, n),
		Model:        req.Model,
		Content:      "done",
		FinishReason: "stop",
		Created:      time.Now().Unix(),
		Usage:        &Usage{PromptTokens: 9, CompletionTokens: 3, TotalTokens: 12},
	}, nil
}

func (p *countingProvider) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthErr
}

func (p *countingProvider) setHealthErr(err error) {
	p.mu.Lock()
	p.healthErr = err
	p.mu.Unlock()
}

func (p *countingProvider) seenPrompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.prompts))
	copy(out, p.prompts)
	return out
}

func userRequest(prompt string) *CompletionRequest {
	return &CompletionRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	}
}

// newTestOrchestrator builds an orchestrator with fast batching and a
// single immediate attempt; tests append options to override.
func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBatchConfig(BatchConfig{
			MaxBatchSize:         5,
			MaxWaitTime:          10 * time.Millisecond,
			MaxConcurrentBatches: 3,
			EnableDeduplication:  true,
			PriorityOrdering:     true,
		}),
		WithRetryConfig(RetryConfig{
			MaxAttempts:       1,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
		}),
	}

	orch, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })
	return orch
}

func TestOrchestrator_BatchesAndDeduplicates(t *testing.T) {
	prov := &countingProvider{name: "openai", delay: 5 * time.Millisecond}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithBatchConfig(BatchConfig{
			MaxBatchSize:         5,
			MaxWaitTime:          50 * time.Millisecond,
			MaxConcurrentBatches: 3,
			EnableDeduplication:  true,
			PriorityOrdering:     true,
		}),
	)

	prompts := []string{"alpha", "bravo", "charlie", "alpha", "delta"}
	responses := make([]*CompletionResponse, len(prompts))
	errs := make([]error, len(prompts))

	var wg sync.WaitGroup
	for i, prompt := range prompts {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			responses[i], errs[i] = orch.Complete(context.Background(), userRequest(prompt))
		}(i, prompt)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
	}

	// The duplicate "alpha" rides on the first one's execution instead
	// of reaching the provider again.
	require.EqualValues(t, 4, prov.calls.Load())
	require.Same(t, responses[0], responses[3])
	require.ElementsMatch(t, []string{"alpha", "bravo", "charlie", "delta"}, prov.seenPrompts())
}

func TestOrchestrator_FullBatchFlushesEarly(t *testing.T) {
	prov := &countingProvider{name: "openai"}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithBatchConfig(BatchConfig{
			MaxBatchSize:         3,
			MaxWaitTime:          5 * time.Second,
			MaxConcurrentBatches: 3,
			EnableDeduplication:  true,
			PriorityOrdering:     true,
		}),
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := orch.Complete(context.Background(), userRequest(fmt.Sprintf("fill-%d", i))); err != nil {
				t.Errorf("Complete(fill-%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// A full batch flushes on size, long before the 5s wait window.
	require.EqualValues(t, 3, prov.calls.Load())
	require.Less(t, time.Since(start), time.Second)
}

func TestOrchestrator_ServesRepeatedRequestFromCache(t *testing.T) {
	prov := &countingProvider{name: "openai"}
	orch := newTestOrchestrator(t, WithProvider(prov))
	ctx := context.Background()

	first, err := orch.Complete(ctx, userRequest("cached prompt"))
	require.NoError(t, err)

	second, err := orch.Complete(ctx, userRequest("cached prompt"))
	require.NoError(t, err)

	require.EqualValues(t, 1, prov.calls.Load())
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Content, second.Content)
	require.Equal(t, "openai", second.Provider)
}

func TestOrchestrator_DeduplicationDisabled(t *testing.T) {
	prov := &countingProvider{name: "openai"}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithBatchConfig(BatchConfig{
			MaxBatchSize:         2,
			MaxWaitTime:          10 * time.Millisecond,
			MaxConcurrentBatches: 3,
		}),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := orch.Complete(ctx, userRequest("same prompt"))
		require.NoError(t, err)
	}

	require.EqualValues(t, 2, prov.calls.Load())
}

func TestOrchestrator_RetriesUntilSuccess(t *testing.T) {
	prov := &countingProvider{name: "openai", failFirst: 2}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithRetryConfig(RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
		}),
	)

	resp, err := orch.Complete(context.Background(), userRequest("flaky"))
	require.NoError(t, err)
	require.EqualValues(t, 3, prov.calls.Load())
	require.Equal(t, "openai", resp.Provider)
}

func TestOrchestrator_RetryExhaustionReturnsProviderError(t *testing.T) {
	prov := &countingProvider{name: "openai", failFirst: 100}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithRetryConfig(RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
		}),
		WithCircuitBreakerConfig(CircuitBreakerConfig{
			FailureThreshold: 10,
			SuccessThreshold: 1,
			Timeout:          time.Second,
			ResetTimeout:     time.Minute,
		}),
	)

	_, err := orch.Complete(context.Background(), userRequest("always failing"))
	require.Error(t, err)
	require.True(t, IsProviderFailure(err))
	require.False(t, IsCircuitOpen(err))
	require.EqualValues(t, 3, prov.calls.Load())
}

func TestOrchestrator_NonRetryableErrorStopsRetrying(t *testing.T) {
	prov := &countingProvider{
		name:      "openai",
		failFirst: 100,
		failWith:  NewValidationError("prompt rejected by upstream"),
	}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithRetryConfig(RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
		}),
	)

	_, err := orch.Complete(context.Background(), userRequest("rejected"))
	require.True(t, IsValidation(err))
	require.EqualValues(t, 1, prov.calls.Load())
}

func TestOrchestrator_CircuitOpensAfterThreshold(t *testing.T) {
	prov := &countingProvider{name: "openai", failFirst: 100}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithCircuitBreakerConfig(CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Second,
			ResetTimeout:     time.Minute,
		}),
	)
	ctx := context.Background()

	_, err := orch.Complete(ctx, userRequest("first"))
	require.True(t, IsProviderFailure(err))

	_, err = orch.Complete(ctx, userRequest("second"))
	require.True(t, IsProviderFailure(err))

	// The third request is rejected at the breaker without reaching the
	// provider, and the rejection is distinguishable from exhausted
	// retries.
	_, err = orch.Complete(ctx, userRequest("third"))
	require.True(t, IsCircuitOpen(err))
	require.False(t, IsProviderFailure(err))
	require.EqualValues(t, 2, prov.calls.Load())

	st := orch.Stats(ctx)
	require.Equal(t, "open", st.Providers["openai"].CircuitState)
}

func TestOrchestrator_AttemptTimeout(t *testing.T) {
	prov := &countingProvider{name: "openai", delay: 300 * time.Millisecond}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithProviderTimeout("openai", 25*time.Millisecond),
		WithRetryConfig(RetryConfig{
			MaxAttempts:       2,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
		}),
	)

	start := time.Now()
	_, err := orch.Complete(context.Background(), userRequest("slow"))
	require.True(t, IsTimeout(err))
	require.EqualValues(t, 2, prov.calls.Load())
	require.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestOrchestrator_RoutesAroundFailingProvider(t *testing.T) {
	failing := &countingProvider{name: "alpha", failFirst: 100}
	healthy := &countingProvider{name: "beta"}
	orch := newTestOrchestrator(t, WithProvider(failing), WithProvider(healthy))
	ctx := context.Background()

	// With identical statistics the tie breaks to the smaller name, so
	// the first request lands on alpha and fails.
	_, err := orch.Complete(ctx, userRequest("one"))
	require.Error(t, err)

	// alpha's recorded failure drops its score below beta's.
	resp, err := orch.Complete(ctx, userRequest("two"))
	require.NoError(t, err)
	require.Equal(t, "beta", resp.Provider)

	resp, err = orch.Complete(ctx, userRequest("three"))
	require.NoError(t, err)
	require.Equal(t, "beta", resp.Provider)

	require.Equal(t, []string{"alpha", "beta"}, orch.Providers())
}

func TestOrchestrator_CompleteWithProvider(t *testing.T) {
	alpha := &countingProvider{name: "alpha"}
	beta := &countingProvider{name: "beta"}
	orch := newTestOrchestrator(t, WithProvider(alpha), WithProvider(beta))

	resp, err := orch.CompleteWithProvider(context.Background(), "beta", userRequest("pinned"))
	require.NoError(t, err)
	require.Equal(t, "beta", resp.Provider)
	require.EqualValues(t, 0, alpha.calls.Load())
	require.EqualValues(t, 1, beta.calls.Load())
}

func TestOrchestrator_CompleteWithUnknownProvider(t *testing.T) {
	orch := newTestOrchestrator(t, WithProvider(&countingProvider{name: "openai"}))

	_, err := orch.CompleteWithProvider(context.Background(), "missing", userRequest("hello"))
	require.True(t, IsValidation(err))
	require.ErrorContains(t, err, `unknown provider "missing"`)
}

func TestOrchestrator_CompleteWithoutProviders(t *testing.T) {
	orch := newTestOrchestrator(t)

	_, err := orch.Complete(context.Background(), userRequest("hello"))
	require.True(t, IsUnavailable(err))
}

func TestOrchestrator_RegisterProvider(t *testing.T) {
	orch := newTestOrchestrator(t)
	prov := &countingProvider{name: "late"}

	require.NoError(t, orch.RegisterProvider(prov))

	resp, err := orch.Complete(context.Background(), userRequest("dynamic"))
	require.NoError(t, err)
	require.Equal(t, "late", resp.Provider)

	err = orch.RegisterProvider(&countingProvider{name: "late"})
	require.True(t, IsValidation(err))
	require.ErrorContains(t, err, "already registered")

	err = orch.RegisterProvider(nil)
	require.True(t, IsValidation(err))
}

func TestOrchestrator_RejectsInvalidRequests(t *testing.T) {
	prov := &countingProvider{name: "openai"}
	orch := newTestOrchestrator(t, WithProvider(prov))
	ctx := context.Background()

	_, err := orch.Complete(ctx, &CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "no model"}},
	})
	require.True(t, IsValidation(err))

	_, err = orch.Complete(ctx, &CompletionRequest{Model: "gpt-4o"})
	require.True(t, IsValidation(err))

	_, err = orch.Complete(ctx, &CompletionRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "narrator", Content: "hi"}},
	})
	require.True(t, IsValidation(err))

	require.EqualValues(t, 0, prov.calls.Load())
}

func TestOrchestrator_ContextWindowValidation(t *testing.T) {
	prov := &countingProvider{name: "openai"}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithTokenizerConfig(TokenizerConfig{
			Families: []TokenizerFamily{
				{Name: "pocket", Encoding: "cl100k_base", ContextWindow: 50, MaxOutputTokens: 20},
			},
		}),
	)
	ctx := context.Background()

	over := userRequest("a short prompt")
	over.Model = "pocket-1"
	over.MaxTokens = 50
	_, err := orch.Complete(ctx, over)
	require.True(t, IsValidation(err))
	require.ErrorContains(t, err, "context window")

	fits := userRequest("a short prompt")
	fits.Model = "pocket-1"
	fits.MaxTokens = 10
	_, err = orch.Complete(ctx, fits)
	require.NoError(t, err)
}

func TestOrchestrator_TokenAccounting(t *testing.T) {
	orch := newTestOrchestrator(t)
	text := "The quick brown fox jumps over the lazy dog."

	count := orch.CountTokens("gpt-4o", text)
	require.Positive(t, count)
	require.Equal(t, count, orch.CountTokens("gpt-4o", text))
	require.Zero(t, orch.CountTokens("gpt-4o", ""))

	// A request costs its content plus message framing overhead.
	require.Greater(t, orch.CountRequestTokens(userRequest(text)), count)
}

func TestOrchestrator_OptimizeMaxTokens(t *testing.T) {
	orch := newTestOrchestrator(t)
	req := userRequest("Summarize the quarterly report.")
	input := orch.CountRequestTokens(req)

	out, err := orch.OptimizeMaxTokens(req, input+40)
	require.NoError(t, err)
	require.Equal(t, 40, out)

	req.MaxTokens = 16
	out, err = orch.OptimizeMaxTokens(req, input+40)
	require.NoError(t, err)
	require.Equal(t, 16, out)

	_, err = orch.OptimizeMaxTokens(req, input)
	require.True(t, IsValidation(err))
}

func TestOrchestrator_Stats(t *testing.T) {
	prov := &countingProvider{name: "openai"}
	orch := newTestOrchestrator(t, WithProvider(prov))
	ctx := context.Background()

	_, err := orch.Complete(ctx, userRequest("stats probe"))
	require.NoError(t, err)

	// The batch permit is returned just after the submitter wakes, so
	// poll briefly for the settled snapshot.
	var st Stats
	deadline := time.Now().Add(2 * time.Second)
	for {
		st = orch.Stats(ctx)
		if st.AvailableBatchPermits == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("permit was not returned, stats = %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.Zero(t, st.PendingRequests)
	require.EqualValues(t, 1, st.CacheEntries)

	ps, ok := st.Providers["openai"]
	require.True(t, ok)
	require.EqualValues(t, 1, ps.Successes)
	require.Zero(t, ps.Failures)
	require.True(t, ps.Healthy)
	require.Equal(t, "closed", ps.CircuitState)
	require.Equal(t, 3, ps.AvailablePermits)
	require.Zero(t, ps.Pending)
}

func TestOrchestrator_PriorityOrdersBatch(t *testing.T) {
	prov := &countingProvider{name: "openai", delay: 100 * time.Millisecond}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithBatchConfig(BatchConfig{
			MaxBatchSize:         2,
			MaxWaitTime:          5 * time.Millisecond,
			MaxConcurrentBatches: 1,
			EnableDeduplication:  true,
			PriorityOrdering:     true,
		}),
	)
	ctx := context.Background()

	var wg sync.WaitGroup
	submit := func(prompt string, prio Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := userRequest(prompt)
			req.Priority = prio
			if _, err := orch.Complete(ctx, req); err != nil {
				t.Errorf("Complete(%s) error = %v", prompt, err)
			}
		}()
	}

	submit("head", PriorityNormal)

	// Wait until the head batch holds the only permit and is executing.
	deadline := time.Now().Add(2 * time.Second)
	for prov.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("head request never executed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	submit("background", PriorityLow)
	time.Sleep(20 * time.Millisecond)
	submit("urgent", PriorityCritical)
	wg.Wait()

	// Both waiters queued behind the held permit; on release the batch
	// leads with the critical request.
	require.Equal(t, []string{"head", "urgent", "background"}, prov.seenPrompts())
}

func TestOrchestrator_ProviderRateLimit(t *testing.T) {
	prov := &countingProvider{name: "openai"}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithProviderRateLimit("openai", 20, 1),
	)
	ctx := context.Background()

	start := time.Now()
	_, err := orch.Complete(ctx, userRequest("first"))
	require.NoError(t, err)
	_, err = orch.Complete(ctx, userRequest("second"))
	require.NoError(t, err)

	// The second call waits for the 20 rps bucket to refill.
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 2, prov.calls.Load())
}

func TestOrchestrator_HealthChecksGateRouting(t *testing.T) {
	prov := &countingProvider{name: "openai"}
	prov.setHealthErr(errors.New("upstream down"))

	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithHealthChecks(10*time.Millisecond, 5*time.Millisecond),
	)
	ctx := context.Background()

	// The prober marks the provider unhealthy, removing it from
	// balanced routing.
	deadline := time.Now().Add(2 * time.Second)
	for i := 0; ; i++ {
		_, err := orch.Complete(ctx, userRequest(fmt.Sprintf("down-%d", i)))
		if IsUnavailable(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("provider was never marked unhealthy")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Pinned submissions bypass the balancer and still reach it.
	resp, err := orch.CompleteWithProvider(ctx, "openai", userRequest("pinned while down"))
	require.NoError(t, err)
	require.Equal(t, "openai", resp.Provider)

	prov.setHealthErr(nil)
	for i := 0; ; i++ {
		_, err := orch.Complete(ctx, userRequest(fmt.Sprintf("up-%d", i)))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("provider never recovered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOrchestrator_CloseFailsQueuedRequests(t *testing.T) {
	prov := &countingProvider{name: "openai", delay: 500 * time.Millisecond}
	orch := newTestOrchestrator(t,
		WithProvider(prov),
		WithBatchConfig(BatchConfig{
			MaxBatchSize:         1,
			MaxWaitTime:          5 * time.Millisecond,
			MaxConcurrentBatches: 1,
			EnableDeduplication:  true,
			PriorityOrdering:     true,
		}),
	)
	ctx := context.Background()

	type result struct {
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		_, err := orch.Complete(ctx, userRequest("executing"))
		first <- result{err}
	}()

	// Wait for the first request's batch to take the only permit.
	deadline := time.Now().Add(2 * time.Second)
	for orch.Stats(ctx).AvailableBatchPermits != 0 {
		if time.Now().After(deadline) {
			t.Fatal("first batch was never emitted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	go func() {
		_, err := orch.Complete(ctx, userRequest("queued"))
		second <- result{err}
	}()

	for orch.Stats(ctx).PendingRequests == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second request never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, orch.Close())

	r := <-first
	require.Error(t, r.err)

	r = <-second
	require.True(t, IsUnavailable(r.err))

	_, err := orch.Complete(ctx, userRequest("after close"))
	require.True(t, IsUnavailable(err))

	// Close is idempotent.
	require.NoError(t, orch.Close())
}
