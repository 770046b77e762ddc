package batcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/quillforge/relay/caches/memory"
	"github.com/quillforge/relay/internal/fingerprint"
	"github.com/quillforge/relay/internal/metrics"
	relayerrors "github.com/quillforge/relay/pkg/errors"
	"github.com/quillforge/relay/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestBatcher(t *testing.T, cfg Config) *Batcher {
	t.Helper()
	b := New("openai", cfg, memory.New(memory.Config{DefaultTTL: time.Minute}), time.Minute, testLogger(), nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func promptRequest(prompt string) *types.CompletionRequest {
	return &types.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []types.Message{{Role: types.RoleUser, Content: prompt}},
	}
}

func responseFor(req *types.CompletionRequest) *types.CompletionResponse {
	return &types.CompletionResponse{
		ID:      "resp-" + req.Messages[0].Content,
		Model:   req.Model,
		Content: "echo: " + req.Messages[0].Content,
	}
}

type submitResult struct {
	resp *types.CompletionResponse
	err  error
}

func submitAsync(ctx context.Context, b *Batcher, req *types.CompletionRequest) <-chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		resp, err := b.Submit(ctx, req)
		ch <- submitResult{resp: resp, err: err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan submitResult) submitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not resolve in time")
		return submitResult{}
	}
}

func nextBatch(t *testing.T, b *Batcher) *Batch {
	t.Helper()
	select {
	case batch := <-b.Batches():
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("no batch emitted in time")
		return nil
	}
}

func waitPending(t *testing.T, b *Batcher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Pending() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending count never reached %d, have %d", n, b.Pending())
}

// ageQueueHead backdates the oldest queued request so the next
// formation pass treats the wait bound as exceeded.
func ageQueueHead(t *testing.T, b *Batcher) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.queue)
	b.queue[0].EnqueuedAt = time.Now().Add(-24 * time.Hour)
	b.formLocked()
}

func TestBatcher_FormsFullBatchAtSizeBound(t *testing.T) {
	b := newTestBatcher(t, Config{
		MaxBatchSize:         3,
		MaxWaitTime:          time.Hour,
		MaxConcurrentBatches: 2,
		EnableDeduplication:  true,
	})
	ctx := context.Background()

	ch1 := submitAsync(ctx, b, promptRequest("a"))
	ch2 := submitAsync(ctx, b, promptRequest("b"))
	ch3 := submitAsync(ctx, b, promptRequest("c"))

	batch := nextBatch(t, b)
	require.Equal(t, 3, batch.Size())
	require.NotEmpty(t, batch.ID)
	require.Equal(t, 0, b.Pending())

	for _, p := range batch.Requests {
		b.ResolveSuccess(ctx, p, responseFor(p.Request))
	}
	b.Release()

	for _, ch := range []<-chan submitResult{ch1, ch2, ch3} {
		r := awaitResult(t, ch)
		require.NoError(t, r.err)
		require.Equal(t, "echo: "+r.resp.ID[len("resp-"):], r.resp.Content)
	}
}

func TestBatcher_FlushesPartialBatchAfterMaxWait(t *testing.T) {
	b := newTestBatcher(t, Config{
		MaxBatchSize:         10,
		MaxWaitTime:          40 * time.Millisecond,
		MaxConcurrentBatches: 2,
	})
	ctx := context.Background()

	start := time.Now()
	ch := submitAsync(ctx, b, promptRequest("lonely"))

	batch := nextBatch(t, b)
	require.Equal(t, 1, batch.Size())
	require.Less(t, time.Since(start), time.Second)

	b.ResolveSuccess(ctx, batch.Requests[0], responseFor(batch.Requests[0].Request))
	b.Release()

	r := awaitResult(t, ch)
	require.NoError(t, r.err)
	require.Equal(t, "echo: lonely", r.resp.Content)
}

func TestBatcher_PriorityOrdersBatchMembers(t *testing.T) {
	b := newTestBatcher(t, Config{
		MaxBatchSize:         4,
		MaxWaitTime:          time.Hour,
		MaxConcurrentBatches: 2,
		PriorityOrdering:     true,
	})

	arrival := []types.Priority{
		types.PriorityLow,
		types.PriorityCritical,
		types.PriorityNormal,
		types.PriorityHigh,
	}

	b.mu.Lock()
	for i, prio := range arrival {
		req := promptRequest(prio.String())
		req.Priority = prio
		p := NewPendingRequest(req, fingerprint.Compute(req))
		p.EnqueuedAt = time.Now().Add(time.Duration(i) * time.Microsecond)
		b.queue = append(b.queue, p)
	}
	b.formLocked()
	b.mu.Unlock()

	batch := nextBatch(t, b)
	require.Equal(t, 4, batch.Size())
	require.Equal(t, types.PriorityCritical, batch.Priority())

	want := []types.Priority{
		types.PriorityCritical,
		types.PriorityHigh,
		types.PriorityNormal,
		types.PriorityLow,
	}
	for i, p := range batch.Requests {
		require.Equal(t, want[i], p.Priority, "position %d", i)
	}
}

func TestBatcher_PriorityStableWithinLevel(t *testing.T) {
	b := newTestBatcher(t, Config{
		MaxBatchSize:         3,
		MaxWaitTime:          time.Hour,
		MaxConcurrentBatches: 2,
		PriorityOrdering:     true,
	})

	first := promptRequest("first-normal")
	second := promptRequest("second-normal")
	urgent := promptRequest("urgent")
	urgent.Priority = types.PriorityHigh

	b.mu.Lock()
	for _, req := range []*types.CompletionRequest{first, second, urgent} {
		b.queue = append(b.queue, NewPendingRequest(req, fingerprint.Compute(req)))
	}
	b.formLocked()
	b.mu.Unlock()

	batch := nextBatch(t, b)
	require.Equal(t, 3, batch.Size())
	require.Equal(t, "urgent", batch.Requests[0].Request.Messages[0].Content)
	require.Equal(t, "first-normal", batch.Requests[1].Request.Messages[0].Content)
	require.Equal(t, "second-normal", batch.Requests[2].Request.Messages[0].Content)
}

func TestBatcher_CoalescesInflightDuplicates(t *testing.T) {
	b := newTestBatcher(t, Config{
		MaxBatchSize:         2,
		MaxWaitTime:          time.Hour,
		MaxConcurrentBatches: 2,
		EnableDeduplication:  true,
	})
	ctx := context.Background()

	req := promptRequest("same question")
	fp := fingerprint.Compute(req)
	coalescedBefore := testutil.ToFloat64(metrics.CoalescedRequests.WithLabelValues("openai"))

	ch1 := submitAsync(ctx, b, req)
	waitPending(t, b, 1)

	// A structurally identical request must attach to the queued one
	// instead of taking its own queue slot.
	ch2 := submitAsync(ctx, b, req.Clone())
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.mu.Lock()
		coalesced := len(b.inflight[fp])
		b.mu.Unlock()
		if coalesced == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("duplicate never coalesced, have %d waiters", coalesced)
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, b.Pending())

	ageQueueHead(t, b)
	batch := nextBatch(t, b)
	require.Equal(t, 1, batch.Size())

	resp := responseFor(batch.Requests[0].Request)
	b.ResolveSuccess(ctx, batch.Requests[0], resp)
	b.Release()

	r1 := awaitResult(t, ch1)
	r2 := awaitResult(t, ch2)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	require.Same(t, r1.resp, r2.resp)
	coalesced := testutil.ToFloat64(metrics.CoalescedRequests.WithLabelValues("openai")) - coalescedBefore
	require.Equal(t, 1.0, coalesced, "one waiter rode on the executed request")

	// Late arrivals after resolution are served straight from the cache.
	cached, err := b.Submit(ctx, req.Clone())
	require.NoError(t, err)
	require.NotSame(t, resp, cached)
	require.Equal(t, resp.ID, cached.ID)
	require.Equal(t, resp.Content, cached.Content)
	require.Equal(t, 0, b.Pending())
}

func TestBatcher_CacheHitServesWithoutQueueing(t *testing.T) {
	c := memory.New(memory.Config{DefaultTTL: time.Minute})
	b := New("openai", Config{
		MaxBatchSize:         10,
		MaxWaitTime:          time.Hour,
		MaxConcurrentBatches: 2,
		EnableDeduplication:  true,
	}, c, time.Minute, testLogger(), nil)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	req := promptRequest("cached question")
	want := responseFor(req)
	data, err := json.Marshal(want)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, fingerprint.Compute(req), data, time.Minute))
	hitsBefore := testutil.ToFloat64(metrics.CacheHits.WithLabelValues("openai"))

	got, err := b.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Content, got.Content)
	require.Equal(t, 0, b.Pending())
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHits.WithLabelValues("openai"))-hitsBefore)
}

func TestBatcher_DedupDisabledQueuesDuplicates(t *testing.T) {
	b := newTestBatcher(t, Config{
		MaxBatchSize:         2,
		MaxWaitTime:          time.Hour,
		MaxConcurrentBatches: 2,
		EnableDeduplication:  false,
	})
	ctx := context.Background()

	req := promptRequest("same question")
	ch1 := submitAsync(ctx, b, req)
	ch2 := submitAsync(ctx, b, req.Clone())

	batch := nextBatch(t, b)
	require.Equal(t, 2, batch.Size())

	for i, p := range batch.Requests {
		b.ResolveSuccess(ctx, p, &types.CompletionResponse{ID: []string{"first", "second"}[i]})
	}
	b.Release()

	r1 := awaitResult(t, ch1)
	r2 := awaitResult(t, ch2)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	require.NotEqual(t, r1.resp.ID, r2.resp.ID)
}

func TestBatcher_PermitBoundDefersFormation(t *testing.T) {
	b := newTestBatcher(t, Config{
		MaxBatchSize:         1,
		MaxWaitTime:          time.Hour,
		MaxConcurrentBatches: 1,
	})
	ctx := context.Background()

	ch1 := submitAsync(ctx, b, promptRequest("one"))
	first := nextBatch(t, b)
	require.Equal(t, 0, b.AvailablePermits())

	ch2 := submitAsync(ctx, b, promptRequest("two"))
	waitPending(t, b, 1)

	select {
	case <-b.Batches():
		t.Fatal("batch formed while every permit was held")
	case <-time.After(100 * time.Millisecond):
	}

	b.ResolveSuccess(ctx, first.Requests[0], responseFor(first.Requests[0].Request))
	b.Release()

	second := nextBatch(t, b)
	require.Equal(t, 1, second.Size())
	require.Equal(t, "two", second.Requests[0].Request.Messages[0].Content)

	b.ResolveSuccess(ctx, second.Requests[0], responseFor(second.Requests[0].Request))
	b.Release()

	require.NoError(t, awaitResult(t, ch1).err)
	require.NoError(t, awaitResult(t, ch2).err)
}

func TestBatcher_SubmitAfterCloseReturnsUnavailable(t *testing.T) {
	b := newTestBatcher(t, Config{})
	require.NoError(t, b.Close())

	resp, err := b.Submit(context.Background(), promptRequest("late"))
	require.Nil(t, resp)
	require.True(t, relayerrors.IsUnavailable(err))
}

func TestBatcher_CloseFailsQueuedRequests(t *testing.T) {
	b := newTestBatcher(t, Config{
		MaxBatchSize:         10,
		MaxWaitTime:          time.Hour,
		MaxConcurrentBatches: 2,
	})
	ctx := context.Background()

	ch1 := submitAsync(ctx, b, promptRequest("a"))
	ch2 := submitAsync(ctx, b, promptRequest("b"))
	waitPending(t, b, 2)

	require.NoError(t, b.Close())

	for _, ch := range []<-chan submitResult{ch1, ch2} {
		r := awaitResult(t, ch)
		require.Nil(t, r.resp)
		require.True(t, relayerrors.IsUnavailable(r.err))
	}
}

func TestBatcher_WaitHonorsContext(t *testing.T) {
	b := newTestBatcher(t, Config{
		MaxBatchSize:         10,
		MaxWaitTime:          time.Hour,
		MaxConcurrentBatches: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch := submitAsync(ctx, b, promptRequest("abandoned"))
	waitPending(t, b, 1)
	cancel()

	r := awaitResult(t, ch)
	require.Nil(t, r.resp)
	require.ErrorIs(t, r.err, context.Canceled)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 8, cfg.MaxBatchSize)
	require.Equal(t, 50*time.Millisecond, cfg.MaxWaitTime)
	require.Equal(t, 4, cfg.MaxConcurrentBatches)

	def := DefaultConfig()
	require.True(t, def.EnableDeduplication)
	require.True(t, def.PriorityOrdering)
}
