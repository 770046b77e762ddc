package batcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillforge/relay/pkg/types"
)

func TestPendingRequest_ResolvesExactlyOnce(t *testing.T) {
	p := NewPendingRequest(promptRequest("q"), "fp")

	resp := &types.CompletionResponse{ID: "winner"}
	p.Resolve(resp)
	p.Fail(errors.New("too late"))
	p.Resolve(&types.CompletionResponse{ID: "also too late"})

	got, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Same(t, resp, got)
}

func TestPendingRequest_FailDelivers(t *testing.T) {
	p := NewPendingRequest(promptRequest("q"), "fp")

	boom := errors.New("boom")
	p.Fail(boom)

	got, err := p.Wait(context.Background())
	require.Nil(t, got)
	require.ErrorIs(t, err, boom)
}

func TestPendingRequest_WaitStopsOnContext(t *testing.T) {
	p := NewPendingRequest(promptRequest("q"), "fp")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	got, err := p.Wait(ctx)
	require.Nil(t, got)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPendingRequest_CapturesPriority(t *testing.T) {
	req := promptRequest("q")
	req.Priority = types.PriorityCritical

	p := NewPendingRequest(req, "fp")
	require.Equal(t, types.PriorityCritical, p.Priority)
	require.False(t, p.EnqueuedAt.IsZero())
}

func TestBatch_PriorityIsHighestMember(t *testing.T) {
	low := promptRequest("a")
	high := promptRequest("b")
	high.Priority = types.PriorityHigh

	b := newBatch([]*PendingRequest{
		NewPendingRequest(low, "fp-a"),
		NewPendingRequest(high, "fp-b"),
	})

	require.NotEmpty(t, b.ID)
	require.Equal(t, 2, b.Size())
	require.Equal(t, types.PriorityHigh, b.Priority())
}

func TestBatch_EmptyPriorityIsLow(t *testing.T) {
	b := newBatch(nil)
	require.Equal(t, 0, b.Size())
	require.Equal(t, types.PriorityLow, b.Priority())
}
