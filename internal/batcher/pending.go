package batcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quillforge/relay/pkg/types"
)

// Result carries the terminal outcome of a pending request. Exactly one
// of Response or Err is set.
type Result struct {
	Response *types.CompletionResponse
	Err      error
}

// PendingRequest wraps a queued completion request with its
// single-resolution response slot. A pending request resolves exactly
// once; later resolutions are dropped.
type PendingRequest struct {
	Request     *types.CompletionRequest
	Fingerprint string
	Priority    types.Priority
	EnqueuedAt  time.Time

	done     chan Result
	resolved atomic.Bool
}

// NewPendingRequest wraps a request for queueing.
func NewPendingRequest(req *types.CompletionRequest, fingerprint string) *PendingRequest {
	return &PendingRequest{
		Request:     req,
		Fingerprint: fingerprint,
		Priority:    req.Priority,
		EnqueuedAt:  time.Now(),
		done:        make(chan Result, 1),
	}
}

// Resolve writes a successful response into the slot.
func (p *PendingRequest) Resolve(resp *types.CompletionResponse) {
	p.complete(Result{Response: resp})
}

// Fail writes an error into the slot.
func (p *PendingRequest) Fail(err error) {
	p.complete(Result{Err: err})
}

func (p *PendingRequest) complete(r Result) {
	if !p.resolved.CompareAndSwap(false, true) {
		return
	}
	p.done <- r
}

// Wait blocks until the request resolves or the context is done.
func (p *PendingRequest) Wait(ctx context.Context) (*types.CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-p.done:
		return r.Response, r.Err
	}
}

// Batch is an immutable snapshot of queued requests handed to the
// execution pipeline.
type Batch struct {
	ID        string
	Requests  []*PendingRequest
	CreatedAt time.Time
}

func newBatch(requests []*PendingRequest) *Batch {
	return &Batch{
		ID:        uuid.New().String(),
		Requests:  requests,
		CreatedAt: time.Now(),
	}
}

// Priority is the batch's aggregate priority: the maximum priority of
// its members.
func (b *Batch) Priority() types.Priority {
	highest := types.PriorityLow
	for _, p := range b.Requests {
		if p.Priority > highest {
			highest = p.Priority
		}
	}
	return highest
}

// Size returns the number of member requests.
func (b *Batch) Size() int {
	return len(b.Requests)
}
