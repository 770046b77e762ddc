// Package provider defines the capability interface upstream AI providers
// expose to the orchestration core. The wire protocol behind Execute is the
// implementer's concern; the core only sees the abstract capability.
package provider

import (
	"context"

	"github.com/quillforge/relay/pkg/types"
)

// Provider is the capability set the orchestrator requires from an upstream.
// Implementations must be safe for concurrent use: the execution pipeline
// calls Execute from multiple goroutines.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	// Names are the routing keys of the orchestrator and must be unique
	// within one orchestrator instance.
	Name() string

	// Execute runs a single completion request against the upstream and
	// returns its unified response. The context carries the per-attempt
	// execution deadline imposed by the pipeline.
	Execute(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error)

	// HealthCheck probes upstream liveness. It is called by the optional
	// health prober and should be cheap; an error marks the probe failed.
	HealthCheck(ctx context.Context) error
}

// Func adapts a bare execute function into a Provider with a no-op health
// check. Intended for tests and simple embedders.
type Func struct {
	ProviderName string
	ExecuteFunc  func(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error)
}

// Name implements Provider.
func (f *Func) Name() string { return f.ProviderName }

// Execute implements Provider.
func (f *Func) Execute(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	return f.ExecuteFunc(ctx, req)
}

// HealthCheck implements Provider. It always reports healthy.
func (f *Func) HealthCheck(_ context.Context) error { return nil }
