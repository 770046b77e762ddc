package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillforge/relay/pkg/types"
)

func floatPtr(v float64) *float64 { return &v }

func baseRequest() *types.CompletionRequest {
	return &types.CompletionRequest{
		Model: "gpt-4o",
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "be brief"},
			{Role: types.RoleUser, Content: "hello"},
		},
		MaxTokens:   128,
		Temperature: floatPtr(0.7),
		TopP:        floatPtr(0.9),
	}
}

func TestCompute_Deterministic(t *testing.T) {
	a := Compute(baseRequest())
	b := Compute(baseRequest())

	assert.Equal(t, a, b)
	assert.Len(t, a, 64, "sha256 hex digest")
}

func TestCompute_SensitiveFields(t *testing.T) {
	base := Compute(baseRequest())

	tests := []struct {
		name   string
		mutate func(*types.CompletionRequest)
	}{
		{"model", func(r *types.CompletionRequest) { r.Model = "gpt-4o-mini" }},
		{"max_tokens", func(r *types.CompletionRequest) { r.MaxTokens = 129 }},
		{"temperature value", func(r *types.CompletionRequest) { r.Temperature = floatPtr(0.8) }},
		{"temperature unset", func(r *types.CompletionRequest) { r.Temperature = nil }},
		{"top_p unset", func(r *types.CompletionRequest) { r.TopP = nil }},
		{"message content", func(r *types.CompletionRequest) { r.Messages[1].Content = "hello!" }},
		{"message role", func(r *types.CompletionRequest) { r.Messages[1].Role = types.RoleAssistant }},
		{"message order", func(r *types.CompletionRequest) {
			r.Messages[0], r.Messages[1] = r.Messages[1], r.Messages[0]
		}},
		{"extra message", func(r *types.CompletionRequest) {
			r.Messages = append(r.Messages, types.Message{Role: types.RoleUser, Content: "more"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(req)
			assert.NotEqual(t, base, Compute(req))
		})
	}
}

func TestCompute_InsensitiveFields(t *testing.T) {
	base := Compute(baseRequest())

	prio := baseRequest()
	prio.Priority = types.PriorityCritical
	assert.Equal(t, base, Compute(prio), "priority must not affect the fingerprint")

	stream := baseRequest()
	stream.Stream = true
	assert.Equal(t, base, Compute(stream), "stream flag must not affect the fingerprint")
}

func TestCompute_NilVersusExplicitZero(t *testing.T) {
	unset := baseRequest()
	unset.Temperature = nil

	zero := baseRequest()
	zero.Temperature = floatPtr(0)

	require.NotEqual(t, Compute(unset), Compute(zero),
		"unset and explicit 0.0 temperature must fingerprint differently")
}

func TestCompute_NegativeZeroBits(t *testing.T) {
	pos := baseRequest()
	pos.Temperature = floatPtr(0)

	neg := baseRequest()
	negZero := 0.0
	negZero = -negZero
	neg.Temperature = &negZero

	// Bit-pattern hashing distinguishes -0.0 from 0.0.
	assert.NotEqual(t, Compute(pos), Compute(neg))
}

func BenchmarkCompute(b *testing.B) {
	req := baseRequest()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Compute(req)
	}
}
