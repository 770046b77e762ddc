package types //nolint:revive // package name is intentional

// CompletionResponse is the unified result of a successful provider call.
// Cached responses are stored as the goccy-marshaled form of this struct,
// so two callers deduplicated onto the same fingerprint observe identical
// payloads.
type CompletionResponse struct {
	ID           string `json:"id"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Created      int64  `json:"created"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Usage contains token accounting for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
