// Package types defines the core data structures for completion requests and
// responses flowing through the orchestration pipeline. Requests are treated
// as immutable once submitted: callers must not mutate a CompletionRequest
// after handing it to the orchestrator.
package types //nolint:revive // package name is intentional

import (
	"fmt"
	"strings"
)

// maxModelNameLength bounds model identifiers to keep cache keys and log
// lines sane.
const maxModelNameLength = 256

// Role identifies the author of a conversation message.
type Role string

// Recognized message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Valid reports whether the role is one of the recognized values.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		return true
	}
	return false
}

// Priority orders requests within a batch. Higher values are more urgent.
// The zero value is PriorityLow.
type Priority int

// Priority levels, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to its Priority value.
// Unknown names default to PriorityNormal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Message is a single (role, content) pair in the conversation sequence.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// CompletionRequest describes a prompt, target model, and generation
// parameters. Temperature and TopP are pointers so that "unset" and an
// explicit zero are distinguishable; both participate in the request
// fingerprint by bit pattern.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Priority    Priority  `json:"priority,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Validate checks the structural invariants of the request: model present,
// at least one message with a recognized role, and generation parameters
// within range. It does not consult the model's context window; that check
// requires the tokenization service.
func (r *CompletionRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("request is nil")
	}
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Model) > maxModelNameLength {
		return fmt.Errorf("model name exceeds %d characters", maxModelNameLength)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", r.MaxTokens)
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be in [0.0, 2.0], got %g", *r.Temperature)
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return fmt.Errorf("top_p must be in [0.0, 1.0], got %g", *r.TopP)
	}
	if r.Priority < PriorityLow || r.Priority > PriorityCritical {
		return fmt.Errorf("unknown priority %d", int(r.Priority))
	}
	return nil
}

// Clone returns a deep copy of the request. Useful when a caller wants to
// derive a variant of an already-submitted (and therefore frozen) request.
func (r *CompletionRequest) Clone() *CompletionRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.TopP != nil {
		tp := *r.TopP
		out.TopP = &tp
	}
	return &out
}
