// Package errors defines the unified error taxonomy for orchestration
// operations. Every failure surfaced by the pipeline is a *RelayError with a
// Kind that callers can branch on; provider-specific causes are wrapped and
// reachable through errors.Unwrap.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind discriminates the failure classes of the orchestration pipeline.
type Kind string

// Failure kinds.
const (
	// KindValidation marks a malformed request or a context-window
	// overflow. Never retried.
	KindValidation Kind = "validation"

	// KindProviderFailure marks an upstream provider error. Retried per
	// RetryConfig and gated by the circuit breaker.
	KindProviderFailure Kind = "provider_failure"

	// KindCircuitOpen marks a call rejected because the provider's circuit
	// breaker is open. Not retried; distinct from exhausted retries.
	KindCircuitOpen Kind = "circuit_open"

	// KindUnavailable marks an orchestration infrastructure failure:
	// a closed batcher, a vanished batch consumer, or an empty provider
	// registry. Not retried.
	KindUnavailable Kind = "unavailable"

	// KindTimeout marks a provider attempt that exceeded its execution
	// deadline. Retryable.
	KindTimeout Kind = "timeout"
)

// RelayError is the standard error value for orchestration failures.
type RelayError struct {
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Err      error  `json:"-"`
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Provider != "" || e.Model != "" {
		msg += fmt.Sprintf(" (provider=%s, model=%s)", e.Provider, e.Model)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the retry executor may re-attempt after this
// error. Only provider failures and per-attempt timeouts qualify.
func (e *RelayError) Retryable() bool {
	return e.Kind == KindProviderFailure || e.Kind == KindTimeout
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *RelayError {
	return &RelayError{Kind: KindValidation, Message: message}
}

// NewProviderError creates a retryable provider failure wrapping its cause.
func NewProviderError(provider, model, message string, cause error) *RelayError {
	return &RelayError{
		Kind:     KindProviderFailure,
		Message:  message,
		Provider: provider,
		Model:    model,
		Err:      cause,
	}
}

// NewCircuitOpenError creates a circuit-open rejection for a provider.
func NewCircuitOpenError(provider string) *RelayError {
	return &RelayError{
		Kind:     KindCircuitOpen,
		Message:  "circuit breaker is open",
		Provider: provider,
	}
}

// NewUnavailableError creates an infrastructure-unavailable error.
func NewUnavailableError(message string) *RelayError {
	return &RelayError{Kind: KindUnavailable, Message: message}
}

// NewTimeoutError creates a per-attempt timeout error.
func NewTimeoutError(provider, model string) *RelayError {
	return &RelayError{
		Kind:     KindTimeout,
		Message:  "provider call exceeded its execution deadline",
		Provider: provider,
		Model:    model,
	}
}

// kindOf extracts the Kind from any error in the chain, or "" if the chain
// carries no *RelayError.
func kindOf(err error) Kind {
	var re *RelayError
	if stderrors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return kindOf(err) == KindValidation }

// IsProviderFailure reports whether err is an upstream provider failure.
func IsProviderFailure(err error) bool { return kindOf(err) == KindProviderFailure }

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool { return kindOf(err) == KindCircuitOpen }

// IsUnavailable reports whether err is an infrastructure failure.
func IsUnavailable(err error) bool { return kindOf(err) == KindUnavailable }

// IsTimeout reports whether err is a per-attempt timeout.
func IsTimeout(err error) bool { return kindOf(err) == KindTimeout }

// IsRetryable reports whether the retry executor may re-attempt after err.
// Errors outside the taxonomy are treated as retryable provider trouble;
// the breaker still bounds them.
func IsRetryable(err error) bool {
	var re *RelayError
	if stderrors.As(err, &re) {
		return re.Retryable()
	}
	return true
}
