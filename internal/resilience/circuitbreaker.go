// Package resilience provides the failure-handling primitives wrapped around
// every provider call: a circuit breaker, a generic retry executor, and a
// counting semaphore bounding in-flight batches.
package resilience

import (
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the reset timeout elapses.
	StateOpen
	// StateHalfOpen allows trial requests to probe recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig contains configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state before the circuit opens.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in the
	// half-open state required to close the circuit.
	SuccessThreshold int
	// Timeout is the execution deadline the pipeline applies to each
	// provider attempt guarded by this breaker.
	Timeout time.Duration
	// ResetTimeout is how long the circuit stays open before the next
	// admission check moves it to half-open.
	ResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// CircuitBreaker guards calls to a single provider. The failure and success
// counters are scoped to the current state and reset on every transition;
// while closed they count consecutive failures, while half-open consecutive
// successes.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	successCount  int
	openedAt      time.Time
	onStateChange func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a closed circuit breaker for the named provider.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		state:  StateClosed,
		config: cfg.withDefaults(),
	}
}

// OnStateChange sets a callback invoked (on its own goroutine) after every
// state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a call may proceed. It returns false only while the
// circuit is open and the reset timeout has not elapsed; once it has, the
// check itself performs the lazy transition to half-open and admits the call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		// Break the consecutive-failure streak.
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	case StateOpen:
		// Late result from a call admitted before the circuit opened.
	}
}

// RecordFailure records a failed call outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Any half-open failure reopens immediately.
		cb.transitionTo(StateOpen)
	case StateOpen:
		// Late result; the open timestamp is not extended.
	}
}

// State returns the current circuit state. This is a pure read: only Allow
// performs the lazy open-to-half-open transition.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns the state-scoped failure and success counters.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.successCount
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset forces the circuit back to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

// transitionTo moves the state machine. Both counters reset on every
// transition; entering Open stamps the opening time.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failureCount = 0
	cb.successCount = 0
	if newState == StateOpen {
		cb.openedAt = time.Now()
	}

	if cb.onStateChange != nil {
		// Callback runs without the lock held.
		go cb.onStateChange(cb.name, oldState, newState)
	}
}
