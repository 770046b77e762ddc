package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Manager tracks per-provider resilience state. Circuit breakers are
// created lazily on first use and share a single configuration; rate
// limits are opt-in per provider and absent by default.
type Manager struct {
	mu            sync.RWMutex
	breakers      map[string]*CircuitBreaker
	limiters      map[string]*rate.Limiter
	cbConfig      CircuitBreakerConfig
	onStateChange func(name string, from, to CircuitState)
}

// NewManager creates a manager whose breakers all use cfg.
func NewManager(cfg CircuitBreakerConfig) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
		cbConfig: cfg,
	}
}

// OnStateChange registers a callback applied to every breaker the manager
// creates. Must be called before the first Breaker call.
func (m *Manager) OnStateChange(fn func(name string, from, to CircuitState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// Breaker returns the circuit breaker for the given provider, creating
// it on first use.
func (m *Manager) Breaker(provider string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok = m.breakers[provider]; ok {
		return cb
	}

	cb = NewCircuitBreaker(provider, m.cbConfig)
	if m.onStateChange != nil {
		cb.OnStateChange(m.onStateChange)
	}
	m.breakers[provider] = cb
	return cb
}

// SetRateLimit installs or replaces the rate limit for a provider.
// rps is the sustained request rate; burst is the bucket size.
func (m *Manager) SetRateLimit(provider string, rps float64, burst int) {
	if burst < 1 {
		burst = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters[provider]; ok {
		l.SetLimit(rate.Limit(rps))
		l.SetBurst(burst)
		return
	}
	m.limiters[provider] = rate.NewLimiter(rate.Limit(rps), burst)
}

// WaitLimit blocks until the provider's rate limit admits one request,
// or the context is done. Providers without a configured limit pass
// immediately.
func (m *Manager) WaitLimit(ctx context.Context, provider string) error {
	m.mu.RLock()
	l, ok := m.limiters[provider]
	m.mu.RUnlock()

	if !ok {
		return nil
	}
	return l.Wait(ctx)
}

// BreakerStates returns the current state of every breaker the manager
// has created.
func (m *Manager) BreakerStates() map[string]CircuitState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]CircuitState, len(m.breakers))
	for name, cb := range m.breakers {
		states[name] = cb.State()
	}
	return states
}

// Reset returns every breaker to the closed state.
func (m *Manager) Reset() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
}
