// Package balancer routes requests across upstream providers using
// observed success rates and latency.
package balancer

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNoProviders is returned when no registered provider is available
// for selection.
var ErrNoProviders = errors.New("no available provider")

// neutralSuccessRate seeds providers with no observed calls so new
// providers get explored instead of starved.
const neutralSuccessRate = 0.5

// ProviderStats is a point-in-time copy of one provider's counters.
type ProviderStats struct {
	Successes    uint64
	Failures     uint64
	AvgLatencyMs float64
	Healthy      bool
}

// Score is the selection score derived from the stats: success rate
// minus a latency penalty capped at 1.0.
func (s ProviderStats) Score() float64 {
	rate := neutralSuccessRate
	if total := s.Successes + s.Failures; total > 0 {
		rate = float64(s.Successes) / float64(total)
	}

	penalty := s.AvgLatencyMs / 1000.0
	if penalty > 1.0 {
		penalty = 1.0
	}
	return rate - penalty
}

type providerState struct {
	successes    uint64
	failures     uint64
	avgLatencyMs float64
	healthy      bool
}

func (s *providerState) snapshot() ProviderStats {
	return ProviderStats{
		Successes:    s.successes,
		Failures:     s.failures,
		AvgLatencyMs: s.avgLatencyMs,
		Healthy:      s.healthy,
	}
}

// Balancer selects among registered providers by score. Counters are
// process-lifetime; the latency estimate is an exponential moving
// average so the penalty tracks recent provider behavior.
type Balancer struct {
	mu    sync.RWMutex
	stats map[string]*providerState
}

// New creates an empty balancer.
func New() *Balancer {
	return &Balancer{
		stats: make(map[string]*providerState),
	}
}

// Register adds a provider to the selection pool. Registering an
// existing provider keeps its accumulated statistics.
func (b *Balancer) Register(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getOrCreateState(name)
}

// Select returns the healthy provider with the highest score. Ties are
// broken by lexicographically smallest name so selection is
// deterministic under identical statistics.
func (b *Balancer) Select() (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.stats))
	for name := range b.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestScore := 0.0
	for _, name := range names {
		state := b.stats[name]
		if !state.healthy {
			continue
		}
		score := state.snapshot().Score()
		if best == "" || score > bestScore {
			best = name
			bestScore = score
		}
	}

	if best == "" {
		return "", ErrNoProviders
	}
	return best, nil
}

// RecordSuccess records a successful call and folds its latency into
// the provider's moving average.
func (b *Balancer) RecordSuccess(name string, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.getOrCreateState(name)
	state.successes++

	latencyMs := float64(latency.Milliseconds())
	if state.avgLatencyMs == 0 {
		state.avgLatencyMs = latencyMs
	} else {
		// Exponential moving average with alpha = 0.1
		state.avgLatencyMs = state.avgLatencyMs*0.9 + latencyMs*0.1
	}
}

// RecordFailure records a failed call. Latency of failed calls is not
// folded into the average.
func (b *Balancer) RecordFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.getOrCreateState(name)
	state.failures++
}

// SetHealthy marks a provider in or out of the selection pool without
// touching its statistics.
func (b *Balancer) SetHealthy(name string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.getOrCreateState(name)
	state.healthy = healthy
}

// Providers returns the sorted names of all registered providers.
func (b *Balancer) Providers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.stats))
	for name := range b.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of every provider's current statistics.
func (b *Balancer) Snapshot() map[string]ProviderStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]ProviderStats, len(b.stats))
	for name, state := range b.stats {
		out[name] = state.snapshot()
	}
	return out
}

func (b *Balancer) getOrCreateState(name string) *providerState {
	state, ok := b.stats[name]
	if !ok {
		state = &providerState{healthy: true}
		b.stats[name] = state
	}
	return state
}
