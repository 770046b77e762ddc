// Package healthcheck provides proactive provider probing.
package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Config controls the proactive health checker behavior.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// Target is one upstream the prober checks. Check runs with a
// per-probe timeout and reports nil when the upstream is usable.
type Target struct {
	Name  string
	Check func(ctx context.Context) error
}

// Prober periodically checks provider health and reports each result
// to the registered callback.
type Prober struct {
	cfg      Config
	onResult func(name string, healthy bool, err error)
	logger   *slog.Logger
	started  atomic.Bool

	mu       sync.Mutex
	targets  []Target
	lastSeen map[string]bool
}

// NewProber creates a new health checker. onResult is invoked after
// every probe, healthy or not, and may be nil.
func NewProber(cfg Config, onResult func(name string, healthy bool, err error), logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		cfg:      cfg,
		onResult: onResult,
		logger:   logger,
		lastSeen: make(map[string]bool),
	}
}

// AddTarget registers an upstream for probing. Targets added after
// Start are picked up on the next cycle.
func (p *Prober) AddTarget(t Target) {
	if t.Name == "" || t.Check == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, t)
	p.lastSeen[t.Name] = true
}

// Start begins the probe loop until the context is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("healthcheck prober stopped")
			return
		}
	}
}

func (p *Prober) runOnce(ctx context.Context) {
	p.mu.Lock()
	targets := make([]Target, len(p.targets))
	copy(targets, p.targets)
	p.mu.Unlock()

	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		err := p.probe(ctx, target)
		p.record(target.Name, err)
	}
}

func (p *Prober) probe(ctx context.Context, target Target) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	return target.Check(probeCtx)
}

// record updates the last observed state and notifies the callback.
// Transitions are logged once instead of on every cycle.
func (p *Prober) record(name string, err error) {
	healthy := err == nil

	p.mu.Lock()
	was, known := p.lastSeen[name]
	p.lastSeen[name] = healthy
	p.mu.Unlock()

	switch {
	case !healthy && (was || !known):
		p.logger.Warn("provider probe failed",
			"provider", name,
			"error", err,
		)
	case healthy && known && !was:
		p.logger.Info("provider recovered",
			"provider", name,
		)
	}

	if p.onResult != nil {
		p.onResult(name, healthy, err)
	}
}
