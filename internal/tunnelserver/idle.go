package tunnelserver

import (
	"context"
	"time"

	"github.com/magnitudedev/bunnel/internal/logging"
	"github.com/magnitudedev/bunnel/internal/metrics"
)

// IdleMonitor periodically sweeps the registry for Online tunnels that have
// carried no traffic for longer than idleTimeout and reaps them (spec
// §4.7). It snapshots the registry before acting on any single tunnel so
// the sweep never holds the registry's mutex while also taking a
// TunnelInfo's own lock, which would otherwise invite lock-ordering
// trouble with Reap (which takes the registry lock first).
type IdleMonitor struct {
	registry      *Registry
	idleTimeout   time.Duration
	sweepInterval time.Duration
}

// NewIdleMonitor builds a monitor; call Run in its own goroutine.
func NewIdleMonitor(registry *Registry, idleTimeout, sweepInterval time.Duration) *IdleMonitor {
	return &IdleMonitor{registry: registry, idleTimeout: idleTimeout, sweepInterval: sweepInterval}
}

// Run blocks, sweeping every sweepInterval until ctx is cancelled.
func (m *IdleMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *IdleMonitor) sweep() {
	now := time.Now()
	for _, t := range m.registry.Snapshot() {
		state, lastActive := t.Snapshot()
		if state != StateOnline {
			continue
		}
		if now.Sub(lastActive) < m.idleTimeout {
			continue
		}
		if m.registry.Reap(t.Subdomain, metrics.ReapIdle) {
			logging.Sugar().Infow("idle monitor: reaped idle tunnel", "subdomain", t.Subdomain, "idle_for", now.Sub(lastActive))
		}
	}
}
