package tunnelserver

import (
	"context"
	"testing"
	"time"
)

func TestIdleMonitor_ReapsOnlyPastDeadline(t *testing.T) {
	registry := NewRegistry(NewPendingTable(time.Second))
	stale := registry.Register("stale", newFakeConn())
	fresh := registry.Register("fresh", newFakeConn())

	stale.mu.Lock()
	stale.lastActive = time.Now().Add(-time.Hour)
	stale.mu.Unlock()
	fresh.Touch()

	m := NewIdleMonitor(registry, 10*time.Minute, time.Hour)
	m.sweep()

	if _, ok := registry.Lookup("stale"); ok {
		t.Fatal("expected stale tunnel to be reaped")
	}
	if _, ok := registry.Lookup("fresh"); !ok {
		t.Fatal("expected fresh tunnel to survive the sweep")
	}
}

func TestIdleMonitor_IgnoresOfflineGraceTunnels(t *testing.T) {
	registry := NewRegistry(NewPendingTable(time.Second))
	registry.Register("grace", newFakeConn())
	registry.MarkOffline("grace", time.Hour)

	t0, _ := registry.Lookup("grace")
	t0.mu.Lock()
	t0.lastActive = time.Now().Add(-time.Hour)
	t0.mu.Unlock()

	m := NewIdleMonitor(registry, 10*time.Minute, time.Hour)
	m.sweep()

	if _, ok := registry.Lookup("grace"); !ok {
		t.Fatal("expected OfflineGrace tunnel to be left to its own grace timer, not reaped by idle sweep")
	}
}

func TestIdleMonitor_RunStopsOnContextCancel(t *testing.T) {
	registry := NewRegistry(NewPendingTable(time.Second))
	m := NewIdleMonitor(registry, time.Minute, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}
