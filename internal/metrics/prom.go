// Package metrics centralises Prometheus metric registration for the bunnel
// server. It exposes typed collectors so tunnel internals can remain
// import-cycle-free. The package registers with the global
// prometheus.DefaultRegisterer, which cmd/bunnel-server exposes via the
// /metrics HTTP handler from the Prometheus client library when
// --metrics-addr is set.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// Gauge metrics -----------------------------------------------------

	TunnelsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bunnel",
		Subsystem: "tunnel",
		Name:      "online",
		Help:      "Current number of tunnels in the Online state.",
	})

	TunnelsGrace = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bunnel",
		Subsystem: "tunnel",
		Name:      "offline_grace",
		Help:      "Current number of tunnels in the OfflineGrace state.",
	})

	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bunnel",
		Subsystem: "request",
		Name:      "pending",
		Help:      "Current number of requests awaiting a matching WireResponse.",
	})

	// Counter metrics -----------------------------------------------------

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bunnel",
		Subsystem: "request",
		Name:      "total",
		Help:      "Total tunneled HTTP requests, labeled by terminal outcome.",
	}, []string{"outcome"})

	TunnelsReapedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bunnel",
		Subsystem: "tunnel",
		Name:      "reaped_total",
		Help:      "Total tunnels reaped, labeled by reason.",
	}, []string{"reason"})

	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bunnel",
		Subsystem: "tunnel",
		Name:      "reconnects_total",
		Help:      "Total successful grace-window reattaches.",
	})

	// Histogram metrics -----------------------------------------------------

	RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bunnel",
		Subsystem: "request",
		Name:      "duration_seconds",
		Help:      "End-to-end duration of a tunneled HTTP exchange.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register exports all metrics; safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TunnelsOnline,
			TunnelsGrace,
			PendingRequests,
			RequestsTotal,
			TunnelsReapedTotal,
			ReconnectsTotal,
			RequestDuration,
		)
	})
}

// Outcome labels for RequestsTotal; kept as constants so callers can't typo
// a label value that would silently create a new time series.
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeLost    = "tunnel_lost"
	OutcomeNoSuch  = "not_found"
)

// ReapReason labels for TunnelsReapedTotal.
const (
	ReapGraceExpired = "grace_expired"
	ReapIdle         = "idle"
	ReapFatal        = "fatal"
	ReapShutdown     = "shutdown"
)
