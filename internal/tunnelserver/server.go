package tunnelserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/magnitudedev/bunnel/internal/logging"
	"github.com/magnitudedev/bunnel/internal/metrics"
	"github.com/magnitudedev/bunnel/internal/subdomain"
	"github.com/magnitudedev/bunnel/pkg/auth"
)

// Server is the assembled tunnel server: registry, pending table, idle
// monitor, and the HTTP listener that fronts them all (spec §4 end to end).
type Server struct {
	cfg     *Config
	httpSrv *http.Server

	Registry *Registry
	Pending  *PendingTable
	idle     *IdleMonitor
}

// New wires every collaborator described by cfg. listenAddr selects the
// public tunneling port; tlsConfig, if non-nil, makes that listener serve
// TLS. The /metrics endpoint is not served here; see MetricsHandler.
func New(cfg *Config, listenAddr string, tlsConfig *tls.Config) (*Server, error) {
	cfg = cfg.Normalize()
	if len(cfg.ReconnectTokenSecret) == 0 {
		return nil, errors.New("tunnelserver: ReconnectTokenSecret is required")
	}

	pending := NewPendingTable(cfg.RequestTimeout)
	registry := NewRegistry(pending)
	allocator := &subdomain.Allocator{Length: cfg.SubdomainLength}
	tokens := auth.NewReconnectTokens(cfg.ReconnectTokenSecret, cfg.ReconnectTokenTTL())
	session := NewSessionHandler(registry, pending, allocator, tokens, cfg.GraceWindow)
	listener := NewListener(cfg, registry, pending, session)
	idle := NewIdleMonitor(registry, cfg.IdleTimeout, cfg.SweepInterval)

	httpSrv := &http.Server{
		Addr:         listenAddr,
		Handler:      listener,
		TLSConfig:    tlsConfig,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		// WebSocket upgrades hold the connection open far longer than a
		// normal request; IdleTimeout only governs keep-alive between
		// requests on the same connection, not an established upgrade.
		IdleTimeout: 120 * time.Second,
	}

	metrics.Register()

	return &Server{cfg: cfg, httpSrv: httpSrv, Registry: registry, Pending: pending, idle: idle}, nil
}

// ListenAndServe runs the tunnel HTTP listener and the idle monitor until
// ctx is cancelled, then drains in-flight requests and shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	idleCtx, stopIdle := context.WithCancel(ctx)
	defer stopIdle()
	go s.idle.Run(idleCtx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.httpSrv.TLSConfig != nil {
			err = s.httpSrv.ListenAndServeTLS("", "")
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logging.Sugar().Infow("tunnel server listening", "addr", s.httpSrv.Addr, "root_host", s.cfg.RootHost)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			logging.Sugar().Warnw("tunnel server: shutdown", "error", err)
		}
		s.drain()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// drain fails every still-pending request and reaps every tunnel so a
// shutdown does not leave goroutines blocked on responses that will never
// arrive.
func (s *Server) drain() {
	for _, t := range s.Registry.Snapshot() {
		s.Registry.Reap(t.Subdomain, metrics.ReapShutdown)
	}
}

// MetricsHandler exposes the Prometheus exposition format, for callers that
// want to mount it on a separate port or path than the tunnel traffic
// itself.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
