// Command bunnel-server runs the tunnel server: the public HTTP front door
// that accepts agent control connections and dispatches inbound HTTP to
// them (spec §6 CLI surface "server").
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/magnitudedev/bunnel/internal/logging"
	"github.com/magnitudedev/bunnel/internal/tunnelserver"
	"github.com/magnitudedev/bunnel/pkg/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port          int
		proxyPort     int
		certPath      string
		keyPath       string
		caPaths       []string
		rootHost      string
		metricsAddr   string
		maxBodyBytes  int64
		reconnectTTL  time.Duration
		idleTimeout   time.Duration
		sweepInterval time.Duration
		graceWindow   time.Duration
		requestTTL    time.Duration
		logJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "bunnel-server",
		Short: "Reverse HTTP tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogger(logJSON); err != nil {
				return err
			}
			defer logging.Logger().Sync()

			if (certPath == "") != (keyPath == "") {
				return fmt.Errorf("bunnel-server: exactly one of --cert/--key was given; provide both or neither")
			}

			tlsConfig, err := buildTLSConfig(certPath, keyPath, caPaths)
			if err != nil {
				return err
			}

			secret := viper.GetString("reconnect_secret")
			if secret == "" {
				secret = "bunnel-dev-secret-change-me"
				logging.Sugar().Warnw("bunnel-server: no BUNNEL_SERVER_RECONNECT_SECRET set, using an insecure development default")
			}

			cfg := &tunnelserver.Config{
				RootHost:             rootHost,
				RequestTimeout:       requestTTL,
				GraceWindow:          graceWindow,
				IdleTimeout:          idleTimeout,
				SweepInterval:        sweepInterval,
				MaxBodyBytes:         maxBodyBytes,
				ReconnectTokenSecret: []byte(secret),
				ReconnectTTLSlack:    reconnectTTL,
			}

			srv, err := tunnelserver.New(cfg, ":"+strconv.Itoa(port), tlsConfig)
			if err != nil {
				return fmt.Errorf("bunnel-server: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			go waitForSignal(cancel)

			if metricsAddr != "" {
				go serveMetrics(metricsAddr)
			}
			if proxyPort != 0 && tlsConfig != nil {
				go serveCleartextProxy(ctx, proxyPort, port)
			}

			logging.Sugar().Infow("bunnel-server starting", "version", version.String(), "port", port, "root_host", rootHost)
			if err := srv.ListenAndServe(ctx); err != nil {
				return fmt.Errorf("bunnel-server: %w", err)
			}
			logging.Sugar().Infow("bunnel-server exiting cleanly")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 4444, "tunnel port")
	cmd.Flags().IntVarP(&proxyPort, "proxy", "x", 5555, "optional cleartext proxy port in front of the TLS tunnel port (0 disables)")
	cmd.Flags().StringVar(&certPath, "cert", "", "TLS certificate file (PEM)")
	cmd.Flags().StringVar(&keyPath, "key", "", "TLS private key file (PEM)")
	cmd.Flags().StringSliceVar(&caPaths, "ca", nil, "trusted client CA certificate file(s) (PEM)")
	cmd.Flags().StringVar(&rootHost, "root-host", tunnelserver.DefaultRootHost, "apex host tunneled subdomains are routed under")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (empty disables)")
	cmd.Flags().Int64Var(&maxBodyBytes, "max-body-bytes", tunnelserver.DefaultMaxBodyBytes, "maximum buffered request/response body size")
	cmd.Flags().DurationVar(&reconnectTTL, "reconnect-ttl-slack", tunnelserver.DefaultReconnectTTLPad, "slack added to the grace window when minting reconnect tokens")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", tunnelserver.DefaultIdleTimeout, "reap a tunnel after this much time without traffic")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", tunnelserver.DefaultSweepInterval, "how often the idle monitor scans for expired tunnels")
	cmd.Flags().DurationVar(&graceWindow, "grace-window", tunnelserver.DefaultGraceWindow, "how long a disconnected agent may reattach before being reaped")
	cmd.Flags().DurationVar(&requestTTL, "request-timeout", tunnelserver.DefaultRequestTimeout, "how long a tunneled request waits for a response before 504")
	cmd.Flags().BoolVar(&logJSON, "log-json", true, "emit structured JSON logs instead of a human-readable console")

	cobra.OnInitialize(func() { initViperEnv("BUNNEL_SERVER") })
	return cmd
}

func initViperEnv(prefix string) {
	viper.SetEnvPrefix(prefix)
	viper.AutomaticEnv()
}

func initLogger(logJSON bool) error {
	level, ok := logging.ParseLevel(os.Getenv("BUNNEL_LOG_LEVEL"))

	var zcfg zap.Config
	if logJSON {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level

	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("bunnel-server: build logger: %w", err)
	}
	logging.Set(logger)
	if !ok {
		logging.Sugar().Warnw("bunnel-server: unrecognised BUNNEL_LOG_LEVEL, defaulting to info", "value", os.Getenv("BUNNEL_LOG_LEVEL"))
	}
	return nil
}

// buildTLSConfig loads the server certificate/key pair and, if --ca paths
// were given, an explicit client-CA pool for mutual TLS.
func buildTLSConfig(certPath, keyPath string, caPaths []string) (*tls.Config, error) {
	if certPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("bunnel-server: load TLS cert/key: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if len(caPaths) > 0 {
		pool := x509.NewCertPool()
		for _, p := range caPaths {
			pem, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("bunnel-server: read CA file %s: %w", p, err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("bunnel-server: no certificates found in CA file %s", p)
			}
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

func waitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Sugar().Infow("bunnel-server: signal received, shutting down")
	cancel()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", tunnelserver.MetricsHandler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logging.Sugar().Errorw("bunnel-server: metrics listener", "error", err)
	}
}

// serveCleartextProxy fronts the TLS tunnel port with a plain HTTP reverse
// proxy, for operators who terminate TLS upstream of this process
// (SPEC_FULL.md's cleartext-proxy supplement).
func serveCleartextProxy(ctx context.Context, proxyPort, tunnelPort int) {
	target := fmt.Sprintf("https://127.0.0.1:%d", tunnelPort)
	proxy, err := newInsecureReverseProxy(target)
	if err != nil {
		logging.Sugar().Errorw("bunnel-server: cleartext proxy setup", "error", err)
		return
	}
	srv := &http.Server{Addr: ":" + strconv.Itoa(proxyPort), Handler: proxy}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Sugar().Errorw("bunnel-server: cleartext proxy listener", "error", err)
	}
}
