// Command bunnel is the agent binary: it dials a bunnel-server tunnel
// endpoint and forwards inbound HTTP to a local service (spec §6 CLI
// surface "client").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/magnitudedev/bunnel/internal/agentexec"
	"github.com/magnitudedev/bunnel/internal/logging"
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
		local        string
		tunnel       string
		selfSigned   bool
		logJSON      bool
		maxBodyBytes int64
	)

	cmd := &cobra.Command{
		Use:   "bunnel",
		Short: "Expose a local service through a bunnel-server reverse tunnel",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range []string{"local", "tunnel", "self-signed", "log-json", "max-body-bytes"} {
				if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
					return fmt.Errorf("bunnel: bind flag %s: %w", name, err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			local = viper.GetString("local")
			tunnel = viper.GetString("tunnel")
			selfSigned = viper.GetBool("self-signed")
			logJSON = viper.GetBool("log-json")
			maxBodyBytes = viper.GetInt64("max-body-bytes")

			if local == "" || tunnel == "" {
				return fmt.Errorf("bunnel: both --local and --tunnel are required (or BUNNEL_AGENT_LOCAL / BUNNEL_AGENT_TUNNEL)")
			}
			if err := initLogger(logJSON); err != nil {
				return err
			}
			defer logging.Logger().Sync()

			executor := agentexec.New(&agentexec.Config{
				LocalURL:           local,
				TunnelURL:          tunnel,
				InsecureSkipVerify: selfSigned,
				MaxBodyBytes:       maxBodyBytes,
			})

			ctx, cancel := context.WithCancel(context.Background())
			go waitForSignal(cancel)

			runErrCh := make(chan error, 1)
			go func() { runErrCh <- executor.Run(ctx) }()

			result, err := executor.Connect(ctx)
			if err != nil {
				cancel()
				return fmt.Errorf("bunnel: %w", err)
			}
			logging.Sugar().Infow("bunnel: tunnel established", "subdomain", result.Subdomain, "url", result.TunnelURL)
			fmt.Printf("Forwarding %s -> %s\n", result.TunnelURL, local)

			err = <-runErrCh
			if err != nil && err != context.Canceled {
				return fmt.Errorf("bunnel: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&local, "local", "l", "", "URL of the local service to expose (required; env BUNNEL_AGENT_LOCAL)")
	cmd.Flags().StringVarP(&tunnel, "tunnel", "t", "", "URL of the bunnel-server control endpoint (required; env BUNNEL_AGENT_TUNNEL)")
	cmd.Flags().BoolVarP(&selfSigned, "self-signed", "s", false, "permit self-signed TLS when connecting to the tunnel server")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of a human-readable console")
	cmd.Flags().Int64Var(&maxBodyBytes, "max-body-bytes", agentexec.DefaultMaxBodyBytes, "maximum buffered local-response body size")

	cobra.OnInitialize(func() { initViperEnv("BUNNEL_AGENT") })
	return cmd
}

func initViperEnv(prefix string) {
	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
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
		return fmt.Errorf("bunnel: build logger: %w", err)
	}
	logging.Set(logger)
	logging.Sugar().Infow("bunnel starting", "version", version.String())
	if !ok {
		logging.Sugar().Warnw("bunnel: unrecognised BUNNEL_LOG_LEVEL, defaulting to info", "value", os.Getenv("BUNNEL_LOG_LEVEL"))
	}
	return nil
}

func waitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Sugar().Infow("bunnel: signal received, disconnecting")
	cancel()
}
