package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hutchhq/hutch/pkg/api"
	"github.com/hutchhq/hutch/pkg/config"
	"github.com/hutchhq/hutch/pkg/gateway"
	"github.com/hutchhq/hutch/pkg/kernel"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/security"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the hutch daemon",
	Long: `Run the hutch daemon: the kernel plus both gateways.

The gRPC gateway serves the full Kernel API on listen_port; the HTTP
gateway serves the REST mapping, server-sent events, /metrics and
/healthz on http_port. Configuration comes from --config, else the
HUTCH_CONFIG file, else HUTCH_* environment variables over defaults.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Configuration file (TOML or JSON)")
	serverCmd.Flags().Duration("grace", 10*time.Second, "Shutdown grace period")
	serverCmd.Flags().Float64("rate-limit", 50, "Per-tenant HTTP requests per second (0 disables)")
	serverCmd.Flags().Int("rate-burst", 100, "Per-tenant HTTP burst size")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	grace, _ := cmd.Flags().GetDuration("grace")
	rateLimit, _ := cmd.Flags().GetFloat64("rate-limit")
	rateBurst, _ := cmd.Flags().GetInt("rate-burst")

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("daemon")

	if cfg.TLS.Enabled {
		if _, err := security.Bootstrap(cfg.CertDir, []string{"localhost"}); err != nil {
			return fmt.Errorf("bootstrap certificates: %w", err)
		}
	}

	k, err := kernel.New(cfg)
	if err != nil {
		return fmt.Errorf("build kernel: %w", err)
	}
	if err := k.Start(); err != nil {
		return fmt.Errorf("start kernel: %w", err)
	}

	// The Shutdown RPC lands here; the channel folds it into the same
	// path as signals.
	remoteShutdown := make(chan time.Duration, 1)

	apiSrv := api.NewServer(k, api.Options{
		TLS:               cfg.TLS.Enabled,
		CertDir:           cfg.CertDir,
		RequireClientCert: cfg.TLS.RequireClientCert,
		OnShutdown: func(g time.Duration) {
			select {
			case remoteShutdown <- g:
			default:
			}
		},
	})
	gwSrv := gateway.NewServer(k, gateway.Options{
		RateLimit: rate.Limit(rateLimit),
		RateBurst: rateBurst,
	})

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return apiSrv.Serve(fmt.Sprintf(":%d", cfg.ListenPort)) })
	g.Go(func() error { return gwSrv.Serve(fmt.Sprintf(":%d", cfg.HTTPPort)) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitErr := error(nil)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("signal received, shutting down")
	case requested := <-remoteShutdown:
		if requested > 0 {
			grace = requested
		}
		logger.Info().Dur("grace", grace).Msg("shutdown requested over the API")
	case fault := <-k.Fatal():
		logger.Error().Err(fault.Err).Str("component", fault.Component).Msg("fatal kernel fault")
		exitErr = fault.Err
	case <-gctx.Done():
		exitErr = g.Wait()
		logger.Error().Err(exitErr).Msg("gateway failed")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	apiSrv.Stop(stopCtx)
	_ = gwSrv.Stop(stopCtx)
	if err := k.Shutdown(stopCtx, grace); err != nil {
		logger.Error().Err(err).Msg("kernel shutdown")
		if exitErr == nil {
			exitErr = err
		}
	}
	_ = g.Wait()

	if exitErr != nil {
		return exitErr
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}
