package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/releasecheck/pkg/api"
	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/maintenance"
	"github.com/ethpandaops/releasecheck/pkg/worker"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long: `Start the releasecheck API server together with the maintenance loop
(stall sweep and retention) and, when providers are configured, the
in-process worker pool.`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	maxScreenshot, err := cfg.Storage.MaxScreenshotBytes()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	srv := api.NewServer(log, &cfg.API, c.engine, maxScreenshot)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	var pruner maintenance.Pruner
	if cfg.Engine.Retention.Enabled {
		pruner = c.pruner
	}

	maint := maintenance.NewService(log, c.engine, pruner, &cfg.Engine)
	if err := maint.Start(ctx); err != nil {
		_ = srv.Stop()

		return fmt.Errorf("starting maintenance: %w", err)
	}

	pool, err := startWorkerPool(ctx, cfg, c)
	if err != nil {
		_ = srv.Stop()
		_ = maint.Stop()

		return err
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop api server")
	}

	if pool != nil {
		if err := pool.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop worker pool")
		}
	}

	cancel()

	if err := maint.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop maintenance loop")
	}

	return nil
}

// startWorkerPool registers a provider runner per configured provider and
// starts the pool. It returns nil when no providers are configured.
func startWorkerPool(
	ctx context.Context, cfg *config.Config, c *components,
) (worker.Pool, error) {
	if len(cfg.Worker.Providers) == 0 {
		log.Info("No check providers configured, in-process workers disabled")

		return nil, nil
	}

	registry := worker.NewRegistry()

	for i := range cfg.Worker.Providers {
		runner, err := worker.NewProviderRunner(log, &cfg.Worker.Providers[i], nil)
		if err != nil {
			return nil, fmt.Errorf("creating provider runner: %w", err)
		}

		registry.Register(runner)
	}

	pool := worker.NewPool(log, c.store, c.engine, registry, &cfg.Worker)
	if err := pool.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting worker pool: %w", err)
	}

	return pool, nil
}
