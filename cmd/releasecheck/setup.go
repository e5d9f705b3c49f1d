package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/engine"
	"github.com/ethpandaops/releasecheck/pkg/retention"
	"github.com/ethpandaops/releasecheck/pkg/storage"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// components are the long-lived services shared by the commands.
type components struct {
	store  store.Store
	blobs  storage.Store
	pruner *retention.Pruner
	engine *engine.Engine
}

// loadConfig loads and validates the configuration. The config file's log
// level applies unless --log-level was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// buildComponents opens the database and blob store and wires the engine.
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	st := store.NewStore(log, &cfg.API.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	blobs, err := storage.New(log, &cfg.Storage)
	if err != nil {
		_ = st.Stop()

		return nil, fmt.Errorf("creating blob storage: %w", err)
	}

	if blobs != nil {
		if err := blobs.Preflight(ctx); err != nil {
			_ = st.Stop()

			return nil, fmt.Errorf("blob storage preflight: %w", err)
		}
	} else {
		log.Info("No blob storage configured, screenshot uploads are disabled")
	}

	c := &components{
		store: st,
		blobs: blobs,
	}

	var enginePruner engine.Pruner

	c.pruner = retention.NewPruner(log, st, blobs, cfg.Engine.Retention.Keep)

	if cfg.Engine.Retention.Enabled {
		enginePruner = c.pruner
	}

	c.engine = engine.New(log, st, enginePruner, engine.NewStoreSeeder(st),
		cfg.Engine.PassThreshold)

	if blobs != nil {
		c.engine.UseBlobStore(blobs)
	}

	return c, nil
}

func (c *components) close() {
	if err := c.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
}
