package main

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
	"github.com/ethpandaops/releasecheck/pkg/maintenance"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	forceRetention   bool
	retentionProject uint
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Sweep stalled test runs and prune old history once",
	Long: `Run a single maintenance pass: fail RUNNING test runs whose heartbeat
is older than engine.stall_timeout, then apply the retention rules.

Retention only runs when engine.retention.enabled is set, unless --force is
given. --project limits pruning to a single project.`,
	RunE: runMaintenance,
}

func init() {
	rootCmd.AddCommand(maintenanceCmd)
	maintenanceCmd.Flags().BoolVarP(&forceRetention, "force", "f", false,
		"Prune even when retention is disabled in the config")
	maintenanceCmd.Flags().UintVar(&retentionProject, "project", 0,
		"Only prune this project ID")
}

func runMaintenance(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	svc := maintenance.NewService(log, c.engine, c.pruner, &cfg.Engine)

	res, err := svc.RunOnce(ctx, maintenance.Options{
		Force:     forceRetention,
		ProjectID: retentionProject,
	})
	if err != nil {
		return fmt.Errorf("running maintenance: %w", err)
	}

	for _, tr := range res.Swept {
		log.WithFields(logrus.Fields{
			"test_run_id": tr.ID,
			"project_id":  tr.ProjectID,
			"test_type":   tr.Type,
		}).Info("Failed stalled test run")
	}

	for _, r := range res.Reports {
		if !r.Deleted() && r.Errors == 0 {
			continue
		}

		log.WithFields(logrus.Fields{
			"project_id":   r.ProjectID,
			"release_runs": r.ReleaseRuns,
			"test_runs":    r.TestRuns,
			"screenshots":  r.Screenshots,
			"freed":        units.HumanSize(float64(r.ScreenshotBytes)),
			"payloads":     r.Payloads,
			"errors":       r.Errors,
		}).Info("Pruned project")
	}

	log.WithFields(logrus.Fields{
		"swept":    len(res.Swept),
		"projects": len(res.Reports),
	}).Info("Maintenance completed")

	return nil
}
