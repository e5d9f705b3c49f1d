package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/retention"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/sirupsen/logrus"
)

// Sweeper fails test runs that stopped heartbeating.
type Sweeper interface {
	SweepStalled(ctx context.Context, stallTimeout time.Duration) ([]store.TestRun, error)
}

// Pruner applies retention to one project or to all of them.
type Pruner interface {
	PruneProject(ctx context.Context, projectID uint) (retention.Report, error)
	PruneAll(ctx context.Context, concurrency int) ([]retention.Report, error)
}

// Options tune a single maintenance pass.
type Options struct {
	// Force prunes even when retention is disabled in the config.
	Force bool

	// ProjectID limits pruning to one project. Zero means all projects.
	ProjectID uint
}

// Result summarizes a maintenance pass.
type Result struct {
	Swept   []store.TestRun
	Reports []retention.Report
}

// Service is a background loop that sweeps stalled test runs and applies
// retention at a fixed interval.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	RunOnce(ctx context.Context, opts Options) (*Result, error)
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log          logrus.FieldLogger
	sweeper      Sweeper
	pruner       Pruner
	interval     time.Duration
	stallTimeout time.Duration
	retention    config.RetentionConfig
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewService creates a maintenance service. pruner may be nil, in which case
// only the stall sweep runs.
func NewService(
	log logrus.FieldLogger,
	sweeper Sweeper,
	pruner Pruner,
	cfg *config.EngineConfig,
) Service {
	return &service{
		log:          log.WithField("component", "maintenance"),
		sweeper:      sweeper,
		pruner:       pruner,
		interval:     cfg.SweepIntervalDuration(),
		stallTimeout: cfg.StallTimeoutDuration(),
		retention:    cfg.Retention,
		done:         make(chan struct{}),
	}
}

// Start runs an immediate pass and then one per interval until stopped.
func (s *service) Start(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"interval":          s.interval.String(),
		"stall_timeout":     s.stallTimeout.String(),
		"retention_enabled": s.retention.Enabled,
	}).Info("Starting maintenance loop")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the loop to stop and waits for it.
func (s *service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.log.Info("Maintenance loop stopped")
	})

	return nil
}

func (s *service) runPass(ctx context.Context) {
	if _, err := s.RunOnce(ctx, Options{}); err != nil && ctx.Err() == nil {
		s.log.WithError(err).Warn("Maintenance pass failed")
	}
}

// RunOnce sweeps stalled runs and, when enabled or forced, prunes. A sweep
// failure does not prevent pruning; the first error is returned.
func (s *service) RunOnce(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	res := &Result{}

	var firstErr error

	swept, err := s.sweeper.SweepStalled(ctx, s.stallTimeout)
	if err != nil {
		firstErr = err
	}

	res.Swept = swept

	if len(swept) > 0 {
		s.log.WithField("count", len(swept)).Warn("Failed stalled test runs")
	}

	if s.pruner != nil && (s.retention.Enabled || opts.Force) {
		reports, err := s.prune(ctx, opts.ProjectID)
		if err != nil && firstErr == nil {
			firstErr = err
		}

		res.Reports = reports
	}

	var (
		deletedRows int
		freedBytes  int64
	)

	for _, r := range res.Reports {
		deletedRows += r.ReleaseRuns + r.TestRuns + r.Screenshots
		freedBytes += r.ScreenshotBytes
	}

	s.log.WithFields(logrus.Fields{
		"swept":    len(res.Swept),
		"projects": len(res.Reports),
		"deleted":  deletedRows,
		"freed":    units.HumanSize(float64(freedBytes)),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("Maintenance pass completed")

	return res, firstErr
}

func (s *service) prune(ctx context.Context, projectID uint) ([]retention.Report, error) {
	if projectID != 0 {
		r, err := s.pruner.PruneProject(ctx, projectID)
		if err != nil {
			return nil, err
		}

		return []retention.Report{r}, nil
	}

	return s.pruner.PruneAll(ctx, s.retention.Concurrency)
}
