package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/engine"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// stoppedError is recorded on runs interrupted by a pool shutdown.
const stoppedError = "worker stopped"

// Engine is the part of the engine the pool drives.
type Engine interface {
	CompleteTestRun(ctx context.Context, in store.CompleteInput) (*store.Completion, error)
	SaveScreenshot(ctx context.Context, in engine.ScreenshotUpload) (*store.ScreenshotSet, error)
}

// Pool is a set of in-process workers that claim queued test runs and
// execute them with the registered runners.
type Pool interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Pool = (*pool)(nil)

type pool struct {
	log               logrus.FieldLogger
	store             store.Store
	engine            Engine
	registry          Registry
	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a worker pool. Only test types with a registered runner
// are claimed.
func NewPool(
	log logrus.FieldLogger,
	st store.Store,
	eng Engine,
	registry Registry,
	cfg *config.WorkerConfig,
) Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &pool{
		log:               log.WithField("component", "worker"),
		store:             st,
		engine:            eng,
		registry:          registry,
		concurrency:       concurrency,
		pollInterval:      cfg.PollIntervalDuration(),
		heartbeatInterval: cfg.HeartbeatIntervalDuration(),
		done:              make(chan struct{}),
	}
}

// Start launches the workers in the background.
func (p *pool) Start(ctx context.Context) error {
	testTypes := p.registry.List()
	if len(testTypes) == 0 {
		return errors.New("no runners registered")
	}

	p.log.WithFields(logrus.Fields{
		"concurrency": p.concurrency,
		"test_types":  testTypes,
	}).Info("Starting worker pool")

	ctx, p.cancel = context.WithCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.loop(gctx, i, testTypes)

			return nil
		})
	}

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		_ = g.Wait()
	}()

	return nil
}

// Stop signals the workers to stop, cancels in-flight runs and waits.
// Calling it again is a no-op.
func (p *pool) Stop() error {
	p.stopOnce.Do(func() {
		close(p.done)

		if p.cancel != nil {
			p.cancel()
		}

		p.wg.Wait()

		p.log.Info("Worker pool stopped")
	})

	return nil
}

func (p *pool) loop(ctx context.Context, id int, testTypes []types.TestType) {
	log := p.log.WithField("worker", id)

	for {
		if p.stopping(ctx) {
			return
		}

		tr, err := p.store.ClaimNext(ctx, testTypes...)
		if err != nil {
			if !p.stopping(ctx) {
				log.WithError(err).Warn("Failed to claim test run")
			}

			p.wait(ctx)

			continue
		}

		if tr == nil {
			p.wait(ctx)

			continue
		}

		p.execute(ctx, log, tr)
	}
}

// execute runs one claimed test run to completion. The run is abandoned
// without completing when its heartbeat reports that it left RUNNING.
func (p *pool) execute(ctx context.Context, log logrus.FieldLogger, tr *store.TestRunDetail) {
	log = log.WithFields(logrus.Fields{
		"test_run_id": tr.ID,
		"test_type":   tr.Type,
	})

	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		lost   atomic.Bool
		hbDone = make(chan struct{})
	)

	go func() {
		defer close(hbDone)

		p.heartbeat(runCtx, log, tr.ID, tr.Attempt, func() {
			lost.Store(true)
			cancel()
		})
	}()

	outcome, runErr := p.run(runCtx, tr)

	cancel()
	<-hbDone

	if lost.Load() {
		log.Warn("Test run left RUNNING while executing, dropping its outcome")

		return
	}

	in := store.CompleteInput{
		TestRunID:  tr.ID,
		Attempt:    tr.Attempt,
		Status:     outcome.Status,
		RawPayload: outcome.RawPayload,
		Error:      outcome.Error,
	}

	switch {
	case runErr != nil && ctx.Err() != nil:
		in.Status = types.RunStatusFailed
		in.Error = stoppedError
	case runErr != nil:
		in.Status = types.RunStatusFailed
		in.Error = runErr.Error()
	case in.Status == "":
		in.Status = types.RunStatusSuccess
	}

	// Completion must land even when the pool is shutting down.
	c, err := p.engine.CompleteTestRun(context.WithoutCancel(ctx), in)
	if err != nil {
		log.WithError(err).Error("Failed to complete test run")

		return
	}

	log.WithFields(logrus.Fields{
		"status":   in.Status,
		"applied":  c.Applied,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Test run finished")
}

func (p *pool) run(ctx context.Context, tr *store.TestRunDetail) (out Outcome, err error) {
	runner, err := p.registry.Get(tr.Type)
	if err != nil {
		return Outcome{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()

	return runner.Run(ctx, tr, &recorder{
		engine:    p.engine,
		store:     p.store,
		testRunID: tr.ID,
		attempt:   tr.Attempt,
	})
}

// heartbeat bumps the run's liveness until ctx ends. onLost is called once
// the store reports the run is gone or no longer RUNNING.
func (p *pool) heartbeat(
	ctx context.Context, log logrus.FieldLogger, testRunID, attempt uint, onLost func(),
) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.store.Heartbeat(ctx, testRunID, attempt)
			if err == nil {
				continue
			}

			if errors.Is(err, store.ErrNotRunning) || errors.Is(err, store.ErrNotFound) {
				onLost()

				return
			}

			if ctx.Err() == nil {
				log.WithError(err).Warn("Heartbeat failed")
			}
		}
	}
}

func (p *pool) stopping(ctx context.Context) bool {
	select {
	case <-p.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (p *pool) wait(ctx context.Context) {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-p.done:
	case <-ctx.Done():
	}
}

// recorder scopes a runner's writes to the test run it is executing.
type recorder struct {
	engine    Engine
	store     store.Store
	testRunID uint
	attempt   uint
}

func (r *recorder) RecordURLResult(
	ctx context.Context, in store.URLResultInput,
) (*store.URLResultDetail, error) {
	in.TestRunID = r.testRunID
	in.Attempt = r.attempt

	return r.store.RecordURLResult(ctx, in)
}

func (r *recorder) RecordScreenshot(
	ctx context.Context, shot Screenshot,
) (*store.ScreenshotSet, error) {
	return r.engine.SaveScreenshot(ctx, engine.ScreenshotUpload{
		TestRunID:   r.testRunID,
		Attempt:     r.attempt,
		URL:         shot.URL,
		Viewport:    shot.Viewport,
		ContentType: shot.ContentType,
		Body:        shot.Body,
		Size:        shot.Size,
	})
}
