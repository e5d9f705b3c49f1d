package engine

import (
	"context"
	"time"

	"github.com/ethpandaops/releasecheck/pkg/retention"
	"github.com/ethpandaops/releasecheck/pkg/scoring"
	"github.com/ethpandaops/releasecheck/pkg/storage"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/sirupsen/logrus"
)

// Pruner prunes a project's history.
type Pruner interface {
	PruneProject(ctx context.Context, projectID uint) (retention.Report, error)
}

// ReleaseRunView is a release run together with its computed readiness.
type ReleaseRunView struct {
	*store.ReleaseRunDetail
	Readiness scoring.Readiness `json:"readiness"`
}

// Engine wraps the store with the side effects that follow state changes:
// readiness on read, pruning after a release run finishes and dictionary
// seeding after an ignore. Side effects never fail the operation.
type Engine struct {
	log       logrus.FieldLogger
	store     store.Store
	pruner    Pruner
	seeder    DictionarySeeder
	blobs     storage.Store
	threshold int
}

// New creates an Engine. pruner and seeder may be nil to disable the
// corresponding side effect.
func New(
	log logrus.FieldLogger,
	st store.Store,
	pruner Pruner,
	seeder DictionarySeeder,
	passThreshold int,
) *Engine {
	if passThreshold <= 0 {
		passThreshold = scoring.DefaultPassThreshold
	}

	return &Engine{
		log:       log.WithField("component", "engine"),
		store:     st,
		pruner:    pruner,
		seeder:    seeder,
		threshold: passThreshold,
	}
}

// UseBlobStore enables screenshot uploads backed by blobs.
func (e *Engine) UseBlobStore(blobs storage.Store) {
	e.blobs = blobs
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store {
	return e.store
}

// View attaches readiness to a release run.
func (e *Engine) View(d *store.ReleaseRunDetail) *ReleaseRunView {
	return &ReleaseRunView{
		ReleaseRunDetail: d,
		Readiness:        scoring.Evaluate(d.ReadinessInput(e.threshold)),
	}
}

// CreateReleaseRun creates a release run and returns its view.
func (e *Engine) CreateReleaseRun(
	ctx context.Context, in store.CreateReleaseRunInput,
) (*ReleaseRunView, error) {
	d, err := e.store.CreateReleaseRun(ctx, in)
	if err != nil {
		return nil, err
	}

	return e.View(d), nil
}

// GetReleaseRun loads a release run with readiness.
func (e *Engine) GetReleaseRun(
	ctx context.Context, id uint, withResults bool,
) (*ReleaseRunView, error) {
	d, err := e.store.GetReleaseRun(ctx, id, withResults)
	if err != nil {
		return nil, err
	}

	return e.View(d), nil
}

// ListReleaseRuns lists a project's release runs with readiness.
func (e *Engine) ListReleaseRuns(
	ctx context.Context, projectID uint,
) ([]*ReleaseRunView, error) {
	list, err := e.store.ListReleaseRuns(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := make([]*ReleaseRunView, 0, len(list))
	for i := range list {
		out = append(out, e.View(&list[i]))
	}

	return out, nil
}

// CompleteTestRun records a worker's completion and prunes the project once
// the release run is terminal.
func (e *Engine) CompleteTestRun(
	ctx context.Context, in store.CompleteInput,
) (*store.Completion, error) {
	c, err := e.store.CompleteTestRun(ctx, in)
	if err != nil {
		return nil, err
	}

	if c.Applied && c.ReleaseTerminal {
		e.prune(ctx, c.TestRun.ProjectID)
	}

	return c, nil
}

// CancelReleaseRun cancels a release run and prunes its project.
func (e *Engine) CancelReleaseRun(ctx context.Context, releaseRunID uint) (int64, error) {
	rr, err := e.store.GetReleaseRun(ctx, releaseRunID, false)
	if err != nil {
		return 0, err
	}

	n, err := e.store.CancelReleaseRun(ctx, releaseRunID)
	if err != nil {
		return 0, err
	}

	e.prune(ctx, rr.ProjectID)

	return n, nil
}

// SweepStalled fails test runs whose heartbeat is older than stallTimeout
// and prunes the projects whose release runs were affected.
func (e *Engine) SweepStalled(
	ctx context.Context, stallTimeout time.Duration,
) ([]store.TestRun, error) {
	swept, err := e.store.SweepStalled(ctx, time.Now().Add(-stallTimeout))
	if err != nil {
		return nil, err
	}

	projects := make(map[uint]struct{})

	for _, tr := range swept {
		if tr.ReleaseRunID != nil {
			projects[tr.ProjectID] = struct{}{}
		}
	}

	for id := range projects {
		e.prune(ctx, id)
	}

	return swept, nil
}

// SetIgnored toggles a finding and, for freshly ignored spelling findings,
// seeds the project dictionary.
func (e *Engine) SetIgnored(
	ctx context.Context, itemID uint, ignored bool,
) (*store.IgnoreResult, error) {
	res, err := e.store.SetIgnored(ctx, itemID, ignored)
	if err != nil {
		return nil, err
	}

	if res.FreshlyIgnored {
		e.seedDictionary(ctx, res)
	}

	return res, nil
}

func (e *Engine) prune(ctx context.Context, projectID uint) {
	if e.pruner == nil {
		return
	}

	if _, err := e.pruner.PruneProject(ctx, projectID); err != nil {
		e.log.WithError(err).
			WithField("project_id", projectID).
			Warn("Retention pass failed")
	}
}
