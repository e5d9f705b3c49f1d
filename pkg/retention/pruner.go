package retention

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/go-units"
	"github.com/ethpandaops/releasecheck/pkg/storage"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultKeep is how many generations of each group the pruner retains.
const DefaultKeep = 2

// Report summarizes one pruning pass over a project.
type Report struct {
	ProjectID       uint
	ReleaseRuns     int
	TestRuns        int
	Screenshots     int
	ScreenshotBytes int64
	Payloads        int64
	Errors          int
}

// Deleted reports whether the pass removed or cleared anything.
func (r Report) Deleted() bool {
	return r.ReleaseRuns+r.TestRuns+r.Screenshots > 0 || r.Payloads > 0
}

// Pruner enforces the keep-current-and-previous rules per project. Every
// deletion is its own short transaction, so a failed pass leaves extra rows
// for the next one.
type Pruner struct {
	log   logrus.FieldLogger
	store store.Store
	blobs storage.Store
	keep  int
}

// NewPruner creates a pruner. blobs may be nil when no blob backend is
// configured; screenshot rows are then pruned without touching objects.
func NewPruner(
	log logrus.FieldLogger,
	st store.Store,
	blobs storage.Store,
	keep int,
) *Pruner {
	if keep <= 0 {
		keep = DefaultKeep
	}

	return &Pruner{
		log:   log.WithField("component", "retention"),
		store: st,
		blobs: blobs,
		keep:  keep,
	}
}

// PruneProject applies the retention rules to one project.
func (p *Pruner) PruneProject(ctx context.Context, projectID uint) (Report, error) {
	report := Report{ProjectID: projectID}
	log := p.log.WithField("project_id", projectID)

	// Release runs first so their test runs go with them.
	releases, err := p.store.ListReleaseRunRefs(ctx, projectID)
	if err != nil {
		return report, err
	}

	for _, ref := range selectStale(releases, func(store.Ref) string { return "" }, p.keep) {
		if err := p.store.DeleteReleaseRun(ctx, ref.ID); err != nil {
			log.WithError(err).WithField("release_run_id", ref.ID).
				Warn("Failed to prune release run")

			report.Errors++

			continue
		}

		report.ReleaseRuns++
	}

	runs, err := p.store.ListTestRunRefs(ctx, projectID)
	if err != nil {
		return report, err
	}

	for _, ref := range selectStale(runs, testRunGroup, p.keep) {
		if err := p.store.DeleteTestRun(ctx, ref.ID); err != nil {
			log.WithError(err).WithField("test_run_id", ref.ID).
				Warn("Failed to prune test run")

			report.Errors++

			continue
		}

		report.TestRuns++
	}

	sets, err := p.store.ListScreenshotSets(ctx, projectID)
	if err != nil {
		return report, err
	}

	for _, set := range selectStale(sets, screenshotGroup, p.keep) {
		if p.blobs != nil {
			// Keep the row when the blob survives so the next pass retries.
			if err := p.blobs.Delete(ctx, set.StorageKey); err != nil {
				log.WithError(err).WithField("storage_key", set.StorageKey).
					Warn("Failed to delete screenshot blob")

				report.Errors++

				continue
			}
		}

		if err := p.store.DeleteScreenshotSet(ctx, set.ID); err != nil {
			log.WithError(err).WithField("screenshot_set_id", set.ID).
				Warn("Failed to prune screenshot set")

			report.Errors++

			continue
		}

		report.Screenshots++
		report.ScreenshotBytes += set.SizeBytes
	}

	runs, err = p.store.ListTestRunRefs(ctx, projectID)
	if err != nil {
		return report, err
	}

	withPayload := make([]store.TestRunRef, 0, len(runs))

	for _, ref := range runs {
		if ref.HasRawPayload {
			withPayload = append(withPayload, ref)
		}
	}

	stalePayloads := selectStale(withPayload, func(r store.TestRunRef) string {
		return string(r.Type)
	}, p.keep)

	if len(stalePayloads) > 0 {
		ids := make([]uint, 0, len(stalePayloads))
		for _, ref := range stalePayloads {
			ids = append(ids, ref.ID)
		}

		cleared, err := p.store.ClearRawPayloads(ctx, ids)
		if err != nil {
			log.WithError(err).Warn("Failed to clear raw payloads")

			report.Errors++
		}

		report.Payloads = cleared
	}

	if report.Deleted() || report.Errors > 0 {
		log.WithFields(logrus.Fields{
			"release_runs":     report.ReleaseRuns,
			"test_runs":        report.TestRuns,
			"screenshots":      report.Screenshots,
			"screenshot_bytes": units.HumanSize(float64(report.ScreenshotBytes)),
			"payloads":         report.Payloads,
			"errors":           report.Errors,
		}).Info("Pruned project history")
	}

	return report, nil
}

// PruneAll prunes every known project, at most concurrency at a time.
// Per-project failures are logged and do not stop the others.
func (p *Pruner) PruneAll(ctx context.Context, concurrency int) ([]Report, error) {
	projects, err := p.store.ListProjectIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu      sync.Mutex
		reports = make([]Report, 0, len(projects))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range projects {
		g.Go(func() error {
			report, err := p.PruneProject(gctx, id)
			if err != nil {
				p.log.WithError(err).WithField("project_id", id).
					Warn("Failed to prune project")
			}

			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return reports, err
	}

	return reports, nil
}

// selectStale returns the items beyond the newest keep of each group.
// items must be ordered newest first.
func selectStale[T any](items []T, group func(T) string, keep int) []T {
	seen := make(map[string]int)

	var stale []T

	for _, item := range items {
		key := group(item)
		seen[key]++

		if seen[key] > keep {
			stale = append(stale, item)
		}
	}

	return stale
}

func testRunGroup(ref store.TestRunRef) string {
	if ref.ReleaseRunID == nil {
		return "standalone/" + string(ref.Type)
	}

	return fmt.Sprintf("%d/%s", *ref.ReleaseRunID, ref.Type)
}

func screenshotGroup(set store.ScreenshotSet) string {
	return set.URL + "\x00" + set.Viewport
}
