package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/engine"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"github.com/ethpandaops/releasecheck/pkg/worker"
)

type funcRunner struct {
	testType types.TestType
	run      func(ctx context.Context, tr *store.TestRunDetail, rec worker.Recorder) (worker.Outcome, error)
}

func (f *funcRunner) Type() types.TestType { return f.testType }

func (f *funcRunner) Run(
	ctx context.Context, tr *store.TestRunDetail, rec worker.Recorder,
) (worker.Outcome, error) {
	return f.run(ctx, tr, rec)
}

type fixture struct {
	store    store.Store
	engine   *engine.Engine
	registry worker.Registry
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.APIDatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	return &fixture{
		store:    st,
		engine:   engine.New(log, st, nil, nil, 80),
		registry: worker.NewRegistry(),
	}
}

func (f *fixture) startPool(t *testing.T) worker.Pool {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	p := worker.NewPool(log, f.store, f.engine, f.registry, &config.WorkerConfig{
		Concurrency:       2,
		PollInterval:      "10ms",
		HeartbeatInterval: "10ms",
	})
	require.NoError(t, p.Start(context.Background()))

	return p
}

func (f *fixture) release(t *testing.T, tests ...types.TestType) *engine.ReleaseRunView {
	t.Helper()

	view, err := f.engine.CreateReleaseRun(context.Background(), store.CreateReleaseRunInput{
		ProjectID:     1,
		URLs:          []string{"https://example.com/"},
		SelectedTests: tests,
	})
	require.NoError(t, err)

	return view
}

func (f *fixture) waitForStatus(t *testing.T, testRunID uint, want types.RunStatus) *store.TestRunDetail {
	t.Helper()

	var got *store.TestRunDetail

	require.Eventually(t, func() bool {
		tr, err := f.store.GetTestRun(context.Background(), testRunID)
		if err != nil {
			return false
		}

		got = tr

		return tr.Status == want
	}, 5*time.Second, 10*time.Millisecond)

	return got
}

func TestPool_RunsAndCompletes(t *testing.T) {
	f := setup(t)

	f.registry.Register(&funcRunner{
		testType: types.TestTypePagePreflight,
		run: func(ctx context.Context, tr *store.TestRunDetail, rec worker.Recorder) (worker.Outcome, error) {
			for _, u := range tr.Config.URLs {
				if _, err := rec.RecordURLResult(ctx, store.URLResultInput{
					URL: u,
					Items: []store.ResultItemInput{{
						Provider: "preflight",
						Code:     "missing-meta-description",
						Status:   types.ItemStatusFail,
						Severity: types.SeverityMedium,
					}},
				}); err != nil {
					return worker.Outcome{}, err
				}
			}

			return worker.Outcome{RawPayload: map[string]any{"preflight": "ok"}}, nil
		},
	})

	view := f.release(t, types.TestTypePagePreflight)

	p := f.startPool(t)
	defer func() { _ = p.Stop() }()

	tr := f.waitForStatus(t, view.TestRuns[0].ID, types.RunStatusSuccess)
	require.NotNil(t, tr.Score)
	assert.Equal(t, 95, *tr.Score)
	assert.Equal(t, "ok", tr.RawPayload["preflight"])
	require.Len(t, tr.URLResults, 1)

	rr, err := f.engine.GetReleaseRun(context.Background(), view.ID, false)
	require.NoError(t, err)
	assert.Equal(t, types.ReleaseStatusReady, rr.Status)
}

func TestPool_RunnerErrorFailsRun(t *testing.T) {
	f := setup(t)

	f.registry.Register(&funcRunner{
		testType: types.TestTypePerformance,
		run: func(context.Context, *store.TestRunDetail, worker.Recorder) (worker.Outcome, error) {
			return worker.Outcome{}, errors.New("pagespeed quota exceeded")
		},
	})

	view := f.release(t, types.TestTypePerformance)

	p := f.startPool(t)
	defer func() { _ = p.Stop() }()

	tr := f.waitForStatus(t, view.TestRuns[0].ID, types.RunStatusFailed)
	assert.Equal(t, "pagespeed quota exceeded", tr.Error)
}

func TestPool_RunnerPanicFailsRun(t *testing.T) {
	f := setup(t)

	f.registry.Register(&funcRunner{
		testType: types.TestTypePerformance,
		run: func(context.Context, *store.TestRunDetail, worker.Recorder) (worker.Outcome, error) {
			panic("boom")
		},
	})

	view := f.release(t, types.TestTypePerformance)

	p := f.startPool(t)
	defer func() { _ = p.Stop() }()

	tr := f.waitForStatus(t, view.TestRuns[0].ID, types.RunStatusFailed)
	assert.Contains(t, tr.Error, "runner panicked")
}

func TestPool_OnlyClaimsRegisteredTypes(t *testing.T) {
	f := setup(t)

	f.registry.Register(&funcRunner{
		testType: types.TestTypePerformance,
		run: func(context.Context, *store.TestRunDetail, worker.Recorder) (worker.Outcome, error) {
			return worker.Outcome{Status: types.RunStatusPartial, Error: "mobile strategy timed out"}, nil
		},
	})

	view := f.release(t, types.TestTypePagePreflight, types.TestTypePerformance)

	var perfID, preflightID uint

	for _, tr := range view.TestRuns {
		switch tr.Type {
		case types.TestTypePerformance:
			perfID = tr.ID
		case types.TestTypePagePreflight:
			preflightID = tr.ID
		}
	}

	p := f.startPool(t)

	tr := f.waitForStatus(t, perfID, types.RunStatusPartial)
	assert.Equal(t, "mobile strategy timed out", tr.Error)

	require.NoError(t, p.Stop())

	other, err := f.store.GetTestRun(context.Background(), preflightID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusQueued, other.Status)
}

func TestPool_StopFailsInFlightRun(t *testing.T) {
	f := setup(t)

	started := make(chan struct{})

	f.registry.Register(&funcRunner{
		testType: types.TestTypeSpelling,
		run: func(ctx context.Context, _ *store.TestRunDetail, _ worker.Recorder) (worker.Outcome, error) {
			close(started)
			<-ctx.Done()

			return worker.Outcome{}, ctx.Err()
		},
	})

	view := f.release(t, types.TestTypeSpelling)

	p := f.startPool(t)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	tr, err := f.store.GetTestRun(context.Background(), view.TestRuns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, tr.Status)
	assert.Equal(t, "worker stopped", tr.Error)
}

func TestPool_CancelledRunIsAbandoned(t *testing.T) {
	f := setup(t)

	started := make(chan struct{})
	stopped := make(chan struct{})

	f.registry.Register(&funcRunner{
		testType: types.TestTypeSpelling,
		run: func(ctx context.Context, _ *store.TestRunDetail, _ worker.Recorder) (worker.Outcome, error) {
			close(started)
			<-ctx.Done()
			close(stopped)

			return worker.Outcome{}, ctx.Err()
		},
	})

	view := f.release(t, types.TestTypeSpelling)

	p := f.startPool(t)
	defer func() { _ = p.Stop() }()

	<-started

	_, err := f.engine.CancelReleaseRun(context.Background(), view.ID)
	require.NoError(t, err)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not interrupted after cancel")
	}

	tr, err := f.store.GetTestRun(context.Background(), view.TestRuns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, tr.Status)
	assert.Equal(t, "cancelled", tr.Error)
}

func TestPool_RequeuedRunDropsPreviousAttempt(t *testing.T) {
	f := setup(t)

	var calls atomic.Int32

	started := make(chan struct{})
	staleErr := make(chan error, 1)

	f.registry.Register(&funcRunner{
		testType: types.TestTypePerformance,
		run: func(ctx context.Context, tr *store.TestRunDetail, rec worker.Recorder) (worker.Outcome, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-ctx.Done()

				// The run was claimed again, this write must not land.
				_, err := rec.RecordURLResult(context.Background(), store.URLResultInput{
					URL: "https://example.com/",
					Items: []store.ResultItemInput{{
						Provider: "lighthouse",
						Code:     "lcp",
						Status:   types.ItemStatusFail,
						Severity: types.SeverityBlocker,
					}},
				})
				staleErr <- err

				return worker.Outcome{}, ctx.Err()
			}

			_, err := rec.RecordURLResult(ctx, store.URLResultInput{
				URL: "https://example.com/",
				Items: []store.ResultItemInput{{
					Provider: "lighthouse",
					Code:     "lcp",
					Status:   types.ItemStatusPass,
				}},
			})

			return worker.Outcome{}, err
		},
	})

	view := f.release(t, types.TestTypePerformance)

	p := f.startPool(t)
	defer func() { _ = p.Stop() }()

	<-started

	_, err := f.store.RerunAll(context.Background(), view.ID)
	require.NoError(t, err)

	select {
	case err := <-staleErr:
		require.ErrorIs(t, err, store.ErrNotRunning)
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt was not interrupted after rerun")
	}

	tr := f.waitForStatus(t, view.TestRuns[0].ID, types.RunStatusSuccess)
	assert.Equal(t, uint(2), tr.Attempt)
	require.NotNil(t, tr.Score)
	assert.Equal(t, 100, *tr.Score)

	got, err := f.engine.GetReleaseRun(context.Background(), view.ID, true)
	require.NoError(t, err)
	require.Len(t, got.TestRuns, 1)
	assert.Len(t, got.TestRuns[0].URLResults, 1)
}

func TestPool_StartWithoutRunners(t *testing.T) {
	f := setup(t)

	p := worker.NewPool(logrus.New(), f.store, f.engine, f.registry, &config.WorkerConfig{})
	require.Error(t, p.Start(context.Background()))
}

func TestRegistry(t *testing.T) {
	r := worker.NewRegistry()

	_, err := r.Get(types.TestTypeSpelling)
	require.Error(t, err)

	r.Register(&funcRunner{testType: types.TestTypeSpelling})
	r.Register(&funcRunner{testType: types.TestTypePagePreflight})

	got, err := r.Get(types.TestTypeSpelling)
	require.NoError(t, err)
	assert.Equal(t, types.TestTypeSpelling, got.Type())

	assert.Equal(t, []types.TestType{types.TestTypePagePreflight, types.TestTypeSpelling}, r.List())
}
