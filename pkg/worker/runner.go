package worker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/ethpandaops/releasecheck/pkg/types"
)

// Runner executes the checks of one test type against a claimed test run.
type Runner interface {
	// Type returns the test type this runner handles.
	Type() types.TestType

	// Run performs the checks, writing per-URL results through rec as they
	// become available. A returned error fails the test run.
	Run(ctx context.Context, tr *store.TestRunDetail, rec Recorder) (Outcome, error)
}

// Recorder is how a runner writes results for the test run it is executing.
type Recorder interface {
	RecordURLResult(ctx context.Context, in store.URLResultInput) (*store.URLResultDetail, error)
	RecordScreenshot(ctx context.Context, shot Screenshot) (*store.ScreenshotSet, error)
}

// Screenshot is an image captured for one URL and viewport.
type Screenshot struct {
	URL         string
	Viewport    string
	ContentType string
	Body        io.Reader
	Size        int64
}

// Outcome is a runner's terminal report. An empty Status means SUCCESS.
type Outcome struct {
	Status     types.RunStatus
	RawPayload map[string]any
	Error      string
}

// Registry maps test types to runners.
type Registry interface {
	Get(testType types.TestType) (Runner, error)
	Register(r Runner)
	List() []types.TestType
}

// NewRegistry creates an empty registry.
func NewRegistry() Registry {
	return &registry{
		runners: make(map[types.TestType]Runner, len(types.AllTestTypes)),
	}
}

type registry struct {
	mu      sync.RWMutex
	runners map[types.TestType]Runner
}

// Ensure interface compliance.
var _ Registry = (*registry)(nil)

// Get returns the runner for the given test type.
func (r *registry) Get(testType types.TestType) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[testType]
	if !ok {
		return nil, fmt.Errorf("no runner for test type: %s", testType)
	}

	return runner, nil
}

// Register adds a runner, replacing any previous runner of the same type.
func (r *registry) Register(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runners[runner.Type()] = runner
}

// List returns the registered test types in a stable order.
func (r *registry) List() []types.TestType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.TestType, 0, len(r.runners))
	for t := range r.runners {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
