package scoring

import (
	"testing"

	"github.com/ethpandaops/releasecheck/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(tt types.TestType, status types.RunStatus, score *int) RunSummary {
	return RunSummary{Type: tt, Status: status, Score: score}
}

func TestEvaluate(t *testing.T) {
	preflight := types.TestTypePagePreflight
	perf := types.TestTypePerformance
	shots := types.TestTypeScreenshots
	spelling := types.TestTypeSpelling

	tests := []struct {
		name       string
		in         Input
		wantStatus *Verdict
		wantScore  *int
	}{
		{
			name: "failed run forces incomplete despite perfect scores",
			in: Input{
				Runs: []RunSummary{
					run(preflight, types.RunStatusSuccess, intPtr(100)),
					run(perf, types.RunStatusFailed, nil),
				},
				Selected: []types.TestType{preflight, perf},
			},
			wantStatus: verdictPtr(VerdictIncomplete),
			wantScore:  nil,
		},
		{
			name: "nothing completed is pending",
			in: Input{
				Runs: []RunSummary{
					run(preflight, types.RunStatusQueued, nil),
					run(perf, types.RunStatusRunning, nil),
				},
				Selected: []types.TestType{preflight, perf},
			},
			wantStatus: nil,
			wantScore:  nil,
		},
		{
			name: "average above threshold passes",
			in: Input{
				Runs: []RunSummary{
					run(preflight, types.RunStatusSuccess, intPtr(90)),
					run(perf, types.RunStatusSuccess, intPtr(81)),
				},
				Selected: []types.TestType{preflight, perf},
			},
			wantStatus: verdictPtr(VerdictPass),
			wantScore:  intPtr(86),
		},
		{
			name: "average exactly at threshold passes",
			in: Input{
				Runs:     []RunSummary{run(preflight, types.RunStatusSuccess, intPtr(80))},
				Selected: []types.TestType{preflight},
			},
			wantStatus: verdictPtr(VerdictPass),
			wantScore:  intPtr(80),
		},
		{
			name: "average below threshold fails",
			in: Input{
				Runs: []RunSummary{
					run(preflight, types.RunStatusSuccess, intPtr(70)),
					run(perf, types.RunStatusSuccess, intPtr(80)),
				},
				Selected: []types.TestType{preflight, perf},
			},
			wantStatus: verdictPtr(VerdictFail),
			wantScore:  intPtr(75),
		},
		{
			name: "custom threshold",
			in: Input{
				Runs:          []RunSummary{run(preflight, types.RunStatusSuccess, intPtr(70))},
				Selected:      []types.TestType{preflight},
				PassThreshold: 60,
			},
			wantStatus: verdictPtr(VerdictPass),
			wantScore:  intPtr(70),
		},
		{
			name: "partial runs do not contribute a score",
			in: Input{
				Runs: []RunSummary{
					run(preflight, types.RunStatusSuccess, intPtr(90)),
					run(perf, types.RunStatusPartial, intPtr(10)),
				},
				Selected: []types.TestType{preflight, perf},
			},
			wantStatus: verdictPtr(VerdictPass),
			wantScore:  intPtr(90),
		},
		{
			name: "manual fail overrides a passing average",
			in: Input{
				Runs: []RunSummary{
					run(preflight, types.RunStatusSuccess, intPtr(100)),
					run(shots, types.RunStatusSuccess, nil),
				},
				Selected: []types.TestType{preflight, shots},
				Manual:   map[types.TestType]types.ManualLabel{shots: types.ManualLabelFail},
			},
			wantStatus: verdictPtr(VerdictFail),
			wantScore:  intPtr(100),
		},
		{
			name: "manual review turns pass into needs review",
			in: Input{
				Runs: []RunSummary{
					run(preflight, types.RunStatusSuccess, intPtr(95)),
					run(spelling, types.RunStatusSuccess, intPtr(85)),
				},
				Selected: []types.TestType{preflight, spelling},
				Manual:   map[types.TestType]types.ManualLabel{spelling: types.ManualLabelReview},
			},
			wantStatus: verdictPtr(VerdictNeedsReview),
			wantScore:  intPtr(90),
		},
		{
			name: "manual review does not soften a numeric fail",
			in: Input{
				Runs:     []RunSummary{run(preflight, types.RunStatusSuccess, intPtr(50))},
				Selected: []types.TestType{preflight, shots},
				Manual:   map[types.TestType]types.ManualLabel{shots: types.ManualLabelReview},
			},
			wantStatus: verdictPtr(VerdictFail),
			wantScore:  intPtr(50),
		},
		{
			name: "manual label on an unselected type is ignored",
			in: Input{
				Runs:     []RunSummary{run(preflight, types.RunStatusSuccess, intPtr(95))},
				Selected: []types.TestType{preflight},
				Manual:   map[types.TestType]types.ManualLabel{shots: types.ManualLabelFail},
			},
			wantStatus: verdictPtr(VerdictPass),
			wantScore:  intPtr(95),
		},
		{
			name: "failed unselected run does not mask the verdict",
			in: Input{
				Runs: []RunSummary{
					run(preflight, types.RunStatusSuccess, intPtr(95)),
					run(types.TestTypeSiteAudit, types.RunStatusFailed, nil),
				},
				Selected: []types.TestType{preflight},
			},
			wantStatus: verdictPtr(VerdictPass),
			wantScore:  intPtr(95),
		},
		{
			name: "failed screenshots run does not mask the verdict",
			in: Input{
				Runs: []RunSummary{
					run(preflight, types.RunStatusSuccess, intPtr(95)),
					run(shots, types.RunStatusFailed, nil),
				},
				Selected: []types.TestType{preflight, shots},
			},
			wantStatus: verdictPtr(VerdictPass),
			wantScore:  intPtr(95),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.in)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantScore, got.Score)
		})
	}
}

func TestEvaluate_CountsUseDifferentPopulations(t *testing.T) {
	got := Evaluate(Input{
		Runs: []RunSummary{
			run(types.TestTypePagePreflight, types.RunStatusSuccess, intPtr(90)),
			run(types.TestTypePerformance, types.RunStatusSuccess, intPtr(70)),
		},
		Selected: []types.TestType{types.TestTypePagePreflight, types.TestTypeScreenshots},
	})

	// Denominator counts selected score-bearing types, numerator counts
	// every completed score-bearing run.
	assert.Equal(t, 1, got.TotalScored)
	assert.Equal(t, 2, got.CompletedScored)
	require.NotNil(t, got.Score)
	assert.Equal(t, 80, *got.Score)
}

func TestEvaluate_Idempotent(t *testing.T) {
	in := Input{
		Runs: []RunSummary{
			run(types.TestTypePagePreflight, types.RunStatusSuccess, intPtr(88)),
		},
		Selected: []types.TestType{types.TestTypePagePreflight},
	}

	assert.Equal(t, Evaluate(in), Evaluate(in))
}
