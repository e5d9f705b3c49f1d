package scoring

import "github.com/ethpandaops/releasecheck/pkg/types"

// DefaultPassThreshold is the minimum averaged score for a passing release.
const DefaultPassThreshold = 80

// Verdict is the computed readiness of a release run.
type Verdict string

// Readiness verdicts.
const (
	VerdictPass        Verdict = "PASS"
	VerdictFail        Verdict = "FAIL"
	VerdictIncomplete  Verdict = "INCOMPLETE"
	VerdictNeedsReview Verdict = "NEEDS_REVIEW"
)

// RunSummary is the part of a test run readiness depends on.
type RunSummary struct {
	Type   types.TestType
	Status types.RunStatus
	Score  *int
}

// Input carries everything Evaluate needs for one release run.
type Input struct {
	Runs          []RunSummary
	Selected      []types.TestType
	Manual        map[types.TestType]types.ManualLabel
	PassThreshold int
}

// Readiness is the outcome of Evaluate. A nil Status means the release is
// still pending.
type Readiness struct {
	Score  *int     `json:"score"`
	Status *Verdict `json:"status"`

	// TotalScored counts the selected score-bearing types while
	// CompletedScored counts every completed score-bearing run, selected or
	// not. The two intentionally use different populations.
	TotalScored     int `json:"total_scored"`
	CompletedScored int `json:"completed_scored"`
}

// Evaluate folds test run statuses, scores and manual review labels into a
// single verdict. It has no side effects.
func Evaluate(in Input) Readiness {
	threshold := in.PassThreshold
	if threshold <= 0 {
		threshold = DefaultPassThreshold
	}

	selected := make(map[types.TestType]struct{}, len(in.Selected))

	var out Readiness

	for _, t := range in.Selected {
		if _, dup := selected[t]; dup {
			continue
		}

		selected[t] = struct{}{}

		if t.ScoreBearing() {
			out.TotalScored++
		}
	}

	// An operational failure masks any quality verdict.
	for _, r := range in.Runs {
		if _, ok := selected[r.Type]; !ok || !r.Type.ScoreBearing() {
			continue
		}

		if r.Status == types.RunStatusFailed {
			out.Status = verdictPtr(VerdictIncomplete)

			return out
		}
	}

	var sum int

	for _, r := range in.Runs {
		if !r.Type.ScoreBearing() || r.Status != types.RunStatusSuccess ||
			r.Score == nil {
			continue
		}

		sum += *r.Score
		out.CompletedScored++
	}

	if out.CompletedScored > 0 {
		avg := clamp(roundedMean(sum, out.CompletedScored))
		out.Score = &avg
	}

	manualFail, manualReview := false, false

	for t, label := range in.Manual {
		if _, ok := selected[t]; !ok || !t.Manual() {
			continue
		}

		switch label {
		case types.ManualLabelFail:
			manualFail = true
		case types.ManualLabelReview:
			manualReview = true
		}
	}

	if manualFail {
		out.Status = verdictPtr(VerdictFail)

		return out
	}

	if out.Score == nil {
		return out
	}

	switch {
	case *out.Score < threshold:
		out.Status = verdictPtr(VerdictFail)
	case manualReview:
		out.Status = verdictPtr(VerdictNeedsReview)
	default:
		out.Status = verdictPtr(VerdictPass)
	}

	return out
}

func verdictPtr(v Verdict) *Verdict {
	return &v
}
