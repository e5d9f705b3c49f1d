package scoring

import (
	"math"
	"sort"

	"github.com/ethpandaops/releasecheck/pkg/types"
)

const (
	// MaxScore is the score of a URL without any penalized findings.
	MaxScore = 100

	// MinScore is the floor every score is clamped to.
	MinScore = 0
)

// penalties maps each severity to the points a failed, non-ignored finding
// subtracts. Values must increase with severity.
var penalties = map[types.Severity]int{
	types.SeverityLow:      2,
	types.SeverityMedium:   5,
	types.SeverityHigh:     10,
	types.SeverityCritical: 20,
	types.SeverityBlocker:  40,
}

// Finding is the scoring view of a single result item.
type Finding struct {
	Status   types.ItemStatus
	Severity types.Severity
	Ignored  bool
}

// Penalty returns the points a finding subtracts from its URL score.
// PASS, SKIP, ignored and severity-less findings cost nothing.
func Penalty(f Finding) int {
	if f.Status != types.ItemStatusFail || f.Ignored || f.Severity == "" {
		return 0
	}

	return penalties[f.Severity]
}

// ScoreURLResult computes the 0-100 score of a URL from its findings.
// Penalties are summed, so the result does not depend on input order.
func ScoreURLResult(findings []Finding) int {
	total := 0
	for _, f := range findings {
		total += Penalty(f)
	}

	return clamp(MaxScore - total)
}

// ScoreTestRun averages the non-nil URL scores of a test run and rounds the
// result. It returns nil when no URL has been scored yet.
func ScoreTestRun(urlScores []*int) *int {
	var (
		sum   int
		count int
	)

	for _, s := range urlScores {
		if s == nil {
			continue
		}

		sum += *s
		count++
	}

	if count == 0 {
		return nil
	}

	avg := clamp(roundedMean(sum, count))

	return &avg
}

// SortOrder ranks a severity for presentation. Higher penalties rank first
// (lower value); unknown or empty severities rank after all known ones.
func SortOrder(sev types.Severity) int {
	p, ok := penalties[sev]
	if !ok {
		return len(penalties)
	}

	order := 0

	for _, other := range penalties {
		if other > p {
			order++
		}
	}

	return order
}

// SortFindings orders findings for display: failures by descending penalty
// first, then everything else. The sort is stable.
func SortFindings[T any](items []T, finding func(T) Finding) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := finding(items[i]), finding(items[j])

		return rank(a) < rank(b)
	})
}

func rank(f Finding) int {
	if f.Status != types.ItemStatusFail {
		return len(penalties) + 1
	}

	return SortOrder(f.Severity)
}

func roundedMean(sum, count int) int {
	return int(math.Round(float64(sum) / float64(count)))
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}

	if score > MaxScore {
		return MaxScore
	}

	return score
}
