package types

import (
	"fmt"
	"strings"
)

// TestType identifies the kind of check a test run executes.
type TestType string

// Supported test types.
const (
	TestTypePagePreflight TestType = "PAGE_PREFLIGHT"
	TestTypePerformance   TestType = "PERFORMANCE"
	TestTypeScreenshots   TestType = "SCREENSHOTS"
	TestTypeSpelling      TestType = "SPELLING"
	TestTypeSiteAudit     TestType = "SITE_AUDIT"
)

// AllTestTypes lists every supported test type in presentation order.
var AllTestTypes = []TestType{
	TestTypePagePreflight,
	TestTypePerformance,
	TestTypeScreenshots,
	TestTypeSpelling,
	TestTypeSiteAudit,
}

// scoreBearing are the test types whose numeric score feeds the release
// readiness average.
var scoreBearing = map[TestType]struct{}{
	TestTypePagePreflight: {},
	TestTypePerformance:   {},
	TestTypeSpelling:      {},
	TestTypeSiteAudit:     {},
}

// manual are the test types a human reviewer labels.
var manual = map[TestType]struct{}{
	TestTypeScreenshots: {},
	TestTypeSpelling:    {},
}

// ParseTestType validates s and returns the matching test type.
func ParseTestType(s string) (TestType, error) {
	t := TestType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown test type %q", s)
	}

	return t, nil
}

// Valid reports whether t is a known test type.
func (t TestType) Valid() bool {
	for _, known := range AllTestTypes {
		if t == known {
			return true
		}
	}

	return false
}

// ScoreBearing reports whether runs of this type produce a score that is
// averaged into release readiness.
func (t TestType) ScoreBearing() bool {
	_, ok := scoreBearing[t]

	return ok
}

// Manual reports whether this type is reviewed by a human.
func (t TestType) Manual() bool {
	_, ok := manual[t]

	return ok
}

// RunStatus is the operational status of a test run.
type RunStatus string

// Test run statuses.
const (
	RunStatusQueued  RunStatus = "QUEUED"
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
	RunStatusPartial RunStatus = "PARTIAL"
)

// Terminal reports whether the status will not change without a rerun.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusPartial:
		return true
	default:
		return false
	}
}

// ParseCompletionStatus validates a worker-reported terminal status.
func ParseCompletionStatus(s string) (RunStatus, error) {
	st := RunStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Terminal() {
		return "", fmt.Errorf("invalid completion status %q", s)
	}

	return st, nil
}

// ReleaseStatus is the stored lifecycle state of a release run.
type ReleaseStatus string

// Release run lifecycle statuses.
const (
	ReleaseStatusPending ReleaseStatus = "PENDING"
	ReleaseStatusReady   ReleaseStatus = "READY"
	ReleaseStatusFail    ReleaseStatus = "FAIL"
)

// ItemStatus is the outcome of a single check.
type ItemStatus string

// Result item statuses.
const (
	ItemStatusPass ItemStatus = "PASS"
	ItemStatusFail ItemStatus = "FAIL"
	ItemStatusSkip ItemStatus = "SKIP"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPass, ItemStatusFail, ItemStatusSkip:
		return true
	default:
		return false
	}
}

// Severity grades a failed check.
type Severity string

// Severities, lowest first.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
	SeverityBlocker  Severity = "BLOCKER"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh,
		SeverityCritical, SeverityBlocker:
		return true
	default:
		return false
	}
}

// ManualLabel is a reviewer's verdict for a manual test type.
type ManualLabel string

// Manual review labels.
const (
	ManualLabelPass   ManualLabel = "PASS"
	ManualLabelReview ManualLabel = "REVIEW"
	ManualLabelFail   ManualLabel = "FAIL"
)

// ParseManualLabel validates s and returns the matching label.
func ParseManualLabel(s string) (ManualLabel, error) {
	l := ManualLabel(strings.ToUpper(strings.TrimSpace(s)))
	switch l {
	case ManualLabelPass, ManualLabelReview, ManualLabelFail:
		return l, nil
	default:
		return "", fmt.Errorf("unknown manual status label %q", s)
	}
}

// Scope controls which URLs a worker checks for a test run.
type Scope string

// Test run scopes.
const (
	ScopeSingleURL  Scope = "SINGLE_URL"
	ScopeCustomURLs Scope = "CUSTOM_URLS"
	ScopeSitemap    Scope = "SITEMAP"
)

// ParseScope validates s. An empty string selects CUSTOM_URLS.
func ParseScope(s string) (Scope, error) {
	if strings.TrimSpace(s) == "" {
		return ScopeCustomURLs, nil
	}

	sc := Scope(strings.ToUpper(strings.TrimSpace(s)))
	switch sc {
	case ScopeSingleURL, ScopeCustomURLs, ScopeSitemap:
		return sc, nil
	default:
		return "", fmt.Errorf("unknown scope %q", s)
	}
}
