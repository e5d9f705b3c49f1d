package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/releasecheck/pkg/scoring"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"gorm.io/gorm"
)

// maxClaimAttempts bounds how often ClaimNext reselects after losing a race
// before it reports an empty queue.
const maxClaimAttempts = 10

var errQueueEmpty = errors.New("queue empty")

// CompleteInput is a worker's terminal report for a test run.
type CompleteInput struct {
	TestRunID  uint
	Attempt    uint
	Status     types.RunStatus
	RawPayload map[string]any
	Error      string
}

// Completion is the outcome of CompleteTestRun. Applied is false when the
// run had already left RUNNING, e.g. after a cancel or a stall sweep.
type Completion struct {
	TestRun         TestRun             `json:"test_run"`
	Applied         bool                `json:"applied"`
	ReleaseStatus   types.ReleaseStatus `json:"release_status,omitempty"`
	ReleaseTerminal bool                `json:"release_terminal"`
}

// URLResultInput is a worker's result for one URL.
type URLResultInput struct {
	TestRunID         uint              `json:"-"`
	Attempt           uint              `json:"attempt"`
	URL               string            `json:"url"`
	Viewport          *string           `json:"viewport,omitempty"`
	AdditionalMetrics map[string]any    `json:"additional_metrics,omitempty"`
	Items             []ResultItemInput `json:"items"`
}

// ResultItemInput is a single normalized finding from a provider.
type ResultItemInput struct {
	Provider string           `json:"provider"`
	Code     string           `json:"code"`
	Name     string           `json:"name"`
	Status   types.ItemStatus `json:"status"`
	Severity types.Severity   `json:"severity,omitempty"`
	Meta     map[string]any   `json:"meta,omitempty"`
}

// ClaimNext atomically moves the oldest QUEUED test run to RUNNING and
// returns it. When testTypes is non-empty only those types are considered.
// It returns nil when nothing is queued.
func (s *store) ClaimNext(
	ctx context.Context, testTypes ...types.TestType,
) (*TestRunDetail, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var claimed *TestRunDetail

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var candidate TestRun

			q := tx.Where("status = ?", types.RunStatusQueued)
			if len(testTypes) > 0 {
				q = q.Where("type IN ?", testTypes)
			}

			err := q.Order("created_at ASC, id ASC").Take(&candidate).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errQueueEmpty
			}

			if err != nil {
				return fmt.Errorf("selecting queued test run: %w", err)
			}

			now := time.Now().UTC()

			res := tx.Model(&TestRun{}).
				Where("id = ? AND status = ?", candidate.ID, types.RunStatusQueued).
				Updates(map[string]any{
					"status":         types.RunStatusRunning,
					"attempt":        gorm.Expr("attempt + 1"),
					"started_at":     now,
					"last_heartbeat": now,
				})
			if res.Error != nil {
				return fmt.Errorf("claiming test run: %w", res.Error)
			}

			// Another worker got there first.
			if res.RowsAffected == 0 {
				return nil
			}

			candidate.Status = types.RunStatusRunning
			candidate.Attempt++
			candidate.StartedAt = &now
			candidate.LastHeartbeat = &now

			details, err := loadTestRunDetails(tx, []TestRun{candidate}, depthRuns)
			if err != nil {
				return err
			}

			claimed = &details[0]

			return nil
		})
		if errors.Is(err, errQueueEmpty) {
			return nil, nil
		}

		if err != nil {
			return nil, err
		}

		if claimed != nil {
			s.log.WithField("test_run_id", claimed.ID).
				WithField("test_type", claimed.Type).
				Debug("Claimed test run")

			return claimed, nil
		}
	}

	s.log.WithField("attempts", maxClaimAttempts).
		Warn("Gave up claiming after repeated races")

	return nil, nil
}

// Heartbeat refreshes the liveness timestamp of a RUNNING test run. A
// heartbeat for an older claim attempt reports ErrNotRunning.
func (s *store) Heartbeat(ctx context.Context, testRunID, attempt uint) error {
	db := s.db.WithContext(ctx)

	res := db.Model(&TestRun{}).
		Where("id = ? AND status = ? AND attempt = ?",
			testRunID, types.RunStatusRunning, attempt).
		Update("last_heartbeat", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("recording heartbeat: %w", res.Error)
	}

	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&TestRun{}).Where("id = ?", testRunID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("checking test run: %w", err)
	}

	if count == 0 {
		return fmt.Errorf("test run %d: %w", testRunID, ErrNotFound)
	}

	return fmt.Errorf("test run %d: %w", testRunID, ErrNotRunning)
}

// SweepStalled fails RUNNING test runs whose last heartbeat is older than
// cutoff and refreshes their release runs. Calling it twice is harmless.
func (s *store) SweepStalled(ctx context.Context, cutoff time.Time) ([]TestRun, error) {
	cutoff = cutoff.UTC()

	var swept []TestRun

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []TestRun
		if err := tx.Where("status = ? AND last_heartbeat < ?",
			types.RunStatusRunning, cutoff).
			Find(&candidates).Error; err != nil {
			return fmt.Errorf("finding stalled test runs: %w", err)
		}

		releases := make(map[uint]struct{})
		now := time.Now().UTC()

		for _, tr := range candidates {
			msg := "stalled: no heartbeat since " + tr.LastHeartbeat.UTC().Format(time.RFC3339)

			res := tx.Model(&TestRun{}).
				Where("id = ? AND status = ? AND last_heartbeat < ?",
					tr.ID, types.RunStatusRunning, cutoff).
				Updates(map[string]any{
					"status":      types.RunStatusFailed,
					"finished_at": now,
					"error":       msg,
				})
			if res.Error != nil {
				return fmt.Errorf("failing stalled test run %d: %w", tr.ID, res.Error)
			}

			if res.RowsAffected == 0 {
				continue
			}

			tr.Status = types.RunStatusFailed
			tr.FinishedAt = &now
			tr.Error = msg
			swept = append(swept, tr)

			if tr.ReleaseRunID != nil {
				releases[*tr.ReleaseRunID] = struct{}{}
			}
		}

		for id := range releases {
			if _, err := refreshReleaseStatusTx(tx, id); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(swept) > 0 {
		s.log.WithField("count", len(swept)).
			WithField("cutoff", cutoff).
			Warn("Failed stalled test runs")
	}

	return swept, nil
}

// CompleteTestRun records the worker's terminal status. A run that already
// left RUNNING, or was claimed again since in.Attempt, is returned unchanged
// with Applied set to false.
func (s *store) CompleteTestRun(ctx context.Context, in CompleteInput) (*Completion, error) {
	if !in.Status.Terminal() {
		return nil, validationErrorf("invalid completion status %q", in.Status)
	}

	out := &Completion{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tr, err := loadTestRun(tx, in.TestRunID)
		if err != nil {
			return err
		}

		score, err := testRunScoreTx(tx, tr.ID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()

		res := tx.Model(&TestRun{}).
			Where("id = ? AND status = ? AND attempt = ?",
				tr.ID, types.RunStatusRunning, in.Attempt).
			Updates(map[string]any{
				"status":      in.Status,
				"finished_at": now,
				"raw_payload": JSONMap(in.RawPayload),
				"error":       strings.TrimSpace(in.Error),
				"score":       score,
			})
		if res.Error != nil {
			return fmt.Errorf("completing test run: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			out.TestRun = *tr

			return nil
		}

		out.Applied = true

		tr.Status = in.Status
		tr.FinishedAt = &now
		tr.RawPayload = in.RawPayload
		tr.Error = strings.TrimSpace(in.Error)
		tr.Score = score
		out.TestRun = *tr

		if tr.ReleaseRunID == nil {
			return nil
		}

		status, err := refreshReleaseStatusTx(tx, *tr.ReleaseRunID)
		if err != nil {
			return err
		}

		out.ReleaseStatus = status
		out.ReleaseTerminal = status != types.ReleaseStatusPending

		return nil
	})
	if err != nil {
		return nil, err
	}

	log := s.log.WithField("test_run_id", in.TestRunID).
		WithField("status", in.Status)

	if out.Applied {
		log.Info("Completed test run")
	} else {
		log.WithField("current_status", out.TestRun.Status).
			Debug("Ignored completion for test run that is no longer running")
	}

	return out, nil
}

// RecordURLResult stores a worker's result for one URL. Existing ignore
// rules for the project, URL and code are applied so reruns keep earlier
// decisions. URL and test run scores are recomputed in the same transaction.
func (s *store) RecordURLResult(
	ctx context.Context, in URLResultInput,
) (*URLResultDetail, error) {
	if strings.TrimSpace(in.URL) == "" {
		return nil, validationErrorf("url is required")
	}

	for i, item := range in.Items {
		if err := validateItem(item); err != nil {
			return nil, validationErrorf("item %d: %s", i, err)
		}
	}

	var detail URLResultDetail

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tr, err := runningTestRunTx(tx, in.TestRunID, in.Attempt)
		if err != nil {
			return err
		}

		ignored, err := ignoredCodesTx(tx, tr.ProjectID, in.URL)
		if err != nil {
			return err
		}

		items := make([]ResultItem, 0, len(in.Items))
		findings := make([]scoring.Finding, 0, len(in.Items))
		issues := 0

		for _, it := range in.Items {
			item := ResultItem{
				Provider: it.Provider,
				Code:     it.Code,
				Name:     it.Name,
				Status:   it.Status,
				Severity: it.Severity,
				Meta:     it.Meta,
			}

			if _, ok := ignored[it.Code]; ok {
				item.Ignored = true
			}

			if item.Status == types.ItemStatusFail {
				issues++
			}

			items = append(items, item)
			findings = append(findings, itemFinding(item))
		}

		score := scoring.ScoreURLResult(findings)

		result := URLResult{
			TestRunID:         tr.ID,
			URL:               in.URL,
			Viewport:          in.Viewport,
			Score:             &score,
			AdditionalMetrics: in.AdditionalMetrics,
			IssueCount:        issues,
		}

		if err := tx.Create(&result).Error; err != nil {
			return fmt.Errorf("creating url result: %w", err)
		}

		for i := range items {
			items[i].URLResultID = result.ID
		}

		if len(items) > 0 {
			if err := tx.CreateInBatches(items, 100).Error; err != nil {
				return fmt.Errorf("creating result items: %w", err)
			}
		}

		if _, err := updateTestRunScoreTx(tx, tr.ID); err != nil {
			return err
		}

		detail = URLResultDetail{URLResult: result, Items: items}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &detail, nil
}

// RecordScreenshotSet stores a screenshot pointer for a RUNNING test run
// claimed as attempt. The project is taken from the test run.
func (s *store) RecordScreenshotSet(
	ctx context.Context, set *ScreenshotSet, attempt uint,
) error {
	if set.URL == "" || set.StorageKey == "" {
		return validationErrorf("screenshot url and storage key are required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tr, err := runningTestRunTx(tx, set.TestRunID, attempt)
		if err != nil {
			return err
		}

		set.ProjectID = tr.ProjectID

		if err := tx.Create(set).Error; err != nil {
			return fmt.Errorf("creating screenshot set: %w", err)
		}

		return nil
	})
}

func validateItem(item ResultItemInput) error {
	if strings.TrimSpace(item.Code) == "" {
		return errors.New("code is required")
	}

	if !item.Status.Valid() {
		return fmt.Errorf("invalid status %q", item.Status)
	}

	if item.Status == types.ItemStatusFail {
		if !item.Severity.Valid() {
			return fmt.Errorf("failed check %s needs a valid severity, got %q",
				item.Code, item.Severity)
		}

		return nil
	}

	if item.Severity != "" {
		return fmt.Errorf("check %s is %s and cannot carry a severity",
			item.Code, item.Status)
	}

	return nil
}

func loadTestRun(tx *gorm.DB, id uint) (*TestRun, error) {
	var tr TestRun
	if err := tx.First(&tr, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("test run %d: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("loading test run: %w", err)
	}

	return &tr, nil
}

// runningTestRunTx loads a test run and checks it is RUNNING under the
// given claim attempt.
func runningTestRunTx(tx *gorm.DB, id, attempt uint) (*TestRun, error) {
	tr, err := loadTestRun(tx, id)
	if err != nil {
		return nil, err
	}

	if tr.Status != types.RunStatusRunning {
		return nil, fmt.Errorf("test run %d is %s: %w", tr.ID, tr.Status, ErrNotRunning)
	}

	if tr.Attempt != attempt {
		return nil, fmt.Errorf("test run %d was claimed again (attempt %d, have %d): %w",
			tr.ID, tr.Attempt, attempt, ErrNotRunning)
	}

	return tr, nil
}

// ignoredCodesTx returns the ignored codes for one project and URL.
func ignoredCodesTx(tx *gorm.DB, projectID uint, url string) (map[string]struct{}, error) {
	var codes []string
	if err := tx.Model(&IgnoredRule{}).
		Where("project_id = ? AND url = ?", projectID, url).
		Pluck("code", &codes).Error; err != nil {
		return nil, fmt.Errorf("loading ignored rules: %w", err)
	}

	out := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		out[c] = struct{}{}
	}

	return out, nil
}

// testRunScoreTx aggregates the stored URL result scores of a test run.
func testRunScoreTx(tx *gorm.DB, testRunID uint) (*int, error) {
	var scores []*int
	if err := tx.Model(&URLResult{}).
		Where("test_run_id = ?", testRunID).
		Pluck("score", &scores).Error; err != nil {
		return nil, fmt.Errorf("loading url result scores: %w", err)
	}

	return scoring.ScoreTestRun(scores), nil
}

func updateTestRunScoreTx(tx *gorm.DB, testRunID uint) (*int, error) {
	score, err := testRunScoreTx(tx, testRunID)
	if err != nil {
		return nil, err
	}

	if err := tx.Model(&TestRun{}).
		Where("id = ?", testRunID).
		Update("score", score).Error; err != nil {
		return nil, fmt.Errorf("updating test run score: %w", err)
	}

	return score, nil
}
