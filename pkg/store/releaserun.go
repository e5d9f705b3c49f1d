package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethpandaops/releasecheck/pkg/scoring"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"gorm.io/gorm"
)

// CreateReleaseRunInput is the request to start a release run.
type CreateReleaseRunInput struct {
	ProjectID     uint
	Name          string
	URLs          []string
	SelectedTests []types.TestType
	Scope         types.Scope
}

// StandaloneRunInput is the request to start a test run outside of any
// release run.
type StandaloneRunInput struct {
	ProjectID uint
	Type      types.TestType
	URLs      []string
	Scope     types.Scope
}

// ReleaseRunDetail is a release run with its test runs and manual labels.
type ReleaseRunDetail struct {
	ReleaseRun
	TestRuns       []TestRunDetail    `json:"test_runs"`
	ManualStatuses []ManualTestStatus `json:"manual_statuses"`
}

// TestRunDetail is a test run with its config and, depending on the query,
// its URL results.
type TestRunDetail struct {
	TestRun
	Config     *TestRunConfig    `json:"config,omitempty"`
	URLResults []URLResultDetail `json:"url_results,omitempty"`
}

// URLResultDetail is a URL result with its items.
type URLResultDetail struct {
	URLResult
	Items []ResultItem `json:"items,omitempty"`
}

// ReadinessInput assembles the evaluator input for this release run.
func (d *ReleaseRunDetail) ReadinessInput(threshold int) scoring.Input {
	in := scoring.Input{
		Runs:          make([]scoring.RunSummary, 0, len(d.TestRuns)),
		Selected:      []types.TestType(d.SelectedTests),
		Manual:        make(map[types.TestType]types.ManualLabel, len(d.ManualStatuses)),
		PassThreshold: threshold,
	}

	for _, tr := range d.TestRuns {
		in.Runs = append(in.Runs, scoring.RunSummary{
			Type:   tr.Type,
			Status: tr.Status,
			Score:  tr.Score,
		})
	}

	for _, m := range d.ManualStatuses {
		in.Manual[m.Type] = m.StatusLabel
	}

	return in
}

type detailDepth int

const (
	depthRuns detailDepth = iota
	depthURLResults
	depthItems
)

// CreateReleaseRun validates the request and inserts the release run with
// one QUEUED test run per selected type.
func (s *store) CreateReleaseRun(
	ctx context.Context, in CreateReleaseRunInput,
) (*ReleaseRunDetail, error) {
	if in.ProjectID == 0 {
		return nil, validationErrorf("project_id is required")
	}

	urls, err := normalizeURLs(in.URLs)
	if err != nil {
		return nil, err
	}

	selected, err := normalizeTestTypes(in.SelectedTests)
	if err != nil {
		return nil, err
	}

	scope := in.Scope
	if scope == "" {
		scope = types.ScopeCustomURLs
	}

	if scope == types.ScopeSingleURL && len(urls) != 1 {
		return nil, validationErrorf("scope %s takes exactly one url, got %d",
			scope, len(urls))
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "Release " + time.Now().UTC().Format("2006-01-02 15:04")
	}

	rr := &ReleaseRun{
		ProjectID:     in.ProjectID,
		Name:          name,
		URLs:          urls,
		SelectedTests: selected,
		Status:        types.ReleaseStatusPending,
	}

	detail := &ReleaseRunDetail{
		TestRuns:       make([]TestRunDetail, 0, len(selected)),
		ManualStatuses: []ManualTestStatus{},
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rr).Error; err != nil {
			return fmt.Errorf("creating release run: %w", err)
		}

		for _, t := range selected {
			tr, cfg, err := createQueuedRun(tx, rr.ProjectID, &rr.ID, t, scope, urls)
			if err != nil {
				return err
			}

			detail.TestRuns = append(detail.TestRuns, TestRunDetail{
				TestRun: *tr,
				Config:  cfg,
			})
		}

		return nil
	}); err != nil {
		return nil, err
	}

	detail.ReleaseRun = *rr

	s.log.WithField("release_run_id", rr.ID).
		WithField("project_id", rr.ProjectID).
		WithField("tests", len(selected)).
		Info("Created release run")

	return detail, nil
}

// CreateStandaloneRun queues a site audit that is not tied to a release run.
func (s *store) CreateStandaloneRun(
	ctx context.Context, in StandaloneRunInput,
) (*TestRunDetail, error) {
	if in.ProjectID == 0 {
		return nil, validationErrorf("project_id is required")
	}

	testType := in.Type
	if testType == "" {
		testType = types.TestTypeSiteAudit
	}

	if testType != types.TestTypeSiteAudit {
		return nil, validationErrorf(
			"only %s runs can be started outside a release run",
			types.TestTypeSiteAudit)
	}

	urls, err := normalizeURLs(in.URLs)
	if err != nil {
		return nil, err
	}

	scope := in.Scope
	if scope == "" {
		scope = types.ScopeCustomURLs
	}

	if scope == types.ScopeSingleURL && len(urls) != 1 {
		return nil, validationErrorf("scope %s takes exactly one url, got %d",
			scope, len(urls))
	}

	var detail TestRunDetail

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tr, cfg, err := createQueuedRun(tx, in.ProjectID, nil, testType, scope, urls)
		if err != nil {
			return err
		}

		detail = TestRunDetail{TestRun: *tr, Config: cfg}

		return nil
	}); err != nil {
		return nil, err
	}

	return &detail, nil
}

// GetReleaseRun loads a release run and its hierarchy. Result items are
// only loaded when withResults is set.
func (s *store) GetReleaseRun(
	ctx context.Context, id uint, withResults bool,
) (*ReleaseRunDetail, error) {
	db := s.db.WithContext(ctx)

	var rr ReleaseRun
	if err := db.First(&rr, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("release run %d: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("loading release run: %w", err)
	}

	var runs []TestRun
	if err := db.Where("release_run_id = ?", id).
		Order("id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("loading test runs: %w", err)
	}

	depth := depthURLResults
	if withResults {
		depth = depthItems
	}

	details, err := loadTestRunDetails(db, runs, depth)
	if err != nil {
		return nil, err
	}

	var manual []ManualTestStatus
	if err := db.Where("release_run_id = ?", id).
		Order("type ASC").
		Find(&manual).Error; err != nil {
		return nil, fmt.Errorf("loading manual statuses: %w", err)
	}

	return &ReleaseRunDetail{
		ReleaseRun:     rr,
		TestRuns:       details,
		ManualStatuses: manual,
	}, nil
}

// ListReleaseRuns returns a project's release runs newest first, with test
// run summaries and manual labels but no URL results.
func (s *store) ListReleaseRuns(
	ctx context.Context, projectID uint,
) ([]ReleaseRunDetail, error) {
	db := s.db.WithContext(ctx)

	var rrs []ReleaseRun
	if err := db.Where("project_id = ?", projectID).
		Order("created_at DESC, id DESC").
		Find(&rrs).Error; err != nil {
		return nil, fmt.Errorf("listing release runs: %w", err)
	}

	if len(rrs) == 0 {
		return []ReleaseRunDetail{}, nil
	}

	ids := make([]uint, 0, len(rrs))
	for _, rr := range rrs {
		ids = append(ids, rr.ID)
	}

	var runs []TestRun
	if err := db.Where("release_run_id IN ?", ids).
		Order("id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing test runs: %w", err)
	}

	var manual []ManualTestStatus
	if err := db.Where("release_run_id IN ?", ids).
		Find(&manual).Error; err != nil {
		return nil, fmt.Errorf("listing manual statuses: %w", err)
	}

	out := make([]ReleaseRunDetail, len(rrs))
	index := make(map[uint]int, len(rrs))

	for i, rr := range rrs {
		out[i] = ReleaseRunDetail{
			ReleaseRun:     rr,
			TestRuns:       []TestRunDetail{},
			ManualStatuses: []ManualTestStatus{},
		}
		index[rr.ID] = i
	}

	for _, tr := range runs {
		i := index[*tr.ReleaseRunID]
		out[i].TestRuns = append(out[i].TestRuns, TestRunDetail{TestRun: tr})
	}

	for _, m := range manual {
		i := index[m.ReleaseRunID]
		out[i].ManualStatuses = append(out[i].ManualStatuses, m)
	}

	return out, nil
}

// GetTestRun loads a single test run with all of its results.
func (s *store) GetTestRun(ctx context.Context, id uint) (*TestRunDetail, error) {
	db := s.db.WithContext(ctx)

	var tr TestRun
	if err := db.First(&tr, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("test run %d: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("loading test run: %w", err)
	}

	details, err := loadTestRunDetails(db, []TestRun{tr}, depthItems)
	if err != nil {
		return nil, err
	}

	return &details[0], nil
}

// RerunTestType replaces the test run of one selected type with a fresh
// QUEUED run. Other test runs of the release are untouched.
func (s *store) RerunTestType(
	ctx context.Context, releaseRunID uint, testType types.TestType,
) (*TestRun, error) {
	var fresh *TestRun

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rr, err := loadReleaseRun(tx, releaseRunID)
		if err != nil {
			return err
		}

		if !rr.Selects(testType) {
			return validationErrorf("test type %s is not selected for release run %d",
				testType, releaseRunID)
		}

		var old []TestRun
		if err := tx.Where("release_run_id = ? AND type = ?", releaseRunID, testType).
			Find(&old).Error; err != nil {
			return fmt.Errorf("loading test runs: %w", err)
		}

		scope := types.ScopeCustomURLs
		oldIDs := make([]uint, 0, len(old))

		for _, tr := range old {
			oldIDs = append(oldIDs, tr.ID)
		}

		if len(oldIDs) > 0 {
			var cfg TestRunConfig
			err := tx.Where("test_run_id IN ?", oldIDs).Order("id DESC").Take(&cfg).Error

			switch {
			case err == nil:
				scope = cfg.Scope
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return fmt.Errorf("loading test run config: %w", err)
			}
		}

		if err := deleteTestRunsTx(tx, oldIDs); err != nil {
			return err
		}

		tr, _, err := createQueuedRun(tx, rr.ProjectID, &rr.ID, testType, scope, rr.URLs)
		if err != nil {
			return err
		}

		fresh = tr

		return setReleaseStatusTx(tx, releaseRunID, types.ReleaseStatusPending)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("release_run_id", releaseRunID).
		WithField("test_type", testType).
		WithField("test_run_id", fresh.ID).
		Info("Requeued test type")

	return fresh, nil
}

// RerunAll resets every test run of the release run to QUEUED and drops
// their results. Manual labels are kept.
func (s *store) RerunAll(ctx context.Context, releaseRunID uint) ([]TestRun, error) {
	var runs []TestRun

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rr, err := loadReleaseRun(tx, releaseRunID)
		if err != nil {
			return err
		}

		if err := tx.Where("release_run_id = ?", releaseRunID).
			Order("id ASC").
			Find(&runs).Error; err != nil {
			return fmt.Errorf("loading test runs: %w", err)
		}

		ids := make([]uint, 0, len(runs))
		for _, tr := range runs {
			ids = append(ids, tr.ID)
		}

		if len(ids) == 0 {
			return nil
		}

		if err := deleteURLResultsTx(tx, ids); err != nil {
			return err
		}

		if err := tx.Model(&TestRun{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":         types.RunStatusQueued,
				"score":          nil,
				"started_at":     nil,
				"finished_at":    nil,
				"last_heartbeat": nil,
				"raw_payload":    nil,
				"error":          "",
			}).Error; err != nil {
			return fmt.Errorf("resetting test runs: %w", err)
		}

		var cfgs []TestRunConfig
		if err := tx.Where("test_run_id IN ?", ids).Find(&cfgs).Error; err != nil {
			return fmt.Errorf("loading test run configs: %w", err)
		}

		for _, cfg := range cfgs {
			if err := tx.Model(&TestRunConfig{}).
				Where("id = ?", cfg.ID).
				Update("urls", mergeURLs(rr.URLs, cfg.URLs)).Error; err != nil {
				return fmt.Errorf("refreshing test run config: %w", err)
			}
		}

		if err := tx.Where("id IN ?", ids).Order("id ASC").Find(&runs).Error; err != nil {
			return fmt.Errorf("reloading test runs: %w", err)
		}

		return setReleaseStatusTx(tx, releaseRunID, types.ReleaseStatusPending)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("release_run_id", releaseRunID).
		WithField("test_runs", len(runs)).
		Info("Requeued all test runs")

	return runs, nil
}

// CancelReleaseRun fails every QUEUED or RUNNING test run of the release
// run and marks it FAIL. It returns the number of cancelled test runs.
func (s *store) CancelReleaseRun(ctx context.Context, releaseRunID uint) (int64, error) {
	var cancelled int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadReleaseRun(tx, releaseRunID); err != nil {
			return err
		}

		res := tx.Model(&TestRun{}).
			Where("release_run_id = ? AND status IN ?", releaseRunID,
				[]types.RunStatus{types.RunStatusQueued, types.RunStatusRunning}).
			Updates(map[string]any{
				"status":      types.RunStatusFailed,
				"finished_at": time.Now().UTC(),
				"error":       "cancelled",
			})
		if res.Error != nil {
			return fmt.Errorf("cancelling test runs: %w", res.Error)
		}

		cancelled = res.RowsAffected

		return setReleaseStatusTx(tx, releaseRunID, types.ReleaseStatusFail)
	})
	if err != nil {
		return 0, err
	}

	s.log.WithField("release_run_id", releaseRunID).
		WithField("cancelled", cancelled).
		Info("Cancelled release run")

	return cancelled, nil
}

// SetManualStatus records a reviewer label for a selected manual test type.
func (s *store) SetManualStatus(
	ctx context.Context,
	releaseRunID uint,
	testType types.TestType,
	label types.ManualLabel,
) (*ManualTestStatus, error) {
	if !testType.Manual() {
		return nil, validationErrorf("test type %s is not reviewed manually", testType)
	}

	status := &ManualTestStatus{
		ReleaseRunID: releaseRunID,
		Type:         testType,
		StatusLabel:  label,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rr, err := loadReleaseRun(tx, releaseRunID)
		if err != nil {
			return err
		}

		if !rr.Selects(testType) {
			return validationErrorf("test type %s is not selected for release run %d",
				testType, releaseRunID)
		}

		if err := tx.Where("release_run_id = ? AND type = ?", releaseRunID, testType).
			Assign(ManualTestStatus{StatusLabel: label}).
			FirstOrCreate(status).Error; err != nil {
			return fmt.Errorf("upserting manual status: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return status, nil
}

func loadReleaseRun(tx *gorm.DB, id uint) (*ReleaseRun, error) {
	var rr ReleaseRun
	if err := tx.First(&rr, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("release run %d: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("loading release run: %w", err)
	}

	return &rr, nil
}

func createQueuedRun(
	tx *gorm.DB,
	projectID uint,
	releaseRunID *uint,
	testType types.TestType,
	scope types.Scope,
	urls []string,
) (*TestRun, *TestRunConfig, error) {
	tr := &TestRun{
		ReleaseRunID: releaseRunID,
		ProjectID:    projectID,
		Type:         testType,
		Status:       types.RunStatusQueued,
	}

	if err := tx.Create(tr).Error; err != nil {
		return nil, nil, fmt.Errorf("creating test run: %w", err)
	}

	cfg := &TestRunConfig{
		TestRunID: tr.ID,
		Scope:     scope,
		URLs:      append(Strings(nil), urls...),
	}

	if err := tx.Create(cfg).Error; err != nil {
		return nil, nil, fmt.Errorf("creating test run config: %w", err)
	}

	return tr, cfg, nil
}

func setReleaseStatusTx(tx *gorm.DB, id uint, status types.ReleaseStatus) error {
	if err := tx.Model(&ReleaseRun{}).
		Where("id = ?", id).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("updating release run status: %w", err)
	}

	return nil
}

// refreshReleaseStatusTx derives the lifecycle status of a release run from
// its test runs and stores it.
func refreshReleaseStatusTx(tx *gorm.DB, id uint) (types.ReleaseStatus, error) {
	var statuses []types.RunStatus
	if err := tx.Model(&TestRun{}).
		Where("release_run_id = ?", id).
		Pluck("status", &statuses).Error; err != nil {
		return "", fmt.Errorf("loading test run statuses: %w", err)
	}

	status := lifecycleStatus(statuses)

	return status, setReleaseStatusTx(tx, id, status)
}

func lifecycleStatus(statuses []types.RunStatus) types.ReleaseStatus {
	failed := false

	for _, st := range statuses {
		switch st {
		case types.RunStatusQueued, types.RunStatusRunning:
			return types.ReleaseStatusPending
		case types.RunStatusFailed:
			failed = true
		}
	}

	if failed {
		return types.ReleaseStatusFail
	}

	return types.ReleaseStatusReady
}

// deleteTestRunsTx removes test runs and everything below them, children
// first.
func deleteTestRunsTx(tx *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}

	if err := deleteURLResultsTx(tx, ids); err != nil {
		return err
	}

	if err := tx.Where("test_run_id IN ?", ids).
		Delete(&TestRunConfig{}).Error; err != nil {
		return fmt.Errorf("deleting test run configs: %w", err)
	}

	if err := tx.Where("id IN ?", ids).Delete(&TestRun{}).Error; err != nil {
		return fmt.Errorf("deleting test runs: %w", err)
	}

	return nil
}

// deleteURLResultsTx removes the URL results of the given test runs, items
// first.
func deleteURLResultsTx(tx *gorm.DB, testRunIDs []uint) error {
	if len(testRunIDs) == 0 {
		return nil
	}

	var urlResultIDs []uint
	if err := tx.Model(&URLResult{}).
		Where("test_run_id IN ?", testRunIDs).
		Pluck("id", &urlResultIDs).Error; err != nil {
		return fmt.Errorf("listing url results: %w", err)
	}

	if len(urlResultIDs) == 0 {
		return nil
	}

	if err := tx.Where("url_result_id IN ?", urlResultIDs).
		Delete(&ResultItem{}).Error; err != nil {
		return fmt.Errorf("deleting result items: %w", err)
	}

	if err := tx.Where("id IN ?", urlResultIDs).
		Delete(&URLResult{}).Error; err != nil {
		return fmt.Errorf("deleting url results: %w", err)
	}

	return nil
}

func loadTestRunDetails(
	db *gorm.DB, runs []TestRun, depth detailDepth,
) ([]TestRunDetail, error) {
	out := make([]TestRunDetail, len(runs))
	if len(runs) == 0 {
		return out, nil
	}

	ids := make([]uint, 0, len(runs))
	index := make(map[uint]int, len(runs))

	for i, tr := range runs {
		out[i] = TestRunDetail{TestRun: tr}
		ids = append(ids, tr.ID)
		index[tr.ID] = i
	}

	var cfgs []TestRunConfig
	if err := db.Where("test_run_id IN ?", ids).Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("loading test run configs: %w", err)
	}

	for i := range cfgs {
		out[index[cfgs[i].TestRunID]].Config = &cfgs[i]
	}

	if depth < depthURLResults {
		return out, nil
	}

	var results []URLResult
	if err := db.Where("test_run_id IN ?", ids).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("loading url results: %w", err)
	}

	itemsByResult := make(map[uint][]ResultItem, len(results))

	if depth >= depthItems && len(results) > 0 {
		resultIDs := make([]uint, 0, len(results))
		for _, r := range results {
			resultIDs = append(resultIDs, r.ID)
		}

		var items []ResultItem
		if err := db.Where("url_result_id IN ?", resultIDs).
			Order("id ASC").
			Find(&items).Error; err != nil {
			return nil, fmt.Errorf("loading result items: %w", err)
		}

		for _, item := range items {
			itemsByResult[item.URLResultID] = append(itemsByResult[item.URLResultID], item)
		}
	}

	for _, r := range results {
		items := itemsByResult[r.ID]
		scoring.SortFindings(items, itemFinding)

		i := index[r.TestRunID]
		out[i].URLResults = append(out[i].URLResults, URLResultDetail{
			URLResult: r,
			Items:     items,
		})
	}

	return out, nil
}

func itemFinding(item ResultItem) scoring.Finding {
	return scoring.Finding{
		Status:   item.Status,
		Severity: item.Severity,
		Ignored:  item.Ignored,
	}
}

// normalizeURLs trims, validates and de-duplicates URLs, keeping the first
// occurrence order.
func normalizeURLs(raw []string) (Strings, error) {
	if len(raw) == 0 {
		return nil, validationErrorf("at least one url is required")
	}

	seen := make(map[string]struct{}, len(raw))
	out := make(Strings, 0, len(raw))

	for _, r := range raw {
		u := strings.TrimSpace(r)

		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" ||
			(parsed.Scheme != "http" && parsed.Scheme != "https") {
			return nil, validationErrorf("invalid url %q", r)
		}

		if _, dup := seen[u]; dup {
			continue
		}

		seen[u] = struct{}{}
		out = append(out, u)
	}

	return out, nil
}

func normalizeTestTypes(raw []types.TestType) (TestTypes, error) {
	if len(raw) == 0 {
		return nil, validationErrorf("at least one test type must be selected")
	}

	seen := make(map[types.TestType]struct{}, len(raw))
	out := make(TestTypes, 0, len(raw))

	for _, t := range raw {
		if !t.Valid() {
			return nil, validationErrorf("unknown test type %q", t)
		}

		if _, dup := seen[t]; dup {
			continue
		}

		seen[t] = struct{}{}
		out = append(out, t)
	}

	return out, nil
}

// mergeURLs returns the ordered union of a and b.
func mergeURLs(a, b []string) Strings {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make(Strings, 0, len(a)+len(b))

	for _, list := range [][]string{a, b} {
		for _, u := range list {
			if _, dup := seen[u]; dup {
				continue
			}

			seen[u] = struct{}{}
			out = append(out, u)
		}
	}

	return out
}
