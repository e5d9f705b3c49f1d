package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/releasecheck/pkg/types"
	"gorm.io/gorm"
)

// Ref identifies a row by id and creation time.
type Ref struct {
	ID        uint
	CreatedAt time.Time
}

// TestRunRef is the part of a test run the retention pruner groups by.
type TestRunRef struct {
	ID            uint
	ReleaseRunID  *uint
	Type          types.TestType
	HasRawPayload bool
	CreatedAt     time.Time
}

// ListProjectIDs returns every project that owns release runs, test runs or
// screenshots.
func (s *store) ListProjectIDs(ctx context.Context) ([]uint, error) {
	db := s.db.WithContext(ctx)
	seen := make(map[uint]struct{})

	for _, model := range []any{&ReleaseRun{}, &TestRun{}, &ScreenshotSet{}} {
		var ids []uint
		if err := db.Model(model).
			Distinct("project_id").
			Pluck("project_id", &ids).Error; err != nil {
			return nil, fmt.Errorf("listing project ids: %w", err)
		}

		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	out := make([]uint, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out, nil
}

// ListReleaseRunRefs returns a project's release runs newest first.
func (s *store) ListReleaseRunRefs(ctx context.Context, projectID uint) ([]Ref, error) {
	var refs []Ref
	if err := s.db.WithContext(ctx).
		Model(&ReleaseRun{}).
		Select("id, created_at").
		Where("project_id = ?", projectID).
		Order("created_at DESC, id DESC").
		Scan(&refs).Error; err != nil {
		return nil, fmt.Errorf("listing release run refs: %w", err)
	}

	return refs, nil
}

// ListTestRunRefs returns a project's test runs newest first.
func (s *store) ListTestRunRefs(ctx context.Context, projectID uint) ([]TestRunRef, error) {
	var refs []TestRunRef
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Select("id, release_run_id, type, created_at, "+
			"CASE WHEN raw_payload IS NULL THEN 0 ELSE 1 END AS has_raw_payload").
		Where("project_id = ?", projectID).
		Order("created_at DESC, id DESC").
		Scan(&refs).Error; err != nil {
		return nil, fmt.Errorf("listing test run refs: %w", err)
	}

	return refs, nil
}

// ListScreenshotSets returns a project's screenshot sets newest first.
func (s *store) ListScreenshotSets(
	ctx context.Context, projectID uint,
) ([]ScreenshotSet, error) {
	var sets []ScreenshotSet
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC, id DESC").
		Find(&sets).Error; err != nil {
		return nil, fmt.Errorf("listing screenshot sets: %w", err)
	}

	return sets, nil
}

// DeleteReleaseRun removes a release run with its manual labels and test
// runs, children first.
func (s *store) DeleteReleaseRun(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var runIDs []uint
		if err := tx.Model(&TestRun{}).
			Where("release_run_id = ?", id).
			Pluck("id", &runIDs).Error; err != nil {
			return fmt.Errorf("listing test runs: %w", err)
		}

		if err := deleteTestRunsTx(tx, runIDs); err != nil {
			return err
		}

		if err := tx.Where("release_run_id = ?", id).
			Delete(&ManualTestStatus{}).Error; err != nil {
			return fmt.Errorf("deleting manual statuses: %w", err)
		}

		if err := tx.Where("id = ?", id).Delete(&ReleaseRun{}).Error; err != nil {
			return fmt.Errorf("deleting release run: %w", err)
		}

		return nil
	})
}

// DeleteTestRun removes a test run with its config and results.
func (s *store) DeleteTestRun(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteTestRunsTx(tx, []uint{id})
	})
}

// DeleteScreenshotSet removes a screenshot pointer. The blob is the caller's
// concern.
func (s *store) DeleteScreenshotSet(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&ScreenshotSet{}).Error; err != nil {
		return fmt.Errorf("deleting screenshot set: %w", err)
	}

	return nil
}

// ClearRawPayloads drops the stored provider responses of the given test
// runs.
func (s *store) ClearRawPayloads(ctx context.Context, testRunIDs []uint) (int64, error) {
	if len(testRunIDs) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("id IN ? AND raw_payload IS NOT NULL", testRunIDs).
		Update("raw_payload", nil)
	if res.Error != nil {
		return 0, fmt.Errorf("clearing raw payloads: %w", res.Error)
	}

	return res.RowsAffected, nil
}
