package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// GetScreenshotSet loads a single screenshot pointer.
func (s *store) GetScreenshotSet(ctx context.Context, id uint) (*ScreenshotSet, error) {
	var set ScreenshotSet

	err := s.db.WithContext(ctx).First(&set, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("screenshot %d: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("loading screenshot: %w", err)
	}

	return &set, nil
}

// ListTestRunScreenshots returns a test run's screenshots ordered by URL
// and viewport.
func (s *store) ListTestRunScreenshots(
	ctx context.Context, testRunID uint,
) ([]ScreenshotSet, error) {
	var sets []ScreenshotSet

	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", testRunID).
		Order("url ASC, viewport ASC, id ASC").
		Find(&sets).Error; err != nil {
		return nil, fmt.Errorf("listing screenshots: %w", err)
	}

	return sets, nil
}
