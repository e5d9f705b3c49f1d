package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/releasecheck/pkg/scoring"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IgnoreResult is the outcome of SetIgnored with the recomputed scores.
type IgnoreResult struct {
	ResultItem     ResultItem     `json:"result_item"`
	URLResultScore *int           `json:"url_result_score"`
	TestRunScore   *int           `json:"test_run_score"`
	ProjectID      uint           `json:"-"`
	TestRunID      uint           `json:"-"`
	TestRunType    types.TestType `json:"-"`
	URL            string         `json:"-"`

	// FreshlyIgnored is set when the item went from not ignored to ignored.
	FreshlyIgnored bool `json:"-"`
}

// SetIgnored flips the ignored flag of a result item, keeps the matching
// ignore rule in step and cascades the score change up to the test runs.
// The rule is keyed on project, URL and code, so every item it covers
// follows, including items of other viewports and other test runs.
func (s *store) SetIgnored(
	ctx context.Context, itemID uint, ignored bool,
) (*IgnoreResult, error) {
	out := &IgnoreResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item ResultItem
		if err := tx.First(&item, itemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("result item %d: %w", itemID, ErrNotFound)
			}

			return fmt.Errorf("loading result item: %w", err)
		}

		var result URLResult
		if err := tx.First(&result, item.URLResultID).Error; err != nil {
			return fmt.Errorf("loading url result: %w", err)
		}

		tr, err := loadTestRun(tx, result.TestRunID)
		if err != nil {
			return err
		}

		out.FreshlyIgnored = !item.Ignored && ignored

		var resultIDs []uint
		if err := tx.Model(&URLResult{}).
			Joins("JOIN test_runs ON test_runs.id = url_results.test_run_id").
			Where("test_runs.project_id = ? AND url_results.url = ?", tr.ProjectID, result.URL).
			Where("EXISTS (SELECT 1 FROM result_items WHERE "+
				"result_items.url_result_id = url_results.id AND result_items.code = ?)", item.Code).
			Order("url_results.id ASC").
			Pluck("url_results.id", &resultIDs).Error; err != nil {
			return fmt.Errorf("finding url results for rule: %w", err)
		}

		if err := tx.Model(&ResultItem{}).
			Where("url_result_id IN ? AND code = ?", resultIDs, item.Code).
			Update("ignored", ignored).Error; err != nil {
			return fmt.Errorf("updating result items: %w", err)
		}

		item.Ignored = ignored

		if ignored {
			rule := IgnoredRule{
				ProjectID: tr.ProjectID,
				URL:       result.URL,
				Code:      item.Code,
			}

			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&rule).Error; err != nil {
				return fmt.Errorf("creating ignored rule: %w", err)
			}
		} else {
			if err := tx.Where("project_id = ? AND url = ? AND code = ?",
				tr.ProjectID, result.URL, item.Code).
				Delete(&IgnoredRule{}).Error; err != nil {
				return fmt.Errorf("deleting ignored rule: %w", err)
			}
		}

		runIDs := make(map[uint]struct{})

		for _, id := range resultIDs {
			runID, score, err := updateURLResultScoreTx(tx, id)
			if err != nil {
				return err
			}

			runIDs[runID] = struct{}{}

			if id == result.ID {
				out.URLResultScore = &score
			}
		}

		for id := range runIDs {
			runScore, err := updateTestRunScoreTx(tx, id)
			if err != nil {
				return err
			}

			if id == tr.ID {
				out.TestRunScore = runScore
			}
		}

		out.ResultItem = item
		out.ProjectID = tr.ProjectID
		out.TestRunID = tr.ID
		out.TestRunType = tr.Type
		out.URL = result.URL

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("result_item_id", itemID).
		WithField("ignored", ignored).
		WithField("code", out.ResultItem.Code).
		Info("Updated ignored flag")

	return out, nil
}

// updateURLResultScoreTx rescores a URL result from its current items and
// returns its test run ID along with the new score.
func updateURLResultScoreTx(tx *gorm.DB, urlResultID uint) (uint, int, error) {
	var result URLResult
	if err := tx.First(&result, urlResultID).Error; err != nil {
		return 0, 0, fmt.Errorf("loading url result: %w", err)
	}

	var items []ResultItem
	if err := tx.Where("url_result_id = ?", urlResultID).
		Find(&items).Error; err != nil {
		return 0, 0, fmt.Errorf("loading result items: %w", err)
	}

	findings := make([]scoring.Finding, 0, len(items))
	for _, it := range items {
		findings = append(findings, itemFinding(it))
	}

	score := scoring.ScoreURLResult(findings)

	if err := tx.Model(&URLResult{}).
		Where("id = ?", urlResultID).
		Update("score", score).Error; err != nil {
		return 0, 0, fmt.Errorf("updating url result score: %w", err)
	}

	return result.TestRunID, score, nil
}

// ListIgnoredRules returns a project's ignore rules.
func (s *store) ListIgnoredRules(ctx context.Context, projectID uint) ([]IgnoredRule, error) {
	var rules []IgnoredRule
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("url ASC, code ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("listing ignored rules: %w", err)
	}

	return rules, nil
}

// AddDictionaryEntry inserts a dictionary entry unless the project already
// has the word.
func (s *store) AddDictionaryEntry(ctx context.Context, entry *DictionaryEntry) error {
	if entry.Word == "" {
		return validationErrorf("dictionary word is required")
	}

	if entry.Status == "" {
		entry.Status = DictionaryStatusReview
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry).Error; err != nil {
		return fmt.Errorf("adding dictionary entry: %w", err)
	}

	return nil
}

// ListDictionaryEntries returns a project's dictionary entries.
func (s *store) ListDictionaryEntries(
	ctx context.Context, projectID uint,
) ([]DictionaryEntry, error) {
	var entries []DictionaryEntry
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("word ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing dictionary entries: %w", err)
	}

	return entries, nil
}
