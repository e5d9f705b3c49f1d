package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/releasecheck/pkg/types"
)

// ReleaseRun is a frozen batch of URLs and selected test types. It never
// stores a score; readiness is computed from its test runs on read.
type ReleaseRun struct {
	ID            uint                `gorm:"primaryKey" json:"id"`
	ProjectID     uint                `gorm:"not null;index" json:"project_id"`
	Name          string              `gorm:"not null" json:"name"`
	URLs          Strings             `gorm:"column:urls;type:text;not null" json:"urls"`
	SelectedTests TestTypes           `gorm:"type:text;not null" json:"selected_tests"`
	Status        types.ReleaseStatus `gorm:"not null;index" json:"status"`
	CreatedAt     time.Time           `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Selects reports whether t is one of the run's selected test types.
func (r *ReleaseRun) Selects(t types.TestType) bool {
	for _, s := range r.SelectedTests {
		if s == t {
			return true
		}
	}

	return false
}

// TestRun is one execution of one test type. ReleaseRunID is nil for
// standalone site audits. Attempt counts claims; worker writes carry the
// attempt they claimed so a re-queued run rejects its previous worker.
type TestRun struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	ReleaseRunID  *uint           `gorm:"index" json:"release_run_id"`
	ProjectID     uint            `gorm:"not null;index" json:"project_id"`
	Type          types.TestType  `gorm:"not null;index" json:"type"`
	Status        types.RunStatus `gorm:"not null;index" json:"status"`
	Attempt       uint            `gorm:"not null;default:0" json:"attempt"`
	Score         *int            `json:"score"`
	StartedAt     *time.Time      `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at"`
	LastHeartbeat *time.Time      `gorm:"index" json:"last_heartbeat"`
	RawPayload    JSONMap         `gorm:"type:text" json:"raw_payload,omitempty"`
	Error         string          `gorm:"type:text" json:"error,omitempty"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TestRunConfig tells the worker which URLs to check.
type TestRunConfig struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	TestRunID uint        `gorm:"not null;uniqueIndex" json:"test_run_id"`
	Scope     types.Scope `gorm:"not null" json:"scope"`
	URLs      Strings     `gorm:"column:urls;type:text;not null" json:"urls"`
}

// URLResult holds the outcome of one test run for one URL (and viewport).
// Only Score changes after it is written.
type URLResult struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	TestRunID         uint      `gorm:"not null;index" json:"test_run_id"`
	URL               string    `gorm:"column:url;not null" json:"url"`
	Viewport          *string   `json:"viewport,omitempty"`
	Score             *int      `json:"score"`
	AdditionalMetrics JSONMap   `gorm:"type:text" json:"additional_metrics,omitempty"`
	IssueCount        int       `gorm:"not null;default:0" json:"issue_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableName pins the table name so it does not depend on initialism rules.
func (URLResult) TableName() string {
	return "url_results"
}

// ResultItem is a single check. Everything except Ignored is write-once.
type ResultItem struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	URLResultID uint             `gorm:"column:url_result_id;not null;index" json:"url_result_id"`
	Provider    string           `gorm:"not null" json:"provider"`
	Code        string           `gorm:"not null;index" json:"code"`
	Name        string           `json:"name"`
	Status      types.ItemStatus `gorm:"not null" json:"status"`
	Severity    types.Severity   `json:"severity,omitempty"`
	Ignored     bool             `gorm:"not null;default:false" json:"ignored"`
	Meta        JSONMap          `gorm:"type:text" json:"meta,omitempty"`
}

// IgnoredRule suppresses a finding for a URL across reruns.
type IgnoredRule struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID uint      `gorm:"not null;uniqueIndex:idx_ignored_rules_key" json:"project_id"`
	URL       string    `gorm:"column:url;not null;uniqueIndex:idx_ignored_rules_key" json:"url"`
	Code      string    `gorm:"not null;uniqueIndex:idx_ignored_rules_key" json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// ManualTestStatus is a reviewer's label for a human-reviewed test type.
type ManualTestStatus struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	ReleaseRunID uint              `gorm:"not null;uniqueIndex:idx_manual_status_key" json:"release_run_id"`
	Type         types.TestType    `gorm:"not null;uniqueIndex:idx_manual_status_key" json:"type"`
	StatusLabel  types.ManualLabel `gorm:"not null" json:"status_label"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ScreenshotSet points at a stored screenshot for one URL and viewport.
// TestRunID is informational; screenshots are pruned on their own schedule.
type ScreenshotSet struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ProjectID   uint      `gorm:"not null;index" json:"project_id"`
	TestRunID   uint      `gorm:"not null;index" json:"test_run_id"`
	URL         string    `gorm:"column:url;not null" json:"url"`
	Viewport    string    `gorm:"not null" json:"viewport"`
	StorageKey  string    `gorm:"not null" json:"storage_key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// Dictionary entry statuses.
const (
	DictionaryStatusReview = "REVIEW"
)

// DictionaryEntry is a word a reviewer marked as a spelling false positive.
type DictionaryEntry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ProjectID  uint      `gorm:"not null;uniqueIndex:idx_dictionary_key" json:"project_id"`
	Word       string    `gorm:"not null;uniqueIndex:idx_dictionary_key" json:"word"`
	Status     string    `gorm:"not null" json:"status"`
	SourceCode string    `json:"source_code"`
	CreatedAt  time.Time `json:"created_at"`
}

// Strings is an ordered string list stored as a JSON array.
type Strings []string

// Value implements driver.Valuer.
func (s Strings) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}

	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("encoding string list: %w", err)
	}

	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *Strings) Scan(src any) error {
	return scanJSON(src, (*[]string)(s))
}

// TestTypes is a set of test types stored as a JSON array.
type TestTypes []types.TestType

// Value implements driver.Valuer.
func (t TestTypes) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}

	b, err := json.Marshal([]types.TestType(t))
	if err != nil {
		return nil, fmt.Errorf("encoding test types: %w", err)
	}

	return string(b), nil
}

// Scan implements sql.Scanner.
func (t *TestTypes) Scan(src any) error {
	return scanJSON(src, (*[]types.TestType)(t))
}

// JSONMap is a free-form object stored as JSON text. An empty map is stored
// as NULL.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}

	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("encoding json map: %w", err)
	}

	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, (*map[string]any)(m))
}

func scanJSON(src, dst any) error {
	var data []byte

	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}

	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding json column: %w", err)
	}

	return nil
}
