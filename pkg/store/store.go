package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides persistence for release runs, test runs and their results.
// Every multi-row change runs in a single transaction.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Release runs.
	CreateReleaseRun(
		ctx context.Context, in CreateReleaseRunInput,
	) (*ReleaseRunDetail, error)
	CreateStandaloneRun(
		ctx context.Context, in StandaloneRunInput,
	) (*TestRunDetail, error)
	GetReleaseRun(
		ctx context.Context, id uint, withResults bool,
	) (*ReleaseRunDetail, error)
	ListReleaseRuns(
		ctx context.Context, projectID uint,
	) ([]ReleaseRunDetail, error)
	GetTestRun(ctx context.Context, id uint) (*TestRunDetail, error)
	RerunTestType(
		ctx context.Context, releaseRunID uint, testType types.TestType,
	) (*TestRun, error)
	RerunAll(ctx context.Context, releaseRunID uint) ([]TestRun, error)
	CancelReleaseRun(ctx context.Context, releaseRunID uint) (int64, error)
	SetManualStatus(
		ctx context.Context,
		releaseRunID uint,
		testType types.TestType,
		label types.ManualLabel,
	) (*ManualTestStatus, error)

	// Worker coordination.
	ClaimNext(
		ctx context.Context, testTypes ...types.TestType,
	) (*TestRunDetail, error)
	Heartbeat(ctx context.Context, testRunID, attempt uint) error
	SweepStalled(ctx context.Context, cutoff time.Time) ([]TestRun, error)
	CompleteTestRun(ctx context.Context, in CompleteInput) (*Completion, error)
	RecordURLResult(
		ctx context.Context, in URLResultInput,
	) (*URLResultDetail, error)
	RecordScreenshotSet(
		ctx context.Context, set *ScreenshotSet, attempt uint,
	) error
	GetScreenshotSet(ctx context.Context, id uint) (*ScreenshotSet, error)
	ListTestRunScreenshots(
		ctx context.Context, testRunID uint,
	) ([]ScreenshotSet, error)

	// Ignoring findings.
	SetIgnored(
		ctx context.Context, itemID uint, ignored bool,
	) (*IgnoreResult, error)
	ListIgnoredRules(ctx context.Context, projectID uint) ([]IgnoredRule, error)

	// Dictionary.
	AddDictionaryEntry(ctx context.Context, entry *DictionaryEntry) error
	ListDictionaryEntries(
		ctx context.Context, projectID uint,
	) ([]DictionaryEntry, error)

	// Retention primitives.
	ListProjectIDs(ctx context.Context) ([]uint, error)
	ListReleaseRunRefs(ctx context.Context, projectID uint) ([]Ref, error)
	ListTestRunRefs(ctx context.Context, projectID uint) ([]TestRunRef, error)
	ListScreenshotSets(
		ctx context.Context, projectID uint,
	) ([]ScreenshotSet, error)
	DeleteReleaseRun(ctx context.Context, id uint) error
	DeleteTestRun(ctx context.Context, id uint) error
	DeleteScreenshotSet(ctx context.Context, id uint) error
	ClearRawPayloads(ctx context.Context, testRunIDs []uint) (int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.APIDatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.APIDatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// SQLite allows one writer. A single connection serializes
		// transactions and keeps a :memory: database alive.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&ReleaseRun{},
		&TestRun{},
		&TestRunConfig{},
		&URLResult{},
		&ResultItem{},
		&IgnoredRule{},
		&ManualTestStatus{},
		&ScreenshotSet{},
		&DictionaryEntry{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}
