package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"github.com/mitchellh/mapstructure"
)

// DictionarySeeder records words reviewers marked as spelling false
// positives.
type DictionarySeeder interface {
	Seed(ctx context.Context, projectID uint, word, sourceCode string) error
}

// Compile-time interface check.
var _ DictionarySeeder = (*storeSeeder)(nil)

type storeSeeder struct {
	store store.Store
}

// NewStoreSeeder returns a seeder that writes REVIEW entries to the store.
func NewStoreSeeder(st store.Store) DictionarySeeder {
	return &storeSeeder{store: st}
}

func (s *storeSeeder) Seed(ctx context.Context, projectID uint, word, sourceCode string) error {
	return s.store.AddDictionaryEntry(ctx, &store.DictionaryEntry{
		ProjectID:  projectID,
		Word:       word,
		Status:     store.DictionaryStatusReview,
		SourceCode: sourceCode,
	})
}

// spellingMeta is the part of a spelling or grammar finding's meta that
// names the flagged word.
type spellingMeta struct {
	Word string `mapstructure:"word"`
	Text string `mapstructure:"text"`
}

var spellingProviders = map[string]struct{}{
	"spelling": {},
	"grammar":  {},
}

func isSpellingFinding(res *store.IgnoreResult) bool {
	if res.TestRunType == types.TestTypeSpelling {
		return true
	}

	_, ok := spellingProviders[strings.ToLower(res.ResultItem.Provider)]

	return ok
}

// flaggedWord extracts the flagged word from a finding's meta.
func flaggedWord(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}

	var m spellingMeta

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &m,
	})
	if err != nil {
		return "", fmt.Errorf("creating meta decoder: %w", err)
	}

	if err := dec.Decode(meta); err != nil {
		return "", fmt.Errorf("decoding finding meta: %w", err)
	}

	word := strings.TrimSpace(m.Word)
	if word == "" {
		word = strings.TrimSpace(m.Text)
	}

	return word, nil
}

func (e *Engine) seedDictionary(ctx context.Context, res *store.IgnoreResult) {
	if e.seeder == nil || !isSpellingFinding(res) {
		return
	}

	log := e.log.WithField("result_item_id", res.ResultItem.ID).
		WithField("project_id", res.ProjectID)

	word, err := flaggedWord(res.ResultItem.Meta)
	if err != nil {
		log.WithError(err).Warn("Could not read flagged word")

		return
	}

	if word == "" {
		log.Debug("Ignored spelling finding has no word to seed")

		return
	}

	if err := e.seeder.Seed(ctx, res.ProjectID, word, res.ResultItem.Code); err != nil {
		log.WithError(err).
			WithField("word", word).
			Warn("Failed to seed dictionary")

		return
	}

	log.WithField("word", word).Debug("Seeded dictionary entry")
}
