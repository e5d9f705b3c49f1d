package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log   logrus.FieldLogger
	root  string
	owner *fsutil.Owner
}

// NewLocalStore creates a Store that keeps objects below cfg.Root.
func NewLocalStore(log logrus.FieldLogger, cfg *config.LocalStorageConfig) (Store, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}

	owner, err := fsutil.ParseOwner(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("parsing storage owner: %w", err)
	}

	return &localStore{
		log:   log.WithField("component", "local-storage"),
		root:  root,
		owner: owner,
	}, nil
}

// Preflight creates the root directory and checks it is writable.
func (s *localStore) Preflight(_ context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("creating storage root: %w", err)
	}

	fsutil.Chown(s.root, s.owner)

	f, err := os.CreateTemp(s.root, ".releasecheck-write-test-*")
	if err != nil {
		return fmt.Errorf("writing test file to %s: %w", s.root, err)
	}

	name := f.Name()
	_ = f.Close()

	return os.Remove(name)
}

// Put writes body to a temporary file and renames it into place.
func (s *localStore) Put(
	_ context.Context, key string, body io.Reader, _ int64, _ string,
) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := fsutil.MkdirAll(s.root, filepath.Dir(p), 0o755, s.owner); err != nil {
		return fmt.Errorf("creating directory for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("writing %q: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", key, err)
	}

	fsutil.Chown(tmp.Name(), s.owner)

	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("moving %q into place: %w", key, err)
	}

	s.log.WithField("key", key).Debug("Stored object")

	return nil
}

// Get reads the object at key. Returns (nil, nil) when it does not exist.
func (s *localStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // key validated against root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}

// Delete removes the object at key.
func (s *localStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file %s: %w", p, err)
	}

	return nil
}

func (s *localStore) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}

	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
