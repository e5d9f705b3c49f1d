package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store keeps screenshot blobs in a backend (local filesystem or S3) so the
// database only holds pointers.
type Store interface {
	// Preflight verifies that the backend is reachable and writable.
	Preflight(ctx context.Context) error

	// Put writes body under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Get reads the object at key. Returns (nil, nil) when it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
}

// New returns the enabled backend, or nil when no backend is configured.
func New(log logrus.FieldLogger, cfg *config.StorageConfig) (Store, error) {
	switch {
	case cfg.S3 != nil && cfg.S3.Enabled:
		return NewS3Store(log, cfg.S3), nil
	case cfg.Local != nil && cfg.Local.Enabled:
		return NewLocalStore(log, cfg.Local)
	default:
		return nil, nil
	}
}

// ScreenshotKey builds a unique object key for a screenshot of a test run.
func ScreenshotKey(projectID, testRunID uint, contentType string) string {
	return fmt.Sprintf("screenshots/%d/%d/%s%s",
		projectID, testRunID, uuid.NewString(), extensionFor(contentType))
}

// extensionFor returns a file extension for a MIME type, or "" if unknown.
func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}

	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}

	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}

	return exts[0]
}

// validKey rejects keys that could escape the backend root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid storage key %q", key)
	}

	return nil
}
