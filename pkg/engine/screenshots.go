package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/docker/go-units"
	"github.com/ethpandaops/releasecheck/pkg/storage"
	"github.com/ethpandaops/releasecheck/pkg/store"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrStorageDisabled is returned when a screenshot arrives but no blob
// backend is configured.
var ErrStorageDisabled = errors.New("screenshot storage is not configured")

// ScreenshotUpload is one captured image for a URL and viewport.
type ScreenshotUpload struct {
	TestRunID   uint
	Attempt     uint
	URL         string
	Viewport    string
	ContentType string
	Body        io.Reader
	Size        int64
}

// SaveScreenshot writes the image to the blob store and records a pointer
// to it. The blob is removed again if the row cannot be written.
func (e *Engine) SaveScreenshot(
	ctx context.Context, in ScreenshotUpload,
) (*store.ScreenshotSet, error) {
	if e.blobs == nil {
		return nil, ErrStorageDisabled
	}

	if strings.TrimSpace(in.URL) == "" {
		return nil, &store.ValidationError{Msg: "screenshot url is required"}
	}

	mediaType, _, err := mime.ParseMediaType(in.ContentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, &store.ValidationError{
			Msg: fmt.Sprintf("screenshot content type must be an image, got %q", in.ContentType),
		}
	}

	tr, err := e.store.GetTestRun(ctx, in.TestRunID)
	if err != nil {
		return nil, err
	}

	if tr.Status != types.RunStatusRunning || tr.Attempt != in.Attempt {
		return nil, fmt.Errorf("test run %d is %s (attempt %d): %w",
			tr.ID, tr.Status, tr.Attempt, store.ErrNotRunning)
	}

	key := storage.ScreenshotKey(tr.ProjectID, tr.ID, mediaType)

	if err := e.blobs.Put(ctx, key, in.Body, in.Size, mediaType); err != nil {
		return nil, fmt.Errorf("uploading screenshot: %w", err)
	}

	set := &store.ScreenshotSet{
		TestRunID:   tr.ID,
		URL:         in.URL,
		Viewport:    in.Viewport,
		StorageKey:  key,
		ContentType: mediaType,
		SizeBytes:   in.Size,
	}

	if err := e.store.RecordScreenshotSet(ctx, set, in.Attempt); err != nil {
		if delErr := e.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			e.log.WithError(delErr).
				WithField("key", key).
				Warn("Failed to remove orphaned screenshot")
		}

		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"test_run_id": tr.ID,
		"url":         in.URL,
		"viewport":    in.Viewport,
		"size":        units.HumanSize(float64(in.Size)),
	}).Debug("Stored screenshot")

	return set, nil
}

// Screenshot reads a stored screenshot back from the blob store.
func (e *Engine) Screenshot(ctx context.Context, set *store.ScreenshotSet) ([]byte, error) {
	if e.blobs == nil {
		return nil, ErrStorageDisabled
	}

	data, err := e.blobs.Get(ctx, set.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("reading screenshot: %w", err)
	}

	if data == nil {
		return nil, fmt.Errorf("screenshot %d: %w", set.ID, store.ErrNotFound)
	}

	return data, nil
}
