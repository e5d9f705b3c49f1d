package storage_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/releasecheck/pkg/config"
	"github.com/ethpandaops/releasecheck/pkg/storage"
)

func setupLocalStore(t *testing.T) (storage.Store, string) {
	t.Helper()

	root := filepath.Join(t.TempDir(), "blobs")

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, err := storage.NewLocalStore(log, &config.LocalStorageConfig{
		Enabled: true,
		Root:    root,
	})
	require.NoError(t, err)
	require.NoError(t, s.Preflight(context.Background()))

	return s, root
}

func TestLocalStore_PutGetDelete(t *testing.T) {
	t.Parallel()

	s, root := setupLocalStore(t)
	ctx := context.Background()

	key := "screenshots/1/2/shot.png"
	content := []byte("\x89PNG fake")

	require.NoError(t, s.Put(ctx, key, bytes.NewReader(content), int64(len(content)), "image/png"))

	onDisk, err := os.ReadFile(filepath.Join(root, "screenshots", "1", "2", "shot.png"))
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NoError(t, s.Delete(ctx, key))

	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting twice is fine.
	require.NoError(t, s.Delete(ctx, key))
}

func TestLocalStore_PutOverwrites(t *testing.T) {
	t.Parallel()

	s, _ := setupLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a/b", strings.NewReader("one"), 3, ""))
	require.NoError(t, s.Put(ctx, "a/b", strings.NewReader("two"), 3, ""))

	got, err := s.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	s, _ := setupLocalStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "/etc/passwd", "../outside", "a/../../b"} {
		t.Run(key, func(t *testing.T) {
			require.Error(t, s.Put(ctx, key, strings.NewReader("x"), 1, ""))

			_, err := s.Get(ctx, key)
			require.Error(t, err)

			require.Error(t, s.Delete(ctx, key))
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	log := logrus.New()

	disabled, err := storage.New(log, &config.StorageConfig{})
	require.NoError(t, err)
	assert.Nil(t, disabled)

	local, err := storage.New(log, &config.StorageConfig{
		Local: &config.LocalStorageConfig{Enabled: true, Root: t.TempDir()},
	})
	require.NoError(t, err)
	assert.NotNil(t, local)

	s3, err := storage.New(log, &config.StorageConfig{
		S3: &config.S3Config{Enabled: true, Bucket: "shots"},
	})
	require.NoError(t, err)
	assert.NotNil(t, s3)
}

func TestScreenshotKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		wantSuffix  string
	}{
		{name: "png", contentType: "image/png", wantSuffix: ".png"},
		{name: "jpeg with params", contentType: "image/jpeg; quality=80", wantSuffix: ".jpg"},
		{name: "webp", contentType: "image/webp", wantSuffix: ".webp"},
		{name: "unknown", contentType: "", wantSuffix: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := storage.ScreenshotKey(4, 9, tt.contentType)

			assert.True(t, strings.HasPrefix(key, "screenshots/4/9/"), key)
			assert.True(t, strings.HasSuffix(key, tt.wantSuffix), key)
		})
	}

	assert.NotEqual(t,
		storage.ScreenshotKey(1, 1, "image/png"),
		storage.ScreenshotKey(1, 1, "image/png"))
}

func TestLocalStore_Owner(t *testing.T) {
	t.Parallel()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	_, err := storage.NewLocalStore(log, &config.LocalStorageConfig{
		Enabled: true,
		Root:    t.TempDir(),
		Owner:   "root",
	})
	require.Error(t, err)

	root := t.TempDir()
	owner := strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid())

	s, err := storage.NewLocalStore(log, &config.LocalStorageConfig{
		Enabled: true,
		Root:    root,
		Owner:   owner,
	})
	require.NoError(t, err)
	require.NoError(t, s.Preflight(context.Background()))

	key := "screenshots/1/2/owned.png"
	require.NoError(t, s.Put(context.Background(), key, bytes.NewReader([]byte("png")), 3, "image/png"))

	_, err = os.Stat(filepath.Join(root, filepath.FromSlash(key)))
	require.NoError(t, err)
}
