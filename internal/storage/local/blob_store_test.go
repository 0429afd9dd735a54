package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-scraper/internal/storage/local"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nscreenshot")

func TestNewCreatesMissingDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "public", "shots")
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	require.NotNil(t, store)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	_, err = os.Stat(filepath.Join(dir, ".writable_test"))
	assert.True(t, os.IsNotExist(err))
}

func TestNewRejectsUnusableDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	readOnly := t.TempDir()
	// #nosec G302 -- directory made read-only to exercise the writability check.
	require.NoError(t, os.Chmod(readOnly, 0o500))
	// #nosec G302 -- restored so TempDir cleanup succeeds.
	t.Cleanup(func() { _ = os.Chmod(readOnly, 0o700) })

	type dirCase struct{ name, dir string }
	tests := []dirCase{{"blank", "  "}, {"file", file}}
	if os.Geteuid() != 0 {
		// root ignores directory permissions.
		tests = append(tests, dirCase{"read-only", readOnly})
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := local.New(local.Config{BaseDir: tt.dir})
			assert.Error(t, err)
		})
	}
}

func TestPutObjectScreenshots(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{"file uri", "", "screenshots/1714560000000-a.png", "file://" + filepath.Join(dir, "screenshots/1714560000000-a.png")},
		{"public root", "/", "screenshots/1714560000001-b.png", "/screenshots/1714560000001-b.png"},
		{"cdn prefix", "https://cdn.test/assets/", "screenshots/1714560000002-c.png", "https://cdn.test/assets/screenshots/1714560000002-c.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := local.New(local.Config{BaseDir: dir, URLPrefix: tt.prefix})
			require.NoError(t, err)

			uri, err := store.PutObject(context.Background(), tt.key, "image/png", bytes.NewReader(pngBytes))
			require.NoError(t, err)
			assert.Equal(t, tt.want, uri)

			// #nosec G304 -- reads back from the test's own temp directory.
			got, err := os.ReadFile(filepath.Join(dir, tt.key))
			require.NoError(t, err)
			assert.Equal(t, pngBytes, got)
		})
	}
}

func TestPutObjectOverwrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir, URLPrefix: "/"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "screenshots/x.png", "image/png", bytes.NewReader([]byte("first, longer body")))
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "screenshots/x.png", "image/png", bytes.NewReader([]byte("second")))
	require.NoError(t, err)

	// #nosec G304 -- reads back from the test's own temp directory.
	got, err := os.ReadFile(filepath.Join(dir, "screenshots/x.png"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestPutObjectRejectsBadKeys(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir(), URLPrefix: "/"})
	require.NoError(t, err)

	for _, key := range []string{"", "   ", "../escape.png", "screenshots/../../escape.png"} {
		_, err := store.PutObject(context.Background(), key, "image/png", bytes.NewReader(pngBytes))
		assert.Error(t, err, "key %q", key)
	}
}
