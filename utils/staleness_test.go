package utils

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaleMissingFile(t *testing.T) {
	assert.True(t, Stale(filepath.Join(t.TempDir(), "nope.txt"), time.Hour))
}

func TestStaleEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	assert.True(t, Stale(path, time.Hour))
}

func TestStaleFreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	assert.False(t, Stale(path, time.Hour))
}

func TestStaleOldFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	assert.True(t, Stale(path, time.Hour))
}

func TestDownloadToFileWritesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("rule-list-body"))
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, DownloadToFile(srv.URL, path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "rule-list-body", string(body))
}

func TestDownloadToFileNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "out.txt")
	assert.Error(t, DownloadToFile(srv.URL, path))
}

func TestShortTextTruncatesOnRuneBoundary(t *testing.T) {
	assert.Equal(t, "short", ShortText("short", 10))
	assert.LessOrEqual(t, len(ShortText("a-very-long-hostname.example.com", 10)), 11)
}
