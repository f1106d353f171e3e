package ingest

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trip-data/yellow_tripdata_2021-01.csv", r.URL.Path)
		w.Write([]byte("vendor,fare\n1,12.5\n"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "nested", "yellow_tripdata_2021-01.csv")
	f := NewHTTPFetcher(server.Client(), testLogger())

	require.NoError(t, f.Fetch(context.Background(), server.URL+"/trip-data/yellow_tripdata_2021-01.csv", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "vendor,fare\n1,12.5\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestHTTPFetcher_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "missing.csv")
	f := NewHTTPFetcher(nil, testLogger())

	err := f.Fetch(context.Background(), server.URL+"/missing.csv", dest)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.Equal(t, server.URL+"/missing.csv", fetchErr.URL)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestHTTPFetcher_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL + "/a.csv"
	server.Close()

	err := NewHTTPFetcher(nil, testLogger()).Fetch(context.Background(), url, filepath.Join(t.TempDir(), "a.csv"))
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Zero(t, fetchErr.StatusCode)
	assert.Error(t, fetchErr.Unwrap())
}

func TestHTTPFetcher_OverwritesExisting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "a.csv")
	require.NoError(t, os.WriteFile(dest, []byte("old content"), 0644))

	require.NoError(t, NewHTTPFetcher(nil, testLogger()).Fetch(context.Background(), server.URL, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}
