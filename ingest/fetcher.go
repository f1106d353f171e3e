package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// HTTPFetcher downloads sources with HTTP GET.
type HTTPFetcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPFetcher creates a fetcher. A nil client gets a client with a one hour timeout.
func NewHTTPFetcher(client *http.Client, logger *slog.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: time.Hour}
	}
	return &HTTPFetcher{client: client, logger: logger.With("component", "fetcher")}
}

// Fetch downloads url into dest. The body is written to a temporary file next to
// dest and renamed into place, so dest never holds a partial download.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &FetchError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", resp.Status)}
	}

	n, err := writeAtomic(dest, resp.Body)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}

	f.logger.Info("fetched source", "url", url, "dest", dest, "bytes", n)
	return nil
}

// writeAtomic copies r into a temp file in dest's directory and renames it to dest.
func writeAtomic(dest string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return n, fmt.Errorf("renaming into %s: %w", dest, err)
	}
	return n, nil
}
