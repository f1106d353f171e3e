// Package ingest defines the external collaborators used by ingestion tasks
// and ships implementations for HTTP sources, local conversion, local and SSH
// object stores, and a file-backed table catalog.
//
// Every implementation is safe to call again with identical inputs: a retried
// task overwrites rather than duplicates.
package ingest

import "context"

// SourceFetcher downloads a dataset to a local path.
type SourceFetcher interface {
	// Fetch writes the resource at url to dest. Failures are *FetchError.
	Fetch(ctx context.Context, url, dest string) error
}

// FormatConverter re-encodes a local file.
type FormatConverter interface {
	// Convert writes src in targetFormat and returns the output path.
	// Unrecognized input or target encodings are *UnsupportedFormatError.
	Convert(ctx context.Context, src, targetFormat string) (string, error)
}

// ObjectStore stages files durably.
type ObjectStore interface {
	// Upload replaces bucket/key with the content of localPath and returns the
	// object's location. Failures are *UploadError.
	Upload(ctx context.Context, bucket, key, localPath string) (string, error)
}

// TableRegistry registers external tables over staged objects.
type TableRegistry interface {
	// RegisterExternalTable creates or replaces table. Failures are *RegistrationError.
	RegisterExternalTable(ctx context.Context, table string, sourceURIs []string, sourceFormat string) error
}
