package ingest

import "fmt"

// FetchError reports a failed download.
type FetchError struct {
	URL string
	// StatusCode is the HTTP status, zero when no response was received.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// UnsupportedFormatError reports an encoding the converter does not handle.
type UnsupportedFormatError struct {
	Path   string
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format %q for %s", e.Format, e.Path)
}

// UploadError reports a failed object upload.
type UploadError struct {
	Bucket string
	Key    string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s/%s: %v", e.Bucket, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// RegistrationError reports a failed table registration.
type RegistrationError struct {
	Table string
	Err   error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register table %s: %v", e.Table, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
