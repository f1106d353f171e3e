package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalObjectStore keeps objects under root/bucket/key on the local filesystem.
type LocalObjectStore struct {
	root   string
	logger *slog.Logger
}

// NewLocalObjectStore creates a store rooted at root.
func NewLocalObjectStore(root string, logger *slog.Logger) *LocalObjectStore {
	return &LocalObjectStore{root: root, logger: logger.With("component", "objectstore", "backend", "local")}
}

// Upload copies localPath to root/bucket/key and returns a file:// URI.
// When the object already holds identical content it is left untouched.
func (s *LocalObjectStore) Upload(ctx context.Context, bucket, key, localPath string) (string, error) {
	dest, err := s.objectPath(bucket, key)
	if err != nil {
		return "", &UploadError{Bucket: bucket, Key: key, Err: err}
	}
	location := (&url.URL{Scheme: "file", Path: filepath.ToSlash(dest)}).String()

	same, err := sameContent(localPath, dest)
	if err != nil {
		return "", &UploadError{Bucket: bucket, Key: key, Err: err}
	}
	if same {
		s.logger.Info("object unchanged", "bucket", bucket, "key", key)
		return location, nil
	}

	in, err := os.Open(localPath)
	if err != nil {
		return "", &UploadError{Bucket: bucket, Key: key, Err: err}
	}
	defer in.Close()

	n, err := writeAtomic(dest, contextReader{ctx: ctx, r: in})
	if err != nil {
		return "", &UploadError{Bucket: bucket, Key: key, Err: err}
	}

	s.logger.Info("uploaded object", "bucket", bucket, "key", key, "bytes", n)
	return location, nil
}

func (s *LocalObjectStore) objectPath(bucket, key string) (string, error) {
	if err := validateObjectName(bucket, key); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(filepath.Join(s.root, bucket, filepath.FromSlash(key)))
	if err != nil {
		return "", err
	}
	return abs, nil
}

// validateObjectName rejects names that would escape the bucket.
func validateObjectName(bucket, key string) error {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	clean := path.Clean("/" + key)
	if key == "" || strings.HasSuffix(key, "/") || clean != "/"+key {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}

// sameContent reports whether dest exists with the same bytes as src.
func sameContent(src, dest string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	destInfo, err := os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if srcInfo.Size() != destInfo.Size() {
		return false, nil
	}

	a, err := fileSHA256(src)
	if err != nil {
		return false, err
	}
	b, err := fileSHA256(dest)
	if err != nil {
		return false, err
	}
	return a == b, nil
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// RemoteShell runs commands on the host backing an SSHObjectStore.
// *sshclient.Client satisfies it.
type RemoteShell interface {
	RunWithIO(ctx context.Context, command string, in io.Reader, stdout, stderr io.Writer) error
	User() string
	Host() string
}

// SSHObjectStore keeps objects under dir/bucket/key on a remote host.
type SSHObjectStore struct {
	shell  RemoteShell
	dir    string
	logger *slog.Logger
}

// NewSSHObjectStore creates a store writing below dir on the shell's host.
func NewSSHObjectStore(shell RemoteShell, dir string, logger *slog.Logger) *SSHObjectStore {
	return &SSHObjectStore{
		shell:  shell,
		dir:    dir,
		logger: logger.With("component", "objectstore", "backend", "ssh", "host", shell.Host()),
	}
}

// Upload streams localPath into a temporary remote file and renames it over
// dir/bucket/key. An object whose sha256 already matches is left untouched.
// Returns an ssh://user@host/path URI.
func (s *SSHObjectStore) Upload(ctx context.Context, bucket, key, localPath string) (string, error) {
	if err := validateObjectName(bucket, key); err != nil {
		return "", &UploadError{Bucket: bucket, Key: key, Err: err}
	}
	remote := path.Join(s.dir, bucket, key)
	location := (&url.URL{Scheme: "ssh", User: url.User(s.shell.User()), Host: s.shell.Host(), Path: remote}).String()

	sum, err := fileSHA256(localPath)
	if err != nil {
		return "", &UploadError{Bucket: bucket, Key: key, Err: err}
	}

	var out bytes.Buffer
	check := fmt.Sprintf("sha256sum %s 2>/dev/null || true", shellQuote(remote))
	if err := s.shell.RunWithIO(ctx, check, nil, &out, nil); err != nil {
		return "", &UploadError{Bucket: bucket, Key: key, Err: err}
	}
	if fields := strings.Fields(out.String()); len(fields) > 0 && fields[0] == sum {
		s.logger.Info("object unchanged", "bucket", bucket, "key", key)
		return location, nil
	}

	in, err := os.Open(localPath)
	if err != nil {
		return "", &UploadError{Bucket: bucket, Key: key, Err: err}
	}
	defer in.Close()

	tmp := remote + ".tmp"
	upload := fmt.Sprintf("mkdir -p %s && cat > %s && mv -f %s %s",
		shellQuote(path.Dir(remote)), shellQuote(tmp), shellQuote(tmp), shellQuote(remote))
	var stderr bytes.Buffer
	if err := s.shell.RunWithIO(ctx, upload, in, nil, &stderr); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", &UploadError{Bucket: bucket, Key: key, Err: err}
	}

	s.logger.Info("uploaded object", "bucket", bucket, "key", key, "remote", remote)
	return location, nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
