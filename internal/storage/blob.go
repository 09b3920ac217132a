package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"strings"
)

// ErrBlobNotFound is returned by Get for unknown keys.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is durable storage for inputs and converted outputs.
type BlobStore interface {
	// Put stores r under key and returns its public URL and size.
	Put(ctx context.Context, key string, r io.Reader) (string, int64, error)
	// Get opens the blob stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// LocalBlobStore keeps blobs in a sandboxed directory and serves them under
// <publicURL>/files/.
type LocalBlobStore struct {
	sandbox   *Sandbox
	publicURL string
}

// FilesPrefix is the URL path blobs are served under.
const FilesPrefix = "/files/"

// NewLocalBlobStore creates a blob store rooted at dir.
func NewLocalBlobStore(dir, publicURL string) (*LocalBlobStore, error) {
	sb, err := NewSandbox(dir)
	if err != nil {
		return nil, err
	}
	return &LocalBlobStore{sandbox: sb, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Root returns the directory blobs are stored in.
func (s *LocalBlobStore) Root() string {
	return s.sandbox.BaseDir()
}

// Put atomically writes r under key.
func (s *LocalBlobStore) Put(ctx context.Context, key string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return "", 0, err
	}
	n, err := s.sandbox.AtomicWriteReader(key, r)
	if err != nil {
		return "", 0, fmt.Errorf("storing blob %s: %w", key, err)
	}
	return s.URL(key), n, nil
}

// Get opens the blob under key.
func (s *LocalBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := s.sandbox.Open(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, err
	}
	return f, nil
}

// URL returns the public URL of key.
func (s *LocalBlobStore) URL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	return s.publicURL + FilesPrefix + strings.TrimPrefix(escaped, "/")
}

// cleanKey normalises a blob key to a relative slash path.
func cleanKey(key string) (string, error) {
	k := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(key, "\\", "/")), "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return k, nil
}

var _ BlobStore = (*LocalBlobStore)(nil)
