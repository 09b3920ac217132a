// Package fetch materialises a task's input as a local file.
package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/observability"
	"github.com/leftsky/left-tools-service-sub000/internal/storage"
	"github.com/leftsky/left-tools-service-sub000/pkg/httpclient"
)

// Fetcher downloads or decodes task inputs into a working directory.
type Fetcher struct {
	client  *httpclient.Client
	blobs   storage.BlobStore
	maxSize int64
}

// New creates a Fetcher. maxSize bounds every input; 0 disables the check.
func New(client *httpclient.Client, blobs storage.BlobStore, maxSize int64) *Fetcher {
	return &Fetcher{client: client, blobs: blobs, maxSize: maxSize}
}

// Fetch writes the task input to dir/input.<format> and returns the path and
// size. Acquisition failures are DownloadError; oversize inputs are
// ResourceLimitError.
func (f *Fetcher) Fetch(ctx context.Context, task *models.ConversionTask, dir string) (_ string, _ int64, err error) {
	logger := observability.LoggerFromContext(ctx)
	defer observability.TimedOperationWithError(ctx, logger, "fetch input", &err)()

	src, source, err := f.open(ctx, task)
	if err != nil {
		return "", 0, err
	}
	defer src.Close()

	name := "input"
	if task.InputFormat != "" {
		name += "." + task.InputFormat
	}
	dst := filepath.Join(dir, name)

	size, err := f.copy(dst, src, source)
	if err != nil {
		os.Remove(dst)
		return "", 0, err
	}
	return dst, size, nil
}

func (f *Fetcher) open(ctx context.Context, task *models.ConversionTask) (io.ReadCloser, string, error) {
	switch task.InputMethod {
	case models.InputMethodURL:
		rc, err := f.openURL(ctx, task.InputLocation)
		return rc, task.InputLocation, err

	case models.InputMethodRawBytes:
		return io.NopCloser(bytes.NewReader(task.InputData)), "request body", nil

	case models.InputMethodBase64:
		dec := base64.NewDecoder(base64.StdEncoding, bytes.NewReader(bytes.TrimSpace(task.InputData)))
		return io.NopCloser(dec), "base64 payload", nil

	case models.InputMethodUploadedBlob:
		if f.blobs == nil {
			return nil, "", &models.DownloadError{Source: task.InputLocation, Err: errors.New("no blob store configured")}
		}
		rc, err := f.blobs.Get(ctx, task.InputLocation)
		if err != nil {
			return nil, "", &models.DownloadError{Source: "blob " + task.InputLocation, Err: err}
		}
		return rc, "blob " + task.InputLocation, nil
	}
	return nil, "", models.NewValidationError("input_method", "unsupported input method %q", task.InputMethod)
}

func (f *Fetcher) openURL(ctx context.Context, u string) (io.ReadCloser, error) {
	if f.client == nil {
		return nil, &models.DownloadError{Source: u, Err: errors.New("no http client configured")}
	}
	resp, err := f.client.Get(ctx, u)
	if err != nil {
		return nil, &models.DownloadError{Source: u, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &models.DownloadError{Source: u, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
	if f.maxSize > 0 && resp.ContentLength > f.maxSize {
		resp.Body.Close()
		return nil, &models.ResourceLimitError{Resource: "input", Size: resp.ContentLength, Limit: f.maxSize}
	}
	return resp.Body, nil
}

// copy streams src into path, stopping one byte past the size ceiling.
func (f *Fetcher) copy(path string, src io.Reader, source string) (int64, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("creating input file: %w", err)
	}

	r := src
	if f.maxSize > 0 {
		r = io.LimitReader(src, f.maxSize+1)
	}
	n, err := io.Copy(out, r)
	closeErr := out.Close()

	switch {
	case err != nil:
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			return 0, models.NewValidationError("input_data", "invalid base64: %v", err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, &models.DownloadError{Source: source, Err: err}
	case closeErr != nil:
		return 0, fmt.Errorf("writing input file: %w", closeErr)
	case f.maxSize > 0 && n > f.maxSize:
		return 0, &models.ResourceLimitError{Resource: "input", Size: n, Limit: f.maxSize}
	case n == 0:
		return 0, &models.DownloadError{Source: source, Err: errors.New("input is empty")}
	}
	return n, nil
}
