package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Sentinel errors.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrTaskCancelled     = errors.New("task was cancelled")
)

// ValidationError reports an unsupported format pair or invalid request/options.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ResourceLimitError reports an input that exceeds a size ceiling.
type ResourceLimitError struct {
	Resource string
	Size     int64
	Limit    int64
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("%s size %s exceeds limit of %s",
		e.Resource, humanize.Bytes(uint64(e.Size)), humanize.Bytes(uint64(e.Limit)))
}

// DownloadError reports a failure fetching the task input.
type DownloadError struct {
	Source string
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading input from %s: %v", e.Source, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// EncoderUnavailableError reports that no installed tool or encoder can produce the target.
type EncoderUnavailableError struct {
	Format string
	Reason string
}

func (e *EncoderUnavailableError) Error() string {
	return fmt.Sprintf("no encoder available for %s: %s", e.Format, e.Reason)
}

// SubprocessError reports a conversion tool that failed to start or exited non-zero.
type SubprocessError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *SubprocessError) Error() string {
	var b strings.Builder
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, "%s exited with code %d", e.Command, e.ExitCode)
	} else {
		fmt.Fprintf(&b, "%s failed", e.Command)
	}
	if e.Err != nil && e.ExitCode < 0 {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": %s", stderr)
	}
	return b.String()
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// RemoteProviderError reports an API error or an error state reported by a remote provider.
type RemoteProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	// Transient marks failures to reach the provider at all.
	Transient bool
}

func (e *RemoteProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// UploadError reports a blob store write failure after a successful conversion.
type UploadError struct {
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("uploading result to %s: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// TimeoutError reports a task that exceeded its wall-clock budget.
type TimeoutError struct {
	Engine  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Engine == "" {
		return fmt.Sprintf("conversion timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("%s conversion timed out after %s", e.Engine, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// IsRetryable reports whether a failed attempt should be retried at the task level.
// Input downloads, subprocess failures and unreachable remote providers are
// transient; everything else is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return false
	}
	var downloadErr *DownloadError
	if errors.As(err, &downloadErr) {
		return true
	}
	var providerErr *RemoteProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}
	var subErr *SubprocessError
	return errors.As(err, &subErr)
}
