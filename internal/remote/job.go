// Package remote talks to third-party conversion APIs. Provider responses are
// normalised into Job before anything else looks at them.
package remote

import (
	"context"
	"io"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

// Provider names.
const (
	ProviderCloudConvert = engine.NameCloudConvert
	ProviderConvertio    = engine.NameConvertio
)

// State is the normalised state of a remote job.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateFinished   State = "finished"
	StateError      State = "error"
)

// IsTerminal reports whether the provider will not change the job any more.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateError
}

// File is one result file produced by a remote job.
type File struct {
	Name string
	URL  string
	Size int64
}

// Job is the canonical view of a remote conversion job.
type Job struct {
	ID       string
	Provider string
	State    State
	Progress int
	Message  string
	Files    []File
}

// StartParams describes a conversion to hand to a provider. InputURL is used
// when set, otherwise the file at InputPath is uploaded inline.
type StartParams struct {
	TaskID       string
	InputURL     string
	InputPath    string
	Filename     string
	InputFormat  string
	OutputFormat string
	Options      models.Options
	WebhookURL   string
}

// Provider is a remote conversion API.
type Provider interface {
	Name() string
	// SupportsWebhook reports whether the provider can push job completion.
	SupportsWebhook() bool
	StartConversion(ctx context.Context, params StartParams) (*Job, error)
	GetStatus(ctx context.Context, jobID string) (*Job, error)
	// Download streams one result file into dst and returns the bytes written.
	Download(ctx context.Context, file File, dst io.Writer) (int64, error)
}

const (
	maxErrorBodyReadSize = 4096
	defaultHTTPTimeout   = 60 * time.Second
)
