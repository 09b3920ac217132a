// Package engine defines the contract shared by conversion engines and the
// priority-ordered selector that picks one for a format pair.
package engine

import (
	"context"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

// Engine names recorded on tasks.
const (
	NameImageMagick  = "imagemagick"
	NameFFmpeg       = "ffmpeg"
	NameLibreOffice  = "libreoffice"
	NameCloudConvert = "cloudconvert"
	NameConvertio    = "convertio"
)

// Kind distinguishes engines that finish inside Submit from those that only start a job.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Job is the input handed to an adapter for one attempt of one task.
type Job struct {
	TaskID models.ULID

	// InputPath is the downloaded input on local disk.
	InputPath string
	// InputURL is set when the input is reachable by URL, letting remote
	// engines import it directly.
	InputURL string

	Filename     string
	InputFormat  string
	OutputFormat string
	Options      models.Options

	// WorkDir is a per-task scratch directory owned by the worker.
	WorkDir string

	// Checkpoint returns models.ErrTaskCancelled once cancellation was requested.
	Checkpoint func(ctx context.Context) error
	// Progress receives percentages in 0..99.
	Progress func(percent int)
	// RecordOptions persists decisions such as chosen encoders as soon as they
	// are made, so a retried attempt sees them in Options.
	RecordOptions func(ctx context.Context, opts models.Options) error
}

// Check runs the cancellation checkpoint. Adapters call it before starting each
// subprocess or remote call.
func (j *Job) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.Checkpoint == nil {
		return nil
	}
	return j.Checkpoint(ctx)
}

// ReportProgress forwards percent to the Progress callback when one is set.
func (j *Job) ReportProgress(percent int) {
	if j.Progress != nil {
		j.Progress(percent)
	}
}

// Record forwards opts to RecordOptions when one is set.
func (j *Job) Record(ctx context.Context, opts models.Options) error {
	if j.RecordOptions == nil {
		return nil
	}
	return j.RecordOptions(ctx, opts)
}

// Result is returned by Submit.
type Result struct {
	Success bool
	// OutputPath is the produced file for local engines.
	OutputPath string
	OutputSize int64
	// OutputFormat is set when the engine fell back to a format other than
	// the one requested.
	OutputFormat string
	// RemoteJobID correlates an asynchronous remote job with the task.
	RemoteJobID string
	// Async is true when Submit only started the conversion.
	Async bool
	// AwaitWebhook is true when completion will be pushed by the provider.
	AwaitWebhook bool
	Message      string
	StatusCode   int
	// Options holds decisions made during conversion, such as the chosen
	// encoders, that must be persisted on the task.
	Options models.Options
}

// Adapter wraps one conversion tool or provider.
type Adapter interface {
	Name() string
	Kind() Kind
	// SupportsConversion reports whether the engine can convert in to out.
	SupportsConversion(inputFormat, outputFormat string) bool
	// MaxInputSize is the largest input in bytes the engine accepts; 0 means no limit.
	MaxInputSize() int64
	// Timeout is the wall-clock budget for one Submit call.
	Timeout() time.Duration
	Submit(ctx context.Context, job *Job) (*Result, error)
}

// Diagnoser is implemented by adapters that can explain why a conversion is
// impossible. A non-nil error marks a hard failure that must not be hidden by
// a generic "unsupported" answer.
type Diagnoser interface {
	Diagnose(inputFormat, outputFormat string) error
}

// Describer is implemented by adapters that report tool availability.
type Describer interface {
	Describe() Info
}

// Info describes an engine for listings.
type Info struct {
	Name         string         `json:"name"`
	Kind         Kind           `json:"kind"`
	Available    bool           `json:"available"`
	Binary       string         `json:"binary,omitempty"`
	Version      string         `json:"version,omitempty"`
	MaxInputSize int64          `json:"max_input_size"`
	Timeout      time.Duration  `json:"timeout"`
	Details      map[string]any `json:"details,omitempty"`
}
