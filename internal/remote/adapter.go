package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

// AdapterConfig configures the remote fallback adapter.
type AdapterConfig struct {
	Timeout        time.Duration
	MaxInputSize   int64
	WebhookEnabled bool
	// WebhookURL is the public URL of the webhook receiver.
	WebhookURL string
}

// Adapter exposes a Provider as the lowest-priority engine. Submit only starts
// the remote job; completion arrives by webhook or polling.
type Adapter struct {
	provider Provider
	cfg      AdapterConfig
	logger   *slog.Logger
}

// NewAdapter wraps provider.
func NewAdapter(provider Provider, cfg AdapterConfig) *Adapter {
	return &Adapter{provider: provider, cfg: cfg, logger: slog.Default()}
}

// WithLogger sets the logger.
func (a *Adapter) WithLogger(logger *slog.Logger) *Adapter {
	a.logger = logger.With(slog.String("component", "remote"), slog.String("provider", a.provider.Name()))
	return a
}

// Provider returns the wrapped provider.
func (a *Adapter) Provider() Provider { return a.provider }

func (a *Adapter) Name() string           { return a.provider.Name() }
func (a *Adapter) Kind() engine.Kind      { return engine.KindRemote }
func (a *Adapter) MaxInputSize() int64    { return a.cfg.MaxInputSize }
func (a *Adapter) Timeout() time.Duration { return a.cfg.Timeout }

// SupportsConversion accepts any pair; the provider rejects what it cannot do.
func (a *Adapter) SupportsConversion(inputFormat, outputFormat string) bool {
	return models.NormalizeFormat(inputFormat) != "" && models.NormalizeFormat(outputFormat) != ""
}

// AwaitsWebhook reports whether started jobs complete by webhook.
func (a *Adapter) AwaitsWebhook() bool {
	return a.cfg.WebhookEnabled && a.cfg.WebhookURL != "" && a.provider.SupportsWebhook()
}

// Describe reports the provider and how completion is detected.
func (a *Adapter) Describe() engine.Info {
	completion := "poll"
	if a.AwaitsWebhook() {
		completion = "webhook"
	}
	return engine.Info{
		Name:         a.Name(),
		Kind:         a.Kind(),
		Available:    true,
		MaxInputSize: a.cfg.MaxInputSize,
		Timeout:      a.cfg.Timeout,
		Details:      map[string]any{"completion": completion},
	}
}

// Submit starts the remote job and returns its correlation ID.
func (a *Adapter) Submit(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	if err := job.Check(ctx); err != nil {
		return nil, err
	}

	params := StartParams{
		TaskID:       job.TaskID.String(),
		InputURL:     job.InputURL,
		InputPath:    job.InputPath,
		Filename:     job.Filename,
		InputFormat:  models.NormalizeFormat(job.InputFormat),
		OutputFormat: models.NormalizeFormat(job.OutputFormat),
		Options:      job.Options,
	}
	await := a.AwaitsWebhook()
	if await {
		params.WebhookURL = a.cfg.WebhookURL
	}

	remoteJob, err := a.provider.StartConversion(ctx, params)
	if err != nil {
		return nil, err
	}

	a.logger.Info("remote job started",
		slog.String("task_id", params.TaskID),
		slog.String("job_id", remoteJob.ID),
		slog.Bool("await_webhook", await),
	)
	return &engine.Result{
		Success:      true,
		RemoteJobID:  remoteJob.ID,
		Async:        true,
		AwaitWebhook: await,
		Message:      fmt.Sprintf("submitted to %s", a.provider.Name()),
	}, nil
}

var (
	_ engine.Adapter   = (*Adapter)(nil)
	_ engine.Describer = (*Adapter)(nil)
)
