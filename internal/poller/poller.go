// Package poller pulls the status of remote conversion jobs that will not, or
// did not, report completion through a webhook.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leftsky/left-tools-service-sub000/internal/metrics"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
	"github.com/leftsky/left-tools-service-sub000/internal/worker"
)

// Stats summarises one poll cycle.
type Stats struct {
	Checked  int
	Finished int
	Failed   int
	Errors   int
}

// Poller queries remote providers for tasks awaiting completion.
type Poller struct {
	repo      repository.TaskRepository
	finalizer *worker.Finalizer
	logger    *slog.Logger

	batchSize    int
	webhookGrace time.Duration
	parallelism  int
	jobTimeout   time.Duration
}

// Config holds configuration for the poller.
type Config struct {
	// BatchSize bounds the tasks checked per cycle.
	// Default: 50
	BatchSize int

	// WebhookGrace is how long a webhook task may stay silent before it is polled.
	// Default: 10 minutes
	WebhookGrace time.Duration

	// Parallelism bounds concurrent status requests.
	// Default: 4
	Parallelism int

	// JobTimeout fails tasks whose remote job has been running longer than
	// this without finishing. Zero disables the check.
	JobTimeout time.Duration
}

// New creates a poller finalizing through finalizer.
func New(repo repository.TaskRepository, finalizer *worker.Finalizer, cfg Config) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.WebhookGrace <= 0 {
		cfg.WebhookGrace = 10 * time.Minute
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Poller{
		repo:         repo,
		finalizer:    finalizer,
		logger:       slog.Default(),
		batchSize:    cfg.BatchSize,
		webhookGrace: cfg.WebhookGrace,
		parallelism:  cfg.Parallelism,
		jobTimeout:   cfg.JobTimeout,
	}
}

// WithLogger sets a custom logger.
func (p *Poller) WithLogger(logger *slog.Logger) *Poller {
	p.logger = logger
	return p
}

// Poll runs one cycle.
func (p *Poller) Poll(ctx context.Context) (Stats, error) {
	metrics.PollCycles.Inc()

	tasks, err := p.repo.ListAwaitingPoll(ctx, time.Now().Add(-p.webhookGrace), p.batchSize)
	if err != nil {
		return Stats{}, err
	}

	var checked, finished, failed, errs atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)

	for _, task := range tasks {
		g.Go(func() error {
			outcome, err := p.pollTask(gctx, task.ID)
			if err != nil {
				errs.Add(1)
				p.logger.Warn("remote status check failed",
					slog.String("task_id", task.ID.String()),
					slog.String("engine", task.Engine),
					slog.Any("error", err))
				return nil
			}
			switch outcome {
			case worker.OutcomeSkipped:
				return nil
			case worker.OutcomeFinished:
				finished.Add(1)
			case worker.OutcomeFailed:
				failed.Add(1)
			}
			checked.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{
		Checked:  int(checked.Load()),
		Finished: int(finished.Load()),
		Failed:   int(failed.Load()),
		Errors:   int(errs.Load()),
	}
	if stats.Checked > 0 || stats.Errors > 0 {
		p.logger.Info("poll cycle complete",
			slog.Int("checked", stats.Checked),
			slog.Int("finished", stats.Finished),
			slog.Int("failed", stats.Failed),
			slog.Int("errors", stats.Errors))
	}
	return stats, ctx.Err()
}

func (p *Poller) pollTask(ctx context.Context, id models.ULID) (worker.Outcome, error) {
	// A webhook may have finalized the task since it was listed.
	task, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return worker.OutcomeSkipped, err
	}
	if task == nil || task.Status != models.TaskStatusConverting || task.EngineJobID == "" {
		return worker.OutcomeSkipped, nil
	}

	if p.expired(task) {
		return p.finalizer.Fail(ctx, task, &models.TimeoutError{Engine: task.Engine, Timeout: p.jobTimeout})
	}

	provider, ok := p.finalizer.Provider(task.Engine)
	if !ok {
		return p.finalizer.Fail(ctx, task, &models.RemoteProviderError{
			Provider: task.Engine,
			Message:  "remote provider is no longer configured",
		})
	}

	job, err := provider.GetStatus(ctx, task.EngineJobID)
	if err != nil {
		var providerErr *models.RemoteProviderError
		if errors.As(err, &providerErr) && providerErr.StatusCode == http.StatusNotFound {
			return p.finalizer.Fail(ctx, task, err)
		}
		return worker.OutcomeSkipped, err
	}
	return p.finalizer.ApplyRemote(ctx, task, job)
}

func (p *Poller) expired(task *models.ConversionTask) bool {
	return p.jobTimeout > 0 && task.StartedAt != nil && time.Since(*task.StartedAt) > p.jobTimeout
}
