// Package worker executes conversion tasks. The processor is the single place
// that decides between retrying and failing an attempt.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/fetch"
	"github.com/leftsky/left-tools-service-sub000/internal/metrics"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/observability"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
	"github.com/leftsky/left-tools-service-sub000/internal/storage"
)

// Disposition is the result of processing one task attempt.
type Disposition struct {
	Outcome Outcome
	// Attempt is the attempt number that just ran.
	Attempt int
}

// Processor runs one attempt of a task from download to completion.
type Processor struct {
	repo      repository.TaskRepository
	selector  *engine.Selector
	fetcher   *fetch.Fetcher
	scratch   *storage.ScratchSpace
	finalizer *Finalizer
	logger    *slog.Logger

	taskTimeout time.Duration
}

// NewProcessor creates a task processor.
func NewProcessor(
	repo repository.TaskRepository,
	selector *engine.Selector,
	fetcher *fetch.Fetcher,
	scratch *storage.ScratchSpace,
	finalizer *Finalizer,
) *Processor {
	return &Processor{
		repo:        repo,
		selector:    selector,
		fetcher:     fetcher,
		scratch:     scratch,
		finalizer:   finalizer,
		logger:      slog.Default(),
		taskTimeout: 30 * time.Minute,
	}
}

// WithLogger sets a custom logger.
func (p *Processor) WithLogger(logger *slog.Logger) *Processor {
	p.logger = logger
	return p
}

// WithTaskTimeout bounds a whole attempt including the input download.
func (p *Processor) WithTaskTimeout(d time.Duration) *Processor {
	if d > 0 {
		p.taskTimeout = d
	}
	return p
}

// Process claims a Waiting task and runs one attempt. Tasks in any other
// status are skipped. The returned error is reserved for storage failures;
// conversion failures are recorded on the task.
func (p *Processor) Process(ctx context.Context, id models.ULID) (Disposition, error) {
	task, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return Disposition{Outcome: OutcomeSkipped}, err
	}
	if task == nil || task.Status != models.TaskStatusWaiting {
		return Disposition{Outcome: OutcomeSkipped}, nil
	}

	applied, err := p.repo.SetConverting(ctx, id)
	if err != nil {
		return Disposition{Outcome: OutcomeSkipped}, err
	}
	if !applied {
		return Disposition{Outcome: OutcomeSkipped}, nil
	}
	now := models.Now()
	task.Status = models.TaskStatusConverting
	task.StartedAt = &now
	task.AttemptCount++

	logger := observability.WithTaskID(p.logger, task.ID.String()).
		With(slog.Int("attempt", task.AttemptCount))
	ctx = observability.ContextWithLogger(ctx, logger)
	logger.Info("processing task",
		slog.String("input_method", string(task.InputMethod)),
		slog.String("input_format", task.InputFormat),
		slog.String("output_format", task.OutputFormat))

	outcome, runErr := p.run(ctx, task, logger)
	if runErr != nil {
		outcome, err = p.handleFailure(ctx, task, runErr, logger)
	}
	return Disposition{Outcome: outcome, Attempt: task.AttemptCount}, err
}

func (p *Processor) run(ctx context.Context, task *models.ConversionTask, logger *slog.Logger) (Outcome, error) {
	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	dir, err := p.scratch.NewTaskDir(task.ID.String())
	if err != nil {
		return OutcomeFailed, err
	}
	defer os.RemoveAll(dir)

	if err := p.checkpoint(taskCtx, task.ID); err != nil {
		return OutcomeFailed, p.deadline(taskCtx, ctx, "", p.taskTimeout, err)
	}

	inputPath, size, err := p.fetcher.Fetch(taskCtx, task, dir)
	if err != nil {
		return OutcomeFailed, p.deadline(taskCtx, ctx, "", p.taskTimeout, err)
	}
	task.InputSize = &size
	if _, err := p.repo.SetInputSize(ctx, task.ID, size); err != nil {
		return OutcomeFailed, err
	}

	adapter, err := p.selector.Select(task.InputFormat, task.OutputFormat)
	if err != nil {
		return OutcomeFailed, err
	}
	if limit := adapter.MaxInputSize(); limit > 0 && size > limit {
		return OutcomeFailed, &models.ResourceLimitError{Resource: adapter.Name() + " input", Size: size, Limit: limit}
	}
	task.Engine = adapter.Name()
	if _, err := p.repo.SetEngine(ctx, task.ID, adapter.Name()); err != nil {
		return OutcomeFailed, err
	}
	logger = logger.With(slog.String("engine", adapter.Name()))

	job := &engine.Job{
		TaskID:       task.ID,
		InputPath:    inputPath,
		Filename:     task.Filename,
		InputFormat:  task.InputFormat,
		OutputFormat: task.OutputFormat,
		Options:      task.Options.Clone(),
		WorkDir:      dir,
		Checkpoint: func(ctx context.Context) error {
			return p.checkpoint(ctx, task.ID)
		},
		Progress: func(percent int) {
			if _, err := p.repo.UpdateProgress(ctx, task.ID, percent); err != nil {
				logger.Warn("failed to record progress", slog.Any("error", err))
			}
		},
		RecordOptions: func(ctx context.Context, opts models.Options) error {
			_, err := p.repo.SetOptions(ctx, task.ID, opts)
			return err
		},
	}
	if task.InputMethod == models.InputMethodURL {
		job.InputURL = task.InputLocation
	}

	engineCtx, cancelEngine := context.WithTimeout(taskCtx, adapter.Timeout())
	defer cancelEngine()

	result, err := adapter.Submit(engineCtx, job)
	if err != nil {
		budget := adapter.Timeout()
		if taskCtx.Err() != nil {
			budget = p.taskTimeout
		}
		return OutcomeFailed, p.deadline(engineCtx, ctx, adapter.Name(), budget, err)
	}

	if result.Options.Len() > 0 {
		if _, err := p.repo.SetOptions(ctx, task.ID, result.Options); err != nil {
			return OutcomeFailed, err
		}
	}
	if result.Message != "" {
		logger.Info("engine note", slog.String("message", result.Message))
	}

	if result.Async {
		if _, err := p.repo.SetEngineJob(ctx, task.ID, result.RemoteJobID, result.AwaitWebhook); err != nil {
			return OutcomeFailed, err
		}
		logger.Info("remote conversion started",
			slog.String("engine_job_id", result.RemoteJobID),
			slog.Bool("await_webhook", result.AwaitWebhook))
		return OutcomeAsync, nil
	}

	format := task.OutputFormat
	if result.OutputFormat != "" {
		format = result.OutputFormat
	}
	return p.finalizer.CompleteLocal(ctx, task, result.OutputPath, format)
}

// deadline converts an error caused by scoped's deadline into a TimeoutError.
// Expiry of parent is shutdown, not a timeout.
func (p *Processor) deadline(scoped, parent context.Context, engineName string, budget time.Duration, err error) error {
	if parent.Err() == nil && errors.Is(scoped.Err(), context.DeadlineExceeded) {
		return &models.TimeoutError{Engine: engineName, Timeout: budget}
	}
	return err
}

// checkpoint reports models.ErrTaskCancelled once the stored task was cancelled.
func (p *Processor) checkpoint(ctx context.Context, id models.ULID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if task == nil || task.Status == models.TaskStatusCancelled {
		return models.ErrTaskCancelled
	}
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, task *models.ConversionTask, cause error, logger *slog.Logger) (Outcome, error) {
	// State changes must land even when the worker context is going away.
	storeCtx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(cause, models.ErrTaskCancelled):
		logger.Info("task cancelled during conversion")
		return OutcomeCancelled, nil

	case ctx.Err() != nil:
		if _, err := p.repo.Requeue(storeCtx, task.ID, "interrupted by shutdown"); err != nil {
			return OutcomeInterrupted, err
		}
		logger.Info("task interrupted by shutdown, returned to queue")
		return OutcomeInterrupted, nil

	case models.IsRetryable(cause) && task.CanRetry():
		applied, err := p.repo.Requeue(storeCtx, task.ID, cause.Error())
		if err != nil {
			return OutcomeFailed, err
		}
		if !applied {
			return OutcomeIgnored, nil
		}
		metrics.TaskRetries.WithLabelValues(retryReason(cause)).Inc()
		observability.WithError(logger, cause).Warn("task attempt failed, will retry",
			slog.Int("max_attempts", task.MaxAttempts))
		return OutcomeRequeued, nil

	default:
		return p.finalizer.Fail(storeCtx, task, cause)
	}
}

func retryReason(err error) string {
	var downloadErr *models.DownloadError
	if errors.As(err, &downloadErr) {
		return "download"
	}
	var providerErr *models.RemoteProviderError
	if errors.As(err, &providerErr) {
		return "remote"
	}
	return "subprocess"
}
