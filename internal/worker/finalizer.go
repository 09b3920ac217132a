package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/leftsky/left-tools-service-sub000/internal/metrics"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/remote"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
	"github.com/leftsky/left-tools-service-sub000/internal/storage"
)

// Outcome describes what happened to a task after one processing step.
type Outcome string

const (
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFinished    Outcome = "finished"
	OutcomeFailed      Outcome = "failed"
	OutcomeAsync       Outcome = "async"
	OutcomeProgress    Outcome = "progress"
	OutcomeRequeued    Outcome = "requeued"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeIgnored     Outcome = "ignored"
)

// Finalizer moves tasks into terminal states. Local conversions, webhook
// deliveries and the status poller all finish tasks through it.
type Finalizer struct {
	repo      repository.TaskRepository
	blobs     storage.BlobStore
	scratch   *storage.ScratchSpace
	providers map[string]remote.Provider
	logger    *slog.Logger

	remoteGroup singleflight.Group
}

// NewFinalizer creates a finalizer storing results in blobs.
func NewFinalizer(repo repository.TaskRepository, blobs storage.BlobStore, scratch *storage.ScratchSpace) *Finalizer {
	return &Finalizer{
		repo:      repo,
		blobs:     blobs,
		scratch:   scratch,
		providers: make(map[string]remote.Provider),
		logger:    slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (f *Finalizer) WithLogger(logger *slog.Logger) *Finalizer {
	f.logger = logger
	return f
}

// WithProvider registers a remote provider used to download finished outputs.
func (f *Finalizer) WithProvider(p remote.Provider) *Finalizer {
	f.providers[p.Name()] = p
	return f
}

// Provider returns the registered provider with the given name.
func (f *Finalizer) Provider(name string) (remote.Provider, bool) {
	p, ok := f.providers[name]
	return p, ok
}

// OutputKey returns the blob key for a task output file.
func OutputKey(task *models.ConversionTask, name string) string {
	return path.Join("outputs", task.ID.String(), name)
}

// outputName derives the stored file name from the original filename.
func outputName(task *models.ConversionTask, format string) string {
	base := filepath.Base(task.Filename)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "output"
	}
	return models.ReplaceExt(base, format)
}

// CompleteLocal uploads a locally produced output and marks the task Finished.
func (f *Finalizer) CompleteLocal(ctx context.Context, task *models.ConversionTask, outputPath, format string) (Outcome, error) {
	file, err := os.Open(outputPath)
	if err != nil {
		return OutcomeFailed, &models.UploadError{Path: outputPath, Err: err}
	}
	defer file.Close()

	key := OutputKey(task, outputName(task, format))
	url, size, err := f.blobs.Put(ctx, key, file)
	if err != nil {
		return OutcomeFailed, &models.UploadError{Path: key, Err: err}
	}

	return f.finish(ctx, task, repository.FinishedResult{OutputURL: url, OutputSize: size})
}

func (f *Finalizer) finish(ctx context.Context, task *models.ConversionTask, result repository.FinishedResult) (Outcome, error) {
	applied, err := f.repo.SetFinished(ctx, task.ID, result)
	if err != nil {
		return OutcomeFailed, err
	}
	if !applied {
		f.logger.Info("task left its converting state before completion",
			slog.String("task_id", task.ID.String()),
			slog.String("output_url", result.OutputURL))
		return OutcomeIgnored, nil
	}

	f.observe(task, models.TaskStatusFinished)
	f.logger.Info("task finished",
		slog.String("task_id", task.ID.String()),
		slog.String("engine", task.Engine),
		slog.String("output_url", result.OutputURL),
		slog.Int64("output_size", result.OutputSize))
	return OutcomeFinished, nil
}

// Fail marks the task Failed with the message of cause.
func (f *Finalizer) Fail(ctx context.Context, task *models.ConversionTask, cause error) (Outcome, error) {
	attrs := []any{
		slog.String("task_id", task.ID.String()),
		slog.String("engine", task.Engine),
		slog.Any("error", cause),
	}
	var uploadErr *models.UploadError
	if errors.As(cause, &uploadErr) {
		attrs = append(attrs, slog.Bool("lost_output", true))
		f.logger.Error("converted output could not be stored", attrs...)
	}

	applied, err := f.repo.SetFailed(ctx, task.ID, cause.Error())
	if err != nil {
		return OutcomeFailed, err
	}
	if !applied {
		return OutcomeIgnored, nil
	}

	f.observe(task, models.TaskStatusFailed)
	f.logger.Warn("task failed", attrs...)
	return OutcomeFailed, nil
}

func (f *Finalizer) observe(task *models.ConversionTask, status models.TaskStatus) {
	engine := task.Engine
	if engine == "" {
		engine = "none"
	}
	metrics.TasksCompleted.WithLabelValues(engine, string(status)).Inc()
	if task.StartedAt != nil {
		metrics.TaskDuration.WithLabelValues(engine).Observe(time.Since(*task.StartedAt).Seconds())
	}
}

// ApplyRemote applies a remote job report to its task. Concurrent reports for
// the same job collapse into one application, and reports for tasks that are
// no longer converting are ignored.
func (f *Finalizer) ApplyRemote(ctx context.Context, task *models.ConversionTask, job *remote.Job) (Outcome, error) {
	v, err, _ := f.remoteGroup.Do(job.ID, func() (any, error) {
		return f.applyRemote(ctx, task.ID, job)
	})
	if v == nil {
		return OutcomeFailed, err
	}
	return v.(Outcome), err
}

func (f *Finalizer) applyRemote(ctx context.Context, id models.ULID, job *remote.Job) (Outcome, error) {
	// Reload so a delivery racing with another one sees its result.
	task, err := f.repo.GetByID(ctx, id)
	if err != nil {
		return OutcomeFailed, err
	}
	if task == nil {
		return OutcomeFailed, models.ErrTaskNotFound
	}
	if task.Status != models.TaskStatusConverting {
		return OutcomeIgnored, nil
	}

	switch job.State {
	case remote.StateFinished:
		return f.CompleteRemote(ctx, task, job)

	case remote.StateError:
		msg := job.Message
		if msg == "" {
			msg = "remote conversion failed"
		}
		return f.Fail(ctx, task, &models.RemoteProviderError{Provider: task.Engine, Message: msg})

	default:
		if _, err := f.repo.UpdateProgress(ctx, task.ID, job.Progress); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeProgress, nil
	}
}

// CompleteRemote downloads every result file of a finished remote job into the
// blob store and marks the task Finished. A result that cannot be fetched or
// stored fails the task. A cancelled ctx, an unreachable provider or a
// repository error leaves it converting for the next delivery or poll.
func (f *Finalizer) CompleteRemote(ctx context.Context, task *models.ConversionTask, job *remote.Job) (Outcome, error) {
	result, err := f.collectRemote(ctx, task, job)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeFailed, ctx.Err()
		}
		if models.IsRetryable(err) {
			return OutcomeFailed, err
		}
		return f.Fail(ctx, task, err)
	}
	return f.finish(ctx, task, result)
}

func (f *Finalizer) collectRemote(ctx context.Context, task *models.ConversionTask, job *remote.Job) (repository.FinishedResult, error) {
	var result repository.FinishedResult
	provider, ok := f.providers[task.Engine]
	if !ok {
		return result, &models.RemoteProviderError{Provider: task.Engine, Message: "provider is not configured"}
	}

	files := job.Files
	if len(files) == 0 {
		// Webhook payloads may omit results; ask the provider directly.
		fresh, err := provider.GetStatus(ctx, job.ID)
		if err != nil {
			return result, err
		}
		files = fresh.Files
	}
	if len(files) == 0 {
		return result, &models.RemoteProviderError{Provider: provider.Name(), Message: "job finished without output files"}
	}

	dir, err := f.scratch.NewTaskDir(task.ID.String())
	if err != nil {
		return result, fmt.Errorf("preparing result directory: %w", err)
	}
	defer os.RemoveAll(dir)

	stored := make(models.OutputFiles, 0, len(files))
	for i, file := range files {
		name := remoteFileName(task, file, i)
		url, size, err := f.storeRemoteFile(ctx, provider, file, dir, OutputKey(task, name))
		if err != nil {
			return result, err
		}
		stored = append(stored, models.OutputFile{Name: name, URL: url, Size: size})
		result.OutputSize += size
	}

	result.OutputURL = stored[0].URL
	if len(stored) > 1 {
		result.OutputFiles = stored
	}
	return result, nil
}

func (f *Finalizer) storeRemoteFile(ctx context.Context, provider remote.Provider, file remote.File, dir, key string) (string, int64, error) {
	tmp, err := os.CreateTemp(dir, "remote-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating result file: %w", err)
	}
	defer tmp.Close()

	if _, err := provider.Download(ctx, file, tmp); err != nil {
		var providerErr *models.RemoteProviderError
		if errors.As(err, &providerErr) || ctx.Err() != nil {
			return "", 0, err
		}
		return "", 0, fmt.Errorf("downloading %s result %q: %w", provider.Name(), file.Name, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("rewinding result file: %w", err)
	}

	url, size, err := f.blobs.Put(ctx, key, tmp)
	if err != nil {
		return "", 0, &models.UploadError{Path: key, Err: err}
	}
	return url, size, nil
}

func remoteFileName(task *models.ConversionTask, file remote.File, index int) string {
	name := filepath.Base(strings.ReplaceAll(file.Name, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = outputName(task, task.OutputFormat)
		if index > 0 {
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), index+1, ext)
		}
	}
	return name
}
