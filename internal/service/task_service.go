// Package service implements task submission, queries and cancellation on top
// of the repository and the worker pool.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/metrics"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
	"github.com/leftsky/left-tools-service-sub000/internal/urlutil"
)

// Enqueuer hands new tasks to the worker pool.
type Enqueuer interface {
	Enqueue(id models.ULID) bool
}

// SubmitRequest describes a conversion to create.
type SubmitRequest struct {
	InputMethod models.InputMethod
	// InputLocation is the source URL or the blob key of an uploaded input.
	InputLocation string
	// InputData holds raw bytes, or base64 text for the base64 method.
	InputData    []byte
	Filename     string
	InputFormat  string
	OutputFormat string
	Options      models.Options
}

// TaskService provides high-level task operations.
type TaskService struct {
	repo     repository.TaskRepository
	selector *engine.Selector
	enqueuer Enqueuer
	logger   *slog.Logger

	inlineMaxSize int64
	maxAttempts   int
}

// NewTaskService creates a new TaskService.
func NewTaskService(repo repository.TaskRepository, selector *engine.Selector) *TaskService {
	return &TaskService{
		repo:        repo,
		selector:    selector,
		logger:      slog.Default(),
		maxAttempts: models.DefaultMaxAttempts,
	}
}

// WithLogger sets a custom logger.
func (s *TaskService) WithLogger(logger *slog.Logger) *TaskService {
	s.logger = logger
	return s
}

// WithEnqueuer sets the pool new tasks are handed to. Without one, tasks wait
// for the periodic sweep.
func (s *TaskService) WithEnqueuer(e Enqueuer) *TaskService {
	s.enqueuer = e
	return s
}

// WithInlineMaxSize caps decoded raw-bytes and base64 inputs; 0 disables the cap.
func (s *TaskService) WithInlineMaxSize(n int64) *TaskService {
	s.inlineMaxSize = n
	return s
}

// WithMaxAttempts sets the attempt budget given to new tasks.
func (s *TaskService) WithMaxAttempts(n int) *TaskService {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// Submit validates req and creates a Waiting task. Invalid requests return a
// *models.ValidationError or *models.ResourceLimitError and create nothing.
func (s *TaskService) Submit(ctx context.Context, req SubmitRequest) (*models.ConversionTask, error) {
	task, err := s.buildTask(req)
	if err != nil {
		return nil, err
	}

	if _, err := s.selector.Select(task.InputFormat, task.OutputFormat); err != nil {
		var unavailable *models.EncoderUnavailableError
		if errors.As(err, &unavailable) {
			return nil, models.NewValidationError("output_format", "%s", unavailable.Reason)
		}
		return nil, err
	}

	if err := s.repo.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	metrics.TasksSubmitted.WithLabelValues(string(task.InputMethod), task.OutputFormat).Inc()

	queued := false
	if s.enqueuer != nil {
		queued = s.enqueuer.Enqueue(task.ID)
	}
	s.logger.Info("task submitted",
		slog.String("task_id", task.ID.String()),
		slog.String("input_method", string(task.InputMethod)),
		slog.String("input_format", task.InputFormat),
		slog.String("output_format", task.OutputFormat),
		slog.Bool("queued", queued))
	return task, nil
}

func (s *TaskService) buildTask(req SubmitRequest) (*models.ConversionTask, error) {
	if !req.InputMethod.IsValid() {
		return nil, models.NewValidationError("input_method", "unsupported input method %q", req.InputMethod)
	}
	output := models.NormalizeFormat(req.OutputFormat)
	if output == "" {
		return nil, models.NewValidationError("output_format", "is required")
	}

	task := &models.ConversionTask{
		InputMethod:  req.InputMethod,
		Filename:     strings.TrimSpace(req.Filename),
		OutputFormat: output,
		Options:      req.Options.Clone(),
		Status:       models.TaskStatusWaiting,
		MaxAttempts:  s.maxAttempts,
	}

	switch req.InputMethod {
	case models.InputMethodURL:
		if err := urlutil.ValidateURL(req.InputLocation); err != nil {
			return nil, models.NewValidationError("input_location", "%v", err)
		}
		task.InputLocation = req.InputLocation
		if task.Filename == "" {
			task.Filename = urlutil.FilenameFromURL(req.InputLocation)
		}

	case models.InputMethodUploadedBlob:
		key := strings.TrimSpace(req.InputLocation)
		if key == "" {
			return nil, models.NewValidationError("input_location", "blob key is required")
		}
		task.InputLocation = key
		if task.Filename == "" {
			task.Filename = path.Base(key)
		}

	case models.InputMethodRawBytes:
		if len(req.InputData) == 0 {
			return nil, models.NewValidationError("input_data", "is required for %s input", req.InputMethod)
		}
		if err := s.checkInlineSize(int64(len(req.InputData))); err != nil {
			return nil, err
		}
		task.InputData = req.InputData

	case models.InputMethodBase64:
		if len(req.InputData) == 0 {
			return nil, models.NewValidationError("input_data", "is required for %s input", req.InputMethod)
		}
		// Decode up front so corrupt payloads never reach a worker.
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(req.InputData)))
		n, err := base64.StdEncoding.Decode(decoded, req.InputData)
		if err != nil {
			return nil, models.NewValidationError("input_data", "invalid base64: %v", err)
		}
		if err := s.checkInlineSize(int64(n)); err != nil {
			return nil, err
		}
		task.InputData = req.InputData
	}

	task.InputFormat = models.NormalizeFormat(req.InputFormat)
	if task.InputFormat == "" {
		task.InputFormat = models.FormatFromFilename(task.Filename)
	}
	if task.InputFormat == "" {
		return nil, models.NewValidationError("input_format", "is required when the filename has no extension")
	}
	if task.Filename == "" {
		task.Filename = "input." + task.InputFormat
	}

	if q, ok := task.Options.Int(models.OptQuality); task.Options.Has(models.OptQuality) && (!ok || q < 1 || q > 100) {
		return nil, models.NewValidationError("options.quality", "must be an integer between 1 and 100")
	}
	return task, nil
}

func (s *TaskService) checkInlineSize(n int64) error {
	if s.inlineMaxSize > 0 && n > s.inlineMaxSize {
		return &models.ResourceLimitError{Resource: "inline input", Size: n, Limit: s.inlineMaxSize}
	}
	return nil
}

// Get returns the task with id or models.ErrTaskNotFound.
func (s *TaskService) Get(ctx context.Context, id models.ULID) (*models.ConversionTask, error) {
	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, models.ErrTaskNotFound
	}
	return task, nil
}

// List returns a page of tasks and the total matching count.
func (s *TaskService) List(ctx context.Context, filter repository.TaskFilter) ([]*models.ConversionTask, int64, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, 0, models.NewValidationError("status", "unknown status %q", filter.Status)
	}
	if filter.Offset < 0 {
		return nil, 0, models.NewValidationError("offset", "must not be negative")
	}
	return s.repo.List(ctx, filter)
}

// Cancel moves a Waiting or Converting task to Cancelled. A running
// conversion stops at its next checkpoint. Terminal tasks return
// models.ErrInvalidTransition.
func (s *TaskService) Cancel(ctx context.Context, id models.ULID) (*models.ConversionTask, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	applied, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !applied {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, fmt.Errorf("%w: task is %s", models.ErrInvalidTransition, current.Status)
	}

	s.logger.Info("task cancelled",
		slog.String("task_id", id.String()),
		slog.String("previous_status", string(task.Status)))
	return s.Get(ctx, id)
}

// Engines describes the configured engines in priority order.
func (s *TaskService) Engines() []engine.Info {
	return s.selector.Engines()
}
