package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxErrorLength   = 4096
)

// taskRepo implements TaskRepository using GORM.
type taskRepo struct {
	db *gorm.DB
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepo{db: db}
}

func (r *taskRepo) Create(ctx context.Context, task *models.ConversionTask) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

func (r *taskRepo) GetByID(ctx context.Context, id models.ULID) (*models.ConversionTask, error) {
	var task models.ConversionTask
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting task by ID: %w", err)
	}
	return &task, nil
}

func (r *taskRepo) GetByEngineJobID(ctx context.Context, jobID string) (*models.ConversionTask, error) {
	if jobID == "" {
		return nil, nil
	}
	var task models.ConversionTask
	if err := r.db.WithContext(ctx).Where("engine_job_id = ?", jobID).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting task by engine job ID: %w", err)
	}
	return &task, nil
}

func (r *taskRepo) List(ctx context.Context, filter TaskFilter) ([]*models.ConversionTask, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.ConversionTask{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Engine != "" {
		query = query.Where("engine = ?", filter.Engine)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting tasks: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var tasks []*models.ConversionTask
	err := query.Order("created_at DESC").Offset(filter.Offset).Limit(limit).Find(&tasks).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, total, nil
}

func (r *taskRepo) ListIDsByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]models.ULID, error) {
	var ids []models.ULID
	err := r.db.WithContext(ctx).Model(&models.ConversionTask{}).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing %s task IDs: %w", status, err)
	}
	return ids, nil
}

func (r *taskRepo) ListAwaitingPoll(ctx context.Context, webhookGrace time.Time, limit int) ([]*models.ConversionTask, error) {
	var tasks []*models.ConversionTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND engine_job_id <> ''", models.TaskStatusConverting).
		Where(r.db.Where("await_webhook = ?", false).Or("updated_at < ?", webhookGrace)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("listing tasks awaiting poll: %w", err)
	}
	return tasks, nil
}

func (r *taskRepo) ListInterrupted(ctx context.Context) ([]*models.ConversionTask, error) {
	var tasks []*models.ConversionTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND (engine_job_id = '' OR engine_job_id IS NULL)", models.TaskStatusConverting).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("listing interrupted tasks: %w", err)
	}
	return tasks, nil
}

// guardedUpdate applies updates to the task only while it is in one of from.
func (r *taskRepo) guardedUpdate(ctx context.Context, db *gorm.DB, id models.ULID, from []models.TaskStatus, updates map[string]any) (bool, error) {
	result := db.WithContext(ctx).Model(&models.ConversionTask{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *taskRepo) SetConverting(ctx context.Context, id models.ULID) (bool, error) {
	ok, err := r.guardedUpdate(ctx, r.db, id, models.SourcesFor(models.TaskStatusConverting), map[string]any{
		"status":        models.TaskStatusConverting,
		"started_at":    models.Now(),
		"progress":      0,
		"attempt_count": gorm.Expr("attempt_count + 1"),
	})
	if err != nil {
		return false, fmt.Errorf("marking task converting: %w", err)
	}
	return ok, nil
}

func (r *taskRepo) UpdateProgress(ctx context.Context, id models.ULID, percent int) (bool, error) {
	if percent < 0 {
		percent = 0
	}
	// 100 is reserved for SetFinished.
	if percent > 99 {
		percent = 99
	}
	result := r.db.WithContext(ctx).Model(&models.ConversionTask{}).
		Where("id = ? AND status = ? AND progress < ?", id, models.TaskStatusConverting, percent).
		Update("progress", percent)
	if result.Error != nil {
		return false, fmt.Errorf("updating task progress: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *taskRepo) SetInputSize(ctx context.Context, id models.ULID, size int64) (bool, error) {
	ok, err := r.guardedUpdate(ctx, r.db, id, []models.TaskStatus{models.TaskStatusConverting}, map[string]any{
		"input_size": size,
	})
	if err != nil {
		return false, fmt.Errorf("setting task input size: %w", err)
	}
	return ok, nil
}

func (r *taskRepo) SetEngine(ctx context.Context, id models.ULID, engine string) (bool, error) {
	ok, err := r.guardedUpdate(ctx, r.db, id, []models.TaskStatus{models.TaskStatusConverting}, map[string]any{
		"engine": engine,
	})
	if err != nil {
		return false, fmt.Errorf("setting task engine: %w", err)
	}
	return ok, nil
}

func (r *taskRepo) SetOptions(ctx context.Context, id models.ULID, opts models.Options) (bool, error) {
	ok, err := r.guardedUpdate(ctx, r.db, id, []models.TaskStatus{models.TaskStatusConverting}, map[string]any{
		"options": opts,
	})
	if err != nil {
		return false, fmt.Errorf("setting task options: %w", err)
	}
	return ok, nil
}

func (r *taskRepo) SetEngineJob(ctx context.Context, id models.ULID, jobID string, awaitWebhook bool) (bool, error) {
	ok, err := r.guardedUpdate(ctx, r.db, id, []models.TaskStatus{models.TaskStatusConverting}, map[string]any{
		"engine_job_id": jobID,
		"await_webhook": awaitWebhook,
	})
	if err != nil {
		return false, fmt.Errorf("setting task engine job: %w", err)
	}
	return ok, nil
}

func (r *taskRepo) SetFinished(ctx context.Context, id models.ULID, result FinishedResult) (bool, error) {
	var applied bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.ConversionTask
		if err := tx.Select("id", "created_at", "status").Where("id = ?", id).First(&task).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if !task.Status.CanTransitionTo(models.TaskStatusFinished) {
			return nil
		}

		completedAt := models.Now()
		ok, err := r.guardedUpdate(ctx, tx, id, models.SourcesFor(models.TaskStatusFinished), map[string]any{
			"status":          models.TaskStatusFinished,
			"progress":        100,
			"output_url":      result.OutputURL,
			"output_size":     result.OutputSize,
			"output_files":    result.OutputFiles,
			"error_message":   "",
			"completed_at":    completedAt,
			"processing_time": task.Elapsed(completedAt).Seconds(),
		})
		applied = ok
		return err
	})
	if err != nil {
		return false, fmt.Errorf("marking task finished: %w", err)
	}
	return applied, nil
}

func (r *taskRepo) SetFailed(ctx context.Context, id models.ULID, message string) (bool, error) {
	if message == "" {
		message = "conversion failed"
	}
	message = truncateMessage(message)
	ok, err := r.guardedUpdate(ctx, r.db, id, models.SourcesFor(models.TaskStatusFailed), map[string]any{
		"status":        models.TaskStatusFailed,
		"error_message": message,
		"completed_at":  models.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("marking task failed: %w", err)
	}
	return ok, nil
}

func (r *taskRepo) Requeue(ctx context.Context, id models.ULID, reason string) (bool, error) {
	reason = truncateMessage(reason)
	ok, err := r.guardedUpdate(ctx, r.db, id, models.SourcesFor(models.TaskStatusWaiting), map[string]any{
		"status":        models.TaskStatusWaiting,
		"progress":      0,
		"started_at":    nil,
		"engine":        "",
		"engine_job_id": "",
		"await_webhook": false,
		"error_message": reason,
	})
	if err != nil {
		return false, fmt.Errorf("requeueing task: %w", err)
	}
	return ok, nil
}

func (r *taskRepo) Cancel(ctx context.Context, id models.ULID) (bool, error) {
	ok, err := r.guardedUpdate(ctx, r.db, id, models.SourcesFor(models.TaskStatusCancelled), map[string]any{
		"status":       models.TaskStatusCancelled,
		"completed_at": models.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("cancelling task: %w", err)
	}
	return ok, nil
}

// truncateMessage returns valid UTF-8 of at most maxErrorLength bytes, cut on
// a rune boundary.
func truncateMessage(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= maxErrorLength {
		return s
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

var _ TaskRepository = (*taskRepo)(nil)
