// Package repository defines data access for conversion tasks.
// State-changing operations are guarded updates: each one only applies when the
// task is currently in a status that may legally move to the target status, and
// reports whether it applied.
package repository

import (
	"context"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

// TaskFilter narrows List results.
type TaskFilter struct {
	Status models.TaskStatus
	Engine string
	Offset int
	Limit  int
}

// FinishedResult carries the output of a successful conversion.
type FinishedResult struct {
	OutputURL   string
	OutputSize  int64
	OutputFiles models.OutputFiles
}

// TaskRepository defines persistence operations for conversion tasks.
type TaskRepository interface {
	// Create persists a new task in Waiting state.
	Create(ctx context.Context, task *models.ConversionTask) error
	// GetByID returns the task or nil when it does not exist.
	GetByID(ctx context.Context, id models.ULID) (*models.ConversionTask, error)
	// GetByEngineJobID returns the task correlated with a remote job, or nil.
	GetByEngineJobID(ctx context.Context, jobID string) (*models.ConversionTask, error)
	// List returns a page of tasks and the total matching count.
	List(ctx context.Context, filter TaskFilter) ([]*models.ConversionTask, int64, error)
	// ListIDsByStatus returns up to limit task IDs in status, oldest first.
	ListIDsByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]models.ULID, error)
	// ListAwaitingPoll returns Converting remote tasks that should be polled: those
	// without webhook delivery, plus webhook tasks not updated since webhookGrace.
	ListAwaitingPoll(ctx context.Context, webhookGrace time.Time, limit int) ([]*models.ConversionTask, error)
	// ListInterrupted returns Converting tasks with no remote correlation ID.
	ListInterrupted(ctx context.Context) ([]*models.ConversionTask, error)

	// SetConverting moves Waiting -> Converting, stamping started_at, resetting
	// progress and counting the attempt.
	SetConverting(ctx context.Context, id models.ULID) (bool, error)
	// UpdateProgress raises progress while Converting; lower values are ignored.
	UpdateProgress(ctx context.Context, id models.ULID, percent int) (bool, error)
	// SetInputSize records the downloaded input size.
	SetInputSize(ctx context.Context, id models.ULID, size int64) (bool, error)
	// SetEngine records the selected engine.
	SetEngine(ctx context.Context, id models.ULID, engine string) (bool, error)
	// SetOptions replaces the option map while Converting.
	SetOptions(ctx context.Context, id models.ULID, opts models.Options) (bool, error)
	// SetEngineJob records a remote correlation ID.
	SetEngineJob(ctx context.Context, id models.ULID, jobID string, awaitWebhook bool) (bool, error)
	// SetFinished moves Converting -> Finished with output, progress 100,
	// completed_at and processing time in one update.
	SetFinished(ctx context.Context, id models.ULID, result FinishedResult) (bool, error)
	// SetFailed moves a non-terminal task to Failed with message.
	SetFailed(ctx context.Context, id models.ULID, message string) (bool, error)
	// Requeue moves Converting -> Waiting for a retry, clearing partial progress.
	Requeue(ctx context.Context, id models.ULID, reason string) (bool, error)
	// Cancel moves a non-terminal task to Cancelled.
	Cancel(ctx context.Context, id models.ULID) (bool, error)
}
