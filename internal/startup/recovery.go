// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"log/slog"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/repository"
	"github.com/leftsky/left-tools-service-sub000/internal/storage"
)

// DefaultCleanupAge is the default maximum age for orphaned temp directories (1 hour).
const DefaultCleanupAge = 1 * time.Hour

// CleanupOrphanedTempDirs removes per-task scratch directories left behind by a
// previous run that are older than maxAge.
//
// Returns the number of directories removed and any error encountered.
func CleanupOrphanedTempDirs(logger *slog.Logger, scratch *storage.ScratchSpace, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultCleanupAge
	}
	removed, err := scratch.CleanupOrphans(maxAge, logger)
	if err != nil {
		logger.Error("failed to clean up orphaned temp directories",
			"path", scratch.Root(),
			"error", err,
		)
		return removed, err
	}
	if removed > 0 {
		logger.Info("removed orphaned temp directories",
			"path", scratch.Root(),
			"count", removed,
		)
	}
	return removed, nil
}

// RecoverInterruptedTasks returns tasks that were converting locally when the
// process stopped to Waiting so the sweep dispatches them again. Tasks handed
// to a remote provider keep converting; the poller or webhook finishes them.
// A task that already used all of its attempts is marked Failed instead.
//
// Returns the number of tasks recovered and any error encountered.
func RecoverInterruptedTasks(ctx context.Context, logger *slog.Logger, repo repository.TaskRepository) (int, error) {
	tasks, err := repo.ListInterrupted(ctx)
	if err != nil {
		logger.Error("failed to list interrupted tasks",
			"error", err,
		)
		return 0, err
	}

	var recovered int
	for _, task := range tasks {
		if !task.CanRetry() {
			logger.Warn("interrupted task has no attempts left",
				"task_id", task.ID.String(),
				"attempts", task.AttemptCount,
			)
			if _, err := repo.SetFailed(ctx, task.ID, "interrupted by server restart after final attempt"); err != nil {
				logger.Error("failed to fail interrupted task",
					"task_id", task.ID.String(),
					"error", err,
				)
			}
			continue
		}

		logger.Warn("recovering interrupted task",
			"task_id", task.ID.String(),
			"engine", task.Engine,
			"status", task.Status,
		)

		ok, err := repo.Requeue(ctx, task.ID, "interrupted by server restart")
		if err != nil {
			logger.Error("failed to requeue interrupted task",
				"task_id", task.ID.String(),
				"error", err,
			)
			continue
		}
		if ok {
			recovered++
		}
	}

	return recovered, nil
}
