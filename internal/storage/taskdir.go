package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskDirPrefix names every per-task scratch directory.
const TaskDirPrefix = "convertd-task-"

// ScratchSpace hands out per-task scratch directories under one root.
type ScratchSpace struct {
	root string
}

// NewScratchSpace creates the scratch root if needed.
func NewScratchSpace(root string) (*ScratchSpace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	return &ScratchSpace{root: abs}, nil
}

// Root returns the scratch root.
func (s *ScratchSpace) Root() string { return s.root }

// NewTaskDir creates a uniquely named directory for one attempt of a task.
func (s *ScratchSpace) NewTaskDir(taskID string) (string, error) {
	name := TaskDirPrefix + taskID + "-" + uuid.NewString()[:8]
	dir := filepath.Join(s.root, name)
	if err := os.Mkdir(dir, 0750); err != nil {
		return "", fmt.Errorf("creating task directory: %w", err)
	}
	return dir, nil
}

// CleanupOrphans removes task directories older than maxAge and returns how
// many were removed.
func (s *ScratchSpace) CleanupOrphans(maxAge time.Duration, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("reading scratch directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), TaskDirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("failed to remove orphaned task directory",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}
