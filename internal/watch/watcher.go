// Package watch turns files dropped into an inbox directory into conversion
// tasks. A file placed in <inbox>/<output_format>/ is stored in the blob store,
// submitted as an uploaded-blob task and removed from the inbox.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/service"
	"github.com/leftsky/left-tools-service-sub000/internal/storage"
)

// RejectedDir holds inbox files that could not be submitted.
const RejectedDir = ".rejected"

// Submitter creates tasks.
type Submitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*models.ConversionTask, error)
}

// Watcher watches an inbox directory tree.
type Watcher struct {
	inbox     string
	debounce  time.Duration
	blobs     storage.BlobStore
	submitter Submitter
	logger    *slog.Logger

	w *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for inbox, creating the directory if needed.
func New(inbox string, debounce time.Duration, blobs storage.BlobStore, submitter Submitter) (*Watcher, error) {
	abs, err := filepath.Abs(inbox)
	if err != nil {
		return nil, fmt.Errorf("resolving inbox path: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("creating inbox: %w", err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		inbox:     abs,
		debounce:  debounce,
		blobs:     blobs,
		submitter: submitter,
		logger:    slog.Default(),
		timers:    make(map[string]*time.Timer),
	}, nil
}

// WithLogger sets a custom logger.
func (wr *Watcher) WithLogger(logger *slog.Logger) *Watcher {
	wr.logger = logger
	return wr
}

// Start registers the inbox and its format directories, picks up files that
// are already present and begins handling events.
func (wr *Watcher) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	wr.mu.Lock()
	wr.w = w
	wr.ctx, wr.cancel = context.WithCancel(ctx)
	wr.mu.Unlock()

	if err := w.Add(wr.inbox); err != nil {
		w.Close()
		return fmt.Errorf("watching inbox: %w", err)
	}

	entries, err := os.ReadDir(wr.inbox)
	if err != nil {
		w.Close()
		return fmt.Errorf("reading inbox: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !isHidden(e.Name()) {
			wr.addFormatDir(filepath.Join(wr.inbox, e.Name()))
		}
	}

	wr.wg.Add(1)
	go wr.loop()

	wr.logger.Info("watching inbox",
		slog.String("path", wr.inbox),
		slog.Duration("debounce", wr.debounce))
	return nil
}

// Stop stops watching and waits for in-progress submissions.
func (wr *Watcher) Stop() {
	wr.mu.Lock()
	if wr.cancel != nil {
		wr.cancel()
	}
	for p, t := range wr.timers {
		t.Stop()
		delete(wr.timers, p)
	}
	w := wr.w
	wr.mu.Unlock()

	if w != nil {
		w.Close()
	}
	wr.wg.Wait()
}

func (wr *Watcher) loop() {
	defer wr.wg.Done()
	for {
		select {
		case <-wr.ctx.Done():
			return
		case ev, ok := <-wr.w.Events:
			if !ok {
				return
			}
			wr.handleEvent(ev)
		case err, ok := <-wr.w.Errors:
			if !ok {
				return
			}
			wr.logger.Warn("inbox watcher error", slog.Any("error", err))
		}
	}
}

func (wr *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if filepath.Dir(ev.Name) == wr.inbox && !isHidden(info.Name()) {
			wr.addFormatDir(ev.Name)
		}
		return
	}
	if _, ok := wr.outputFormat(ev.Name); ok {
		wr.schedule(ev.Name)
	}
}

// addFormatDir watches dir and schedules files already inside it.
func (wr *Watcher) addFormatDir(dir string) {
	if err := wr.w.Add(dir); err != nil {
		wr.logger.Warn("failed to watch format directory",
			slog.String("path", dir),
			slog.Any("error", err))
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && !isHidden(e.Name()) {
			wr.schedule(filepath.Join(dir, e.Name()))
		}
	}
}

// schedule (re)starts the debounce timer for p; the file is ingested once it
// has been quiet for the debounce period.
func (wr *Watcher) schedule(p string) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	if wr.ctx == nil || wr.ctx.Err() != nil {
		return
	}
	if t, ok := wr.timers[p]; ok {
		t.Reset(wr.debounce)
		return
	}
	ctx := wr.ctx
	wr.timers[p] = time.AfterFunc(wr.debounce, func() {
		wr.mu.Lock()
		delete(wr.timers, p)
		if ctx.Err() != nil {
			wr.mu.Unlock()
			return
		}
		wr.wg.Add(1)
		wr.mu.Unlock()

		defer wr.wg.Done()
		if _, err := wr.Ingest(ctx, p); err != nil && !errors.Is(err, os.ErrNotExist) {
			wr.logger.Warn("failed to submit inbox file",
				slog.String("path", p),
				slog.Any("error", err))
		}
	})
}

// outputFormat returns the target format for a file at <inbox>/<format>/<name>.
func (wr *Watcher) outputFormat(p string) (string, bool) {
	dir := filepath.Dir(p)
	if filepath.Dir(dir) != wr.inbox {
		return "", false
	}
	name := filepath.Base(p)
	if isHidden(name) || isPartial(name) || isHidden(filepath.Base(dir)) {
		return "", false
	}
	format := models.NormalizeFormat(filepath.Base(dir))
	return format, format != ""
}

// Ingest stores and submits one inbox file. On success the file is removed;
// files the service rejects are moved to the rejected directory.
func (wr *Watcher) Ingest(ctx context.Context, p string) (*models.ConversionTask, error) {
	format, ok := wr.outputFormat(p)
	if !ok {
		return nil, fmt.Errorf("%s is not inside an output format directory", p)
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(p)
	key := path.Join("inbox", models.NewULID().String(), name)
	_, size, err := wr.blobs.Put(ctx, key, f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("storing inbox file: %w", err)
	}

	task, err := wr.submitter.Submit(ctx, service.SubmitRequest{
		InputMethod:   models.InputMethodUploadedBlob,
		InputLocation: key,
		Filename:      name,
		OutputFormat:  format,
	})
	if err != nil {
		var validationErr *models.ValidationError
		var limitErr *models.ResourceLimitError
		if errors.As(err, &validationErr) || errors.As(err, &limitErr) {
			wr.reject(p)
		}
		return nil, err
	}

	if err := os.Remove(p); err != nil {
		wr.logger.Warn("failed to remove submitted inbox file",
			slog.String("path", p),
			slog.Any("error", err))
	}
	wr.logger.Info("inbox file submitted",
		slog.String("task_id", task.ID.String()),
		slog.String("file", name),
		slog.Int64("size", size),
		slog.String("output_format", format))
	return task, nil
}

func (wr *Watcher) reject(p string) {
	dir := filepath.Join(wr.inbox, RejectedDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return
	}
	dst := filepath.Join(dir, filepath.Base(filepath.Dir(p))+"-"+filepath.Base(p))
	if err := os.Rename(p, dst); err != nil {
		wr.logger.Warn("failed to move rejected inbox file",
			slog.String("path", p),
			slog.Any("error", err))
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// isPartial matches names used by tools that are still writing a file.
func isPartial(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".part") ||
		strings.HasSuffix(lower, ".tmp") ||
		strings.HasSuffix(lower, ".crdownload") ||
		strings.HasSuffix(lower, "~")
}
