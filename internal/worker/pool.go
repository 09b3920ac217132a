package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/metrics"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
)

// TaskProcessor runs one attempt of a task.
type TaskProcessor interface {
	Process(ctx context.Context, id models.ULID) (Disposition, error)
}

// Pool dispatches task IDs to a fixed number of workers. An ID is held in the
// in-flight set from enqueue until its attempt ends, including any retry
// backoff, so a task is never queued twice.
type Pool struct {
	mu sync.Mutex

	repo      repository.TaskRepository
	processor TaskProcessor
	logger    *slog.Logger

	concurrency int
	retryDelay  time.Duration
	maxDelay    time.Duration

	queue    chan models.ULID
	inFlight map[models.ULID]struct{}
	timers   map[models.ULID]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PoolConfig holds configuration for the pool.
type PoolConfig struct {
	// Concurrency is the number of workers.
	// Default: 2
	Concurrency int

	// QueueSize bounds the number of queued task IDs.
	// Default: 100
	QueueSize int

	// RetryDelay is the delay before the first retry; later retries double it.
	// Default: 5 seconds
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff.
	// Default: 5 minutes
	MaxRetryDelay time.Duration
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:   2,
		QueueSize:     100,
		RetryDelay:    5 * time.Second,
		MaxRetryDelay: 5 * time.Minute,
	}
}

// NewPool creates a worker pool.
func NewPool(repo repository.TaskRepository, processor TaskProcessor, config PoolConfig) *Pool {
	defaults := DefaultPoolConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = defaults.MaxRetryDelay
	}
	return &Pool{
		repo:        repo,
		processor:   processor,
		logger:      slog.Default(),
		concurrency: config.Concurrency,
		retryDelay:  config.RetryDelay,
		maxDelay:    config.MaxRetryDelay,
		queue:       make(chan models.ULID, config.QueueSize),
		inFlight:    make(map[models.ULID]struct{}),
		timers:      make(map[models.ULID]*time.Timer),
	}
}

// WithLogger sets a custom logger.
func (p *Pool) WithLogger(logger *slog.Logger) *Pool {
	p.logger = logger
	return p
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("pool already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.logger.Info("worker pool started",
		slog.Int("workers", p.concurrency),
		slog.Int("queue_size", cap(p.queue)))
	return nil
}

// Stop cancels running attempts and waits for the workers to return.
// Interrupted tasks are requeued by the processor.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
		delete(p.inFlight, id)
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.ctx = nil
	p.cancel = nil
	p.mu.Unlock()

	p.logger.Info("worker pool stopped")
}

// Enqueue queues a task for processing. It returns false when the task is
// already in flight or the queue is full; the sweep picks those up later.
func (p *Pool) Enqueue(id models.ULID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inFlight[id]; ok {
		return false
	}
	select {
	case p.queue <- id:
		p.inFlight[id] = struct{}{}
		p.updateGauges()
		return true
	default:
		p.logger.Debug("queue full, deferring task to sweep", slog.String("task_id", id.String()))
		return false
	}
}

// InFlight reports whether id is queued, running or waiting for a retry.
func (p *Pool) InFlight(id models.ULID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

// Sweep enqueues Waiting tasks that are not already in flight and returns how
// many were added.
func (p *Pool) Sweep(ctx context.Context) (int, error) {
	ids, err := p.repo.ListIDsByStatus(ctx, models.TaskStatusWaiting, cap(p.queue))
	if err != nil {
		return 0, err
	}
	added := 0
	for _, id := range ids {
		if p.Enqueue(id) {
			added++
		}
	}
	if added > 0 {
		p.logger.Info("sweep enqueued waiting tasks", slog.Int("count", added))
	}
	return added, nil
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			p.mu.Lock()
			p.updateGauges()
			p.mu.Unlock()
			p.run(id)
		}
	}
}

func (p *Pool) run(id models.ULID) {
	disposition, err := p.processor.Process(p.ctx, id)
	if err != nil {
		p.logger.Error("task processing error",
			slog.String("task_id", id.String()),
			slog.Any("error", err))
	}

	if disposition.Outcome == OutcomeRequeued && p.ctx.Err() == nil {
		p.scheduleRetry(id, p.Backoff(disposition.Attempt))
		return
	}
	p.release(id)
}

// Backoff returns the delay before retrying after attempt.
func (p *Pool) Backoff(attempt int) time.Duration {
	delay := p.retryDelay
	for i := 1; i < attempt && delay < p.maxDelay; i++ {
		delay *= 2
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}

func (p *Pool) scheduleRetry(id models.ULID, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Debug("scheduling retry",
		slog.String("task_id", id.String()),
		slog.Duration("delay", delay))
	p.timers[id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		delete(p.timers, id)
		if p.ctx == nil || p.ctx.Err() != nil {
			delete(p.inFlight, id)
			p.updateGauges()
			return
		}
		select {
		case p.queue <- id:
		default:
			delete(p.inFlight, id)
		}
		p.updateGauges()
	})
}

func (p *Pool) release(id models.ULID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
	p.updateGauges()
}

// updateGauges must be called with mu held.
func (p *Pool) updateGauges() {
	metrics.QueueDepth.Set(float64(len(p.queue)))
	metrics.TasksInFlight.Set(float64(len(p.inFlight)))
}
