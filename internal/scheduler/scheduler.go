// Package scheduler runs the periodic maintenance jobs of the service on cron
// schedules: remote status polling, the waiting-task sweep and temp cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is one run of a periodic job.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	spec string
	fn   JobFunc
}

// Scheduler manages periodic jobs using cron expressions. A run that is still
// in progress when the next one is due causes that next run to be skipped.
type Scheduler struct {
	mu sync.Mutex

	logger *slog.Logger
	// parser accepts standard 5-field expressions, an optional leading seconds
	// field, and descriptors such as @every 30s.
	parser cron.Parser

	jobs []job
	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		logger: slog.Default(),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// Add registers a job. An empty spec disables the job.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if spec == "" {
		s.logger.Info("periodic job disabled", slog.String("job", name))
		return nil
	}
	if err := s.ValidateCron(spec); err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}
	s.jobs = append(s.jobs, job{name: name, spec: spec, fn: fn})
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.name
	}
	return names
}

// Start begins running the registered jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	logger := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, j := range s.jobs {
		if _, err := s.cron.AddFunc(j.spec, s.wrap(j)); err != nil {
			s.cancel()
			s.ctx, s.cancel, s.cron = nil, nil, nil
			return fmt.Errorf("scheduling %s: %w", j.name, err)
		}
	}
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop stops scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.cron = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// RunNow runs a registered job immediately in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *job
	for i := range s.jobs {
		if s.jobs[i].name == name {
			found = &s.jobs[i]
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		return fmt.Errorf("unknown job %s", name)
	}
	return found.fn(ctx)
}

func (s *Scheduler) wrap(j job) func() {
	ctx := s.ctx
	return func() {
		start := time.Now()
		if err := j.fn(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("periodic job failed",
				slog.String("job", j.name),
				slog.Duration("duration", time.Since(start)),
				slog.Any("error", err))
			return
		}
		s.logger.Debug("periodic job complete",
			slog.String("job", j.name),
			slog.Duration("duration", time.Since(start)))
	}
}

// NextRun returns the next time expr fires after now.
func (s *Scheduler) NextRun(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.Any("error", err))...)
}
