// Package process runs conversion tools as subprocesses.
//
// Commands are argument vectors executed without a shell. Stdout and stderr are
// captured separately, the call blocks until the process exits, and a non-zero
// exit code is reported as a *models.SubprocessError carrying the stderr text.
// When the context ends the whole process group is killed.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/leftsky/left-tools-service-sub000/internal/metrics"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

// maxStderrInError bounds the stderr tail folded into error messages.
const maxStderrInError = 2048

// Command describes one tool invocation.
type Command struct {
	Binary string
	Args   []string
	// Dir is the working directory; empty means the current directory.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
}

// String renders the command for logs.
func (c Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Name returns the binary's base name.
func (c Command) Name() string {
	return filepath.Base(c.Binary)
}

// Output is the captured result of a finished invocation.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	Stats    Stats
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Output, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger         *slog.Logger
	sampleInterval time.Duration
	killGrace      time.Duration
}

// NewExecRunner creates a runner that samples process resources every 500ms.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		logger:         slog.Default(),
		sampleInterval: 500 * time.Millisecond,
		killGrace:      5 * time.Second,
	}
}

// WithLogger sets the logger.
func (r *ExecRunner) WithLogger(logger *slog.Logger) *ExecRunner {
	r.logger = logger.With(slog.String("component", "process"))
	return r
}

// WithSampleInterval sets how often resource usage is sampled. Zero disables sampling.
func (r *ExecRunner) WithSampleInterval(d time.Duration) *ExecRunner {
	r.sampleInterval = d
	return r
}

// Run executes cmd and waits for it to exit.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Output, error) {
	var stdout, stderr bytes.Buffer

	c := exec.CommandContext(ctx, cmd.Binary, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	c.Stdout = &stdout
	c.Stderr = &stderr
	configureProcessGroup(c)
	c.Cancel = func() error { return killProcessGroup(c) }
	c.WaitDelay = r.killGrace

	r.logger.Debug("starting subprocess", slog.String("command", cmd.String()))

	started := time.Now()
	if err := c.Start(); err != nil {
		metrics.SubprocessDuration.WithLabelValues(cmd.Name(), "spawn_error").Observe(0)
		return nil, &models.SubprocessError{Command: cmd.Name(), ExitCode: -1, Err: err}
	}

	var sampler *Sampler
	if r.sampleInterval > 0 {
		sampler = NewSampler(int32(c.Process.Pid), r.sampleInterval)
		sampler.Start()
	}

	waitErr := c.Wait()

	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(started),
	}
	if sampler != nil {
		out.Stats = sampler.Stop()
		if out.Stats.PeakRSS > 0 {
			metrics.SubprocessPeakRSS.WithLabelValues(cmd.Name()).Set(float64(out.Stats.PeakRSS))
		}
	}

	err := classify(ctx, cmd, waitErr, out.Stderr)
	metrics.SubprocessDuration.WithLabelValues(cmd.Name(), outcome(ctx, err)).Observe(out.Duration.Seconds())

	r.logger.Debug("subprocess finished",
		slog.String("binary", cmd.Name()),
		slog.Duration("duration", out.Duration),
		slog.Uint64("peak_rss_bytes", out.Stats.PeakRSS),
		slog.Bool("success", err == nil),
	)
	return out, err
}

// classify converts a Wait error into the error returned to adapters.
func classify(ctx context.Context, cmd Command, waitErr error, stderr []byte) error {
	if waitErr == nil {
		return nil
	}
	// A killed process reports a signal exit; surface the context error so the
	// caller can tell a timeout or shutdown from a tool failure.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s interrupted: %w", cmd.Name(), ctxErr)
	}
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &models.SubprocessError{
		Command:  cmd.Name(),
		ExitCode: exitCode,
		Stderr:   TailString(stderr, maxStderrInError),
		Err:      waitErr,
	}
}

func outcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "success"
	case ctx.Err() != nil:
		return "killed"
	default:
		return "error"
	}
}

// TailString returns at most n trailing bytes of b as valid UTF-8, trimmed,
// starting at a line boundary when one is available.
func TailString(b []byte, n int) string {
	s := strings.TrimSpace(strings.ToValidUTF8(string(b), "\uFFFD"))
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}
