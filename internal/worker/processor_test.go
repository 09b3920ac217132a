package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

func TestProcessor_LocalSuccess(t *testing.T) {
	var seen *engine.Job
	adapter := &fakeAdapter{name: "fake", kind: engine.KindLocal, submit: func(_ context.Context, job *engine.Job) (*engine.Result, error) {
		seen = job
		job.ReportProgress(40)
		return writeOutput(job, "jpg", "converted")
	}}
	env := newTestEnv(t, adapter)
	task := env.createRaw(t, "raw image", "png", "jpg")

	d, err := env.processor.Process(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, d.Outcome)
	assert.Equal(t, 1, d.Attempt)

	require.NotNil(t, seen)
	assert.True(t, strings.HasSuffix(seen.InputPath, "input.png"))
	assert.Empty(t, seen.InputURL)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusFinished, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "fake", got.Engine)
	require.NotNil(t, got.InputSize)
	assert.Equal(t, int64(len("raw image")), *got.InputSize)
	require.NotNil(t, got.OutputSize)
	assert.Equal(t, int64(len("converted")), *got.OutputSize)
	assert.NotNil(t, got.CompletedAt)

	key := OutputKey(task, models.ReplaceExt(task.Filename, "jpg"))
	assert.Equal(t, env.blobs.URL(key), got.OutputURL)
	assert.Equal(t, "converted", env.readBlob(t, key))
	env.requireScratchEmpty(t)
}

func TestProcessor_FallbackFormatNamesOutput(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", kind: engine.KindLocal, submit: func(_ context.Context, job *engine.Job) (*engine.Result, error) {
		res, err := writeOutput(job, "pdf", "%PDF")
		if err != nil {
			return nil, err
		}
		res.OutputFormat = "pdf"
		res.Message = "returned PDF instead of png"
		return res, nil
	}}
	env := newTestEnv(t, adapter)
	task := env.createRaw(t, "doc", "docx", "png")

	d, err := env.processor.Process(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, d.Outcome)

	got := env.reload(t, task.ID)
	assert.True(t, strings.HasSuffix(got.OutputURL, ".pdf"), got.OutputURL)
}

func TestProcessor_RecordsEncoderChoice(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", kind: engine.KindLocal, submit: func(ctx context.Context, job *engine.Job) (*engine.Result, error) {
		opts := job.Options.Clone()
		opts.Set(models.OptVideoEncoder, "libx264")
		if err := job.Record(ctx, opts); err != nil {
			return nil, err
		}
		return nil, &models.SubprocessError{Command: "ffmpeg", ExitCode: 1, Stderr: "broken pipe"}
	}}
	env := newTestEnv(t, adapter)
	task := env.createRaw(t, "clip", "mov", "mp4")

	d, err := env.processor.Process(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, d.Outcome)

	got := env.reload(t, task.ID)
	assert.Equal(t, "libx264", got.Options.String(models.OptVideoEncoder))
}

func TestProcessor_RetryThenSuccess(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", kind: engine.KindLocal}
	adapter.submit = func(_ context.Context, job *engine.Job) (*engine.Result, error) {
		if adapter.calls == 1 {
			return nil, &models.SubprocessError{Command: "magick", ExitCode: 1, Stderr: "killed"}
		}
		return writeOutput(job, "jpg", "ok")
	}
	env := newTestEnv(t, adapter)
	task := env.createRaw(t, "img", "png", "jpg")
	ctx := context.Background()

	d, err := env.processor.Process(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, d.Outcome)
	assert.Equal(t, 1, d.Attempt)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusWaiting, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, got.Engine)
	assert.NotEmpty(t, got.ErrorMessage)

	d, err = env.processor.Process(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, d.Outcome)
	assert.Equal(t, 2, d.Attempt)

	got = env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusFinished, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Empty(t, got.ErrorMessage)
}

func TestProcessor_RetriesExhausted(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", kind: engine.KindLocal, submit: func(context.Context, *engine.Job) (*engine.Result, error) {
		return nil, &models.SubprocessError{Command: "magick", ExitCode: 1, Stderr: "killed"}
	}}
	env := newTestEnv(t, adapter)
	task := env.gen.RawTask([]byte("img"), "png", "jpg")
	task.MaxAttempts = 1
	require.NoError(t, env.repo.Create(context.Background(), task))

	d, err := env.processor.Process(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, d.Outcome)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestProcessor_PermanentFailures(t *testing.T) {
	tests := []struct {
		name     string
		adapter  *fakeAdapter
		contains string
	}{
		{
			name: "validation error",
			adapter: &fakeAdapter{name: "fake", kind: engine.KindLocal, submit: func(context.Context, *engine.Job) (*engine.Result, error) {
				return nil, models.NewValidationError("resolution", "unknown preset %q", "9000p")
			}},
			contains: "9000p",
		},
		{
			name: "remote provider error",
			adapter: &fakeAdapter{name: "fake", kind: engine.KindRemote, submit: func(context.Context, *engine.Job) (*engine.Result, error) {
				return nil, &models.RemoteProviderError{Provider: "fake", StatusCode: 422, Message: "unsupported output"}
			}},
			contains: "unsupported output",
		},
		{
			name:     "input over engine limit",
			adapter:  &fakeAdapter{name: "fake", kind: engine.KindLocal, maxSize: 2},
			contains: "fake input",
		},
		{
			name: "engine timeout",
			adapter: &fakeAdapter{name: "fake", kind: engine.KindLocal, timeout: 20 * time.Millisecond, submit: func(ctx context.Context, _ *engine.Job) (*engine.Result, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
			contains: "timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.adapter)
			task := env.createRaw(t, "payload", "png", "jpg")

			d, err := env.processor.Process(context.Background(), task.ID)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailed, d.Outcome)

			got := env.reload(t, task.ID)
			assert.Equal(t, models.TaskStatusFailed, got.Status)
			assert.Contains(t, got.ErrorMessage, tt.contains)
			assert.Equal(t, 1, got.AttemptCount)
			env.requireScratchEmpty(t)
		})
	}
}

func TestProcessor_NoEngineAvailable(t *testing.T) {
	env := newTestEnv(t)
	task := env.createRaw(t, "payload", "png", "jpg")

	d, err := env.processor.Process(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, d.Outcome)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no engine supports png to jpg")
}

func TestProcessor_SkipsTasksNotWaiting(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", kind: engine.KindLocal}
	env := newTestEnv(t, adapter)
	task := env.createRaw(t, "payload", "png", "jpg")
	ctx := context.Background()

	_, err := env.repo.Cancel(ctx, task.ID)
	require.NoError(t, err)

	d, err := env.processor.Process(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, d.Outcome)
	assert.Zero(t, adapter.calls)

	d, err = env.processor.Process(ctx, models.NewULID())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, d.Outcome)
}

func TestProcessor_CancelledDuringConversion(t *testing.T) {
	env := newTestEnv(t)
	adapter := &fakeAdapter{name: "fake", kind: engine.KindLocal}
	adapter.submit = func(ctx context.Context, job *engine.Job) (*engine.Result, error) {
		if _, err := env.repo.Cancel(ctx, job.TaskID); err != nil {
			return nil, err
		}
		if err := job.Check(ctx); err != nil {
			return nil, err
		}
		return writeOutput(job, "jpg", "should not be stored")
	}
	env.processor.selector = engine.NewSelector(adapter)
	task := env.createRaw(t, "payload", "png", "jpg")

	d, err := env.processor.Process(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, d.Outcome)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)
	assert.Empty(t, got.OutputURL)
	env.requireScratchEmpty(t)
}

func TestProcessor_ShutdownRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := &fakeAdapter{name: "fake", kind: engine.KindLocal, submit: func(ctx context.Context, _ *engine.Job) (*engine.Result, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	env := newTestEnv(t, adapter)
	task := env.createRaw(t, "payload", "png", "jpg")

	d, err := env.processor.Process(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, d.Outcome)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusWaiting, got.Status)
	assert.Equal(t, "interrupted by shutdown", got.ErrorMessage)
}

func TestProcessor_AsyncRemoteStart(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", kind: engine.KindRemote, submit: func(_ context.Context, job *engine.Job) (*engine.Result, error) {
		return &engine.Result{Success: true, Async: true, RemoteJobID: "job-1", AwaitWebhook: true}, nil
	}}
	env := newTestEnv(t, adapter)
	task := env.createRaw(t, "payload", "key", "pdf")

	d, err := env.processor.Process(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAsync, d.Outcome)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusConverting, got.Status)
	assert.Equal(t, "job-1", got.EngineJobID)
	assert.True(t, got.AwaitWebhook)
	assert.Equal(t, "fake", got.Engine)
	env.requireScratchEmpty(t)
}

func TestProcessor_DownloadFailureIsRetried(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", kind: engine.KindLocal}
	env := newTestEnv(t, adapter)
	task := newBlobTask(t, env, "uploads/missing.png")

	d, err := env.processor.Process(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, d.Outcome)
	assert.Zero(t, adapter.calls)
}

func newBlobTask(t *testing.T, env *testEnv, key string) *models.ConversionTask {
	t.Helper()
	task := &models.ConversionTask{
		InputMethod:   models.InputMethodUploadedBlob,
		InputLocation: key,
		Filename:      "missing.png",
		InputFormat:   "png",
		OutputFormat:  "jpg",
	}
	require.NoError(t, env.repo.Create(context.Background(), task))
	return task
}
