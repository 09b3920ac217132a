package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/remote"
)

type stubProvider struct {
	mu        sync.Mutex
	files     map[string]string
	status    *remote.Job
	downloads int
}

func (p *stubProvider) Name() string          { return "stub" }
func (p *stubProvider) SupportsWebhook() bool { return true }

func (p *stubProvider) StartConversion(context.Context, remote.StartParams) (*remote.Job, error) {
	return nil, errors.New("not used")
}

func (p *stubProvider) GetStatus(_ context.Context, jobID string) (*remote.Job, error) {
	if p.status == nil {
		return nil, &models.RemoteProviderError{Provider: "stub", StatusCode: 404, Message: "unknown job " + jobID}
	}
	return p.status, nil
}

func (p *stubProvider) Download(_ context.Context, file remote.File, dst io.Writer) (int64, error) {
	p.mu.Lock()
	p.downloads++
	p.mu.Unlock()
	content, ok := p.files[file.URL]
	if !ok {
		return 0, errors.New("no such file")
	}
	n, err := io.Copy(dst, strings.NewReader(content))
	return n, err
}

// remoteTask creates a task already handed to the stub provider.
func remoteTask(t *testing.T, env *testEnv, jobID string) *models.ConversionTask {
	t.Helper()
	ctx := context.Background()
	task := env.createRaw(t, "slides", "key", "pdf")

	ok, err := env.repo.SetConverting(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = env.repo.SetEngine(ctx, task.ID, "stub")
	require.NoError(t, err)
	_, err = env.repo.SetEngineJob(ctx, task.ID, jobID, true)
	require.NoError(t, err)
	return env.reload(t, task.ID)
}

func TestFinalizer_ApplyRemoteFinished(t *testing.T) {
	env := newTestEnv(t)
	provider := &stubProvider{files: map[string]string{"https://cdn.example.com/deck.pdf": "%PDF-1.7"}}
	env.finalizer.WithProvider(provider)
	task := remoteTask(t, env, "J1")

	outcome, err := env.finalizer.ApplyRemote(context.Background(), task, &remote.Job{
		ID:    "J1",
		State: remote.StateFinished,
		Files: []remote.File{{Name: "deck.pdf", URL: "https://cdn.example.com/deck.pdf"}},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusFinished, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, env.blobs.URL(OutputKey(task, "deck.pdf")), got.OutputURL)
	require.NotNil(t, got.OutputSize)
	assert.Equal(t, int64(8), *got.OutputSize)
	assert.Empty(t, got.OutputFiles)
	assert.Equal(t, "%PDF-1.7", env.readBlob(t, OutputKey(task, "deck.pdf")))
	env.requireScratchEmpty(t)
}

func TestFinalizer_ApplyRemoteMultipleFiles(t *testing.T) {
	env := newTestEnv(t)
	provider := &stubProvider{files: map[string]string{
		"https://cdn.example.com/p1.png": "page-one",
		"https://cdn.example.com/p2.png": "page-2",
	}}
	env.finalizer.WithProvider(provider)
	task := remoteTask(t, env, "J2")

	outcome, err := env.finalizer.ApplyRemote(context.Background(), task, &remote.Job{
		ID:    "J2",
		State: remote.StateFinished,
		Files: []remote.File{
			{Name: "p1.png", URL: "https://cdn.example.com/p1.png"},
			{Name: "p2.png", URL: "https://cdn.example.com/p2.png"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	got := env.reload(t, task.ID)
	require.Len(t, got.OutputFiles, 2)
	assert.Equal(t, "p1.png", got.OutputFiles[0].Name)
	assert.Equal(t, int64(6), got.OutputFiles[1].Size)
	assert.Equal(t, got.OutputFiles[0].URL, got.OutputURL)
	require.NotNil(t, got.OutputSize)
	assert.Equal(t, int64(14), *got.OutputSize)
}

func TestFinalizer_ApplyRemoteFetchesMissingFiles(t *testing.T) {
	env := newTestEnv(t)
	provider := &stubProvider{
		files: map[string]string{"https://cdn.example.com/out": "data"},
		status: &remote.Job{ID: "J3", State: remote.StateFinished, Files: []remote.File{
			{URL: "https://cdn.example.com/out"},
		}},
	}
	env.finalizer.WithProvider(provider)
	task := remoteTask(t, env, "J3")

	outcome, err := env.finalizer.ApplyRemote(context.Background(), task, &remote.Job{ID: "J3", State: remote.StateFinished})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	got := env.reload(t, task.ID)
	assert.True(t, strings.HasSuffix(got.OutputURL, ".pdf"), got.OutputURL)
}

func TestFinalizer_ApplyRemoteUnreachableResultFailsTask(t *testing.T) {
	tests := []struct {
		name    string
		job     *remote.Job
		message string
	}{
		{
			name: "expired result url",
			job: &remote.Job{ID: "J9", State: remote.StateFinished, Files: []remote.File{
				{Name: "x.pdf", URL: "https://expired.example.com/x.pdf"},
			}},
			message: "no such file",
		},
		{
			name:    "no files reported",
			job:     &remote.Job{ID: "J9", State: remote.StateFinished},
			message: "unknown job J9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			provider := &stubProvider{files: map[string]string{}}
			env.finalizer.WithProvider(provider)
			task := remoteTask(t, env, "J9")

			outcome, err := env.finalizer.ApplyRemote(context.Background(), task, tt.job)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailed, outcome)

			got := env.reload(t, task.ID)
			assert.Equal(t, models.TaskStatusFailed, got.Status)
			assert.Contains(t, got.ErrorMessage, tt.message)
			require.NotNil(t, got.CompletedAt)
			env.requireScratchEmpty(t)

			// A redelivery of the same report finds a terminal task.
			outcome, err = env.finalizer.ApplyRemote(context.Background(), task, tt.job)
			require.NoError(t, err)
			assert.Equal(t, OutcomeIgnored, outcome)
		})
	}
}

func TestFinalizer_ApplyRemoteCancelledContextKeepsTask(t *testing.T) {
	env := newTestEnv(t)
	env.finalizer.WithProvider(&stubProvider{files: map[string]string{}})
	task := remoteTask(t, env, "J10")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.finalizer.CompleteRemote(ctx, task, &remote.Job{ID: "J10", State: remote.StateFinished, Files: []remote.File{
		{Name: "x.pdf", URL: "https://cdn.example.com/x.pdf"},
	}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.TaskStatusConverting, env.reload(t, task.ID).Status)
}

func TestFinalizer_ApplyRemoteUnreachableProviderKeepsTask(t *testing.T) {
	env := newTestEnv(t)
	env.finalizer.WithProvider(&unreachableProvider{})
	task := remoteTask(t, env, "J11")

	_, err := env.finalizer.ApplyRemote(context.Background(), task, &remote.Job{ID: "J11", State: remote.StateFinished})
	var providerErr *models.RemoteProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.True(t, providerErr.Transient)
	assert.Equal(t, models.TaskStatusConverting, env.reload(t, task.ID).Status)
	env.requireScratchEmpty(t)
}

// unreachableProvider fails every status request at the transport level.
type unreachableProvider struct{ stubProvider }

func (p *unreachableProvider) GetStatus(context.Context, string) (*remote.Job, error) {
	return nil, &models.RemoteProviderError{Provider: "stub", Message: "connection refused", Transient: true}
}

func TestFinalizer_ApplyRemoteError(t *testing.T) {
	env := newTestEnv(t)
	env.finalizer.WithProvider(&stubProvider{})
	task := remoteTask(t, env, "J4")

	outcome, err := env.finalizer.ApplyRemote(context.Background(), task, &remote.Job{
		ID:      "J4",
		State:   remote.StateError,
		Message: "INVALID_FILE (corrupt input)",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "INVALID_FILE (corrupt input)")
}

func TestFinalizer_ApplyRemoteProgress(t *testing.T) {
	env := newTestEnv(t)
	env.finalizer.WithProvider(&stubProvider{})
	task := remoteTask(t, env, "J5")

	outcome, err := env.finalizer.ApplyRemote(context.Background(), task, &remote.Job{ID: "J5", State: remote.StateProcessing, Progress: 45})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProgress, outcome)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusConverting, got.Status)
	assert.Equal(t, 45, got.Progress)
}

func TestFinalizer_DuplicateDeliveryIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	provider := &stubProvider{files: map[string]string{"https://cdn.example.com/deck.pdf": "%PDF"}}
	env.finalizer.WithProvider(provider)
	task := remoteTask(t, env, "J6")
	job := &remote.Job{
		ID:    "J6",
		State: remote.StateFinished,
		Files: []remote.File{{Name: "deck.pdf", URL: "https://cdn.example.com/deck.pdf"}},
	}

	outcome, err := env.finalizer.ApplyRemote(context.Background(), task, job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)
	first := env.reload(t, task.ID)

	outcome, err = env.finalizer.ApplyRemote(context.Background(), task, job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, 1, provider.downloads)

	second := env.reload(t, task.ID)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	assert.Equal(t, first.OutputURL, second.OutputURL)
}

func TestFinalizer_CancelledTaskIgnoresCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.finalizer.WithProvider(&stubProvider{})
	task := remoteTask(t, env, "J7")
	_, err := env.repo.Cancel(context.Background(), task.ID)
	require.NoError(t, err)

	outcome, err := env.finalizer.ApplyRemote(context.Background(), task, &remote.Job{ID: "J7", State: remote.StateError, Message: "late"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, models.TaskStatusCancelled, env.reload(t, task.ID).Status)
}

func TestFinalizer_FailRecordsMessage(t *testing.T) {
	env := newTestEnv(t)
	task := remoteTask(t, env, "J8")

	outcome, err := env.finalizer.Fail(context.Background(), task, &models.UploadError{Path: "outputs/x", Err: errors.New("disk full")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := env.reload(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "disk full")
}
