package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/remote"
	"github.com/leftsky/left-tools-service-sub000/internal/testutil"
	"github.com/leftsky/left-tools-service-sub000/internal/worker"
)

type staticVerifier bool

func (v staticVerifier) VerifySignature([]byte, string) bool { return bool(v) }

type recordingApplier struct {
	jobs    []*remote.Job
	outcome worker.Outcome
	err     error
}

func (a *recordingApplier) ApplyRemote(_ context.Context, _ *models.ConversionTask, job *remote.Job) (worker.Outcome, error) {
	a.jobs = append(a.jobs, job)
	return a.outcome, a.err
}

const finishedPayload = `{"event":"job.finished","job":{"id":"job-42","status":"finished","tasks":[]}}`

func newWebhookFixture(t *testing.T, verified bool, applier *recordingApplier) (http.Handler, *models.ConversionTask) {
	t.Helper()
	repo := testutil.NewTaskRepository(t)
	gen := testutil.NewSampleDataGeneratorWithSeed(8)
	task := testutil.CreateTask(t, repo, gen.RawTask([]byte("x"), "docx", "pdf"))
	ctx := context.Background()
	_, err := repo.SetConverting(ctx, task.ID)
	require.NoError(t, err)
	_, err = repo.SetEngineJob(ctx, task.ID, "job-42", true)
	require.NoError(t, err)

	router, api := newTestAPI()
	NewWebhookHandler(staticVerifier(verified), repo, applier).Register(api)
	return router, task
}

func postWebhook(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/cloudconvert", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CloudConvert-Signature", "sig")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler_AppliesJob(t *testing.T) {
	applier := &recordingApplier{outcome: worker.OutcomeFinished}
	h, task := newWebhookFixture(t, true, applier)

	rec := postWebhook(h, finishedPayload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decode[WebhookResult](t, rec)
	assert.Equal(t, task.ID.String(), result.TaskID)
	assert.Equal(t, "job.finished", result.Event)
	assert.Equal(t, string(worker.OutcomeFinished), result.Outcome)

	require.Len(t, applier.jobs, 1)
	assert.Equal(t, "job-42", applier.jobs[0].ID)
	assert.Equal(t, remote.StateFinished, applier.jobs[0].State)
}

func TestWebhookHandler_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		verified bool
		body     string
		status   int
	}{
		{"bad signature", false, finishedPayload, http.StatusUnauthorized},
		{"not json", true, `{"job":`, http.StatusBadRequest},
		{"missing job id", true, `{"event":"job.finished","job":{"status":"finished"}}`, http.StatusBadRequest},
		{"missing event", true, `{"job":{"id":"job-42","status":"finished"}}`, http.StatusBadRequest},
		{"unknown status", true, `{"event":"job.finished","job":{"id":"job-42","status":"bogus"}}`, http.StatusBadRequest},
		{"unknown job", true, `{"event":"job.failed","job":{"id":"job-other","status":"error"}}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := &recordingApplier{outcome: worker.OutcomeFinished}
			h, _ := newWebhookFixture(t, tt.verified, applier)

			rec := postWebhook(h, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Empty(t, applier.jobs)
		})
	}
}

func TestWebhookHandler_TransientFailureAsksForRedelivery(t *testing.T) {
	applier := &recordingApplier{outcome: worker.OutcomeFailed, err: errors.New("connection reset")}
	h, _ := newWebhookFixture(t, true, applier)

	rec := postWebhook(h, finishedPayload)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Len(t, applier.jobs, 1)
}
