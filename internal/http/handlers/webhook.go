package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/leftsky/left-tools-service-sub000/internal/metrics"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/remote"
	"github.com/leftsky/left-tools-service-sub000/internal/worker"
)

// SignatureVerifier checks a webhook body against its signature header.
type SignatureVerifier interface {
	VerifySignature(body []byte, signature string) bool
}

// TaskByJobID finds the task correlated with a remote job.
type TaskByJobID interface {
	GetByEngineJobID(ctx context.Context, jobID string) (*models.ConversionTask, error)
}

// RemoteApplier applies a remote job state to its task.
type RemoteApplier interface {
	ApplyRemote(ctx context.Context, task *models.ConversionTask, job *remote.Job) (worker.Outcome, error)
}

// WebhookHandler receives remote provider callbacks.
type WebhookHandler struct {
	verifier SignatureVerifier
	tasks    TaskByJobID
	applier  RemoteApplier
	logger   *slog.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(verifier SignatureVerifier, tasks TaskByJobID, applier RemoteApplier) *WebhookHandler {
	return &WebhookHandler{
		verifier: verifier,
		tasks:    tasks,
		applier:  applier,
		logger:   slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (h *WebhookHandler) WithLogger(logger *slog.Logger) *WebhookHandler {
	h.logger = logger
	return h
}

// Register registers the webhook routes with the API.
func (h *WebhookHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "cloudConvertWebhook",
		Method:      http.MethodPost,
		Path:        "/api/v1/webhooks/cloudconvert",
		Summary:     "CloudConvert webhook",
		Description: "Receives CloudConvert job notifications",
		Tags:        []string{"Webhooks"},
	}, h.CloudConvert)
}

// WebhookInput is a raw webhook delivery.
type WebhookInput struct {
	Signature string `header:"CloudConvert-Signature"`
	RawBody   []byte
}

// WebhookResult reports what a delivery did.
type WebhookResult struct {
	TaskID  string `json:"task_id"`
	Event   string `json:"event"`
	Outcome string `json:"outcome"`
}

// WebhookOutput is the webhook acknowledgement.
type WebhookOutput struct {
	Body WebhookResult
}

// CloudConvert applies a job notification. Duplicate deliveries and reports
// for tasks that are no longer converting are acknowledged as ignored.
func (h *WebhookHandler) CloudConvert(ctx context.Context, input *WebhookInput) (*WebhookOutput, error) {
	if !h.verifier.VerifySignature(input.RawBody, input.Signature) {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return nil, huma.Error401Unauthorized("invalid webhook signature")
	}

	event, err := remote.ParseCloudConvertWebhook(input.RawBody)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("invalid").Inc()
		return nil, apiError(err, "failed to parse webhook")
	}

	task, err := h.tasks.GetByEngineJobID(ctx, event.Job.ID)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("error").Inc()
		return nil, huma.Error500InternalServerError("failed to look up task", err)
	}
	if task == nil {
		metrics.WebhooksReceived.WithLabelValues("unknown").Inc()
		return nil, huma.Error404NotFound("no task for job " + event.Job.ID)
	}

	outcome, err := h.applier.ApplyRemote(ctx, task, event.Job)
	if err != nil {
		// The task is still converting; a redelivery or the poller retries it.
		metrics.WebhooksReceived.WithLabelValues("error").Inc()
		h.logger.Warn("failed to apply webhook",
			slog.String("task_id", task.ID.String()),
			slog.String("job_id", event.Job.ID),
			slog.Any("error", err))
		return nil, huma.Error500InternalServerError("failed to apply job state", err)
	}
	metrics.WebhooksReceived.WithLabelValues(string(outcome)).Inc()

	h.logger.Info("webhook received",
		slog.String("task_id", task.ID.String()),
		slog.String("event", event.Event),
		slog.String("outcome", string(outcome)))

	return &WebhookOutput{Body: WebhookResult{
		TaskID:  task.ID.String(),
		Event:   event.Event,
		Outcome: string(outcome),
	}}, nil
}
