package remote

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/pkg/httpclient"
)

// CloudConvert API endpoints.
const (
	CloudConvertAPI        = "https://api.cloudconvert.com/v2"
	CloudConvertSandboxAPI = "https://api.sandbox.cloudconvert.com/v2"

	// CloudConvertSignatureHeader carries the hex HMAC-SHA256 of a webhook body.
	CloudConvertSignatureHeader = "CloudConvert-Signature"

	taskImport  = "import-file"
	taskConvert = "convert-file"
	taskExport  = "export-file"
)

// CloudConvertConfig configures the CloudConvert client.
type CloudConvertConfig struct {
	APIKey        string
	BaseURL       string
	Sandbox       bool
	SigningSecret string
}

// CloudConvert is a CloudConvert API v2 client.
type CloudConvert struct {
	cfg     CloudConvertConfig
	baseURL string
	client  *httpclient.Client
	logger  *slog.Logger
}

// NewCloudConvert creates a CloudConvert client. BaseURL wins over Sandbox.
func NewCloudConvert(cfg CloudConvertConfig, client *httpclient.Client) *CloudConvert {
	base := cfg.BaseURL
	if base == "" {
		base = CloudConvertAPI
		if cfg.Sandbox {
			base = CloudConvertSandboxAPI
		}
	}
	return &CloudConvert{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(base, "/"),
		client:  client,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger.
func (c *CloudConvert) WithLogger(logger *slog.Logger) *CloudConvert {
	c.logger = logger.With(slog.String("provider", ProviderCloudConvert))
	return c
}

// Name returns the provider name.
func (c *CloudConvert) Name() string { return ProviderCloudConvert }

// SupportsWebhook returns true; CloudConvert calls webhook_url on job events.
func (c *CloudConvert) SupportsWebhook() bool { return true }

// StartConversion creates an import, convert, export job.
func (c *CloudConvert) StartConversion(ctx context.Context, params StartParams) (*Job, error) {
	importTask, err := cloudConvertImport(params)
	if err != nil {
		return nil, err
	}

	convertTask := map[string]any{
		"operation":     "convert",
		"input":         taskImport,
		"output_format": params.OutputFormat,
	}
	if params.InputFormat != "" {
		convertTask["input_format"] = params.InputFormat
	}
	for k, v := range cloudConvertOptions(params.Options) {
		convertTask[k] = v
	}

	body := map[string]any{
		"tasks": map[string]any{
			taskImport:  importTask,
			taskConvert: convertTask,
			taskExport: map[string]any{
				"operation": "export/url",
				"input":     taskConvert,
			},
		},
		"tag": params.TaskID,
	}
	if params.WebhookURL != "" {
		body["webhook_url"] = params.WebhookURL
	}

	var envelope ccJobEnvelope
	err = doJSON(ctx, c.client, apiCall{
		provider:  ProviderCloudConvert,
		operation: "start",
		method:    http.MethodPost,
		url:       c.baseURL + "/jobs",
		headers:   c.authHeaders(),
		body:      body,
	}, decodeCloudConvertError, &envelope)
	if err != nil {
		return nil, err
	}
	if envelope.Data.ID == "" {
		return nil, &models.RemoteProviderError{Provider: ProviderCloudConvert, Message: "job created without an id"}
	}

	c.logger.Debug("cloudconvert job created",
		slog.String("task_id", params.TaskID),
		slog.String("job_id", envelope.Data.ID),
	)
	return envelope.Data.normalize(), nil
}

// GetStatus fetches a job and normalises it.
func (c *CloudConvert) GetStatus(ctx context.Context, jobID string) (*Job, error) {
	var envelope ccJobEnvelope
	err := doJSON(ctx, c.client, apiCall{
		provider:  ProviderCloudConvert,
		operation: "status",
		method:    http.MethodGet,
		url:       c.baseURL + "/jobs/" + url.PathEscape(jobID),
		headers:   c.authHeaders(),
	}, decodeCloudConvertError, &envelope)
	if err != nil {
		return nil, err
	}
	return envelope.Data.normalize(), nil
}

// Download streams an exported file. Export URLs are pre-signed.
func (c *CloudConvert) Download(ctx context.Context, file File, dst io.Writer) (int64, error) {
	return download(ctx, c.client, ProviderCloudConvert, file, dst)
}

// VerifySignature checks the webhook signature. Without a signing secret
// every payload is accepted.
func (c *CloudConvert) VerifySignature(body []byte, signature string) bool {
	if c.cfg.SigningSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.SigningSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

func (c *CloudConvert) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

// WebhookEvent is a parsed CloudConvert webhook delivery.
type WebhookEvent struct {
	Event string
	Job   *Job
}

// CloudConvert webhook events.
const (
	EventJobCreated  = "job.created"
	EventJobFinished = "job.finished"
	EventJobFailed   = "job.failed"
)

// ParseCloudConvertWebhook decodes a webhook body. event, job.id and a known
// job.status are required.
func ParseCloudConvertWebhook(body []byte) (*WebhookEvent, error) {
	var payload struct {
		Event string `json:"event"`
		Job   *ccJob `json:"job"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, models.NewValidationError("body", "invalid webhook payload: %v", err)
	}
	switch payload.Event {
	case EventJobCreated, EventJobFinished, EventJobFailed:
	case "":
		return nil, models.NewValidationError("event", "is required")
	default:
		return nil, models.NewValidationError("event", "unknown event %q", payload.Event)
	}
	if payload.Job == nil {
		return nil, models.NewValidationError("job", "is required")
	}
	if payload.Job.ID == "" {
		return nil, models.NewValidationError("job.id", "is required")
	}
	switch payload.Job.Status {
	case "waiting", "processing", "finished", "error":
	case "":
		return nil, models.NewValidationError("job.status", "is required")
	default:
		return nil, models.NewValidationError("job.status", "unknown status %q", payload.Job.Status)
	}

	return &WebhookEvent{Event: payload.Event, Job: payload.Job.normalize()}, nil
}

// cloudConvertImport builds the import task: by URL when the input has one,
// otherwise the local file inline as base64.
func cloudConvertImport(params StartParams) (map[string]any, error) {
	filename := params.Filename
	if filename == "" && params.InputPath != "" {
		filename = filepath.Base(params.InputPath)
	}
	if params.InputURL != "" {
		task := map[string]any{"operation": "import/url", "url": params.InputURL}
		if filename != "" {
			task["filename"] = filename
		}
		return task, nil
	}

	data, err := os.ReadFile(params.InputPath)
	if err != nil {
		return nil, fmt.Errorf("reading input for upload: %w", err)
	}
	return map[string]any{
		"operation": "import/base64",
		"file":      base64.StdEncoding.EncodeToString(data),
		"filename":  filename,
	}, nil
}

// cloudConvertOptions maps task options onto convert task parameters.
func cloudConvertOptions(opts models.Options) map[string]any {
	out := make(map[string]any)
	for _, key := range []string{models.OptWidth, models.OptHeight, models.OptQuality} {
		if v, ok := opts.Int(key); ok {
			out[key] = v
		}
	}
	if v, ok := opts.Int(models.OptFramerate); ok {
		out["fps"] = v
	}
	if v, ok := opts.Int(models.OptPage); ok && v > 0 {
		out["pages"] = strconv.Itoa(v)
	}
	if opts.Bool(models.OptMute, false) {
		out["audio_codec"] = "none"
	}
	if kbps := bitrateKbps(opts.String(models.OptAudioQuality)); kbps > 0 {
		out["audio_bitrate"] = kbps
	}
	return out
}

// bitrateKbps parses "192k" or "192"; quality presets are left to the provider.
func bitrateKbps(v string) int {
	v = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(v)), "k")
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

type ccJobEnvelope struct {
	Data ccJob `json:"data"`
}

type ccJob struct {
	ID     string   `json:"id"`
	Tag    string   `json:"tag"`
	Status string   `json:"status"`
	Tasks  []ccTask `json:"tasks"`
}

type ccTask struct {
	Name      string    `json:"name"`
	Operation string    `json:"operation"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Percent   *int      `json:"percent"`
	Result    *ccResult `json:"result"`
}

type ccResult struct {
	Files []ccFile `json:"files"`
}

type ccFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

func (j *ccJob) normalize() *Job {
	job := &Job{ID: j.ID, Provider: ProviderCloudConvert}

	switch j.Status {
	case "finished":
		job.State = StateFinished
		job.Progress = 100
	case "error":
		job.State = StateError
	case "processing":
		job.State = StateProcessing
	default:
		job.State = StatePending
	}

	for _, t := range j.Tasks {
		if t.Operation == "convert" && t.Percent != nil && job.State != StateFinished {
			job.Progress = max(0, min(*t.Percent, 99))
		}
		if t.Status == "error" && job.Message == "" {
			job.Message = t.Message
			if t.Code != "" {
				job.Message = fmt.Sprintf("%s (%s)", t.Message, t.Code)
			}
		}
		if t.Operation == "export/url" && t.Result != nil {
			for _, f := range t.Result.Files {
				job.Files = append(job.Files, File{Name: f.Filename, URL: f.URL, Size: f.Size})
			}
		}
	}
	if job.State == StateError && job.Message == "" {
		job.Message = "cloudconvert job failed"
	}
	return job
}

func decodeCloudConvertError(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(body, &e) != nil || e.Message == "" {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

var _ Provider = (*CloudConvert)(nil)
