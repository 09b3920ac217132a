package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/pkg/httpclient"
)

// ConvertioAPI is the Convertio API base URL.
const ConvertioAPI = "https://api.convertio.co"

// ConvertioConfig configures the Convertio client.
type ConvertioConfig struct {
	APIKey  string
	BaseURL string
}

// Convertio is a Convertio API client. Convertio has no webhooks; jobs are polled.
type Convertio struct {
	cfg     ConvertioConfig
	baseURL string
	client  *httpclient.Client
	logger  *slog.Logger
}

// NewConvertio creates a Convertio client.
func NewConvertio(cfg ConvertioConfig, client *httpclient.Client) *Convertio {
	base := cfg.BaseURL
	if base == "" {
		base = ConvertioAPI
	}
	return &Convertio{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(base, "/"),
		client:  client,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger.
func (c *Convertio) WithLogger(logger *slog.Logger) *Convertio {
	c.logger = logger.With(slog.String("provider", ProviderConvertio))
	return c
}

func (c *Convertio) Name() string          { return ProviderConvertio }
func (c *Convertio) SupportsWebhook() bool { return false }

// StartConversion posts to /convert.
func (c *Convertio) StartConversion(ctx context.Context, params StartParams) (*Job, error) {
	body := map[string]any{
		"apikey":       c.cfg.APIKey,
		"outputformat": params.OutputFormat,
	}
	filename := params.Filename
	if filename == "" && params.InputPath != "" {
		filename = filepath.Base(params.InputPath)
	}
	if params.InputURL != "" {
		body["input"] = "url"
		body["file"] = params.InputURL
	} else {
		data, err := os.ReadFile(params.InputPath)
		if err != nil {
			return nil, fmt.Errorf("reading input for upload: %w", err)
		}
		body["input"] = "base64"
		body["file"] = base64.StdEncoding.EncodeToString(data)
	}
	if filename != "" {
		body["filename"] = filename
	}
	if opts := convertioOptions(params.Options); len(opts) > 0 {
		body["options"] = opts
	}

	var resp convertioResponse
	err := doJSON(ctx, c.client, apiCall{
		provider:  ProviderConvertio,
		operation: "start",
		method:    http.MethodPost,
		url:       c.baseURL + "/convert",
		body:      body,
	}, decodeConvertioError, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		return nil, &models.RemoteProviderError{Provider: ProviderConvertio, Message: "conversion started without an id"}
	}

	c.logger.Debug("convertio conversion started",
		slog.String("task_id", params.TaskID),
		slog.String("job_id", resp.Data.ID),
	)
	return &Job{ID: resp.Data.ID, Provider: ProviderConvertio, State: StatePending}, nil
}

// GetStatus fetches /convert/{id}/status and normalises it.
func (c *Convertio) GetStatus(ctx context.Context, jobID string) (*Job, error) {
	var resp convertioResponse
	err := doJSON(ctx, c.client, apiCall{
		provider:  ProviderConvertio,
		operation: "status",
		method:    http.MethodGet,
		url:       c.baseURL + "/convert/" + url.PathEscape(jobID) + "/status",
	}, decodeConvertioError, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		resp.Data.ID = jobID
	}
	return resp.Data.normalize()
}

// Download streams a result file.
func (c *Convertio) Download(ctx context.Context, file File, dst io.Writer) (int64, error) {
	return download(ctx, c.client, ProviderConvertio, file, dst)
}

// convertioOptions maps task options onto the Convertio options object.
func convertioOptions(opts models.Options) map[string]any {
	out := make(map[string]any)
	if opts.Bool(models.OptOCR, false) {
		out["ocr_enabled"] = true
		langs := []string{"eng"}
		if l := opts.String(models.OptOCRLanguage); l != "" {
			langs = strings.Split(l, ",")
		}
		out["ocr_settings"] = map[string]any{"langs": langs}
	}
	return out
}

type convertioResponse struct {
	Code   int           `json:"code"`
	Status string        `json:"status"`
	Error  string        `json:"error"`
	Data   convertioData `json:"data"`
}

func (r *convertioResponse) err() error {
	if r.Status == "error" {
		msg := r.Error
		if msg == "" {
			msg = "request rejected"
		}
		return &models.RemoteProviderError{Provider: ProviderConvertio, StatusCode: r.Code, Message: msg}
	}
	return nil
}

type convertioData struct {
	ID          string          `json:"id"`
	Step        string          `json:"step"`
	StepPercent int             `json:"step_percent"`
	Error       string          `json:"error"`
	Output      json.RawMessage `json:"output"`
}

type convertioOutput struct {
	URL   string   `json:"url"`
	Size  jsonSize `json:"size"`
	Files []string `json:"files"`
}

// normalize maps the status payload onto Job. Convertio reports "output" as an
// empty array until a result exists and as an object afterwards.
func (d *convertioData) normalize() (*Job, error) {
	job := &Job{ID: d.ID, Provider: ProviderConvertio, Progress: max(0, min(d.StepPercent, 99))}

	switch d.Step {
	case "finish", "finished":
		job.State = StateFinished
		job.Progress = 100
	case "error", "failed":
		job.State = StateError
		job.Message = d.Error
		if job.Message == "" {
			job.Message = "convertio conversion failed"
		}
	case "convert", "upload", "processing":
		job.State = StateProcessing
	default:
		job.State = StatePending
	}

	files, err := parseConvertioOutput(d.Output)
	if err != nil {
		return nil, &models.RemoteProviderError{Provider: ProviderConvertio, Message: fmt.Sprintf("decoding output: %v", err)}
	}
	job.Files = files
	return job, nil
}

func parseConvertioOutput(raw json.RawMessage) ([]File, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var outputs []convertioOutput
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &outputs); err != nil {
			return nil, err
		}
	} else {
		var single convertioOutput
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, err
		}
		outputs = append(outputs, single)
	}

	var files []File
	for _, o := range outputs {
		if o.URL != "" {
			files = append(files, File{Name: baseName(o.URL), URL: o.URL, Size: int64(o.Size)})
		}
		for _, u := range o.Files {
			files = append(files, File{Name: baseName(u), URL: u})
		}
	}
	return files, nil
}

// baseName returns the last element of a URL path.
func baseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return ""
	}
	return filepath.Base(u.Path)
}

// jsonSize accepts sizes encoded as numbers or numeric strings.
type jsonSize int64

func (s *jsonSize) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	v, err := json.Number(b).Int64()
	if err != nil {
		return fmt.Errorf("invalid size %q", b)
	}
	*s = jsonSize(v)
	return nil
}

func decodeConvertioError(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	return e.Error
}

var _ Provider = (*Convertio)(nil)
