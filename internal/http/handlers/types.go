package handlers

import (
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

// TaskResponse is the API view of a conversion task. Inline input bytes are
// never echoed back.
type TaskResponse struct {
	ID             string              `json:"id" doc:"Task ID (ULID)"`
	Status         models.TaskStatus   `json:"status" doc:"waiting, converting, finished, failed or cancelled"`
	Progress       int                 `json:"progress" doc:"Percent complete, 0-100"`
	InputMethod    models.InputMethod  `json:"input_method"`
	InputLocation  string              `json:"input_location,omitempty"`
	Filename       string              `json:"filename"`
	InputFormat    string              `json:"input_format"`
	InputSize      *int64              `json:"input_size,omitempty"`
	OutputFormat   string              `json:"output_format"`
	Options        map[string]string   `json:"options,omitempty"`
	Engine         string              `json:"engine,omitempty"`
	OutputURL      string              `json:"output_url,omitempty"`
	OutputSize     *int64              `json:"output_size,omitempty"`
	OutputFiles    []models.OutputFile `json:"output_files,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	ProcessingTime float64             `json:"processing_time,omitempty" doc:"Seconds spent converting"`
	AttemptCount   int                 `json:"attempt_count"`
	MaxAttempts    int                 `json:"max_attempts"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

// TaskFromModel converts a task for the API.
func TaskFromModel(t *models.ConversionTask) TaskResponse {
	resp := TaskResponse{
		ID:             t.ID.String(),
		Status:         t.Status,
		Progress:       t.Progress,
		InputMethod:    t.InputMethod,
		Filename:       t.Filename,
		InputFormat:    t.InputFormat,
		InputSize:      t.InputSize,
		OutputFormat:   t.OutputFormat,
		Engine:         t.Engine,
		OutputURL:      t.OutputURL,
		OutputSize:     t.OutputSize,
		OutputFiles:    t.OutputFiles,
		ErrorMessage:   t.ErrorMessage,
		ProcessingTime: t.ProcessingTime,
		AttemptCount:   t.AttemptCount,
		MaxAttempts:    t.MaxAttempts,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
	if t.Options.Len() > 0 {
		resp.Options = t.Options.Map()
	}
	// Blob keys are internal; only URLs are useful to clients.
	if t.InputMethod == models.InputMethodURL {
		resp.InputLocation = t.InputLocation
	}
	return resp
}

// CreatedTaskResponse acknowledges a submission.
type CreatedTaskResponse struct {
	ID     string            `json:"id"`
	Status models.TaskStatus `json:"status"`
}

// TaskListResponse is one page of tasks.
type TaskListResponse struct {
	Tasks  []TaskResponse `json:"tasks"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}
