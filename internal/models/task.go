package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// TaskStatus represents the lifecycle state of a conversion task.
type TaskStatus string

const (
	TaskStatusWaiting    TaskStatus = "waiting"
	TaskStatusConverting TaskStatus = "converting"
	TaskStatusFinished   TaskStatus = "finished"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// transitions lists the allowed target states for every source state.
// Converting -> Waiting is the retry requeue; Waiting -> Failed covers tasks
// rejected before a worker could start them.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusWaiting:    {TaskStatusConverting, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusConverting: {TaskStatusWaiting, TaskStatusFinished, TaskStatusFailed, TaskStatusCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusFinished || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsValid reports whether s is a known status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusWaiting, TaskStatusConverting, TaskStatusFinished, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesFor returns the statuses from which next can be reached.
func SourcesFor(next TaskStatus) []TaskStatus {
	var sources []TaskStatus
	for _, from := range []TaskStatus{TaskStatusWaiting, TaskStatusConverting} {
		if from.CanTransitionTo(next) {
			sources = append(sources, from)
		}
	}
	return sources
}

// InputMethod describes how the task input is supplied.
type InputMethod string

const (
	InputMethodURL          InputMethod = "url"
	InputMethodRawBytes     InputMethod = "raw-bytes"
	InputMethodBase64       InputMethod = "base64"
	InputMethodUploadedBlob InputMethod = "uploaded-blob"
)

// IsValid reports whether m is a known input method.
func (m InputMethod) IsValid() bool {
	switch m {
	case InputMethodURL, InputMethodRawBytes, InputMethodBase64, InputMethodUploadedBlob:
		return true
	}
	return false
}

// OutputFiles is the list of result URLs for multi-file remote outputs.
type OutputFiles []OutputFile

// OutputFile is one stored result file.
type OutputFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Value implements driver.Valuer.
func (f OutputFiles) Value() (driver.Value, error) {
	if len(f) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]OutputFile(f))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (f *OutputFiles) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*f = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported type for OutputFiles: %T", value)
	}
	if len(data) == 0 {
		*f = nil
		return nil
	}
	return json.Unmarshal(data, (*[]OutputFile)(f))
}

// GormDataType returns the GORM data type for OutputFiles.
func (OutputFiles) GormDataType() string {
	return "text"
}

// ConversionTask is one request to convert an input into an output format.
// Its fields are mutated only through repository operations.
type ConversionTask struct {
	BaseModel

	// Input descriptor.
	InputMethod   InputMethod `gorm:"not null;size:20" json:"input_method"`
	InputLocation string      `gorm:"size:2048" json:"input_location,omitempty"`
	InputData     []byte      `json:"-"`
	Filename      string      `gorm:"size:512" json:"filename"`
	InputFormat   string      `gorm:"size:20;not null" json:"input_format"`
	InputSize     *int64      `json:"input_size,omitempty"`

	// Output descriptor.
	OutputFormat string      `gorm:"size:20;not null" json:"output_format"`
	Options      Options     `json:"options"`
	Engine       string      `gorm:"size:32;index" json:"engine,omitempty"`
	EngineJobID  string      `gorm:"size:128;index" json:"engine_job_id,omitempty"`
	AwaitWebhook bool        `gorm:"default:false" json:"await_webhook"`
	OutputURL    string      `gorm:"size:2048" json:"output_url,omitempty"`
	OutputSize   *int64      `json:"output_size,omitempty"`
	OutputFiles  OutputFiles `json:"output_files,omitempty"`

	// State.
	Status   TaskStatus `gorm:"not null;default:'waiting';size:20;index" json:"status"`
	Progress int        `gorm:"not null;default:0" json:"progress"`

	// Diagnostics.
	ErrorMessage   string  `gorm:"size:4096" json:"error_message,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	StartedAt      *Time   `json:"started_at,omitempty"`
	CompletedAt    *Time   `json:"completed_at,omitempty"`

	// Retry bookkeeping.
	AttemptCount int `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts  int `gorm:"not null;default:3" json:"max_attempts"`
}

// TableName returns the table name for GORM.
func (ConversionTask) TableName() string {
	return "conversion_tasks"
}

// DefaultMaxAttempts bounds task-level retries.
const DefaultMaxAttempts = 3

// Validate checks the task before it is persisted.
func (t *ConversionTask) Validate() error {
	if !t.InputMethod.IsValid() {
		return NewValidationError("input_method", "unsupported input method %q", t.InputMethod)
	}
	switch t.InputMethod {
	case InputMethodURL, InputMethodUploadedBlob:
		if strings.TrimSpace(t.InputLocation) == "" {
			return NewValidationError("input_location", "is required for %s input", t.InputMethod)
		}
	case InputMethodRawBytes, InputMethodBase64:
		if len(t.InputData) == 0 {
			return NewValidationError("input_data", "is required for %s input", t.InputMethod)
		}
	}
	if t.InputFormat == "" {
		return NewValidationError("input_format", "is required")
	}
	if t.OutputFormat == "" {
		return NewValidationError("output_format", "is required")
	}
	if !t.Status.IsValid() {
		return NewValidationError("status", "unknown status %q", t.Status)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return NewValidationError("progress", "must be between 0 and 100")
	}
	return nil
}

// BeforeCreate assigns defaults and validates.
func (t *ConversionTask) BeforeCreate(tx *gorm.DB) error {
	if err := t.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = TaskStatusWaiting
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	return t.Validate()
}

// IsRemote reports whether the task has been handed to a remote provider.
func (t *ConversionTask) IsRemote() bool {
	return t.EngineJobID != ""
}

// CanRetry reports whether another attempt is allowed.
func (t *ConversionTask) CanRetry() bool {
	return t.AttemptCount < t.MaxAttempts
}

// Elapsed returns completion time minus creation time.
func (t *ConversionTask) Elapsed(completedAt time.Time) time.Duration {
	return completedAt.Sub(t.CreatedAt)
}
