// Package handlers provides the huma API operations for convertd.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
	"github.com/leftsky/left-tools-service-sub000/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	// jsonOverhead leaves room for the rest of a JSON submission around a
	// base64 payload.
	jsonOverhead = 64 << 10
)

// TaskHandler serves task submission, queries and cancellation.
type TaskHandler struct {
	service       *service.TaskService
	inlineMaxSize int64
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(svc *service.TaskService) *TaskHandler {
	return &TaskHandler{service: svc}
}

// WithInlineMaxSize sets the largest inline input accepted in a request body.
func (h *TaskHandler) WithInlineMaxSize(n int64) *TaskHandler {
	h.inlineMaxSize = n
	return h
}

// Register registers the task routes with the API.
func (h *TaskHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createTask",
		Method:        http.MethodPost,
		Path:          "/api/v1/tasks",
		Summary:       "Create task",
		Description:   "Submits a conversion from a URL, base64 payload or uploaded blob",
		Tags:          []string{"Tasks"},
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  h.bodyLimit(h.inlineMaxSize*4/3 + jsonOverhead),
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID:   "uploadTask",
		Method:        http.MethodPost,
		Path:          "/api/v1/tasks/upload",
		Summary:       "Upload and convert",
		Description:   "Submits the raw request body as the conversion input",
		Tags:          []string{"Tasks"},
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  h.bodyLimit(h.inlineMaxSize),
	}, h.Upload)

	huma.Register(api, huma.Operation{
		OperationID: "listTasks",
		Method:      http.MethodGet,
		Path:        "/api/v1/tasks",
		Summary:     "List tasks",
		Description: "Returns tasks newest first, optionally filtered by status",
		Tags:        []string{"Tasks"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getTask",
		Method:      http.MethodGet,
		Path:        "/api/v1/tasks/{id}",
		Summary:     "Get task",
		Description: "Returns the status, progress and output of a task",
		Tags:        []string{"Tasks"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "cancelTask",
		Method:      http.MethodPost,
		Path:        "/api/v1/tasks/{id}/cancel",
		Summary:     "Cancel task",
		Description: "Cancels a waiting or converting task",
		Tags:        []string{"Tasks"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "listEngines",
		Method:      http.MethodGet,
		Path:        "/api/v1/engines",
		Summary:     "List engines",
		Description: "Returns the conversion engines in selection order",
		Tags:        []string{"Engines"},
	}, h.Engines)
}

// bodyLimit returns 0 (huma's default) when no inline cap is configured.
func (h *TaskHandler) bodyLimit(n int64) int64 {
	if h.inlineMaxSize <= 0 {
		return 0
	}
	return n
}

// CreateTaskBody is the JSON submission. Field requirements depend on the
// input method and are checked by the task service.
type CreateTaskBody struct {
	InputMethod   string         `json:"input_method,omitempty" doc:"url, raw-bytes, base64 or uploaded-blob"`
	InputLocation string         `json:"input_location,omitempty" doc:"Source URL or uploaded blob key"`
	InputData     string         `json:"input_data,omitempty" doc:"Inline input; base64 text for the base64 method"`
	Filename      string         `json:"filename,omitempty"`
	InputFormat   string         `json:"input_format,omitempty" doc:"Defaults to the filename extension"`
	OutputFormat  string         `json:"output_format,omitempty" example:"pdf"`
	Options       map[string]any `json:"options,omitempty" doc:"Conversion options, e.g. quality, resolution, video_quality"`
}

// CreateTaskInput is the input for task creation.
type CreateTaskInput struct {
	Body CreateTaskBody
}

// CreateTaskOutput acknowledges a new task.
type CreateTaskOutput struct {
	Location string `header:"Location"`
	Body     CreatedTaskResponse
}

// Create submits a task described by a JSON body.
func (h *TaskHandler) Create(ctx context.Context, input *CreateTaskInput) (*CreateTaskOutput, error) {
	opts, err := decodeOptions(input.Body.Options)
	if err != nil {
		return nil, err
	}
	var data []byte
	if input.Body.InputData != "" {
		data = []byte(input.Body.InputData)
	}

	task, err := h.service.Submit(ctx, service.SubmitRequest{
		InputMethod:   models.InputMethod(input.Body.InputMethod),
		InputLocation: input.Body.InputLocation,
		InputData:     data,
		Filename:      input.Body.Filename,
		InputFormat:   input.Body.InputFormat,
		OutputFormat:  input.Body.OutputFormat,
		Options:       opts,
	})
	if err != nil {
		return nil, apiError(err, "failed to create task")
	}
	return created(task), nil
}

// UploadTaskInput carries a raw upload.
type UploadTaskInput struct {
	OutputFormat string `query:"output_format" doc:"Target format" example:"png"`
	Filename     string `query:"filename" doc:"Original file name, used to infer the input format"`
	InputFormat  string `query:"input_format" doc:"Input format when the filename has no extension"`
	RawBody      []byte
}

// Upload submits the request body as a raw-bytes task.
func (h *TaskHandler) Upload(ctx context.Context, input *UploadTaskInput) (*CreateTaskOutput, error) {
	task, err := h.service.Submit(ctx, service.SubmitRequest{
		InputMethod:  models.InputMethodRawBytes,
		InputData:    input.RawBody,
		Filename:     input.Filename,
		InputFormat:  input.InputFormat,
		OutputFormat: input.OutputFormat,
	})
	if err != nil {
		return nil, apiError(err, "failed to create task")
	}
	return created(task), nil
}

func created(task *models.ConversionTask) *CreateTaskOutput {
	return &CreateTaskOutput{
		Location: "/api/v1/tasks/" + task.ID.String(),
		Body:     CreatedTaskResponse{ID: task.ID.String(), Status: task.Status},
	}
}

// decodeOptions accepts string, number and boolean option values.
func decodeOptions(raw map[string]any) (models.Options, error) {
	var opts models.Options
	if len(raw) == 0 {
		return opts, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return opts, huma.Error400BadRequest("invalid options", err)
	}
	if err := json.Unmarshal(b, &opts); err != nil {
		return opts, huma.Error400BadRequest("options: values must be strings, numbers or booleans", err)
	}
	return opts, nil
}

// TaskIDInput identifies a task by path.
type TaskIDInput struct {
	ID string `path:"id" doc:"Task ID"`
}

// TaskOutput returns one task.
type TaskOutput struct {
	Body TaskResponse
}

// Get returns a task by ID.
func (h *TaskHandler) Get(ctx context.Context, input *TaskIDInput) (*TaskOutput, error) {
	id, err := parseTaskID(input.ID)
	if err != nil {
		return nil, err
	}
	task, err := h.service.Get(ctx, id)
	if err != nil {
		return nil, apiError(err, "failed to get task")
	}
	return &TaskOutput{Body: TaskFromModel(task)}, nil
}

// Cancel cancels a task. Terminal tasks answer 409.
func (h *TaskHandler) Cancel(ctx context.Context, input *TaskIDInput) (*TaskOutput, error) {
	id, err := parseTaskID(input.ID)
	if err != nil {
		return nil, err
	}
	task, err := h.service.Cancel(ctx, id)
	if err != nil {
		return nil, apiError(err, "failed to cancel task")
	}
	return &TaskOutput{Body: TaskFromModel(task)}, nil
}

// ListTasksInput holds listing filters.
type ListTasksInput struct {
	Status string `query:"status" doc:"Filter by status"`
	Engine string `query:"engine" doc:"Filter by engine"`
	Limit  int    `query:"limit" default:"50" doc:"Page size, at most 200"`
	Offset int    `query:"offset" default:"0"`
}

// ListTasksOutput is one page of tasks.
type ListTasksOutput struct {
	Body TaskListResponse
}

// List returns a page of tasks.
func (h *TaskHandler) List(ctx context.Context, input *ListTasksInput) (*ListTasksOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	tasks, total, err := h.service.List(ctx, repository.TaskFilter{
		Status: models.TaskStatus(input.Status),
		Engine: input.Engine,
		Limit:  limit,
		Offset: input.Offset,
	})
	if err != nil {
		return nil, apiError(err, "failed to list tasks")
	}

	body := TaskListResponse{
		Tasks:  make([]TaskResponse, 0, len(tasks)),
		Total:  total,
		Limit:  limit,
		Offset: input.Offset,
	}
	for _, t := range tasks {
		body.Tasks = append(body.Tasks, TaskFromModel(t))
	}
	return &ListTasksOutput{Body: body}, nil
}

// EnginesInput is the input for the engine listing.
type EnginesInput struct{}

// EngineListResponse lists engines in selection order.
type EngineListResponse struct {
	Engines []engine.Info `json:"engines"`
}

// EnginesOutput lists the configured engines.
type EnginesOutput struct {
	Body EngineListResponse
}

// Engines lists the configured engines in priority order.
func (h *TaskHandler) Engines(_ context.Context, _ *EnginesInput) (*EnginesOutput, error) {
	return &EnginesOutput{Body: EngineListResponse{Engines: h.service.Engines()}}, nil
}
