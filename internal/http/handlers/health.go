package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EngineLister lists the configured engines.
type EngineLister interface {
	Engines() []engine.Info
}

// HealthHandler reports service health.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        Pinger
	engines   EngineLister
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database checked by the health endpoint.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// WithEngines sets the engine listing reported by the health endpoint.
func (h *HealthHandler) WithEngines(e EngineLister) *HealthHandler {
	h.engines = e
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status        string            `json:"status" doc:"healthy or degraded"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Engines       map[string]bool   `json:"engines,omitempty" doc:"Engine availability by name"`
	System        SystemInfo        `json:"system"`
}

// SystemInfo describes host load and memory.
type SystemInfo struct {
	Cores          int     `json:"cores"`
	Load1Min       float64 `json:"load_1min"`
	MemoryTotalMB  float64 `json:"memory_total_mb"`
	MemoryUsedMB   float64 `json:"memory_used_mb"`
	ProcessRSSMB   float64 `json:"process_rss_mb"`
	ChildProcesses int     `json:"child_processes" doc:"Running conversion subprocesses"`
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns database reachability, engine availability and host metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status. An unreachable database answers 503.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Checks:        map[string]string{"database": "not_configured"},
		System:        systemInfo(),
	}
	status := http.StatusOK

	if h.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.db.Ping(pingCtx)
		cancel()
		if err != nil {
			resp.Checks["database"] = "error"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["database"] = "ok"
		}
	}

	if h.engines != nil {
		resp.Engines = make(map[string]bool)
		for _, info := range h.engines.Engines() {
			resp.Engines[info.Name] = info.Available
		}
	}

	return &HealthOutput{Status: status, Body: resp}, nil
}

func systemInfo() SystemInfo {
	info := SystemInfo{Cores: runtime.NumCPU()}

	if avg, err := load.Avg(); err == nil && avg != nil {
		info.Load1Min = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
		info.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}
	if m, err := proc.MemoryInfo(); err == nil && m != nil {
		info.ProcessRSSMB = float64(m.RSS) / 1024 / 1024
	}
	if children, err := proc.Children(); err == nil {
		info.ChildProcesses = len(children)
	}
	return info
}
