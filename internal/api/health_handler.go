package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/renderkit/comfyproxy/internal/api/shared"
)

// EngineChecker reports whether the generation engine is reachable.
type EngineChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse describes the service health, including reachability of
// the generation engine and a host resource snapshot.
type HealthResponse struct {
	Status  string         `json:"status"`
	ComfyUI string         `json:"comfyui"`
	System  SystemSnapshot `json:"system"`
}

// SystemSnapshot is a point-in-time view of host resource usage.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// HealthHandler serves the /health endpoint.
type HealthHandler struct {
	engine EngineChecker
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler probing the given engine.
func NewHealthHandler(engine EngineChecker, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthHandler{
		engine: engine,
		logger: logger.With("component", "health_handler"),
	}
}

// Check handles GET /health. The service reports degraded, not down, when
// the engine is unreachable: queued tasks are still accepted and stored.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		ComfyUI: "reachable",
	}

	if err := h.engine.CheckHealth(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "generation engine unreachable",
			"error", err)
		resp.Status = "degraded"
		resp.ComfyUI = "unreachable"
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp.System.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.System.MemoryPercent = vm.UsedPercent
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
