package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/renderkit/comfyproxy/internal/api/shared"
	"github.com/renderkit/comfyproxy/internal/domain"
	"github.com/renderkit/comfyproxy/internal/service"
)

// TaskHandler holds dependencies for the task endpoints.
type TaskHandler struct {
	service service.TaskService
	logger  *slog.Logger
}

// NewTaskHandler creates a new TaskHandler with the given task service.
func NewTaskHandler(svc service.TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &TaskHandler{
		service: svc,
		logger:  logger.With("component", "task_handler"),
	}
}

// CreateTask handles POST /api/v1/tasks. It accepts a workflow graph plus
// the upload destination and enqueues it as a pending task; all processing
// happens after the response is written.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	imageField := req.FeishuConfig.ImageField
	if imageField == "" {
		imageField = domain.DefaultImageField
	}

	task, err := h.service.CreateTask(r.Context(), service.CreateTaskParams{
		Graph:         req.Workflow,
		OutputNodeIDs: req.OutputNodeIDs,
		Feishu: domain.FeishuConfig{
			AppToken:   req.FeishuConfig.AppToken,
			TableID:    req.FeishuConfig.TableID,
			RecordID:   req.FeishuConfig.RecordID,
			ImageField: imageField,
		},
		Metadata: req.Metadata,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, CreateTaskResponse{
		TaskID:  task.ID.String(),
		Status:  string(task.Status),
		Message: "task accepted",
	})
}

// GetTask handles GET /api/v1/tasks/{id}. Clients poll this endpoint to
// follow a task through to its terminal state.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}

	task, err := h.service.GetTask(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
}

// CancelTask handles DELETE /api/v1/tasks/{id}. Only pending tasks can be
// cancelled; anything already picked up by a worker returns a conflict.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}

	if err := h.service.CancelTask(r.Context(), id); err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
