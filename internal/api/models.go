package api

import (
	"encoding/json"
	"time"

	"github.com/renderkit/comfyproxy/internal/domain"
)

// FeishuConfigRequest is the destination part of a task creation request.
type FeishuConfigRequest struct {
	AppToken   string `json:"app_token"   validate:"required"`
	TableID    string `json:"table_id"    validate:"required"`
	RecordID   string `json:"record_id"`
	ImageField string `json:"image_field"`
}

// CreateTaskRequest is the request body for submitting a workflow.
// Workflow and Metadata are passed through opaquely.
type CreateTaskRequest struct {
	Workflow      json.RawMessage     `json:"workflow"        validate:"required"`
	OutputNodeIDs []string            `json:"output_node_ids" validate:"required,min=1,dive,required"`
	FeishuConfig  FeishuConfigRequest `json:"feishu_config"   validate:"required"`
	Metadata      json.RawMessage     `json:"metadata"`
}

// CreateTaskResponse acknowledges an accepted task.
type CreateTaskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TaskResponse is the full task record returned by status polls.
type TaskResponse struct {
	TaskID    string             `json:"task_id"`
	Status    string             `json:"status"`
	Progress  int                `json:"progress"`
	Result    *domain.TaskResult `json:"result"`
	Error     *string            `json:"error"`
	Metadata  json.RawMessage    `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// taskToResponse converts a domain.Task to a TaskResponse.
func taskToResponse(task *domain.Task) TaskResponse {
	var errMsg *string
	if task.Error != "" {
		errMsg = &task.Error
	}

	return TaskResponse{
		TaskID:    task.ID.String(),
		Status:    string(task.Status),
		Progress:  task.Progress,
		Result:    task.Result,
		Error:     errMsg,
		Metadata:  task.Metadata,
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
	}
}
