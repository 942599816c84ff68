package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a generation task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusUploading  TaskStatus = "uploading"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// DefaultImageField is the bitable attachment field used when the caller
// does not name one.
const DefaultImageField = "图片"

// Common validation errors for Task
var (
	ErrEmptyTaskID        = errors.New("task ID cannot be empty")
	ErrEmptyGraph         = errors.New("workflow graph cannot be empty")
	ErrEmptyOutputNodes   = errors.New("output node IDs cannot be empty")
	ErrEmptyAppToken      = errors.New("feishu app token cannot be empty")
	ErrEmptyTableID       = errors.New("feishu table ID cannot be empty")
	ErrInvalidTaskStatus  = errors.New("invalid task status")
	ErrInvalidProgress    = errors.New("progress must be between 0 and 100")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrResultWithoutState = errors.New("result is only valid on a completed task")
)

// FeishuConfig identifies the bitable destination for generated images.
// RecordID is optional: absent means a new record is created, present means
// the existing record is updated with the new attachments appended.
type FeishuConfig struct {
	AppToken   string `json:"app_token"`
	TableID    string `json:"table_id"`
	RecordID   string `json:"record_id,omitempty"`
	ImageField string `json:"image_field"`
}

// Validate checks the destination configuration.
func (c *FeishuConfig) Validate() error {
	if c.AppToken == "" {
		return ErrEmptyAppToken
	}
	if c.TableID == "" {
		return ErrEmptyTableID
	}
	return nil
}

// ImageResult describes one generated image after upload.
// FeishuURL stays nil when the upload only yields a file token.
type ImageResult struct {
	NodeID    string  `json:"node_id"`
	Filename  string  `json:"filename"`
	FeishuURL *string `json:"feishu_url"`
}

// TaskResult holds the outcome of a completed task.
type TaskResult struct {
	Images         []ImageResult `json:"images"`
	FeishuRecordID string        `json:"feishu_record_id"`
}

// Task represents one end-to-end generation-and-upload request.
// Graph and Metadata are opaque to the service: they are stored and echoed
// verbatim, validated only for non-emptiness.
type Task struct {
	ID            uuid.UUID       `json:"id"`
	Status        TaskStatus      `json:"status"`
	Progress      int             `json:"progress"`
	Graph         json.RawMessage `json:"graph"`
	OutputNodeIDs []string        `json:"output_node_ids"`
	Feishu        FeishuConfig    `json:"feishu_config"`
	Result        *TaskResult     `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewTask creates a new Task in the pending state. It generates a fresh UUID,
// applies the default image field, and validates all inputs.
// Returns an error if validation fails.
func NewTask(
	graph json.RawMessage,
	outputNodeIDs []string,
	feishu FeishuConfig,
	metadata json.RawMessage,
) (*Task, error) {
	if feishu.ImageField == "" {
		feishu.ImageField = DefaultImageField
	}

	now := time.Now().UTC()
	task := &Task{
		ID:            uuid.New(),
		Status:        TaskStatusPending,
		Progress:      0,
		Graph:         graph,
		OutputNodeIDs: outputNodeIDs,
		Feishu:        feishu,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
// Returns an error if any field fails validation.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if emptyJSON(t.Graph) {
		return ErrEmptyGraph
	}

	if len(t.OutputNodeIDs) == 0 {
		return ErrEmptyOutputNodes
	}

	if err := t.Feishu.Validate(); err != nil {
		return err
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}

	if t.Progress < 0 || t.Progress > 100 {
		return ErrInvalidProgress
	}

	if t.Result != nil && t.Status != TaskStatusCompleted {
		return ErrResultWithoutState
	}

	return nil
}

// Transition moves the task to the given status, bumping UpdatedAt.
// Returns ErrInvalidTransition if the edge is not part of the state machine.
func (t *Task) Transition(to TaskStatus) error {
	if !ValidTransition(t.Status, to) {
		return ErrInvalidTransition
	}

	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// SetProgress updates the task's progress. Values are clamped to [0,100] and
// never move backward while the task is in flight.
func (t *Task) SetProgress(progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress < t.Progress {
		return
	}

	t.Progress = progress
	t.UpdatedAt = time.Now().UTC()
}

// Complete transitions the task to completed with the given result and
// progress pinned to 100.
func (t *Task) Complete(result *TaskResult) error {
	if err := t.Transition(TaskStatusCompleted); err != nil {
		return err
	}

	t.Result = result
	t.Progress = 100
	return nil
}

// Fail transitions the task to failed with the given cause.
func (t *Task) Fail(cause string) error {
	if err := t.Transition(TaskStatusFailed); err != nil {
		return err
	}

	t.Error = cause
	return nil
}

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether the state machine allows moving from one
// status to another. The only edges are:
// pending→processing, pending→cancelled, processing→uploading,
// processing→failed, uploading→completed, uploading→failed.
func ValidTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusPending:
		return to == TaskStatusProcessing || to == TaskStatusCancelled
	case TaskStatusProcessing:
		return to == TaskStatusUploading || to == TaskStatusFailed
	case TaskStatusUploading:
		return to == TaskStatusCompleted || to == TaskStatusFailed
	default:
		return false
	}
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusUploading,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// emptyJSON reports whether a raw message carries no usable payload.
func emptyJSON(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	switch string(raw) {
	case "null", "{}", `""`, "[]":
		return true
	}
	return false
}
