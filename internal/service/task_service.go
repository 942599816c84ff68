package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/renderkit/comfyproxy/internal/domain"
	"github.com/renderkit/comfyproxy/internal/store"
)

// CreateTaskParams carries the validated-for-shape creation input. Graph
// and Metadata stay opaque; the service only checks them for emptiness.
type CreateTaskParams struct {
	Graph         json.RawMessage
	OutputNodeIDs []string
	Feishu        domain.FeishuConfig
	Metadata      json.RawMessage
}

// TaskService exposes the task lifecycle to the API layer.
type TaskService interface {
	// CreateTask validates the input and persists a new pending task.
	// Returns ErrValidation for malformed input.
	CreateTask(ctx context.Context, params CreateTaskParams) (*domain.Task, error)

	// GetTask returns the full current record of a task.
	// Returns store.ErrTaskNotFound for unknown IDs.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// CancelTask cancels a task that is still pending. Returns
	// store.ErrTaskNotFound for unknown IDs and ErrInvalidState when the
	// task has already left the pending state — once generation begins
	// there is no cancel primitive to lean on.
	CancelTask(ctx context.Context, id uuid.UUID) error
}

type taskService struct {
	store  store.TaskStore
	logger *slog.Logger
}

// NewTaskService creates a TaskService backed by the given store.
func NewTaskService(taskStore store.TaskStore, logger *slog.Logger) (TaskService, error) {
	if taskStore == nil {
		return nil, errors.New("task store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &taskService{
		store:  taskStore,
		logger: logger.With("component", "task_service"),
	}, nil
}

func (s *taskService) CreateTask(
	ctx context.Context,
	params CreateTaskParams,
) (*domain.Task, error) {
	task, err := domain.NewTask(params.Graph, params.OutputNodeIDs, params.Feishu, params.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := s.store.Put(ctx, task); err != nil {
		s.logger.Error("failed to persist new task", "task_id", task.ID, "error", err)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Info("task created",
		"task_id", task.ID,
		"output_nodes", len(task.OutputNodeIDs))
	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.store.Get(ctx, id)
}

func (s *taskService) CancelTask(ctx context.Context, id uuid.UUID) error {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if task.Status != domain.TaskStatusPending {
		return fmt.Errorf("%w: task is %s", ErrInvalidState, task.Status)
	}

	if err := task.Transition(domain.TaskStatusCancelled); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	err = s.store.CompareAndSet(ctx, id, domain.TaskStatusPending, task)
	if store.IsConflictError(err) {
		// A worker claimed the task between our read and the write.
		return fmt.Errorf("%w: task is no longer pending", ErrInvalidState)
	}
	if err != nil {
		return err
	}

	s.logger.Info("task cancelled", "task_id", id)
	return nil
}
