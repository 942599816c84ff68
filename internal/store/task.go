package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/renderkit/comfyproxy/internal/domain"
)

// TaskStore defines the interface for persisting generation tasks.
// Implementations must make CompareAndSet atomic at the storage layer: it is
// the sole synchronization primitive between the API-facing task service and
// the background worker.
type TaskStore interface {
	// Put inserts or fully replaces a task record.
	Put(ctx context.Context, task *domain.Task) error

	// Get returns the task with the given ID.
	// Returns ErrTaskNotFound if no such task exists.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListPending returns up to limit pending tasks in creation order.
	ListPending(ctx context.Context, limit int) ([]*domain.Task, error)

	// CountInFlight returns the number of tasks currently in the given
	// non-terminal statuses. Used for operator-facing recovery reporting.
	CountInFlight(ctx context.Context, statuses ...domain.TaskStatus) (int, error)

	// CompareAndSet replaces the record for task.ID only if the stored
	// status still equals expected. The check and write happen as a single
	// atomic operation. Returns ErrConflict when the stored status has
	// moved on, ErrTaskNotFound when the ID is unknown.
	CompareAndSet(
		ctx context.Context,
		id uuid.UUID,
		expected domain.TaskStatus,
		task *domain.Task,
	) error
}
