package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/renderkit/comfyproxy/internal/domain"
	"github.com/renderkit/comfyproxy/internal/platform/logger"
	"github.com/renderkit/comfyproxy/internal/store"
)

// PostgresTaskStore implements the store.TaskStore interface using PostgreSQL
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db: db,
	}
}

// Put inserts or fully replaces a task record.
func (s *PostgresTaskStore) Put(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	row, err := taskToRow(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, status, progress, graph, output_node_ids, feishu_config,
			result, error_message, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Status,
		task.Progress,
		row.graph,
		row.outputNodeIDs,
		row.feishuConfig,
		row.result,
		row.errorMessage,
		row.metadata,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to put task",
			"task_id", task.ID,
			"status", task.Status,
			"error", err)
		return MapError(err)
	}

	return nil
}

// Get returns the task with the given ID, or store.ErrTaskNotFound.
func (s *PostgresTaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `
		SELECT id, status, progress, graph, output_node_ids, feishu_config,
		       result, error_message, metadata, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, MapError(err)
	}

	return task, nil
}

// ListPending returns up to limit pending tasks in creation order.
func (s *PostgresTaskStore) ListPending(ctx context.Context, limit int) ([]*domain.Task, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT id, status, progress, graph, output_node_ids, feishu_config,
		       result, error_message, metadata, created_at, updated_at
		FROM tasks
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, domain.TaskStatusPending, limit)
	if err != nil {
		log.Error("failed to query pending tasks", "error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return tasks, nil
}

// CountInFlight returns how many tasks currently sit in the given statuses.
func (s *PostgresTaskStore) CountInFlight(
	ctx context.Context,
	statuses ...domain.TaskStatus,
) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE status = ANY($1)`

	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, names).Scan(&count); err != nil {
		return 0, MapError(err)
	}

	return count, nil
}

// CompareAndSet replaces the record for id only if its stored status still
// equals expected. The status check and the write are one UPDATE statement,
// so the database serializes concurrent claims: exactly one caller wins,
// the rest observe store.ErrConflict.
func (s *PostgresTaskStore) CompareAndSet(
	ctx context.Context,
	id uuid.UUID,
	expected domain.TaskStatus,
	task *domain.Task,
) error {
	log := logger.FromContext(ctx)

	row, err := taskToRow(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	query := `
		UPDATE tasks
		SET status = $1, progress = $2, result = $3, error_message = $4,
		    updated_at = $5
		WHERE id = $6 AND status = $7
	`

	result, err := s.db.ExecContext(ctx, query,
		task.Status,
		task.Progress,
		row.result,
		row.errorMessage,
		task.UpdatedAt,
		id,
		expected,
	)
	if err != nil {
		log.Error("failed to update task",
			"task_id", id,
			"expected_status", expected,
			"new_status", task.Status,
			"error", err)
		return MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		// Distinguish a lost race from an unknown ID.
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id,
		).Scan(&exists)
		if err != nil {
			return MapError(err)
		}
		if !exists {
			return store.ErrTaskNotFound
		}
		return fmt.Errorf("%w: task %s is no longer %s", store.ErrConflict, id, expected)
	}

	return nil
}

// taskRow holds the JSON-encoded columns of a task record.
type taskRow struct {
	graph         []byte
	outputNodeIDs []byte
	feishuConfig  []byte
	result        []byte
	errorMessage  sql.NullString
	metadata      []byte
}

func taskToRow(task *domain.Task) (*taskRow, error) {
	nodeIDs, err := json.Marshal(task.OutputNodeIDs)
	if err != nil {
		return nil, err
	}

	feishuCfg, err := json.Marshal(task.Feishu)
	if err != nil {
		return nil, err
	}

	var result []byte
	if task.Result != nil {
		result, err = json.Marshal(task.Result)
		if err != nil {
			return nil, err
		}
	}

	var errMsg sql.NullString
	if task.Error != "" {
		errMsg = sql.NullString{String: task.Error, Valid: true}
	}

	return &taskRow{
		graph:         task.Graph,
		outputNodeIDs: nodeIDs,
		feishuConfig:  feishuCfg,
		result:        result,
		errorMessage:  errMsg,
		metadata:      task.Metadata,
	}, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task      domain.Task
		nodeIDs   []byte
		feishuCfg []byte
		result    []byte
		errMsg    sql.NullString
		metadata  []byte
		graph     []byte
	)

	err := row.Scan(
		&task.ID,
		&task.Status,
		&task.Progress,
		&graph,
		&nodeIDs,
		&feishuCfg,
		&result,
		&errMsg,
		&metadata,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Graph = graph
	task.Metadata = metadata
	task.Error = errMsg.String

	if err := json.Unmarshal(nodeIDs, &task.OutputNodeIDs); err != nil {
		return nil, fmt.Errorf("failed to decode output node IDs: %w", err)
	}

	if err := json.Unmarshal(feishuCfg, &task.Feishu); err != nil {
		return nil, fmt.Errorf("failed to decode feishu config: %w", err)
	}

	if len(result) > 0 {
		var r domain.TaskResult
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		task.Result = &r
	}

	return &task, nil
}
