package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/renderkit/comfyproxy/internal/domain"
	"github.com/renderkit/comfyproxy/internal/platform/comfyui"
	"github.com/renderkit/comfyproxy/internal/platform/feishu"
	"github.com/renderkit/comfyproxy/internal/store"
)

// MockTaskStore is an in-memory store.TaskStore with the same
// compare-and-set semantics as the database implementation. Individual
// operations can be overridden through the exported function fields.
type MockTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task

	PutFn           func(ctx context.Context, task *domain.Task) error
	GetFn           func(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListPendingFn   func(ctx context.Context, limit int) ([]*domain.Task, error)
	CompareAndSetFn func(ctx context.Context, id uuid.UUID, expected domain.TaskStatus, task *domain.Task) error
}

// NewMockTaskStore creates an empty MockTaskStore.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		tasks: make(map[uuid.UUID]*domain.Task),
	}
}

// Put inserts or replaces a task record.
func (s *MockTaskStore) Put(ctx context.Context, task *domain.Task) error {
	if s.PutFn != nil {
		return s.PutFn(ctx, task)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get returns the task with the given ID or store.ErrTaskNotFound.
func (s *MockTaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if s.GetFn != nil {
		return s.GetFn(ctx, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// ListPending returns up to limit pending tasks in creation order.
func (s *MockTaskStore) ListPending(ctx context.Context, limit int) ([]*domain.Task, error) {
	if s.ListPendingFn != nil {
		return s.ListPendingFn(ctx, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*domain.Task
	for _, task := range s.tasks {
		if task.Status == domain.TaskStatusPending {
			pending = append(pending, cloneTask(task))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// CountInFlight counts tasks in the given statuses.
func (s *MockTaskStore) CountInFlight(
	ctx context.Context,
	statuses ...domain.TaskStatus,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, task := range s.tasks {
		for _, status := range statuses {
			if task.Status == status {
				count++
				break
			}
		}
	}
	return count, nil
}

// CompareAndSet atomically replaces the record only if its stored status
// still equals expected.
func (s *MockTaskStore) CompareAndSet(
	ctx context.Context,
	id uuid.UUID,
	expected domain.TaskStatus,
	task *domain.Task,
) error {
	if s.CompareAndSetFn != nil {
		return s.CompareAndSetFn(ctx, id, expected, task)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if current.Status != expected {
		return fmt.Errorf("%w: task %s is no longer %s", store.ErrConflict, id, expected)
	}

	s.tasks[id] = cloneTask(task)
	return nil
}

// cloneTask deep-copies a task so callers never alias stored state.
func cloneTask(task *domain.Task) *domain.Task {
	clone := *task
	clone.Graph = append(json.RawMessage(nil), task.Graph...)
	clone.Metadata = append(json.RawMessage(nil), task.Metadata...)
	clone.OutputNodeIDs = append([]string(nil), task.OutputNodeIDs...)
	if task.Result != nil {
		result := *task.Result
		result.Images = append([]domain.ImageResult(nil), task.Result.Images...)
		clone.Result = &result
	}
	return &clone
}

// MockGenerationClient is a configurable GenerationClient for tests.
type MockGenerationClient struct {
	SubmitGraphFn   func(ctx context.Context, graph json.RawMessage) (string, error)
	PollStatusFn    func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error)
	FetchArtifactFn func(ctx context.Context, artifact comfyui.Artifact) ([]byte, error)
}

func (m *MockGenerationClient) SubmitGraph(
	ctx context.Context,
	graph json.RawMessage,
) (string, error) {
	if m.SubmitGraphFn != nil {
		return m.SubmitGraphFn(ctx, graph)
	}
	return "prompt-1", nil
}

func (m *MockGenerationClient) PollStatus(
	ctx context.Context,
	promptID string,
	nodeIDs []string,
) (*comfyui.GenerationStatus, error) {
	if m.PollStatusFn != nil {
		return m.PollStatusFn(ctx, promptID, nodeIDs)
	}
	return &comfyui.GenerationStatus{State: comfyui.StateSucceeded, Progress: 100}, nil
}

func (m *MockGenerationClient) FetchArtifact(
	ctx context.Context,
	artifact comfyui.Artifact,
) ([]byte, error) {
	if m.FetchArtifactFn != nil {
		return m.FetchArtifactFn(ctx, artifact)
	}
	return []byte("image-bytes"), nil
}

// MockUploadClient is a configurable UploadClient for tests.
type MockUploadClient struct {
	AttachImagesFn func(ctx context.Context, cfg domain.FeishuConfig, images []feishu.Image) (string, []string, error)
}

func (m *MockUploadClient) AttachImages(
	ctx context.Context,
	cfg domain.FeishuConfig,
	images []feishu.Image,
) (string, []string, error) {
	if m.AttachImagesFn != nil {
		return m.AttachImagesFn(ctx, cfg, images)
	}
	tokens := make([]string, len(images))
	for i := range images {
		tokens[i] = fmt.Sprintf("token-%d", i)
	}
	return "rec001", tokens, nil
}
