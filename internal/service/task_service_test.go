package service_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderkit/comfyproxy/internal/domain"
	"github.com/renderkit/comfyproxy/internal/service"
	"github.com/renderkit/comfyproxy/internal/store"
	"github.com/renderkit/comfyproxy/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validParams() service.CreateTaskParams {
	return service.CreateTaskParams{
		Graph:         json.RawMessage(`{"3": {"class_type": "KSampler"}}`),
		OutputNodeIDs: []string{"9"},
		Feishu: domain.FeishuConfig{
			AppToken:   "bascnAbc123",
			TableID:    "tblXyz789",
			ImageField: "图片",
		},
	}
}

func TestNewTaskService(t *testing.T) {
	t.Parallel()

	t.Run("requires store", func(t *testing.T) {
		t.Parallel()
		_, err := service.NewTaskService(nil, testLogger())
		assert.Error(t, err)
	})

	t.Run("requires logger", func(t *testing.T) {
		t.Parallel()
		_, err := service.NewTaskService(task.NewMockTaskStore(), nil)
		assert.Error(t, err)
	})
}

func TestCreateTask(t *testing.T) {
	t.Parallel()

	t.Run("creates pending task", func(t *testing.T) {
		t.Parallel()

		mockStore := task.NewMockTaskStore()
		svc, err := service.NewTaskService(mockStore, testLogger())
		require.NoError(t, err)

		created, err := svc.CreateTask(context.Background(), validParams())
		require.NoError(t, err)

		assert.Equal(t, domain.TaskStatusPending, created.Status)
		assert.Equal(t, 0, created.Progress)
		assert.NotEqual(t, uuid.Nil, created.ID)

		stored, err := mockStore.Get(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, stored.Status)
	})

	t.Run("rejects empty graph", func(t *testing.T) {
		t.Parallel()

		svc, err := service.NewTaskService(task.NewMockTaskStore(), testLogger())
		require.NoError(t, err)

		params := validParams()
		params.Graph = nil

		_, err = svc.CreateTask(context.Background(), params)
		assert.ErrorIs(t, err, service.ErrValidation)
	})

	t.Run("rejects missing destination", func(t *testing.T) {
		t.Parallel()

		svc, err := service.NewTaskService(task.NewMockTaskStore(), testLogger())
		require.NoError(t, err)

		params := validParams()
		params.Feishu.AppToken = ""

		_, err = svc.CreateTask(context.Background(), params)
		assert.ErrorIs(t, err, service.ErrValidation)
	})
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	mockStore := task.NewMockTaskStore()
	svc, err := service.NewTaskService(mockStore, testLogger())
	require.NoError(t, err)

	created, err := svc.CreateTask(context.Background(), validParams())
	require.NoError(t, err)

	got, err := svc.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = svc.GetTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	t.Run("cancels pending task", func(t *testing.T) {
		t.Parallel()

		mockStore := task.NewMockTaskStore()
		svc, err := service.NewTaskService(mockStore, testLogger())
		require.NoError(t, err)

		created, err := svc.CreateTask(context.Background(), validParams())
		require.NoError(t, err)

		require.NoError(t, svc.CancelTask(context.Background(), created.ID))

		got, err := mockStore.Get(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	})

	t.Run("unknown task", func(t *testing.T) {
		t.Parallel()

		svc, err := service.NewTaskService(task.NewMockTaskStore(), testLogger())
		require.NoError(t, err)

		err = svc.CancelTask(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("already cancelled", func(t *testing.T) {
		t.Parallel()

		mockStore := task.NewMockTaskStore()
		svc, err := service.NewTaskService(mockStore, testLogger())
		require.NoError(t, err)

		created, err := svc.CreateTask(context.Background(), validParams())
		require.NoError(t, err)

		require.NoError(t, svc.CancelTask(context.Background(), created.ID))
		err = svc.CancelTask(context.Background(), created.ID)
		assert.ErrorIs(t, err, service.ErrInvalidState)
	})

	t.Run("already claimed by worker", func(t *testing.T) {
		t.Parallel()

		mockStore := task.NewMockTaskStore()
		svc, err := service.NewTaskService(mockStore, testLogger())
		require.NoError(t, err)

		created, err := svc.CreateTask(context.Background(), validParams())
		require.NoError(t, err)

		claimed, err := mockStore.Get(context.Background(), created.ID)
		require.NoError(t, err)
		require.NoError(t, claimed.Transition(domain.TaskStatusProcessing))
		require.NoError(t, mockStore.CompareAndSet(
			context.Background(), created.ID, domain.TaskStatusPending, claimed))

		err = svc.CancelTask(context.Background(), created.ID)
		assert.ErrorIs(t, err, service.ErrInvalidState)
	})

	t.Run("claim races the cancel write", func(t *testing.T) {
		t.Parallel()

		mockStore := task.NewMockTaskStore()
		svc, err := service.NewTaskService(mockStore, testLogger())
		require.NoError(t, err)

		created, err := svc.CreateTask(context.Background(), validParams())
		require.NoError(t, err)

		// The store reports a conflict as if a worker claimed the task
		// between the service's read and its write.
		mockStore.CompareAndSetFn = func(
			ctx context.Context,
			id uuid.UUID,
			expected domain.TaskStatus,
			updated *domain.Task,
		) error {
			return store.ErrConflict
		}

		err = svc.CancelTask(context.Background(), created.ID)
		assert.ErrorIs(t, err, service.ErrInvalidState)
	})
}
