package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderkit/comfyproxy/internal/domain"
	"github.com/renderkit/comfyproxy/internal/platform/comfyui"
	"github.com/renderkit/comfyproxy/internal/platform/feishu"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPendingTask(t *testing.T, nodeIDs ...string) *domain.Task {
	t.Helper()

	if len(nodeIDs) == 0 {
		nodeIDs = []string{"9"}
	}
	task, err := domain.NewTask(
		json.RawMessage(`{"3": {"class_type": "KSampler"}}`),
		nodeIDs,
		domain.FeishuConfig{AppToken: "bascnAbc123", TableID: "tblXyz789"},
		nil,
	)
	require.NoError(t, err)
	return task
}

func succeededStatus(nodeIDs ...string) *comfyui.GenerationStatus {
	artifacts := make([]comfyui.Artifact, len(nodeIDs))
	for i, nodeID := range nodeIDs {
		artifacts[i] = comfyui.Artifact{
			NodeID:   nodeID,
			Filename: "out_0000" + nodeID + "_.png",
		}
	}
	return &comfyui.GenerationStatus{
		State:     comfyui.StateSucceeded,
		Progress:  100,
		Artifacts: artifacts,
	}
}

func fastConfig() RunnerConfig {
	return RunnerConfig{
		Concurrency:            2,
		PollInterval:           5 * time.Millisecond,
		GenerationPollInterval: time.Millisecond,
		GenerationTimeout:      time.Second,
	}
}

func TestProcessHappyPath(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()
	generator := &MockGenerationClient{
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			return succeededStatus(nodeIDs...), nil
		},
	}
	uploader := &MockUploadClient{}

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	runner := NewRunner(mockStore, generator, uploader, fastConfig(), testLogger())
	runner.Process(context.Background(), task)

	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	require.NotNil(t, stored.Result)
	assert.Equal(t, "rec001", stored.Result.FeishuRecordID)
	require.Len(t, stored.Result.Images, 1)
	assert.Equal(t, "9", stored.Result.Images[0].NodeID)
	assert.Nil(t, stored.Result.Images[0].FeishuURL)
	assert.Empty(t, stored.Error)
}

func TestProcessClaimIsExclusive(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()

	var submits atomic.Int32
	generator := &MockGenerationClient{
		SubmitGraphFn: func(ctx context.Context, graph json.RawMessage) (string, error) {
			submits.Add(1)
			return "prompt-1", nil
		},
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			return succeededStatus(nodeIDs...), nil
		},
	}
	uploader := &MockUploadClient{}

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	runnerA := NewRunner(mockStore, generator, uploader, fastConfig(), testLogger())
	runnerB := NewRunner(mockStore, generator, uploader, fastConfig(), testLogger())

	// Both runners see the same pending snapshot; only one claim can win.
	snapshotA, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	snapshotB, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runnerA.Process(context.Background(), snapshotA)
	}()
	go func() {
		defer wg.Done()
		runnerB.Process(context.Background(), snapshotB)
	}()
	wg.Wait()

	assert.Equal(t, int32(1), submits.Load())

	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
}

func TestProcessEngineFailure(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()
	var polls atomic.Int32
	generator := &MockGenerationClient{
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			polls.Add(1)
			return &comfyui.GenerationStatus{
				State:         comfyui.StateFailed,
				FailureReason: "KSampler: CUDA out of memory",
			}, nil
		},
	}

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	runner := NewRunner(mockStore, generator, &MockUploadClient{}, fastConfig(), testLogger())
	runner.Process(context.Background(), task)

	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, "generation failed: KSampler: CUDA out of memory", stored.Error)
	assert.Nil(t, stored.Result)

	// Engine failures are terminal, never re-polled.
	assert.Equal(t, int32(1), polls.Load())
}

func TestProcessSubmitFailure(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()
	generator := &MockGenerationClient{
		SubmitGraphFn: func(ctx context.Context, graph json.RawMessage) (string, error) {
			return "", errors.New("engine rejected graph")
		},
	}

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	runner := NewRunner(mockStore, generator, &MockUploadClient{}, fastConfig(), testLogger())
	runner.Process(context.Background(), task)

	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "generation failed")
}

func TestProcessMissingOutputNode(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()
	generator := &MockGenerationClient{
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			// The engine finished but produced output for a different node.
			return succeededStatus("4"), nil
		},
	}

	task := newPendingTask(t, "9", "12")
	require.NoError(t, mockStore.Put(context.Background(), task))

	runner := NewRunner(mockStore, generator, &MockUploadClient{}, fastConfig(), testLogger())
	runner.Process(context.Background(), task)

	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, "generation produced no output for node(s) 9, 12", stored.Error)
}

func TestProcessUploadFailure(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()
	generator := &MockGenerationClient{
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			return succeededStatus(nodeIDs...), nil
		},
	}
	uploader := &MockUploadClient{
		AttachImagesFn: func(ctx context.Context, cfg domain.FeishuConfig, images []feishu.Image) (string, []string, error) {
			return "", nil, errors.New("all retries exhausted")
		},
	}

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	runner := NewRunner(mockStore, generator, uploader, fastConfig(), testLogger())
	runner.Process(context.Background(), task)

	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "upload failed")
	assert.Nil(t, stored.Result)
}

func TestProcessGenerationTimeout(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()
	generator := &MockGenerationClient{
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			return &comfyui.GenerationStatus{State: comfyui.StateRunning, Progress: 10}, nil
		},
	}

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	cfg := fastConfig()
	cfg.GenerationTimeout = 10 * time.Millisecond

	runner := NewRunner(mockStore, generator, &MockUploadClient{}, cfg, testLogger())
	runner.Process(context.Background(), task)

	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "generation timed out")
}

func TestProcessAbandonsOnExternalChange(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	generator := &MockGenerationClient{
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			// Simulate an operator failing the record out from under the
			// worker between two polls.
			external, err := mockStore.Get(context.Background(), task.ID)
			if err != nil {
				return nil, err
			}
			if external.Status == domain.TaskStatusProcessing {
				require.NoError(t, external.Fail("failed by operator"))
				require.NoError(t, mockStore.CompareAndSet(
					context.Background(), task.ID, domain.TaskStatusProcessing, external))
			}
			return &comfyui.GenerationStatus{State: comfyui.StateRunning, Progress: 50}, nil
		},
	}

	runner := NewRunner(mockStore, generator, &MockUploadClient{}, fastConfig(), testLogger())
	runner.Process(context.Background(), task)

	// The external failure must survive; the worker abandons instead of
	// overwriting it.
	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, "failed by operator", stored.Error)
}

func TestProcessRecordsScaledProgress(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	var polls atomic.Int32
	generator := &MockGenerationClient{
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			switch polls.Add(1) {
			case 1:
				return &comfyui.GenerationStatus{State: comfyui.StateRunning, Progress: 40}, nil
			case 2:
				stored, err := mockStore.Get(context.Background(), task.ID)
				require.NoError(t, err)
				// 40% of the engine run maps below the uploading milestone.
				assert.Equal(t, 30, stored.Progress)
				return &comfyui.GenerationStatus{State: comfyui.StateRunning, Progress: 80}, nil
			default:
				return succeededStatus(nodeIDs...), nil
			}
		},
	}

	runner := NewRunner(mockStore, generator, &MockUploadClient{}, fastConfig(), testLogger())
	runner.Process(context.Background(), task)

	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
}

func TestProcessShutdownLeavesTaskProcessing(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	generator := &MockGenerationClient{
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			// The worker context is cancelled mid-generation, as Stop does
			// during shutdown.
			cancel()
			return &comfyui.GenerationStatus{State: comfyui.StateRunning, Progress: 20}, nil
		},
	}

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	runner := NewRunner(mockStore, generator, &MockUploadClient{}, fastConfig(), testLogger())
	runner.Process(ctx, task)

	// The task is left in flight for the operator, never marked failed.
	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusProcessing, stored.Status)
	assert.Empty(t, stored.Error)
	assert.Nil(t, stored.Result)
}

func TestProcessShutdownLeavesTaskUploading(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	generator := &MockGenerationClient{
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			return succeededStatus(nodeIDs...), nil
		},
	}
	uploader := &MockUploadClient{
		AttachImagesFn: func(ctx context.Context, cfg domain.FeishuConfig, images []feishu.Image) (string, []string, error) {
			cancel()
			return "", nil, ctx.Err()
		},
	}

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	runner := NewRunner(mockStore, generator, uploader, fastConfig(), testLogger())
	runner.Process(ctx, task)

	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusUploading, stored.Status)
	assert.Empty(t, stored.Error)
}

func TestProcessSkipsNonPendingTask(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()

	var submits atomic.Int32
	generator := &MockGenerationClient{
		SubmitGraphFn: func(ctx context.Context, graph json.RawMessage) (string, error) {
			submits.Add(1)
			return "prompt-1", nil
		},
	}

	task := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), task))

	// The task is cancelled between listing and claiming.
	cancelled, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.NoError(t, cancelled.Transition(domain.TaskStatusCancelled))
	require.NoError(t, mockStore.CompareAndSet(
		context.Background(), task.ID, domain.TaskStatusPending, cancelled))

	runner := NewRunner(mockStore, generator, &MockUploadClient{}, fastConfig(), testLogger())
	runner.Process(context.Background(), task)

	assert.Equal(t, int32(0), submits.Load())

	stored, err := mockStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, stored.Status)
}
