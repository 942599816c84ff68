package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderkit/comfyproxy/internal/domain"
	"github.com/renderkit/comfyproxy/internal/platform/comfyui"
)

func TestRunnerProcessesPendingTasks(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()
	generator := &MockGenerationClient{
		PollStatusFn: func(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error) {
			return succeededStatus(nodeIDs...), nil
		},
	}

	first := newPendingTask(t)
	second := newPendingTask(t)
	require.NoError(t, mockStore.Put(context.Background(), first))
	require.NoError(t, mockStore.Put(context.Background(), second))

	runner := NewRunner(mockStore, generator, &MockUploadClient{}, fastConfig(), testLogger())
	require.NoError(t, runner.Start())
	defer runner.Stop()

	assert.Eventually(t, func() bool {
		for _, id := range []*domain.Task{first, second} {
			stored, err := mockStore.Get(context.Background(), id.ID)
			if err != nil || stored.Status != domain.TaskStatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "both tasks should complete")
}

func TestRunnerStartWithStrandedTasks(t *testing.T) {
	t.Parallel()

	mockStore := NewMockTaskStore()

	// A record left in processing by a previous run. Start must report it
	// and leave it alone.
	stranded := newPendingTask(t)
	require.NoError(t, stranded.Transition(domain.TaskStatusProcessing))
	require.NoError(t, mockStore.Put(context.Background(), stranded))

	runner := NewRunner(mockStore, &MockGenerationClient{}, &MockUploadClient{}, fastConfig(), testLogger())
	require.NoError(t, runner.Start())

	time.Sleep(30 * time.Millisecond)
	runner.Stop()

	stored, err := mockStore.Get(context.Background(), stranded.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusProcessing, stored.Status)
}

func TestRunnerStopIsIdempotentWithNoWork(t *testing.T) {
	t.Parallel()

	runner := NewRunner(
		NewMockTaskStore(), &MockGenerationClient{}, &MockUploadClient{},
		fastConfig(), testLogger())
	require.NoError(t, runner.Start())
	runner.Stop()
}

func TestNewRunnerAppliesDefaults(t *testing.T) {
	t.Parallel()

	runner := NewRunner(
		NewMockTaskStore(), &MockGenerationClient{}, &MockUploadClient{},
		RunnerConfig{}, testLogger())

	defaults := DefaultRunnerConfig()
	assert.Equal(t, defaults.Concurrency, runner.config.Concurrency)
	assert.Equal(t, defaults.PollInterval, runner.config.PollInterval)
	assert.Equal(t, defaults.GenerationPollInterval, runner.config.GenerationPollInterval)
	assert.Equal(t, defaults.GenerationTimeout, runner.config.GenerationTimeout)
}
