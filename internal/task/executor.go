package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/renderkit/comfyproxy/internal/domain"
	"github.com/renderkit/comfyproxy/internal/platform/comfyui"
	"github.com/renderkit/comfyproxy/internal/platform/feishu"
	"github.com/renderkit/comfyproxy/internal/store"
)

// Progress milestones. Generation progress is squeezed below the uploading
// milestone so the value never moves backward across the phase boundary.
const (
	progressGenerationCap = 75
	progressUploading     = 80
	progressCompleted     = 100
)

// Process drives one task from pending to a terminal state. It claims the
// task via compare-and-set first; losing that race means another worker (or
// a concurrent cancellation) owns the record, and the task is skipped
// silently. Any later CAS conflict likewise abandons the task without
// overwriting the externally-changed state.
func (r *Runner) Process(ctx context.Context, t *domain.Task) {
	logger := r.logger.With("task_id", t.ID)

	if err := t.Transition(domain.TaskStatusProcessing); err != nil {
		logger.Warn("listed task is not claimable", "status", t.Status)
		return
	}
	if err := r.store.CompareAndSet(ctx, t.ID, domain.TaskStatusPending, t); err != nil {
		if store.IsConflictError(err) || store.IsNotFoundError(err) {
			// Claimed elsewhere or cancelled in the meantime.
			return
		}
		logger.Error("failed to claim task", "error", err)
		return
	}

	logger.Info("processing task")

	artifacts, err := r.runGeneration(ctx, t, logger)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down. The task stays processing so the operator can
			// decide how to recover it; it is never failed on our account.
			logger.Warn("stopping mid-generation, leaving task for operator review")
			return
		}
		r.failTask(ctx, t, domain.TaskStatusProcessing, err.Error(), logger)
		return
	}
	if artifacts == nil {
		// Abandoned: an external actor changed the record mid-flight.
		return
	}

	if err := r.beginUpload(ctx, t); err != nil {
		if !store.IsConflictError(err) {
			logger.Error("failed to move task to uploading", "error", err)
		}
		return
	}

	result, err := r.runUpload(ctx, t, artifacts, logger)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("stopping mid-upload, leaving task for operator review")
			return
		}
		r.failTask(ctx, t, domain.TaskStatusUploading, err.Error(), logger)
		return
	}

	if err := t.Complete(result); err != nil {
		logger.Error("failed to finalize task", "error", err)
		return
	}
	if err := r.store.CompareAndSet(ctx, t.ID, domain.TaskStatusUploading, t); err != nil {
		if !store.IsConflictError(err) {
			logger.Error("failed to persist completed task", "error", err)
		}
		return
	}

	logger.Info("task completed",
		"record_id", result.FeishuRecordID,
		"images", len(result.Images))
}

// downloadedArtifact pairs engine metadata with the fetched image bytes.
type downloadedArtifact struct {
	meta comfyui.Artifact
	data []byte
}

// runGeneration submits the graph and polls the engine until it finishes,
// times out, or fails. Engine failures and timeouts are terminal for the
// task and never retried: a rejected graph will not succeed on a second
// submission. A nil, nil return means the task was abandoned mid-flight.
func (r *Runner) runGeneration(
	ctx context.Context,
	t *domain.Task,
	logger *slog.Logger,
) ([]downloadedArtifact, error) {
	handle, err := r.generator.SubmitGraph(ctx, t.Graph)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %v", err)
	}

	logger.Info("workflow queued", "prompt_id", handle)

	deadline := time.Now().Add(r.config.GenerationTimeout)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("generation timed out after %s", r.config.GenerationTimeout)
		}

		status, err := r.generator.PollStatus(ctx, handle, t.OutputNodeIDs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, fmt.Errorf("generation failed: %v", err)
		}

		switch status.State {
		case comfyui.StateFailed:
			reason := status.FailureReason
			if reason == "" {
				reason = "unknown engine error"
			}
			return nil, fmt.Errorf("generation failed: %s", reason)

		case comfyui.StateSucceeded:
			if missing := missingNodes(t.OutputNodeIDs, status.Artifacts); len(missing) > 0 {
				return nil, fmt.Errorf(
					"generation produced no output for node(s) %s",
					strings.Join(missing, ", "))
			}
			return r.downloadArtifacts(ctx, status.Artifacts)

		default:
			if abandoned := r.recordProgress(ctx, t, status.Progress, logger); abandoned {
				return nil, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.config.GenerationPollInterval):
		}
	}
}

// recordProgress persists an engine progress reading, scaled under the
// uploading milestone. Store errors are logged and swallowed: losing one
// intermediate progress write must not fail the task. A compare-and-set
// conflict is different; it means the record changed under us and the task
// must be abandoned, which the true return signals.
func (r *Runner) recordProgress(
	ctx context.Context,
	t *domain.Task,
	engineProgress int,
	logger *slog.Logger,
) bool {
	scaled := engineProgress * progressGenerationCap / 100
	if scaled <= t.Progress {
		return false
	}

	t.SetProgress(scaled)
	err := r.store.CompareAndSet(ctx, t.ID, domain.TaskStatusProcessing, t)
	if err == nil {
		return false
	}
	if store.IsConflictError(err) {
		logger.Warn("task changed externally during generation, abandoning")
		return true
	}

	logger.Warn("failed to persist progress update", "progress", scaled, "error", err)
	return false
}

// downloadArtifacts fetches the image bytes for every collected artifact.
func (r *Runner) downloadArtifacts(
	ctx context.Context,
	artifacts []comfyui.Artifact,
) ([]downloadedArtifact, error) {
	downloaded := make([]downloadedArtifact, 0, len(artifacts))
	for _, artifact := range artifacts {
		data, err := r.generator.FetchArtifact(ctx, artifact)
		if err != nil {
			return nil, fmt.Errorf("generation failed: could not fetch %s: %v",
				artifact.Filename, err)
		}
		downloaded = append(downloaded, downloadedArtifact{meta: artifact, data: data})
	}
	return downloaded, nil
}

// beginUpload moves the task from processing to uploading. The
// compare-and-set guards against concurrent cancellation attempts, which at
// this point correctly fail because the status left pending long ago.
func (r *Runner) beginUpload(ctx context.Context, t *domain.Task) error {
	if err := t.Transition(domain.TaskStatusUploading); err != nil {
		return err
	}
	t.SetProgress(progressUploading)
	return r.store.CompareAndSet(ctx, t.ID, domain.TaskStatusProcessing, t)
}

// runUpload pushes all artifacts to the destination and builds the task
// result. The upload client retries transient failures internally; an error
// surfacing here is final.
func (r *Runner) runUpload(
	ctx context.Context,
	t *domain.Task,
	artifacts []downloadedArtifact,
	logger *slog.Logger,
) (*domain.TaskResult, error) {
	images := make([]feishu.Image, len(artifacts))
	for i, artifact := range artifacts {
		images[i] = feishu.Image{Data: artifact.data, Filename: artifact.meta.Filename}
	}

	recordID, _, err := r.uploader.AttachImages(ctx, t.Feishu, images)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %v", err)
	}

	logger.Info("images uploaded", "record_id", recordID, "count", len(images))

	results := make([]domain.ImageResult, len(artifacts))
	for i, artifact := range artifacts {
		// Drive file tokens carry no direct URL, so FeishuURL stays nil.
		results[i] = domain.ImageResult{
			NodeID:   artifact.meta.NodeID,
			Filename: artifact.meta.Filename,
		}
	}

	return &domain.TaskResult{
		Images:         results,
		FeishuRecordID: recordID,
	}, nil
}

// failTask records a terminal failure via compare-and-set against the status
// this worker last observed. A conflict means an external actor changed the
// record; the worker abandons rather than overwrite.
func (r *Runner) failTask(
	ctx context.Context,
	t *domain.Task,
	from domain.TaskStatus,
	cause string,
	logger *slog.Logger,
) {
	if err := t.Fail(cause); err != nil {
		logger.Error("failed to mark task failed", "error", err)
		return
	}

	if err := r.store.CompareAndSet(ctx, t.ID, from, t); err != nil {
		if store.IsConflictError(err) {
			logger.Warn("task changed externally, not overwriting failure", "cause", cause)
		} else {
			logger.Error("failed to persist task failure", "cause", cause, "error", err)
		}
		return
	}

	logger.Warn("task failed", "cause", cause)
}

// missingNodes returns the requested node IDs that produced no artifact.
func missingNodes(nodeIDs []string, artifacts []comfyui.Artifact) []string {
	produced := make(map[string]bool, len(artifacts))
	for _, artifact := range artifacts {
		produced[artifact.NodeID] = true
	}

	var missing []string
	for _, nodeID := range nodeIDs {
		if !produced[nodeID] {
			missing = append(missing, nodeID)
		}
	}
	return missing
}
