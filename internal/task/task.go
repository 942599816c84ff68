package task

import (
	"context"
	"encoding/json"

	"github.com/renderkit/comfyproxy/internal/domain"
	"github.com/renderkit/comfyproxy/internal/platform/comfyui"
	"github.com/renderkit/comfyproxy/internal/platform/feishu"
)

// GenerationClient submits workflows to the generation engine and observes
// their execution. Implemented by the comfyui client.
type GenerationClient interface {
	// SubmitGraph queues a workflow and returns an engine handle for it.
	SubmitGraph(ctx context.Context, graph json.RawMessage) (string, error)

	// PollStatus reports the current execution state of a submitted
	// workflow, with artifacts restricted to the given node IDs once the
	// run has succeeded.
	PollStatus(ctx context.Context, promptID string, nodeIDs []string) (*comfyui.GenerationStatus, error)

	// FetchArtifact downloads the bytes of one generated image.
	FetchArtifact(ctx context.Context, artifact comfyui.Artifact) ([]byte, error)
}

// UploadClient pushes generated images to the destination table.
// Implemented by the feishu client, which owns the transient-retry policy.
type UploadClient interface {
	// AttachImages uploads the images and attaches them to the destination
	// record, creating it when the config carries no record ID. Returns the
	// record ID written and the per-image file tokens.
	AttachImages(ctx context.Context, cfg domain.FeishuConfig, images []feishu.Image) (string, []string, error)
}
