package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/renderkit/comfyproxy/internal/config"
)

// Common errors returned by the client.
var (
	// ErrEngineUnavailable is returned when the engine cannot be reached.
	ErrEngineUnavailable = errors.New("comfyui is unreachable")

	// ErrUnexpectedResponse is returned when the engine answers with a
	// status or payload the client cannot interpret.
	ErrUnexpectedResponse = errors.New("unexpected comfyui response")
)

// Client talks to a ComfyUI instance over its HTTP API.
type Client struct {
	baseURL        string
	clientID       string
	httpClient     *http.Client
	downloadClient *http.Client
	logger         *slog.Logger
}

// NewClient creates a ComfyUI client from configuration. The download client
// carries a longer timeout since generated images can be large.
func NewClient(cfg config.ComfyUIConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		clientID: uuid.NewString(),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		},
		downloadClient: &http.Client{
			Timeout: time.Duration(cfg.DownloadTimeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

// SubmitGraph queues a workflow and returns the engine's prompt ID.
func (c *Client) SubmitGraph(ctx context.Context, graph json.RawMessage) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"prompt":    graph,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: prompt rejected with status %d: %s",
			ErrUnexpectedResponse, resp.StatusCode, body)
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("%w: empty prompt_id", ErrUnexpectedResponse)
	}

	c.logger.Debug("workflow queued", "prompt_id", out.PromptID)
	return out.PromptID, nil
}

// PollStatus checks the history endpoint for the given prompt. A prompt that
// has not reached the history yet is still running. Engine failures are
// reported in the returned status, not as a Go error; errors are reserved
// for transport problems.
func (c *Client) PollStatus(
	ctx context.Context,
	promptID string,
	nodeIDs []string,
) (*GenerationStatus, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: history returned status %d",
			ErrUnexpectedResponse, resp.StatusCode)
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}

	entry, ok := history[promptID]
	if !ok {
		return &GenerationStatus{State: StateRunning, Progress: 0}, nil
	}

	switch {
	case entry.Status.StatusStr == "error":
		return &GenerationStatus{
			State:         StateFailed,
			FailureReason: extractExecutionError(entry.Status.Messages),
		}, nil
	case entry.Status.StatusStr == "success" || entry.Status.Completed:
		return &GenerationStatus{
			State:     StateSucceeded,
			Progress:  100,
			Artifacts: collectArtifacts(entry, nodeIDs),
		}, nil
	default:
		return &GenerationStatus{State: StateRunning, Progress: 0}, nil
	}
}

// FetchArtifact downloads one generated image.
func (c *Client) FetchArtifact(ctx context.Context, artifact Artifact) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", artifact.Filename)
	q.Set("subfolder", artifact.Subfolder)
	q.Set("type", artifact.FolderType)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: view returned status %d for %s",
			ErrUnexpectedResponse, resp.StatusCode, artifact.Filename)
	}

	return io.ReadAll(resp.Body)
}

// CheckHealth reports whether the engine answers its stats endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: system_stats returned status %d",
			ErrUnexpectedResponse, resp.StatusCode)
	}

	return nil
}

// collectArtifacts extracts the image outputs for the requested nodes,
// preserving the caller's node order. Nodes that produced nothing are simply
// absent from the result; the worker decides whether that fails the task.
func collectArtifacts(entry historyEntry, nodeIDs []string) []Artifact {
	var artifacts []Artifact
	for _, nodeID := range nodeIDs {
		output, ok := entry.Outputs[nodeID]
		if !ok {
			continue
		}
		for _, img := range output.Images {
			folderType := img.Type
			if folderType == "" {
				folderType = "output"
			}
			artifacts = append(artifacts, Artifact{
				NodeID:     nodeID,
				Filename:   img.Filename,
				Subfolder:  img.Subfolder,
				FolderType: folderType,
			})
		}
	}
	return artifacts
}

// extractExecutionError pulls the exception message out of the history's
// status messages. Each message is a [type, payload] pair.
func extractExecutionError(messages [][]any) string {
	for _, msg := range messages {
		if len(msg) < 2 {
			continue
		}
		if kind, ok := msg[0].(string); !ok || kind != "execution_error" {
			continue
		}
		if payload, ok := msg[1].(map[string]any); ok {
			if m, ok := payload["exception_message"].(string); ok && m != "" {
				return m
			}
		}
	}
	return "unknown execution error"
}
