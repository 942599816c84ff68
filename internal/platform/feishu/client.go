package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/renderkit/comfyproxy/internal/config"
	"github.com/renderkit/comfyproxy/internal/domain"
)

// Image is one file to upload and attach to the destination record.
type Image struct {
	Data     []byte
	Filename string
}

// Client talks to the Feishu open platform. It caches the tenant access
// token and refreshes it shortly before expiry.
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries int
	retryDelay time.Duration

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a Feishu client from configuration.
func NewClient(cfg config.FeishuConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		},
		logger:     logger,
		maxRetries: cfg.MaxUploadRetries,
		retryDelay: time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}
}

// AttachImages uploads all images and writes them into the destination
// record's attachment field. When the config names an existing record its
// current attachments are preserved and the new ones appended; otherwise a
// fresh record is created. Returns the record ID actually written and the
// uploaded file tokens.
func (c *Client) AttachImages(
	ctx context.Context,
	cfg domain.FeishuConfig,
	images []Image,
) (string, []string, error) {
	fileTokens := make([]string, 0, len(images))
	for _, img := range images {
		token, err := c.UploadImage(ctx, img.Data, img.Filename, cfg.AppToken)
		if err != nil {
			return "", nil, fmt.Errorf("failed to upload %s: %w", img.Filename, err)
		}
		c.logger.Info("image uploaded", "filename", img.Filename, "file_token", token)
		fileTokens = append(fileTokens, token)
	}

	attachments := make([]map[string]string, 0, len(fileTokens))
	if cfg.RecordID != "" {
		existing, err := c.existingAttachments(ctx, cfg)
		if err != nil {
			// Reading the old attachments is best-effort; losing them is
			// preferable to failing the whole task here.
			c.logger.Warn("failed to read existing attachments, overwriting",
				"record_id", cfg.RecordID, "error", err)
		}
		attachments = append(attachments, existing...)
	}
	for _, token := range fileTokens {
		attachments = append(attachments, map[string]string{"file_token": token})
	}

	fields := map[string]any{cfg.ImageField: attachments}

	var recordID string
	var err error
	if cfg.RecordID != "" {
		recordID, err = c.UpdateRecord(ctx, cfg.AppToken, cfg.TableID, cfg.RecordID, fields)
	} else {
		recordID, err = c.CreateRecord(ctx, cfg.AppToken, cfg.TableID, fields)
	}
	if err != nil {
		return "", nil, err
	}

	return recordID, fileTokens, nil
}

// UploadImage uploads one image to Feishu Drive as a bitable attachment and
// returns its file token. Transient failures are retried with exponential
// backoff up to the configured bound.
func (c *Client) UploadImage(
	ctx context.Context,
	data []byte,
	filename string,
	appToken string,
) (string, error) {
	var fileToken string
	err := c.withRetry(ctx, "upload "+filename, func() error {
		token, err := c.uploadOnce(ctx, data, filename, appToken)
		if err != nil {
			return err
		}
		fileToken = token
		return nil
	})
	return fileToken, err
}

func (c *Client) uploadOnce(
	ctx context.Context,
	data []byte,
	filename string,
	appToken string,
) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := map[string]string{
		"file_name":   filename,
		"parent_type": "bitable_image",
		"parent_node": appToken,
		"size":        strconv.Itoa(len(data)),
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return "", err
		}
	}

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		FileToken string `json:"file_token"`
	}
	err = c.call(ctx, http.MethodPost, "/open-apis/drive/v1/medias/upload_all",
		mw.FormDataContentType(), &body, &out)
	if err != nil {
		return "", err
	}
	if out.FileToken == "" {
		return "", &APIError{HTTPStatus: http.StatusOK, Msg: "empty file token"}
	}

	return out.FileToken, nil
}

// CreateRecord creates a new bitable record and returns its ID.
func (c *Client) CreateRecord(
	ctx context.Context,
	appToken, tableID string,
	fields map[string]any,
) (string, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records",
		url.PathEscape(appToken), url.PathEscape(tableID))

	var recordID string
	err := c.withRetry(ctx, "create record", func() error {
		id, err := c.writeRecord(ctx, http.MethodPost, path, fields)
		if err != nil {
			return err
		}
		recordID = id
		return nil
	})
	return recordID, err
}

// UpdateRecord updates an existing bitable record and returns its ID.
func (c *Client) UpdateRecord(
	ctx context.Context,
	appToken, tableID, recordID string,
	fields map[string]any,
) (string, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s",
		url.PathEscape(appToken), url.PathEscape(tableID), url.PathEscape(recordID))

	var id string
	err := c.withRetry(ctx, "update record", func() error {
		written, err := c.writeRecord(ctx, http.MethodPut, path, fields)
		if err != nil {
			return err
		}
		id = written
		return nil
	})
	return id, err
}

func (c *Client) writeRecord(
	ctx context.Context,
	method, path string,
	fields map[string]any,
) (string, error) {
	payload, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return "", err
	}

	var out struct {
		Record struct {
			RecordID string `json:"record_id"`
		} `json:"record"`
	}
	err = c.call(ctx, method, path, "application/json", bytes.NewReader(payload), &out)
	if err != nil {
		return "", err
	}

	return out.Record.RecordID, nil
}

// existingAttachments reads the current attachment list of the destination
// record's image field.
func (c *Client) existingAttachments(
	ctx context.Context,
	cfg domain.FeishuConfig,
) ([]map[string]string, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s",
		url.PathEscape(cfg.AppToken), url.PathEscape(cfg.TableID), url.PathEscape(cfg.RecordID))

	var out struct {
		Record struct {
			Fields map[string]json.RawMessage `json:"fields"`
		} `json:"record"`
	}
	if err := c.call(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}

	raw, ok := out.Record.Fields[cfg.ImageField]
	if !ok {
		return nil, nil
	}

	var current []struct {
		FileToken string `json:"file_token"`
	}
	if err := json.Unmarshal(raw, &current); err != nil {
		// The field exists but holds something that is not an attachment
		// list; treat it as empty rather than failing the task.
		return nil, nil
	}

	attachments := make([]map[string]string, 0, len(current))
	for _, att := range current {
		if att.FileToken != "" {
			attachments = append(attachments, map[string]string{"file_token": att.FileToken})
		}
	}
	return attachments, nil
}

// call performs one authenticated API request and decodes the data envelope
// into out. Feishu wraps every payload as {code, msg, data}.
func (c *Client) call(
	ctx context.Context,
	method, path, contentType string,
	body io.Reader,
	out any,
) error {
	token, err := c.tenantAccessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &APIError{HTTPStatus: resp.StatusCode, Msg: "undecodable response body"}
	}

	if resp.StatusCode != http.StatusOK || envelope.Code != 0 {
		return &APIError{HTTPStatus: resp.StatusCode, Code: envelope.Code, Msg: envelope.Msg}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return &APIError{HTTPStatus: resp.StatusCode, Msg: "undecodable data payload"}
		}
	}

	return nil
}

// tenantAccessToken returns a cached tenant token, fetching a new one when
// the cache is empty or about to expire.
func (c *Client) tenantAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal",
		bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &APIError{HTTPStatus: resp.StatusCode, Msg: "undecodable token response"}
	}
	if resp.StatusCode != http.StatusOK || out.Code != 0 {
		return "", &APIError{HTTPStatus: resp.StatusCode, Code: out.Code, Msg: out.Msg}
	}

	c.token = out.TenantAccessToken
	// Refresh a minute early to avoid racing the expiry.
	c.tokenExpiry = time.Now().Add(time.Duration(out.Expire)*time.Second - time.Minute)

	return c.token, nil
}

// withRetry runs fn, retrying transient failures with exponential backoff
// (base delay doubled per attempt). Permanent failures return immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retryDelay * (1 << (attempt - 1))
			c.logger.Warn("retrying after transient failure",
				"operation", op,
				"attempt", attempt+1,
				"max_attempts", c.maxRetries+1,
				"wait", wait,
				"error", lastErr)

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				c.logger.Info("operation succeeded after retry",
					"operation", op, "attempts", attempt+1)
			}
			return nil
		}

		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, op, lastErr)
}
