package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TaskState is the coarse provider-side state of a composition task
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
)

// TaskStatus is the result of one status poll
type TaskStatus struct {
	State    TaskState
	TrackURL string // set when State == StateCompleted
	Reason   string // set when State == StateFailed
}

// ComposeRequest describes one composition submission
type ComposeRequest struct {
	Prompt        string
	MusicLengthMS int
	Options       map[string]any
}

// Config holds composition provider connection configuration
type Config struct {
	BaseURL        string
	APIKey         string
	CreatePath     string // e.g. /v1/music/generate
	StatusPath     string // e.g. /v1/music/tasks/{task_id}
	RequestTimeout time.Duration
}

// Client is a stateless HTTP wrapper around the external composition
// service. It owns no store access; all it does is the HTTP call.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new provider client
func NewClient(config *Config, logger *slog.Logger) *Client {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Compose submits a composition request and returns the provider's task id.
// 4xx responses and unusable 2xx bodies wrap ErrProviderRejected; 5xx and
// transport failures wrap ErrProviderUnavailable.
func (c *Client) Compose(ctx context.Context, req ComposeRequest) (string, error) {
	body := map[string]any{
		"prompt":          req.Prompt,
		"music_length_ms": req.MusicLengthMS,
	}
	for k, v := range req.Options {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode request: %v", ErrProviderRejected, err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + c.config.CreatePath

	data, err := c.doRequest(ctx, http.MethodPost, url, payload)
	if err != nil {
		return "", err
	}

	var created struct {
		TaskID string `json:"task_id"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("%w: failed to parse create response: %v", ErrProviderRejected, err)
	}

	taskID := created.TaskID
	if taskID == "" {
		taskID = created.ID
	}
	if taskID == "" {
		return "", fmt.Errorf("%w: no task id in create response", ErrProviderRejected)
	}

	c.logger.Debug("Composition task created",
		slog.String("provider_task_id", taskID),
	)

	return taskID, nil
}

// Status polls the provider for the state of a previously submitted task.
// Safe to call repeatedly; any non-terminal provider state maps to pending.
func (c *Client) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	path := strings.Replace(c.config.StatusPath, "{task_id}", taskID, 1)
	url := strings.TrimRight(c.config.BaseURL, "/") + path

	data, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return TaskStatus{}, err
	}

	var status struct {
		Status   string `json:"status"`
		AudioURL string `json:"audio_url"`
		Error    string `json:"error"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return TaskStatus{}, fmt.Errorf("%w: failed to parse status response: %v", ErrProviderRejected, err)
	}

	switch status.Status {
	case "completed":
		if status.AudioURL == "" {
			return TaskStatus{}, fmt.Errorf("%w: completed but no audio url in response", ErrProviderRejected)
		}
		return TaskStatus{State: StateCompleted, TrackURL: status.AudioURL}, nil

	case "failed":
		reason := status.Error
		if reason == "" {
			reason = status.Message
		}
		if reason == "" {
			reason = "provider failed"
		}
		return TaskStatus{State: StateFailed, Reason: reason}, nil

	default:
		return TaskStatus{State: StatePending}, nil
	}
}

// doRequest performs one HTTP call and classifies the outcome
func (c *Client) doRequest(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %v", ErrProviderRejected, err)
	}

	req.Header.Set("xi-api-key", c.config.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, truncate(data, 500))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, truncate(data, 500))
	}

	return data, nil
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n]) + "..."
	}
	return string(data)
}
