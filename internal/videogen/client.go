package videogen

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/GitHub-GodOne/fitness-sub000/internal/httpx"
)

// Static errors for video generation client operations.
var (
	// ErrBaseURLRequired is returned when the base URL is not provided.
	ErrBaseURLRequired = errors.New("videogen: base URL is required")
	// ErrAPIKeyRequired is returned when the API key is not provided.
	ErrAPIKeyRequired = errors.New("videogen: API key is required")
	// ErrTaskIDRequired is returned when polling without a task ID.
	ErrTaskIDRequired = errors.New("videogen: task ID is required")
	// ErrNoTaskIDReturned is returned when the submit response carries no task ID.
	ErrNoTaskIDReturned = errors.New("videogen: submit returned no task ID")
	// ErrSubmitFailed is returned when the provider rejects the submission.
	ErrSubmitFailed = errors.New("videogen: submit failed")
	// ErrNoVideoURL is returned when a completed task has no output URL.
	ErrNoVideoURL = errors.New("videogen: no video URL in completed task")
)

// Config holds the video generation backend settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Client submits clip generation jobs and polls for their outcome.
type Client struct {
	cfg    Config
	http   *httpx.Client
	policy httpx.Policy
}

// NewClient creates a video generation client.
func NewClient(cfg Config, hc *httpx.Client) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}
	if hc == nil {
		hc = httpx.NewClient()
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		policy: httpx.DefaultPolicy(),
	}, nil
}

// Submit creates one clip job and returns the provider task ID.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := submitPayload{
		Model:       c.cfg.Model,
		Prompt:      req.Prompt,
		ImageURL:    req.ImageURL,
		AspectRatio: req.AspectRatio,
		Duration:    req.Duration,
	}

	var resp submitResponse
	url := c.cfg.BaseURL + "/videos/generations"
	if err := c.http.JSON(ctx, http.MethodPost, url, c.headers(), body, &resp, c.policy); err != nil {
		return "", fmt.Errorf("videogen: submit: %w", err)
	}

	id := resp.taskID()
	if id == "" {
		if resp.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrSubmitFailed, resp.Error)
		}
		return "", ErrNoTaskIDReturned
	}
	return id, nil
}

// Poll queries the job once and returns its normalized state. A
// completed job without an output URL is reported as failed so the
// caller never publishes a missing artifact.
func (c *Client) Poll(ctx context.Context, taskID string) (PollResult, error) {
	if taskID == "" {
		return PollResult{}, ErrTaskIDRequired
	}

	var resp statusResponse
	url := c.cfg.BaseURL + "/videos/generations/" + taskID
	if err := c.http.JSON(ctx, http.MethodGet, url, c.headers(), nil, &resp, c.policy); err != nil {
		return PollResult{}, fmt.Errorf("videogen: poll: %w", err)
	}

	result := PollResult{Status: normalizeStatus(resp.Status)}
	switch result.Status {
	case StatusCompleted:
		result.VideoURL = resp.videoURL()
		if result.VideoURL == "" {
			result.Status = StatusFailed
			result.Error = ErrNoVideoURL.Error()
		}
	case StatusFailed:
		result.Error = resp.Error
	}
	return result, nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	return h
}
