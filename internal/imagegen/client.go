package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/GitHub-GodOne/fitness-sub000/internal/httpx"
)

// Static errors for image generation client operations.
var (
	// ErrBaseURLRequired is returned when the base URL is not provided.
	ErrBaseURLRequired = errors.New("imagegen: base URL is required")
	// ErrAPIKeyRequired is returned when the API key is not provided.
	ErrAPIKeyRequired = errors.New("imagegen: API key is required")
	// ErrNoTaskIDReturned is returned when an async submit carries no task ID.
	ErrNoTaskIDReturned = errors.New("imagegen: submit returned no task ID")
	// ErrNoImages is returned when a finished generation holds no URLs.
	ErrNoImages = errors.New("imagegen: no image URLs in response")
	// ErrGenerationFailed is returned when the provider reports failure.
	ErrGenerationFailed = errors.New("imagegen: generation failed")
	// ErrPollTimeout is returned when an async generation does not finish in time.
	ErrPollTimeout = errors.New("imagegen: generation did not finish in time")
)

// Mode selects the provider's response contract.
type Mode string

const (
	// ModeDirect providers return image URLs in the POST response.
	ModeDirect Mode = "direct"
	// ModeAsync providers return a task ID that must be polled.
	ModeAsync Mode = "async"
)

// Config holds the image generation backend settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Mode    Mode
	// Async polling bounds. Zero values take the defaults below.
	PollInterval time.Duration
	MaxWait      time.Duration
}

const (
	defaultPollInterval = 3 * time.Second
	defaultMaxWait      = 2 * time.Minute
)

// GenerateRequest describes one image generation call.
type GenerateRequest struct {
	Prompt            string
	ReferenceImageURL string
	Size              string
	N                 int
}

type generatePayload struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url,omitempty"`
	Size     string `json:"size,omitempty"`
	N        int    `json:"n,omitempty"`
}

type imageDatum struct {
	URL string `json:"url"`
}

type generateResponse struct {
	TaskID string       `json:"task_id"`
	Status string       `json:"status"`
	Data   []imageDatum `json:"data"`
	Error  string       `json:"error"`
}

func (r generateResponse) urls() []string {
	urls := make([]string, 0, len(r.Data))
	for _, d := range r.Data {
		if d.URL != "" {
			urls = append(urls, d.URL)
		}
	}
	return urls
}

// Client generates images over a direct or submit-and-poll HTTP contract.
type Client struct {
	cfg    Config
	http   *httpx.Client
	policy httpx.Policy
}

// NewClient creates an image generation client.
func NewClient(cfg Config, hc *httpx.Client) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDirect
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
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

// Generate produces images for the prompt and returns their URLs. In
// async mode the call blocks until the provider task finishes or the
// poll bounds are exhausted.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) ([]string, error) {
	body := generatePayload{
		Model:    c.cfg.Model,
		Prompt:   req.Prompt,
		ImageURL: req.ReferenceImageURL,
		Size:     req.Size,
		N:        req.N,
	}

	var resp generateResponse
	url := c.cfg.BaseURL + "/images/generations"
	if err := c.http.JSON(ctx, http.MethodPost, url, c.headers(), body, &resp, c.policy); err != nil {
		return nil, fmt.Errorf("imagegen: generate: %w", err)
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, resp.Error)
	}

	if c.cfg.Mode == ModeDirect {
		urls := resp.urls()
		if len(urls) == 0 {
			return nil, ErrNoImages
		}
		return urls, nil
	}

	if resp.TaskID == "" {
		return nil, ErrNoTaskIDReturned
	}
	return c.waitForResult(ctx, resp.TaskID)
}

// waitForResult polls the query endpoint until the task reaches a
// terminal state or MaxWait elapses.
func (c *Client) waitForResult(ctx context.Context, taskID string) ([]string, error) {
	deadline := time.Now().Add(c.cfg.MaxWait)
	url := c.cfg.BaseURL + "/images/generations/" + taskID

	for {
		var resp generateResponse
		if err := c.http.JSON(ctx, http.MethodGet, url, c.headers(), nil, &resp, c.policy); err != nil {
			return nil, fmt.Errorf("imagegen: query: %w", err)
		}

		switch resp.Status {
		case "completed", "succeeded", "SUCCESS":
			urls := resp.urls()
			if len(urls) == 0 {
				return nil, ErrNoImages
			}
			return urls, nil
		case "failed", "FAILURE", "error":
			if resp.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, resp.Error)
			}
			return nil, ErrGenerationFailed
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: task %s", ErrPollTimeout, taskID)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("imagegen: query: %w", ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	return h
}
