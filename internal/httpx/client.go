package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"context"
	"log/slog"
)

// Static errors for client operations.
var (
	// ErrServerError is returned when the server responds with a 5xx status.
	ErrServerError = errors.New("httpx: server error")
	// ErrRateLimited is returned when the server responds with 429.
	ErrRateLimited = errors.New("httpx: rate limited")
	// ErrRequestFailed is returned for other non-2xx responses.
	ErrRequestFailed = errors.New("httpx: request failed")
)

// Client performs outbound HTTP calls with uniform retry discipline.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithLogger sets the logger used for per-attempt log lines.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// NewClient creates a resilient HTTP client. Per-attempt deadlines come
// from the Policy, so the underlying client carries no timeout itself.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is a fully materialized HTTP response.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
}

// Send performs the request with retry per policy and returns the
// materialized response. The request body, if any, must be provided as
// bytes so it can be replayed across attempts.
func (c *Client) Send(ctx context.Context, method, url string, headers http.Header, body []byte, policy Policy) (*Response, error) {
	var resp *Response
	err := WithRetry(ctx, c.logger, method+" "+url, policy, func(ctx context.Context) error {
		var err error
		resp, err = c.do(ctx, method, url, headers, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// JSON sends a JSON request and decodes a JSON response into out
// (skipped when out is nil).
func (c *Client) JSON(ctx context.Context, method, url string, headers http.Header, in, out any, policy Policy) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpx: marshal request: %w", err)
		}
	}

	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("Content-Type") == "" && body != nil {
		headers.Set("Content-Type", "application/json")
	}

	resp, err := c.Send(ctx, method, url, headers, body, policy)
	if err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("httpx: unmarshal response: %w", err)
		}
	}
	return nil
}

// do performs a single attempt.
func (c *Client) do(ctx context.Context, method, url string, headers http.Header, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("httpx: create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Retryable(fmt.Errorf("httpx: request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Retryable(fmt.Errorf("httpx: read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return nil, Retryable(fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, truncate(respBody)))
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, Retryable(fmt.Errorf("%w: %s", ErrRateLimited, truncate(respBody)))
		}
		return nil, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, truncate(respBody))
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
