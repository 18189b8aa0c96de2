package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
)

// ErrDownloadFailed is returned when a download responds with a non-2xx status.
var ErrDownloadFailed = errors.New("httpx: download failed")

// Downloader fetches large binary payloads (video and image bytes) with
// the same retry discipline as Client. It is distinct because failure
// can occur while streaming the response body, not only at connect time,
// so the per-attempt deadline covers the full read and defaults to
// minutes rather than seconds.
type Downloader struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// DownloaderOption configures a Downloader.
type DownloaderOption func(*Downloader)

// WithDownloadHTTPClient sets a custom underlying HTTP client.
func WithDownloadHTTPClient(c *http.Client) DownloaderOption {
	return func(d *Downloader) {
		d.httpClient = c
	}
}

// WithDownloadLogger sets the logger used for per-attempt log lines.
func WithDownloadLogger(logger *slog.Logger) DownloaderOption {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// NewDownloader creates a resilient downloader.
func NewDownloader(opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download fetches url and returns the fully materialized bytes.
// Callers stream to disk themselves if memory pressure matters.
func (d *Downloader) Download(ctx context.Context, url string, policy Policy) ([]byte, error) {
	var data []byte
	err := WithRetry(ctx, d.logger, "download "+url, policy, func(ctx context.Context) error {
		var err error
		data, err = d.fetch(ctx, url)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DownloadToFile fetches url and writes the payload to path. The file is
// written via a temp name and renamed so a partially-written file is
// never left at path.
func (d *Downloader) DownloadToFile(ctx context.Context, url, path string, policy Policy) error {
	data, err := d.Download(ctx, url, policy)
	if err != nil {
		return err
	}

	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("httpx: write download: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("httpx: finalize download: %w", err)
	}
	return nil
}

// fetch performs a single attempt, reading the whole body under the
// attempt deadline.
func (d *Downloader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("httpx: create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, Retryable(fmt.Errorf("httpx: download request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, Retryable(fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode))
		}
		return nil, fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		// Mid-body failures are exactly the case this type exists for.
		return nil, Retryable(fmt.Errorf("httpx: read body: %w", err))
	}
	return data, nil
}
