package httpx

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func downloadTestPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Timeout: 5 * time.Second}
}

func TestDownloader_Download(t *testing.T) {
	payload := bytes.Repeat([]byte("frame"), 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := NewDownloader()
	data, err := d.Download(context.Background(), srv.URL, downloadTestPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("downloaded bytes do not match payload")
	}
}

func TestDownloader_RetriesMidBodyFailure(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64*1024)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Write a truncated body, then drop the connection so the
			// client fails during the read, not at connect time.
			w.Header().Set("Content-Length", "65536")
			_, _ = w.Write(payload[:100])
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := NewDownloader()
	data, err := d.Download(context.Background(), srv.URL, downloadTestPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != len(payload) {
		t.Errorf("expected full payload after retry, got %d bytes", len(data))
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestDownloader_404IsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewDownloader()
	_, err := d.Download(context.Background(), srv.URL, downloadTestPolicy())
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("404 must not be retried, got %d attempts", calls.Load())
	}
}

func TestDownloader_DownloadToFile(t *testing.T) {
	payload := []byte("final video bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "segment_0.mp4")
	d := NewDownloader()
	if err := d.DownloadToFile(context.Background(), srv.URL, path, downloadTestPolicy()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("file contents do not match payload")
	}

	// No partial file left behind.
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Error("temp .part file should not remain")
	}
}
