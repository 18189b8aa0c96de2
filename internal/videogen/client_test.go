package videogen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: url, APIKey: "test-key", Model: "kling-v1"}, nil)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"}, nil)
	assert.ErrorIs(t, err, ErrBaseURLRequired)

	_, err = NewClient(Config{BaseURL: "https://x"}, nil)
	assert.ErrorIs(t, err, ErrAPIKeyRequired)
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/videos/generations", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var p submitPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "kling-v1", p.Model)
		assert.Equal(t, "athlete squatting", p.Prompt)
		assert.Equal(t, "https://cdn/frame.jpg", p.ImageURL)

		_, _ = w.Write([]byte(`{"task_id":"vt-123"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.Submit(context.Background(), SubmitRequest{
		Prompt:   "athlete squatting",
		ImageURL: "https://cdn/frame.jpg",
		Duration: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "vt-123", id)
}

func TestSubmit_IDFallbackField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"vt-456"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(t, srv.URL).Submit(context.Background(), SubmitRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "vt-456", id)
}

func TestSubmit_NoTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Submit(context.Background(), SubmitRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrNoTaskIDReturned)
}

func TestSubmit_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"prompt rejected"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Submit(context.Background(), SubmitRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrSubmitFailed)
	assert.Contains(t, err.Error(), "prompt rejected")
}

func TestPoll_StatusNormalization(t *testing.T) {
	tests := []struct {
		raw      string
		want     Status
		terminal bool
	}{
		{"pending", StatusPending, false},
		{"queued", StatusPending, false},
		{"processing", StatusProcessing, false},
		{"running", StatusProcessing, false},
		{"something_new", StatusProcessing, false},
		{"failed", StatusFailed, true},
		{"FAILURE", StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/videos/generations/vt-1", r.URL.Path)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": tt.raw})
			}))
			defer srv.Close()

			res, err := newTestClient(t, srv.URL).Poll(context.Background(), "vt-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.terminal, res.Status.IsTerminal())
		})
	}
}

func TestPoll_Completed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"SUCCESS","video_url":"https://cdn/out.mp4"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).Poll(context.Background(), "vt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "https://cdn/out.mp4", res.VideoURL)
}

func TestPoll_CompletedNestedOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"completed","output":{"video_url":"https://cdn/nested.mp4"}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).Poll(context.Background(), "vt-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/nested.mp4", res.VideoURL)
}

func TestPoll_CompletedWithoutURLIsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"completed"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).Poll(context.Background(), "vt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestPoll_FailedCarriesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","error":"content policy"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).Poll(context.Background(), "vt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "content policy", res.Error)
}

func TestPoll_EmptyTaskID(t *testing.T) {
	c := newTestClient(t, "https://unused")
	_, err := c.Poll(context.Background(), "")
	assert.ErrorIs(t, err, ErrTaskIDRequired)
}
