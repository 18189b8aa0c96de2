package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/GitHub-GodOne/fitness-sub000/internal/httpx"
)

// Static errors for speech synthesis client operations.
var (
	// ErrBaseURLRequired is returned when the base URL is not provided.
	ErrBaseURLRequired = errors.New("speech: base URL is required")
	// ErrAPIKeyRequired is returned when the API key is not provided.
	ErrAPIKeyRequired = errors.New("speech: API key is required")
	// ErrEmptyText is returned when there is no text to synthesize.
	ErrEmptyText = errors.New("speech: text is required")
	// ErrNoAudio is returned when the response carries no audio data.
	ErrNoAudio = errors.New("speech: no audio data in response")
	// ErrMissingFinalFrame is returned when a framed response never
	// signals completion, meaning the audio may be truncated.
	ErrMissingFinalFrame = errors.New("speech: framed response missing final marker")
)

// Config holds the speech backend settings.
type Config struct {
	BaseURL string
	APIKey  string
	Voice   string
}

// SynthesizeRequest describes one narration synthesis call.
type SynthesizeRequest struct {
	Text string
	// Voice overrides the configured default when set.
	Voice string
}

type synthesizePayload struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// audioFrame is one chunk of a framed JSON response. Data is base64.
type audioFrame struct {
	Data  string `json:"data"`
	Final bool   `json:"final"`
}

// Client synthesizes narration audio. Providers answer either with the
// raw audio body or with a stream of JSON frames; both are handled.
type Client struct {
	cfg    Config
	http   *httpx.Client
	policy httpx.Policy
}

// NewClient creates a speech synthesis client.
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

// Synthesize converts text to audio and returns the audio bytes.
func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	voice := req.Voice
	if voice == "" {
		voice = c.cfg.Voice
	}

	body, err := json.Marshal(synthesizePayload{Text: req.Text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("speech: marshal request: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	headers.Set("Content-Type", "application/json")

	url := c.cfg.BaseURL + "/audio/speech"
	resp, err := c.http.Send(ctx, http.MethodPost, url, headers, body, c.policy)
	if err != nil {
		return nil, fmt.Errorf("speech: synthesize: %w", err)
	}

	if strings.HasPrefix(resp.ContentType, "audio/") ||
		resp.ContentType == "application/octet-stream" {
		if len(resp.Body) == 0 {
			return nil, ErrNoAudio
		}
		return resp.Body, nil
	}

	return decodeFrames(resp.Body)
}

// decodeFrames reassembles audio from a sequence of JSON frames. The
// last frame must carry the final marker; frames after it are ignored.
func decodeFrames(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var audio []byte
	sawFinal := false

	for {
		var frame audioFrame
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("speech: decode frame: %w", err)
		}

		if frame.Data != "" {
			chunk, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				return nil, fmt.Errorf("speech: decode audio chunk: %w", err)
			}
			audio = append(audio, chunk...)
		}

		if frame.Final {
			sawFinal = true
			break
		}
	}

	if !sawFinal {
		return nil, ErrMissingFinalFrame
	}
	if len(audio) == 0 {
		return nil, ErrNoAudio
	}
	return audio, nil
}
