package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/GitHub-GodOne/fitness-sub000/internal/httpx"
)

// Static errors for vision client operations.
var (
	// ErrBaseURLRequired is returned when the base URL is not provided.
	ErrBaseURLRequired = errors.New("vision: base URL is required")
	// ErrAPIKeyRequired is returned when the API key is not provided.
	ErrAPIKeyRequired = errors.New("vision: API key is required")
	// ErrNoChoices is returned when the response contains no choices.
	ErrNoChoices = errors.New("vision: response contains no choices")
	// ErrBadFinishReason is returned when the model did not stop normally.
	// This is a semantic failure and is never retried.
	ErrBadFinishReason = errors.New("vision: model did not finish with stop")
	// ErrInvalidAnalysis is returned when the model output does not parse
	// against the declared schema. Semantic failure, never retried.
	ErrInvalidAnalysis = errors.New("vision: analysis payload does not match schema")
)

// Config holds the vision backend settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Client calls a chat-completions style endpoint with a strict JSON
// schema response format.
type Client struct {
	cfg      Config
	http     *httpx.Client
	policy   httpx.Policy
	validate *validator.Validate
}

// NewClient creates a vision analysis client.
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
		cfg:      cfg,
		http:     hc,
		policy:   httpx.DefaultPolicy(),
		validate: validator.New(),
	}, nil
}

// Analyze performs one analysis call and returns the decoded payload.
// Transport failures are retried by the underlying client; a non-stop
// finish reason or a body that fails schema validation is fatal.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	userContent := []contentPart{
		{Type: "text", Text: req.UserText},
	}
	if req.ImageURL != "" {
		userContent = append(userContent, contentPart{
			Type:     "image_url",
			ImageURL: &imageRef{URL: req.ImageURL},
		})
	}

	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: userContent},
		},
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchema{
				Name:   string(req.Schema),
				Strict: true,
				Schema: schemaBodies[req.Schema],
			},
		},
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)

	var resp chatResponse
	url := c.cfg.BaseURL + "/chat/completions"
	if err := c.http.JSON(ctx, http.MethodPost, url, headers, body, &resp, c.policy); err != nil {
		return nil, fmt.Errorf("vision: analyze: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	if choice.FinishReason != "stop" {
		return nil, fmt.Errorf("%w: finish_reason=%q", ErrBadFinishReason, choice.FinishReason)
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(choice.Message.Content), &analysis); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAnalysis, err)
	}
	analysis.Raw = json.RawMessage(choice.Message.Content)

	if err := c.validatePayload(req.Schema, &analysis); err != nil {
		return nil, err
	}

	return &analysis, nil
}

// validatePayload enforces the requested schema structurally.
func (c *Client) validatePayload(schema Schema, a *Analysis) error {
	switch schema {
	case SchemaObjectRecognition:
		if a.MatchedObject == nil {
			return fmt.Errorf("%w: missing matchedObject", ErrInvalidAnalysis)
		}
		if err := c.validate.Struct(a.MatchedObject); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAnalysis, err)
		}
	case SchemaExerciseScript:
		if len(a.Segments) == 0 {
			return fmt.Errorf("%w: missing segments", ErrInvalidAnalysis)
		}
		if err := c.validate.Struct(a); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAnalysis, err)
		}
	default:
		return fmt.Errorf("%w: unknown schema %q", ErrInvalidAnalysis, schema)
	}
	return nil
}
