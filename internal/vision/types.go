// Package vision provides the client for the vision/chat analysis
// endpoint. The pipeline depends on its structured output: either a
// recognized object or a scripted list of generation segments.
package vision

import "encoding/json"

// Schema selects which structured payload the analysis call must return.
type Schema string

const (
	// SchemaObjectRecognition asks for a single matched object.
	SchemaObjectRecognition Schema = "object_recognition"
	// SchemaExerciseScript asks for a 1-3 segment generation script.
	SchemaExerciseScript Schema = "exercise_script"
)

// MatchedObject is the object-recognition payload.
type MatchedObject struct {
	Name       string  `json:"name" validate:"required"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Segment is one ordered entry of a generation script. Prompt drives
// asset generation, Narration is spoken/captioned over the asset.
type Segment struct {
	Prompt    string `json:"prompt" validate:"required"`
	Narration string `json:"narration" validate:"required"`
}

// Analysis is the decoded, schema-validated payload of an analyze call.
// Exactly one of MatchedObject or Segments is populated depending on
// the requested schema.
type Analysis struct {
	MatchedObject *MatchedObject `json:"matchedObject,omitempty"`
	Title         string         `json:"title,omitempty"`
	Segments      []Segment      `json:"segments,omitempty" validate:"omitempty,min=1,max=3,dive"`

	// Raw is the exact JSON body the model produced, kept for the task
	// result payload.
	Raw json.RawMessage `json:"-"`
}

// AnalyzeRequest describes one analysis call.
type AnalyzeRequest struct {
	SystemPrompt string
	UserText     string
	ImageURL     string
	Schema       Schema
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema jsonSchema `json:"json_schema"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// chatResponse is the chat-completions response body.
type chatResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// JSON schemas declared to the model. The generation logic depends on
// these exact field names.
var schemaBodies = map[Schema]json.RawMessage{
	SchemaObjectRecognition: json.RawMessage(`{
        "type": "object",
        "properties": {
            "matchedObject": {
                "type": "object",
                "properties": {
                    "name": {"type": "string"},
                    "category": {"type": "string"},
                    "confidence": {"type": "number"}
                },
                "required": ["name"]
            }
        },
        "required": ["matchedObject"]
    }`),
	SchemaExerciseScript: json.RawMessage(`{
        "type": "object",
        "properties": {
            "title": {"type": "string"},
            "segments": {
                "type": "array",
                "minItems": 1,
                "maxItems": 3,
                "items": {
                    "type": "object",
                    "properties": {
                        "prompt": {"type": "string"},
                        "narration": {"type": "string"}
                    },
                    "required": ["prompt", "narration"]
                }
            }
        },
        "required": ["segments"]
    }`),
}
