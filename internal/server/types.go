// Package server provides the HTTP surface of the generation service.
// It includes handlers, middleware, routes, and DTOs separated from
// domain types.
package server

// CreateTaskRequest is the HTTP request body for creating a task.
type CreateTaskRequest struct {
	// Provider selects the generation backend.
	Provider string `json:"provider" validate:"required"`
	// Model optionally overrides the provider's configured model.
	Model string `json:"model"`
	// Target describes what to generate for, e.g. a muscle group.
	Target string `json:"target" validate:"required,min=2,max=128"`
	// ReferenceImageURL is the caller-supplied reference photo.
	ReferenceImageURL string `json:"reference_image_url" validate:"omitempty,url"`
	// AspectRatio of generated video segments, e.g. "9:16".
	AspectRatio string `json:"aspect_ratio" validate:"omitempty,oneof=16:9 9:16 1:1"`
	// Voice for the narration track.
	Voice string `json:"voice"`
	// Gender of the depicted athlete.
	Gender string `json:"gender" validate:"omitempty,oneof=male female"`
	// Difficulty of the exercise script.
	Difficulty string `json:"difficulty" validate:"omitempty,oneof=beginner intermediate advanced"`
	// CreditID references the billing record behind this task.
	CreditID string `json:"credit_id"`
}

// CreateTaskResponse is the HTTP response after accepting a task.
type CreateTaskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
