package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/GitHub-GodOne/fitness-sub000/internal/pipeline"
	"github.com/GitHub-GodOne/fitness-sub000/internal/statusq"
	"github.com/GitHub-GodOne/fitness-sub000/internal/task"
)

// Scheduler launches a task's pipeline detached.
type Scheduler interface {
	Schedule(ctx context.Context, t *task.Task) error
}

// StatusReader answers status polls.
type StatusReader interface {
	Query(ctx context.Context, taskID string) (statusq.Envelope, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	scheduler Scheduler
	status    StatusReader
	repo      task.Repository
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(scheduler Scheduler, status StatusReader, repo task.Repository, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		scheduler: scheduler,
		status:    status,
		repo:      repo,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateTask handles POST /tasks requests. The task is persisted as
// PENDING and its pipeline launched detached; the response never waits
// for generation.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	provider := task.Provider(req.Provider)
	if !provider.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown provider "+req.Provider, "UNKNOWN_PROVIDER")
		return
	}

	opts := task.Options{task.OptTarget: req.Target}
	if req.ReferenceImageURL != "" {
		opts[task.OptReferenceImage] = req.ReferenceImageURL
	}
	if req.AspectRatio != "" {
		opts[task.OptAspectRatio] = req.AspectRatio
	}
	if req.Voice != "" {
		opts[task.OptVoice] = req.Voice
	}
	if req.Gender != "" {
		opts[task.OptGender] = req.Gender
	}
	if req.Difficulty != "" {
		opts[task.OptDifficulty] = req.Difficulty
	}

	t := task.New(provider, req.Model, opts)
	t.CreditID = req.CreditID

	if err := h.repo.Save(r.Context(), t); err != nil {
		h.logger.Error("failed to persist task", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task", "TASK_CREATION_FAILED")
		return
	}

	if err := h.scheduler.Schedule(r.Context(), t); err != nil {
		// The pipeline rejected the inputs synchronously; the record is
		// removed so a poller never finds a task that was never run.
		if derr := h.repo.Delete(r.Context(), t.ID); derr != nil {
			h.logger.Error("failed to remove rejected task", slog.String("error", derr.Error()))
		}
		if errors.Is(err, pipeline.ErrReferenceImageRequired) || errors.Is(err, pipeline.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		h.logger.Error("failed to schedule task",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to schedule task", "TASK_SCHEDULING_FAILED")
		return
	}

	h.logger.Info("task accepted",
		slog.String("task_id", t.ID),
		slog.String("provider", req.Provider),
		slog.String("target", req.Target),
	)

	writeJSON(w, http.StatusAccepted, CreateTaskResponse{
		ID:     t.ID,
		Status: string(task.StatusPending),
	})
}

// GetTask handles GET /tasks/{id} requests.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required", "MISSING_TASK_ID")
		return
	}

	env, err := h.status.Query(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
			return
		}
		h.logger.Error("failed to query task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to query task", "TASK_QUERY_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, env)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
