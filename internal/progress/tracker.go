// Package progress persists step-by-step pipeline progress to the task
// repository, enforcing that the percentage never regresses for a task.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GitHub-GodOne/fitness-sub000/internal/task"
)

// Tracker flushes each step advance to the repository as a single atomic
// status+progress write. Percent is clamped monotonic per task id.
type Tracker struct {
	repo   task.Repository
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]task.Progress
}

// NewTracker creates a Tracker backed by repo.
func NewTracker(repo task.Repository, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		repo:   repo,
		logger: logger,
		last:   make(map[string]task.Progress),
	}
}

// Advance records that taskID reached step with the given message and
// percent. The coarse status is PROCESSING, or SUCCESS when the step is
// COMPLETED. Re-advancing to the same step and percent only refreshes
// UpdatedAt; a lower percent than previously recorded is clamped up.
func (t *Tracker) Advance(ctx context.Context, taskID string, step task.Step, message string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	t.mu.Lock()
	prev, ok := t.last[taskID]
	if ok && percent < prev.Percent {
		percent = prev.Percent
	}
	now := time.Now()
	startedAt := now
	if ok {
		startedAt = prev.StartedAt
	}
	p := task.Progress{
		Step:      step,
		Message:   message,
		Percent:   percent,
		StartedAt: startedAt,
		UpdatedAt: now,
	}
	t.last[taskID] = p
	t.mu.Unlock()

	status := task.StatusProcessing
	if step == task.StepCompleted {
		status = task.StatusSuccess
	}

	if err := t.repo.UpdateProgress(ctx, taskID, status, p); err != nil {
		return fmt.Errorf("progress: advance %s to %s: %w", taskID, step, err)
	}

	t.logger.Info("progress",
		slog.String("task_id", taskID),
		slog.String("step", string(step)),
		slog.Int("percent", percent),
		slog.String("message", message),
	)
	return nil
}

// Forget drops the in-memory watermark for a finished task.
func (t *Tracker) Forget(taskID string) {
	t.mu.Lock()
	delete(t.last, taskID)
	t.mu.Unlock()
}

// Current returns the last progress recorded for taskID, if any.
func (t *Tracker) Current(taskID string) (task.Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.last[taskID]
	return p, ok
}
