package task

import (
	"context"
	"errors"
)

// ErrTaskNotFound is returned when a task cannot be found by ID.
var ErrTaskNotFound = errors.New("task not found")

// Repository defines the interface for task persistence.
// It acts as a port in the hexagonal architecture pattern.
//
// UpdateProgress and UpdateResult are single atomic writes that set the
// coarse status together with the corresponding blob, so a poller never
// observes a status/progress mismatch. PatchResultURLs touches only the
// URL fields of the stored result; the promote-to-durable-storage pass
// relies on that to avoid racing with status writes.
type Repository interface {
	// Save persists a task. If the task already exists it is replaced.
	Save(ctx context.Context, t *Task) error

	// FindByID retrieves a task by its unique identifier.
	// Returns ErrTaskNotFound if the task does not exist.
	FindByID(ctx context.Context, id string) (*Task, error)

	// UpdateProgress atomically sets status and progress for the task.
	UpdateProgress(ctx context.Context, id string, status Status, p Progress) error

	// UpdateResult atomically sets status and result for the task.
	UpdateResult(ctx context.Context, id string, status Status, r Result) error

	// PatchResultURLs overwrites only the URL fields of the stored result.
	PatchResultURLs(ctx context.Context, id string, patch ResultURLPatch) error

	// List returns all tasks.
	List(ctx context.Context) ([]*Task, error)

	// Delete removes a task. Returns ErrTaskNotFound if it does not exist.
	Delete(ctx context.Context, id string) error
}
