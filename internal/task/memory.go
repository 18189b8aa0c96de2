package task

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access.
// Suitable for development and testing; use SQLiteRepository when tasks
// must survive a restart.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryRepository creates a new in-memory task repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks: make(map[string]*Task),
	}
}

// Save persists a task to the in-memory storage.
// Creates a clone to avoid external mutations.
func (r *MemoryRepository) Save(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t.Clone()
	return nil
}

// FindByID retrieves a task by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// UpdateProgress atomically sets status and progress for the task.
func (r *MemoryRepository) UpdateProgress(_ context.Context, id string, status Status, p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = status
	t.Progress = p
	t.UpdatedAt = time.Now()
	if status.IsTerminal() {
		t.CompletedAt = t.UpdatedAt
	}
	return nil
}

// UpdateResult atomically sets status and result for the task.
func (r *MemoryRepository) UpdateResult(_ context.Context, id string, status Status, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = status
	t.Result = res
	t.UpdatedAt = time.Now()
	if status.IsTerminal() {
		t.CompletedAt = t.UpdatedAt
	}
	return nil
}

// PatchResultURLs overwrites only the URL fields of the stored result.
func (r *MemoryRepository) PatchResultURLs(_ context.Context, id string, patch ResultURLPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	patch.Apply(&t.Result)
	t.UpdatedAt = time.Now()
	return nil
}

// List returns all tasks in the repository.
// Returns clones to prevent external mutations.
func (r *MemoryRepository) List(_ context.Context) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		result = append(result, t.Clone())
	}
	return result, nil
}

// Delete removes a task from storage.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(r.tasks, id)
	return nil
}
