package statusq

import (
	"context"
	"fmt"

	"github.com/GitHub-GodOne/fitness-sub000/internal/task"
)

// Envelope is the polling surface consumed by clients.
type Envelope struct {
	TaskID   string        `json:"taskId"`
	Status   task.Status   `json:"status"`
	Progress task.Progress `json:"progress"`
	Result   *task.Result  `json:"result,omitempty"`
}

// Service answers status polls. It only ever reads the repository.
type Service struct {
	repo task.Repository
}

// NewService creates a status query service.
func NewService(repo task.Repository) *Service {
	return &Service{repo: repo}
}

// Query reshapes the stored record into the polling envelope. An
// unknown id surfaces task.ErrTaskNotFound, never an empty envelope.
func (s *Service) Query(ctx context.Context, taskID string) (Envelope, error) {
	t, err := s.repo.FindByID(ctx, taskID)
	if err != nil {
		return Envelope{}, fmt.Errorf("statusq: query %s: %w", taskID, err)
	}

	env := Envelope{
		TaskID:   t.ID,
		Status:   t.Status,
		Progress: t.Progress,
	}
	if t.Status.IsTerminal() {
		res := t.Result
		env.Result = &res
	}
	return env, nil
}
