package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/GitHub-GodOne/fitness-sub000/internal/storage"
	"github.com/GitHub-GodOne/fitness-sub000/internal/task"
)

// Static errors for lifecycle operations.
var (
	// ErrAlreadyRunning is returned when a task id is scheduled while a
	// run for the same id is still in flight.
	ErrAlreadyRunning = errors.New("lifecycle: task is already running")
	// ErrNoPipeline is returned when no pipeline exists for the task's provider.
	ErrNoPipeline = errors.New("lifecycle: no pipeline for provider")
)

// Runner executes a task's generation pipeline to completion.
type Runner interface {
	Validate(t *task.Task) error
	Run(ctx context.Context, t *task.Task) error
}

// Controller owns task execution: it launches pipelines detached,
// guarantees a terminal state and handles the failure bookkeeping.
type Controller struct {
	pipelines map[task.Provider]Runner
	repo      task.Repository
	storage   storage.Storage
	logger    *slog.Logger
	workDir   string

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithStorage enables the post-success promote pass that re-uploads
// workdir artifacts to durable storage.
func WithStorage(s storage.Storage, workDir string) Option {
	return func(c *Controller) {
		c.storage = s
		c.workDir = workDir
	}
}

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a controller over one pipeline per provider.
func NewController(pipelines map[task.Provider]Runner, repo task.Repository, opts ...Option) *Controller {
	c := &Controller{
		pipelines: pipelines,
		repo:      repo,
		logger:    slog.Default(),
		inFlight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schedule validates the task synchronously and launches its pipeline
// detached, returning immediately. The run survives the caller's
// context; only process shutdown is inherited.
func (c *Controller) Schedule(ctx context.Context, t *task.Task) error {
	p, ok := c.pipelines[t.Provider]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoPipeline, t.Provider)
	}
	if err := p.Validate(t); err != nil {
		return err
	}

	c.mu.Lock()
	if _, running := c.inFlight[t.ID]; running {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, t.ID)
	}
	c.inFlight[t.ID] = struct{}{}
	c.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go c.execute(runCtx, p, t)
	return nil
}

// Wait blocks until every in-flight run has finished. Used on shutdown
// and in tests.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// execute drives one pipeline run and guarantees a terminal state even
// on panic.
func (c *Controller) execute(ctx context.Context, p Runner, t *task.Task) {
	logger := c.logger.With("task_id", t.ID, "provider", string(t.Provider))
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, t.ID)
		c.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", "panic", r, "stack", string(debug.Stack()))
			c.persistFailure(ctx, t.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := t.TransitionTo(task.StatusProcessing); err != nil {
		logger.Error("cannot start task", "error", err)
		return
	}
	if err := c.repo.Save(ctx, t); err != nil {
		logger.Error("persist processing state failed", "error", err)
		return
	}

	if err := p.Run(ctx, t); err != nil {
		logger.Error("pipeline failed", "error", err)
		c.persistFailure(ctx, t.ID, err.Error())
		return
	}

	if c.storage != nil {
		c.wg.Add(1)
		go c.promote(ctx, t.ID)
	}
}

// persistFailure marks the task Failed with the error and records the
// refund bookkeeping. Reads the stored record back so it sees the
// creditId even if the in-memory copy is stale.
func (c *Controller) persistFailure(ctx context.Context, taskID, message string) {
	logger := c.logger.With("task_id", taskID)

	stored, err := c.repo.FindByID(ctx, taskID)
	if err != nil {
		// Without a record there is nothing to refund against.
		logger.Error("refund skipped: task record not found", "error", err)
		return
	}

	result := stored.Result
	result.Error = message
	if stored.CreditID != "" {
		result.RefundEligible = true
		logger.Info("marked refund eligible", "credit_id", stored.CreditID)
	} else {
		logger.Warn("refund skipped: task has no credit id")
	}

	if err := c.repo.UpdateResult(ctx, taskID, task.StatusFailed, result); err != nil {
		logger.Error("persist failure state failed", "error", err)
	}
}

// promote re-uploads every artifact in the task's working directory to
// durable storage and patches the result URLs. The task stays Success
// even if this pass fails.
func (c *Controller) promote(ctx context.Context, taskID string) {
	logger := c.logger.With("task_id", taskID)
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("promote pass panicked", "panic", r)
		}
	}()

	dir := filepath.Join(c.workDir, taskID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("promote pass skipped", "error", err)
		return
	}

	stored, err := c.repo.FindByID(ctx, taskID)
	if err != nil {
		logger.Error("promote pass skipped", "error", err)
		return
	}

	uploaded := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		url, err := c.uploadArtifact(ctx, taskID, filepath.Join(dir, name))
		if err != nil {
			logger.Error("promote upload failed", "file", name, "error", err)
			return
		}
		uploaded[name] = url
	}

	patch := buildPatch(stored.Result, uploaded)
	if err := c.repo.PatchResultURLs(ctx, taskID, patch); err != nil {
		logger.Error("promote patch failed", "error", err)
		return
	}
	logger.Info("artifacts promoted", "count", len(uploaded))
}

func (c *Controller) uploadArtifact(ctx context.Context, taskID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	key := storage.ObjectKey(taskID, filepath.Base(path))
	return c.storage.Upload(ctx, key, contentTypeFor(path), f)
}

// buildPatch maps the promoted files back onto the result's URL slots
// by matching file names against the published URLs. Only URL fields
// are ever patched.
func buildPatch(result task.Result, uploaded map[string]string) task.ResultURLPatch {
	replace := func(url string) string {
		if url == "" {
			return ""
		}
		if promoted, ok := uploaded[filepath.Base(url)]; ok {
			return promoted
		}
		return ""
	}
	replaceAll := func(urls []string) []string {
		out := make([]string, 0, len(urls))
		changed := false
		for _, u := range urls {
			if promoted := replace(u); promoted != "" {
				out = append(out, promoted)
				changed = true
			} else {
				out = append(out, u)
			}
		}
		if !changed {
			return nil
		}
		return out
	}

	return task.ResultURLPatch{
		VideoURL:          replace(result.VideoURL),
		AudioURL:          replace(result.AudioURL),
		ImageURLs:         replaceAll(result.ImageURLs),
		OriginalImageURLs: replaceAll(result.OriginalImageURLs),
	}
}

func contentTypeFor(p string) string {
	switch filepath.Ext(p) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
