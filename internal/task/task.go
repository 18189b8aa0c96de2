// Package task provides the Task aggregate for media generation work.
// It includes the Task entity with guarded state transitions, the progress
// and result value types persisted with it, and the repository port.
package task

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Provider identifies which external generation backend drives a task.
type Provider string

const (
	// ProviderDoubaoImage generates still images via the Doubao images endpoint.
	ProviderDoubaoImage Provider = "doubao-image"
	// ProviderGPTImage generates still images via the GPT images endpoint.
	ProviderGPTImage Provider = "gpt-image"
	// ProviderKling generates video segments via the Kling video endpoint.
	ProviderKling Provider = "kling"
	// ProviderWan generates video segments via the Wan video endpoint.
	ProviderWan Provider = "wan"
)

// IsValid returns true if the provider is one of the supported backends.
func (p Provider) IsValid() bool {
	switch p {
	case ProviderDoubaoImage, ProviderGPTImage, ProviderKling, ProviderWan:
		return true
	default:
		return false
	}
}

// Status represents the current state of a Task.
type Status string

const (
	// StatusPending indicates the task is created but processing has not started.
	StatusPending Status = "PENDING"
	// StatusProcessing indicates the pipeline is running.
	StatusProcessing Status = "PROCESSING"
	// StatusSuccess indicates the pipeline finished and results are published.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed indicates the pipeline gave up; result.error carries the cause.
	StatusFailed Status = "FAILED"
	// StatusCanceled indicates the task was canceled before completion.
	StatusCanceled Status = "CANCELED"
)

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCanceled},
	StatusProcessing: {StatusSuccess, StatusFailed, StatusCanceled},
	StatusSuccess:    {},
	StatusFailed:     {},
	StatusCanceled:   {},
}

func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Step is one named stage of a generation pipeline. Steps are totally
// ordered for progress purposes; the pipeline variant assigns each step
// its percentage band.
type Step string

const (
	StepPending           Step = "PENDING"
	StepAnalyzing         Step = "ANALYZING"
	StepGeneratingAsset   Step = "GENERATING_ASSET"
	StepExtractingFrame   Step = "EXTRACTING_FRAME"
	StepComposingCaptions Step = "COMPOSING_CAPTIONS"
	StepSynthesizingAudio Step = "SYNTHESIZING_AUDIO"
	StepMerging           Step = "MERGING"
	StepCompleted         Step = "COMPLETED"
	StepFailed            Step = "FAILED"
)

// Progress records where a task currently is within its pipeline.
type Progress struct {
	Step      Step      `json:"currentStep"`
	Message   string    `json:"stepMessage"`
	Percent   int       `json:"percent"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Result holds the artifact URLs and analysis payload produced by a task.
// URLs are only set once the referenced file is confirmed written.
type Result struct {
	VideoURL          string          `json:"video_url,omitempty"`
	ImageURLs         []string        `json:"image_urls,omitempty"`
	AudioURL          string          `json:"audio_url,omitempty"`
	OriginalImageURLs []string        `json:"original_image_urls,omitempty"`
	Analysis          json.RawMessage `json:"analysis,omitempty"`
	MatchedObject     string          `json:"matched_object,omitempty"`
	Error             string          `json:"error,omitempty"`
	RefundEligible    bool            `json:"refund_eligible,omitempty"`
}

// ResultURLPatch updates only the URL fields of a stored result. The
// promote-to-durable-storage pass uses it so it never races with status
// or progress writes.
type ResultURLPatch struct {
	VideoURL          string
	AudioURL          string
	ImageURLs         []string
	OriginalImageURLs []string
}

// Apply overwrites the non-empty fields of the patch onto a result.
func (p ResultURLPatch) Apply(r *Result) {
	if p.VideoURL != "" {
		r.VideoURL = p.VideoURL
	}
	if p.AudioURL != "" {
		r.AudioURL = p.AudioURL
	}
	if len(p.ImageURLs) > 0 {
		r.ImageURLs = p.ImageURLs
	}
	if len(p.OriginalImageURLs) > 0 {
		r.OriginalImageURLs = p.OriginalImageURLs
	}
}

// Options is the open map of generation parameters supplied by the caller.
// The pipeline only reads the named fields below; everything else is
// passed through untouched.
type Options map[string]any

// Well-known option keys read by the pipelines.
const (
	OptTarget         = "target"              // target description, e.g. muscle group
	OptReferenceImage = "reference_image_url" // caller-supplied reference image
	OptAspectRatio    = "aspect_ratio"
	OptVoice          = "voice"
	OptGender         = "gender"
	OptDifficulty     = "difficulty"
)

// String returns the option value for key if it is a string, else "".
func (o Options) String(key string) string {
	if o == nil {
		return ""
	}
	if s, ok := o[key].(string); ok {
		return s
	}
	return ""
}

// Task represents one unit of media generation work.
type Task struct {
	mu sync.RWMutex

	// ID is the unique identifier for this task.
	ID string
	// Provider identifies the generation backend and pipeline variant.
	Provider Provider
	// Model is the backend model name to use.
	Model string
	// Status is the current task state.
	Status Status
	// Options are the caller-supplied generation parameters.
	Options Options
	// Progress is the current pipeline position.
	Progress Progress
	// Result holds produced artifact URLs and the analysis payload.
	Result Result
	// CreditID back-references the charge to reverse if the task fails.
	CreditID string
	// CreatedAt is when the task was created.
	CreatedAt time.Time
	// UpdatedAt is when the task was last updated.
	UpdatedAt time.Time
	// CompletedAt is when the task reached a terminal state.
	CompletedAt time.Time
}

// New creates a Task with a generated ID in PENDING status.
func New(provider Provider, model string, opts Options) *Task {
	return NewWithID(shortuuid.New(), provider, model, opts)
}

// NewWithID creates a Task with the given ID in PENDING status.
// Useful for tests or when the ID is generated externally.
func NewWithID(id string, provider Provider, model string, opts Options) *Task {
	now := time.Now()
	return &Task{
		ID:       id,
		Provider: provider,
		Model:    model,
		Status:   StatusPending,
		Options:  opts,
		Progress: Progress{
			Step:      StepPending,
			Percent:   0,
			StartedAt: now,
			UpdatedAt: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the task status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (t *Task) TransitionTo(status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !canTransition(t.Status, status) {
		return ErrInvalidTransition
	}

	t.Status = status
	t.UpdatedAt = time.Now()
	if status.IsTerminal() {
		t.CompletedAt = t.UpdatedAt
	}

	return nil
}

// Fail transitions the task to FAILED and records the error message.
func (t *Task) Fail(errMsg string) error {
	t.mu.Lock()
	t.Result.Error = errMsg
	t.mu.Unlock()
	return t.TransitionTo(StatusFailed)
}

// GetStatus returns the current task status (thread-safe).
func (t *Task) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// SetProgress replaces the task progress value.
func (t *Task) SetProgress(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Progress = p
	t.UpdatedAt = time.Now()
}

// SetResult replaces the task result value.
func (t *Task) SetResult(r Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Result = r
	t.UpdatedAt = time.Now()
}

// Clone creates a deep copy of the task for safe reads.
func (t *Task) Clone() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	opts := make(Options, len(t.Options))
	for k, v := range t.Options {
		opts[k] = v
	}

	result := t.Result
	result.ImageURLs = append([]string(nil), t.Result.ImageURLs...)
	result.OriginalImageURLs = append([]string(nil), t.Result.OriginalImageURLs...)
	result.Analysis = append(json.RawMessage(nil), t.Result.Analysis...)

	return &Task{
		ID:          t.ID,
		Provider:    t.Provider,
		Model:       t.Model,
		Status:      t.Status,
		Options:     opts,
		Progress:    t.Progress,
		Result:      result,
		CreditID:    t.CreditID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}
