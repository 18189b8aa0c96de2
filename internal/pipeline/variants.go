package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/GitHub-GodOne/fitness-sub000/internal/task"
	"github.com/GitHub-GodOne/fitness-sub000/internal/vision"
)

// ErrUnknownProvider is returned when no variant exists for a provider.
var ErrUnknownProvider = errors.New("pipeline: unknown provider")

// Kind distinguishes the two pipeline shapes.
type Kind string

const (
	// KindSlideshow generates N still images in parallel, captions
	// them, narrates over them and encodes a slideshow video.
	KindSlideshow Kind = "slideshow"
	// KindVideo generates clip segments sequentially, chaining each
	// segment's last frame into the next one's conditioning image.
	KindVideo Kind = "video"
)

// Variant is the per-provider tuning of the shared pipeline shape.
type Variant struct {
	Provider task.Provider
	Kind     Kind

	// SystemPrompt steers the analysis call; the user text carries the
	// target description and the caller's options.
	SystemPrompt string

	// RequireReference makes a missing reference image a validation
	// failure before the task is scheduled.
	RequireReference bool

	// RecognizeObject adds an object recognition call before the
	// script analysis when a reference image is present.
	RecognizeObject bool

	// Video kind tuning.
	SegmentDuration int
	SegmentAttempts int
	PollInterval    time.Duration
	MaxWait         time.Duration
	MaxPollFailures int

	// Slideshow kind tuning. Images are retried independently with
	// linear backoff.
	ImageAttempts   int
	ImageRetryDelay time.Duration
}

const defaultSystemPrompt = "You are a fitness coaching director. Given a target muscle " +
	"group and an optional reference photo of the user's equipment, produce a short " +
	"exercise script of 1 to 3 ordered segments. Each segment needs a visual generation " +
	"prompt and a spoken narration line."

const recognitionSystemPrompt = "You identify the single piece of fitness equipment most " +
	"prominent in the photo. Answer with its canonical name."

// VariantFor returns the pipeline variant for a provider.
func VariantFor(p task.Provider) (Variant, error) {
	switch p {
	case task.ProviderDoubaoImage, task.ProviderGPTImage:
		return Variant{
			Provider:         p,
			Kind:             KindSlideshow,
			SystemPrompt:     defaultSystemPrompt,
			RequireReference: true,
			RecognizeObject:  true,
			ImageAttempts:    3,
			ImageRetryDelay:  2 * time.Second,
		}, nil
	case task.ProviderKling, task.ProviderWan:
		return Variant{
			Provider:        p,
			Kind:            KindVideo,
			SystemPrompt:    defaultSystemPrompt,
			RecognizeObject: false,
			SegmentDuration: 8,
			SegmentAttempts: 2,
			PollInterval:    20 * time.Second,
			MaxWait:         10 * time.Minute,
			MaxPollFailures: 5,
		}, nil
	default:
		return Variant{}, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
}

// scriptSchema returns the analysis schema used by the variant.
func (v Variant) scriptSchema() vision.Schema {
	return vision.SchemaExerciseScript
}
