package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GitHub-GodOne/fitness-sub000/internal/httpx"
	"github.com/GitHub-GodOne/fitness-sub000/internal/imagegen"
	"github.com/GitHub-GodOne/fitness-sub000/internal/media"
	"github.com/GitHub-GodOne/fitness-sub000/internal/progress"
	"github.com/GitHub-GodOne/fitness-sub000/internal/speech"
	"github.com/GitHub-GodOne/fitness-sub000/internal/storage"
	"github.com/GitHub-GodOne/fitness-sub000/internal/task"
	"github.com/GitHub-GodOne/fitness-sub000/internal/videogen"
	"github.com/GitHub-GodOne/fitness-sub000/internal/vision"
)

// Static errors for pipeline operations.
var (
	// ErrReferenceImageRequired is returned when the variant needs a
	// reference image and the task carries none.
	ErrReferenceImageRequired = errors.New("pipeline: reference image is required")
	// ErrNoSegments is returned when the analysis yields an empty script.
	ErrNoSegments = errors.New("pipeline: analysis returned no segments")
	// ErrWorkDirExists is returned when the per-task working directory
	// already exists, meaning another run owns it.
	ErrWorkDirExists = errors.New("pipeline: working directory already exists")
	// ErrSegmentFailed is returned when the provider reports a failed clip job.
	ErrSegmentFailed = errors.New("pipeline: segment generation failed")
	// ErrSegmentTimeout is returned when a clip job exceeds its wall-clock bound.
	ErrSegmentTimeout = errors.New("pipeline: segment generation timed out")
	// ErrPollFailures is returned when consecutive status polls keep failing.
	ErrPollFailures = errors.New("pipeline: too many consecutive poll failures")
)

// Analyzer produces a structured script from the task inputs.
type Analyzer interface {
	Analyze(ctx context.Context, req vision.AnalyzeRequest) (*vision.Analysis, error)
}

// ImageGenerator produces still image URLs for a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, req imagegen.GenerateRequest) ([]string, error)
}

// VideoGenerator submits clip jobs and reports their state.
type VideoGenerator interface {
	Submit(ctx context.Context, req videogen.SubmitRequest) (string, error)
	Poll(ctx context.Context, taskID string) (videogen.PollResult, error)
}

// SpeechSynthesizer turns narration text into audio bytes.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req speech.SynthesizeRequest) ([]byte, error)
}

// Downloader fetches remote artifacts. *httpx.Downloader satisfies it.
type Downloader interface {
	Download(ctx context.Context, url string, policy httpx.Policy) ([]byte, error)
	DownloadToFile(ctx context.Context, url, path string, policy httpx.Policy) error
}

// Deps are the collaborators one pipeline instance composes.
type Deps struct {
	Vision     Analyzer
	Images     ImageGenerator
	Video      VideoGenerator
	Speech     SpeechSynthesizer
	Downloader Downloader
	Compositor media.Compositor
	Storage    storage.Storage
	Repo       task.Repository
	Tracker    *progress.Tracker
	Logger     *slog.Logger
	WorkDir    string
}

// Pipeline runs the generation state machine for one provider variant.
type Pipeline struct {
	variant Variant
	deps    Deps
	logger  *slog.Logger

	// swapped in tests; production uses media.CheckResources.
	checkResources func(workDir string) error
}

// New creates a pipeline for the given variant.
func New(variant Variant, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		variant:        variant,
		deps:           deps,
		logger:         logger.With("provider", string(variant.Provider)),
		checkResources: media.CheckResources,
	}
}

// Validate checks the task inputs that must be rejected synchronously,
// before the task is scheduled.
func (p *Pipeline) Validate(t *task.Task) error {
	if p.variant.RequireReference && t.Options.String(task.OptReferenceImage) == "" {
		return ErrReferenceImageRequired
	}
	return nil
}

// Run executes the pipeline to completion. On success the task record
// holds the result and SUCCESS with percent 100. Any error is returned
// to the caller, which owns the Failed persistence.
func (p *Pipeline) Run(ctx context.Context, t *task.Task) error {
	logger := p.logger.With("task_id", t.ID)
	started := time.Now()
	defer p.deps.Tracker.Forget(t.ID)

	dir, err := p.prepare(ctx, t)
	if err != nil {
		return err
	}

	refURL, err := p.normalizeReference(ctx, t, dir)
	if err != nil {
		return err
	}

	analysis, err := p.analyze(ctx, t, refURL)
	if err != nil {
		return err
	}

	var result task.Result
	switch p.variant.Kind {
	case KindSlideshow:
		result, err = p.runSlideshow(ctx, t, dir, refURL, analysis)
	case KindVideo:
		result, err = p.runVideo(ctx, t, dir, refURL, analysis)
	default:
		err = fmt.Errorf("pipeline: unknown kind %q", p.variant.Kind)
	}
	if err != nil {
		return err
	}

	result.Analysis = analysis.Raw
	if analysis.MatchedObject != nil {
		result.MatchedObject = analysis.MatchedObject.Name
	}

	if err := p.finalize(ctx, t, result); err != nil {
		return err
	}

	logger.Info("pipeline completed", "elapsed", time.Since(started).String())
	return nil
}

// prepare claims the per-task working directory and checks host
// resources. The directory is exclusively owned by this run.
func (p *Pipeline) prepare(ctx context.Context, t *task.Task) (string, error) {
	if err := p.Validate(t); err != nil {
		return "", err
	}

	if err := os.MkdirAll(p.deps.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("pipeline: create work root: %w", err)
	}
	dir := filepath.Join(p.deps.WorkDir, t.ID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("%w: %s", ErrWorkDirExists, dir)
		}
		return "", fmt.Errorf("pipeline: create work dir: %w", err)
	}

	if err := p.checkResources(p.deps.WorkDir); err != nil {
		return "", err
	}
	return dir, nil
}

// normalizeReference rehosts the caller-supplied reference image so
// later stages never depend on an ephemeral URL. Returns "" when the
// task has no reference image.
func (p *Pipeline) normalizeReference(ctx context.Context, t *task.Task, dir string) (string, error) {
	src := t.Options.String(task.OptReferenceImage)
	if src == "" {
		return "", nil
	}

	name := "reference" + imageExt(src)
	local := filepath.Join(dir, name)
	if err := p.deps.Downloader.DownloadToFile(ctx, src, local, httpx.DownloadPolicy()); err != nil {
		return "", fmt.Errorf("pipeline: fetch reference image: %w", err)
	}

	url, err := p.uploadFile(ctx, t.ID, local)
	if err != nil {
		return "", fmt.Errorf("pipeline: rehost reference image: %w", err)
	}
	return url, nil
}

// analyze runs the vision calls and advances into the Analyzing band.
// Semantic analysis failures are fatal here; the client never retried
// them and neither does the stage.
func (p *Pipeline) analyze(ctx context.Context, t *task.Task, refURL string) (*vision.Analysis, error) {
	if err := p.deps.Tracker.Advance(ctx, t.ID, task.StepAnalyzing, "analyzing request", percentAnalyzing); err != nil {
		return nil, err
	}

	analysis, err := p.deps.Vision.Analyze(ctx, vision.AnalyzeRequest{
		SystemPrompt: p.variant.SystemPrompt,
		UserText:     analysisUserText(t.Options),
		ImageURL:     refURL,
		Schema:       p.variant.scriptSchema(),
	})
	if err != nil {
		return nil, err
	}
	if len(analysis.Segments) == 0 {
		return nil, ErrNoSegments
	}

	if p.variant.RecognizeObject && refURL != "" {
		recognition, err := p.deps.Vision.Analyze(ctx, vision.AnalyzeRequest{
			SystemPrompt: recognitionSystemPrompt,
			UserText:     "Identify the equipment in this photo.",
			ImageURL:     refURL,
			Schema:       vision.SchemaObjectRecognition,
		})
		if err != nil {
			return nil, err
		}
		analysis.MatchedObject = recognition.MatchedObject
	}

	return analysis, nil
}

// runSlideshow generates N images in parallel, captions them, narrates
// the script and encodes the slideshow.
func (p *Pipeline) runSlideshow(ctx context.Context, t *task.Task, dir, refURL string, analysis *vision.Analysis) (task.Result, error) {
	logger := p.logger.With("task_id", t.ID)
	segs := analysis.Segments
	n := len(segs)

	// Parallel generation. Each image writes to its own index-named
	// file, so the workers never share a path.
	originals := make([]string, n)
	originalURLs := make([]string, n)
	errs := make([]error, n)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for i := range segs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local, url, err := p.generateImage(ctx, t.ID, dir, i, segs[i].Prompt, refURL)
			if err != nil {
				errs[i] = err
				return
			}
			originals[i] = local
			originalURLs[i] = url

			mu.Lock()
			done++
			pct := imagePercent(done, n)
			mu.Unlock()
			msg := fmt.Sprintf("generated image %d/%d", i+1, n)
			if err := p.deps.Tracker.Advance(ctx, t.ID, task.StepGeneratingAsset, msg, pct); err != nil {
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return task.Result{}, fmt.Errorf("pipeline: image %d: %w", i+1, err)
		}
	}

	// Captions, sequential over the originals.
	captioned := make([]string, n)
	captionedURLs := make([]string, n)
	for i, seg := range segs {
		out := filepath.Join(dir, fmt.Sprintf("captioned_%d.png", i))
		if err := p.deps.Compositor.CaptionImage(ctx, originals[i], out, seg.Narration); err != nil {
			return task.Result{}, fmt.Errorf("pipeline: caption image %d: %w", i+1, err)
		}
		captioned[i] = out

		url, err := p.uploadFile(ctx, t.ID, out)
		if err != nil {
			return task.Result{}, err
		}
		captionedURLs[i] = url

		msg := fmt.Sprintf("captioned image %d/%d", i+1, n)
		if err := p.deps.Tracker.Advance(ctx, t.ID, task.StepComposingCaptions, msg, captionPercent(i, n)); err != nil {
			return task.Result{}, err
		}
	}

	// Narration audio for the whole script.
	if err := p.deps.Tracker.Advance(ctx, t.ID, task.StepSynthesizingAudio, "synthesizing narration", slideshowCaptionsEnd); err != nil {
		return task.Result{}, err
	}
	narration := make([]string, n)
	for i, seg := range segs {
		narration[i] = seg.Narration
	}
	audio, err := p.deps.Speech.Synthesize(ctx, speech.SynthesizeRequest{
		Text:  strings.Join(narration, "\n"),
		Voice: t.Options.String(task.OptVoice),
	})
	if err != nil {
		return task.Result{}, fmt.Errorf("pipeline: synthesize narration: %w", err)
	}
	audioPath := filepath.Join(dir, "narration.mp3")
	if err := os.WriteFile(audioPath, audio, 0o644); err != nil {
		return task.Result{}, fmt.Errorf("pipeline: write narration: %w", err)
	}

	// Mux: equal time slice per image over the narration duration.
	if err := p.deps.Tracker.Advance(ctx, t.ID, task.StepMerging, "encoding slideshow", percentMerging); err != nil {
		return task.Result{}, err
	}
	duration, err := p.deps.Compositor.MediaDuration(ctx, audioPath)
	if err != nil {
		return task.Result{}, err
	}
	slice := duration / float64(n)

	clips := make([]string, n)
	for i, img := range captioned {
		clip := filepath.Join(dir, fmt.Sprintf("clip_%d.mp4", i))
		if err := p.deps.Compositor.StillToClip(ctx, img, clip, slice); err != nil {
			return task.Result{}, err
		}
		clips[i] = clip
	}
	silent := filepath.Join(dir, "slideshow.mp4")
	if err := p.deps.Compositor.Concat(ctx, clips, silent); err != nil {
		return task.Result{}, err
	}
	final := filepath.Join(dir, "final.mp4")
	if err := p.deps.Compositor.Mux(ctx, silent, audioPath, final); err != nil {
		return task.Result{}, err
	}

	videoURL, err := p.uploadFile(ctx, t.ID, final)
	if err != nil {
		return task.Result{}, err
	}
	audioURL, err := p.uploadFile(ctx, t.ID, audioPath)
	if err != nil {
		return task.Result{}, err
	}

	logger.Info("slideshow encoded", "segments", n, "duration", duration)
	return task.Result{
		VideoURL:          videoURL,
		ImageURLs:         captionedURLs,
		AudioURL:          audioURL,
		OriginalImageURLs: originalURLs,
	}, nil
}

// generateImage produces one original image with bounded linear-backoff
// retries, persists it locally and rehosts it.
func (p *Pipeline) generateImage(ctx context.Context, taskID, dir string, idx int, prompt, refURL string) (local, url string, err error) {
	var urls []string
	err = p.retryStage(ctx, fmt.Sprintf("generate image %d", idx+1), p.variant.ImageAttempts, p.variant.ImageRetryDelay, func(ctx context.Context) error {
		var genErr error
		urls, genErr = p.deps.Images.Generate(ctx, imagegen.GenerateRequest{
			Prompt:            prompt,
			ReferenceImageURL: refURL,
			N:                 1,
		})
		return genErr
	})
	if err != nil {
		return "", "", err
	}

	local = filepath.Join(dir, fmt.Sprintf("original_%d%s", idx, imageExt(urls[0])))
	if err := p.deps.Downloader.DownloadToFile(ctx, urls[0], local, httpx.DownloadPolicy()); err != nil {
		return "", "", err
	}
	url, err = p.uploadFile(ctx, taskID, local)
	if err != nil {
		return "", "", err
	}
	return local, url, nil
}

// runVideo generates clip segments strictly in order, feeding each
// segment's last frame forward as the next conditioning image.
func (p *Pipeline) runVideo(ctx context.Context, t *task.Task, dir, refURL string, analysis *vision.Analysis) (task.Result, error) {
	logger := p.logger.With("task_id", t.ID)
	segs := analysis.Segments
	n := len(segs)
	aspect := t.Options.String(task.OptAspectRatio)

	conditioning := refURL
	clips := make([]string, 0, n)
	for i, seg := range segs {
		bandStart, bandEnd := segmentBand(i, n)
		clip := filepath.Join(dir, fmt.Sprintf("segment_%d.mp4", i))

		msg := fmt.Sprintf("generating segment %d/%d", i+1, n)
		if err := p.deps.Tracker.Advance(ctx, t.ID, task.StepGeneratingAsset, msg, bandStart+1); err != nil {
			return task.Result{}, err
		}

		err := p.retryStage(ctx, fmt.Sprintf("segment %d", i+1), p.variant.SegmentAttempts, p.variant.PollInterval, func(ctx context.Context) error {
			return p.generateSegment(ctx, t.ID, seg.Prompt, conditioning, aspect, clip, bandStart, bandEnd)
		})
		if err != nil {
			return task.Result{}, fmt.Errorf("pipeline: segment %d: %w", i+1, err)
		}
		clips = append(clips, clip)

		if i < n-1 {
			msg := fmt.Sprintf("extracting frame %d/%d", i+1, n)
			if err := p.deps.Tracker.Advance(ctx, t.ID, task.StepExtractingFrame, msg, bandEnd-frameExtractReserve); err != nil {
				return task.Result{}, err
			}
			frame := filepath.Join(dir, fmt.Sprintf("frame_%d.jpg", i))
			if err := p.deps.Compositor.ExtractLastFrame(ctx, clip, frame); err != nil {
				return task.Result{}, err
			}
			url, err := p.uploadFile(ctx, t.ID, frame)
			if err != nil {
				return task.Result{}, err
			}
			conditioning = url
		}
	}

	if err := p.deps.Tracker.Advance(ctx, t.ID, task.StepMerging, "concatenating segments", percentMerging); err != nil {
		return task.Result{}, err
	}
	final := filepath.Join(dir, "final.mp4")
	if err := p.deps.Compositor.Concat(ctx, clips, final); err != nil {
		return task.Result{}, err
	}

	videoURL, err := p.uploadFile(ctx, t.ID, final)
	if err != nil {
		return task.Result{}, err
	}

	logger.Info("segments concatenated", "segments", n)
	return task.Result{VideoURL: videoURL}, nil
}

// generateSegment runs one submit-poll-download round for a clip.
func (p *Pipeline) generateSegment(ctx context.Context, taskID, prompt, conditioning, aspect, clipPath string, bandStart, bandEnd int) error {
	jobID, err := p.deps.Video.Submit(ctx, videogen.SubmitRequest{
		Prompt:      prompt,
		ImageURL:    conditioning,
		AspectRatio: aspect,
		Duration:    p.variant.SegmentDuration,
	})
	if err != nil {
		return err
	}

	url, err := p.waitForClip(ctx, taskID, jobID, bandStart, bandEnd)
	if err != nil {
		return err
	}
	return p.deps.Downloader.DownloadToFile(ctx, url, clipPath, httpx.DownloadPolicy())
}

// waitForClip polls the clip job under two independent bounds: a
// wall-clock deadline and a cap on consecutive poll failures. While the
// job runs, the reported percent ramps through the segment's slice.
func (p *Pipeline) waitForClip(ctx context.Context, taskID, jobID string, bandStart, bandEnd int) (string, error) {
	deadline := time.Now().Add(p.variant.MaxWait)
	percent := bandStart + 1
	top := bandEnd - frameExtractReserve - 1
	step := pollRampStep(bandStart, bandEnd)
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("pipeline: wait for clip: %w", ctx.Err())
		case <-time.After(p.variant.PollInterval):
		}

		res, err := p.deps.Video.Poll(ctx, jobID)
		if err != nil {
			failures++
			p.logger.Warn("clip poll failed", "task_id", taskID, "job_id", jobID, "failures", failures, "error", err)
			if failures >= p.variant.MaxPollFailures {
				return "", fmt.Errorf("%w: %w", ErrPollFailures, err)
			}
			continue
		}
		failures = 0

		switch res.Status {
		case videogen.StatusCompleted:
			return res.VideoURL, nil
		case videogen.StatusFailed:
			return "", fmt.Errorf("%w: %s", ErrSegmentFailed, res.Error)
		}

		if percent+step <= top {
			percent += step
		}
		if err := p.deps.Tracker.Advance(ctx, taskID, task.StepGeneratingAsset, "waiting for segment", percent); err != nil {
			return "", err
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: job %s", ErrSegmentTimeout, jobID)
		}
	}
}

// finalize publishes the result and only then marks the task Success
// at 100 percent, so a poller never sees Success without artifacts.
func (p *Pipeline) finalize(ctx context.Context, t *task.Task, result task.Result) error {
	if err := p.deps.Repo.UpdateResult(ctx, t.ID, task.StatusProcessing, result); err != nil {
		return fmt.Errorf("pipeline: publish result: %w", err)
	}
	return p.deps.Tracker.Advance(ctx, t.ID, task.StepCompleted, "completed", percentComplete)
}

// retryStage retries a whole stage operation with linear backoff. It
// retries any error: the stage owns the decision, regardless of how
// the inner client classified the failure.
func (p *Pipeline) retryStage(ctx context.Context, name string, attempts int, delay time.Duration, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			p.logger.Warn("stage retry", "stage", name, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("pipeline: %s: %w", name, ctx.Err())
			case <-time.After(delay):
			}
		}
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// uploadFile rehosts a written file and returns its durable URL.
func (p *Pipeline) uploadFile(ctx context.Context, taskID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("pipeline: open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	key := storage.ObjectKey(taskID, filepath.Base(path))
	url, err := p.deps.Storage.Upload(ctx, key, contentTypeFor(path), f)
	if err != nil {
		return "", fmt.Errorf("pipeline: upload %s: %w", filepath.Base(path), err)
	}
	return url, nil
}

// analysisUserText flattens the caller's options into the user message.
func analysisUserText(opts task.Options) string {
	parts := []string{"Target: " + opts.String(task.OptTarget)}
	if g := opts.String(task.OptGender); g != "" {
		parts = append(parts, "Audience: "+g)
	}
	if d := opts.String(task.OptDifficulty); d != "" {
		parts = append(parts, "Difficulty: "+d)
	}
	return strings.Join(parts, ". ")
}

// imageExt returns a usable image extension for a URL, default .jpg.
func imageExt(url string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0]))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp":
		return ext
	default:
		return ".jpg"
	}
}

func contentTypeFor(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
