package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GitHub-GodOne/fitness-sub000/internal/httpx"
	"github.com/GitHub-GodOne/fitness-sub000/internal/imagegen"
	"github.com/GitHub-GodOne/fitness-sub000/internal/progress"
	"github.com/GitHub-GodOne/fitness-sub000/internal/speech"
	"github.com/GitHub-GodOne/fitness-sub000/internal/task"
	"github.com/GitHub-GodOne/fitness-sub000/internal/videogen"
	"github.com/GitHub-GodOne/fitness-sub000/internal/vision"
)

// recordingRepo captures every progress and result write in order.
type recordingRepo struct {
	*task.MemoryRepository

	mu       sync.Mutex
	progress []task.Progress
	statuses []task.Status
	results  []task.Result
}

func newRecordingRepo() *recordingRepo {
	return &recordingRepo{MemoryRepository: task.NewMemoryRepository()}
}

func (r *recordingRepo) UpdateProgress(ctx context.Context, id string, status task.Status, p task.Progress) error {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	return r.MemoryRepository.UpdateProgress(ctx, id, status, p)
}

func (r *recordingRepo) UpdateResult(ctx context.Context, id string, status task.Status, res task.Result) error {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	return r.MemoryRepository.UpdateResult(ctx, id, status, res)
}

type fakeVision struct {
	mu      sync.Mutex
	calls   int
	err     error
	script  *vision.Analysis
	matched *vision.MatchedObject
}

func (f *fakeVision) Analyze(_ context.Context, req vision.AnalyzeRequest) (*vision.Analysis, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if req.Schema == vision.SchemaObjectRecognition {
		return &vision.Analysis{MatchedObject: f.matched}, nil
	}
	return f.script, nil
}

type fakeImages struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many leading calls
}

func (f *fakeImages) Generate(_ context.Context, req imagegen.GenerateRequest) ([]string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= f.failures {
		return nil, fmt.Errorf("backend busy (call %d)", n)
	}
	return []string{fmt.Sprintf("https://img.test/%d.png", n)}, nil
}

type fakeVideo struct {
	mu         sync.Mutex
	submits    []videogen.SubmitRequest
	polls      map[string]int
	pendingFor int   // polls returning processing before completion
	failJobs   int   // report this many leading jobs as failed
	pollErr    error // when set, Poll always errors
	nextJob    int
	failedJobs int
}

func (f *fakeVideo) Submit(_ context.Context, req videogen.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	f.nextJob++
	return fmt.Sprintf("job-%d", f.nextJob), nil
}

func (f *fakeVideo) Poll(_ context.Context, jobID string) (videogen.PollResult, error) {
	if f.pollErr != nil {
		return videogen.PollResult{}, f.pollErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls == nil {
		f.polls = map[string]int{}
	}
	f.polls[jobID]++
	if f.polls[jobID] <= f.pendingFor {
		return videogen.PollResult{Status: videogen.StatusProcessing}, nil
	}
	if f.failedJobs < f.failJobs {
		f.failedJobs++
		return videogen.PollResult{Status: videogen.StatusFailed, Error: "render error"}, nil
	}
	return videogen.PollResult{
		Status:   videogen.StatusCompleted,
		VideoURL: "https://clips.test/" + jobID + ".mp4",
	}, nil
}

type fakeSpeech struct{}

func (fakeSpeech) Synthesize(_ context.Context, req speech.SynthesizeRequest) ([]byte, error) {
	return []byte("audio:" + req.Text), nil
}

type fakeDownloader struct{}

func (fakeDownloader) Download(_ context.Context, url string, _ httpx.Policy) ([]byte, error) {
	return []byte("payload:" + url), nil
}

func (fakeDownloader) DownloadToFile(_ context.Context, url, path string, _ httpx.Policy) error {
	return os.WriteFile(path, []byte("payload:"+url), 0o644)
}

// fakeCompositor writes marker files instead of invoking ffmpeg.
type fakeCompositor struct {
	mu        sync.Mutex
	durations []float64
	audioLen  float64
}

func (f *fakeCompositor) write(path, op string) error {
	return os.WriteFile(path, []byte(op), 0o644)
}

func (f *fakeCompositor) StillToClip(_ context.Context, _, out string, d float64) error {
	f.mu.Lock()
	f.durations = append(f.durations, d)
	f.mu.Unlock()
	return f.write(out, "clip")
}

func (f *fakeCompositor) Concat(_ context.Context, _ []string, out string) error {
	return f.write(out, "concat")
}

func (f *fakeCompositor) Mux(_ context.Context, _, _, out string) error {
	return f.write(out, "mux")
}

func (f *fakeCompositor) ExtractLastFrame(_ context.Context, _, out string) error {
	return f.write(out, "frame")
}

func (f *fakeCompositor) MediaDuration(_ context.Context, _ string) (float64, error) {
	if f.audioLen == 0 {
		return 12, nil
	}
	return f.audioLen, nil
}

func (f *fakeCompositor) CaptionImage(_ context.Context, _, dst, _ string) error {
	return f.write(dst, "caption")
}

type fakeStorage struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeStorage) Upload(_ context.Context, key, _ string, data io.Reader) (string, error) {
	if _, err := io.ReadAll(data); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return "https://blob.test/" + key, nil
}

type fixture struct {
	repo    *recordingRepo
	vision  *fakeVision
	images  *fakeImages
	video   *fakeVideo
	comp    *fakeCompositor
	store   *fakeStorage
	pipe    *Pipeline
}

func scriptOf(n int) *vision.Analysis {
	a := &vision.Analysis{Title: "Workout", Raw: json.RawMessage(`{"title":"Workout"}`)}
	for i := 0; i < n; i++ {
		a.Segments = append(a.Segments, vision.Segment{
			Prompt:    fmt.Sprintf("scene %d", i+1),
			Narration: fmt.Sprintf("cue %d", i+1),
		})
	}
	return a
}

func newFixture(t *testing.T, variant Variant, segments int) *fixture {
	t.Helper()
	f := &fixture{
		repo:   newRecordingRepo(),
		vision: &fakeVision{script: scriptOf(segments), matched: &vision.MatchedObject{Name: "barbell"}},
		images: &fakeImages{},
		video:  &fakeVideo{},
		comp:   &fakeCompositor{},
		store:  &fakeStorage{},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.pipe = New(variant, Deps{
		Vision:     f.vision,
		Images:     f.images,
		Video:      f.video,
		Speech:     fakeSpeech{},
		Downloader: fakeDownloader{},
		Compositor: f.comp,
		Storage:    f.store,
		Repo:       f.repo,
		Tracker:    progress.NewTracker(f.repo, logger),
		Logger:     logger,
		WorkDir:    t.TempDir(),
	})
	f.pipe.checkResources = func(string) error { return nil }
	return f
}

func videoVariant(provider task.Provider) Variant {
	v, _ := VariantFor(provider)
	v.PollInterval = time.Millisecond
	v.MaxWait = time.Second
	return v
}

func slideshowVariant() Variant {
	v, _ := VariantFor(task.ProviderDoubaoImage)
	v.ImageRetryDelay = time.Millisecond
	return v
}

func newTask(t *testing.T, repo task.Repository, provider task.Provider, opts task.Options) *task.Task {
	t.Helper()
	tk := task.New(provider, "test-model", opts)
	require.NoError(t, repo.Save(context.Background(), tk))
	return tk
}

func TestRun_VideoSegmentChaining(t *testing.T) {
	f := newFixture(t, videoVariant(task.ProviderKling), 3)
	f.video.pendingFor = 2
	tk := newTask(t, f.repo, task.ProviderKling, task.Options{task.OptTarget: "chest"})

	require.NoError(t, f.pipe.Run(context.Background(), tk))

	require.Len(t, f.video.submits, 3)
	// Segment 1 has no conditioning image; segments 2 and 3 are
	// conditioned on the previous segment's extracted frame, never on
	// the original input.
	assert.Empty(t, f.video.submits[0].ImageURL)
	assert.True(t, strings.HasSuffix(f.video.submits[1].ImageURL, "/"+tk.ID+"/frame_0.jpg"),
		"got %q", f.video.submits[1].ImageURL)
	assert.True(t, strings.HasSuffix(f.video.submits[2].ImageURL, "/"+tk.ID+"/frame_1.jpg"),
		"got %q", f.video.submits[2].ImageURL)

	got, err := f.repo.FindByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	assert.Equal(t, 100, got.Progress.Percent)
	assert.True(t, strings.HasSuffix(got.Result.VideoURL, "/final.mp4"))
}

func TestRun_VideoProgressSequence(t *testing.T) {
	f := newFixture(t, videoVariant(task.ProviderWan), 2)
	f.video.pendingFor = 4
	tk := newTask(t, f.repo, task.ProviderWan, task.Options{task.OptTarget: "chest"})

	require.NoError(t, f.pipe.Run(context.Background(), tk))

	var steps []task.Step
	prev := -1
	for _, p := range f.repo.progress {
		require.GreaterOrEqual(t, p.Percent, prev, "percent regressed at step %s", p.Step)
		prev = p.Percent
		if len(steps) == 0 || steps[len(steps)-1] != p.Step {
			steps = append(steps, p.Step)
		}
	}
	assert.Equal(t, []task.Step{
		task.StepAnalyzing,
		task.StepGeneratingAsset,
		task.StepExtractingFrame,
		task.StepGeneratingAsset,
		task.StepMerging,
		task.StepCompleted,
	}, steps)

	// Canonical milestones for a 2-segment run.
	percents := map[task.Step]int{}
	for _, p := range f.repo.progress {
		percents[p.Step] = p.Percent
	}
	assert.Equal(t, 5, percents[task.StepAnalyzing])
	assert.Equal(t, 42, percents[task.StepExtractingFrame])
	assert.Equal(t, 85, percents[task.StepMerging])
	assert.Equal(t, 100, percents[task.StepCompleted])
	assert.Equal(t, task.StatusSuccess, f.repo.statuses[len(f.repo.statuses)-1])
}

func TestRun_AnalysisFailureNotRetried(t *testing.T) {
	f := newFixture(t, videoVariant(task.ProviderKling), 2)
	f.vision.err = fmt.Errorf("analyze: %w", vision.ErrBadFinishReason)
	tk := newTask(t, f.repo, task.ProviderKling, task.Options{task.OptTarget: "back"})

	err := f.pipe.Run(context.Background(), tk)
	require.ErrorIs(t, err, vision.ErrBadFinishReason)
	assert.Equal(t, 1, f.vision.calls)

	// Progress never left the analysis band and nothing was published.
	for _, p := range f.repo.progress {
		assert.LessOrEqual(t, p.Percent, 5)
	}
	assert.Empty(t, f.repo.results)
	assert.Empty(t, f.video.submits)
}

func TestRun_NoPartialPublish(t *testing.T) {
	f := newFixture(t, videoVariant(task.ProviderKling), 3)
	// Every job reports failure, exhausting the per-segment attempts.
	f.video.failJobs = 1 << 10
	tk := newTask(t, f.repo, task.ProviderKling, task.Options{task.OptTarget: "legs"})

	err := f.pipe.Run(context.Background(), tk)
	require.ErrorIs(t, err, ErrSegmentFailed)

	assert.Empty(t, f.repo.results)
	got, ferr := f.repo.FindByID(context.Background(), tk.ID)
	require.NoError(t, ferr)
	assert.Empty(t, got.Result.VideoURL)
	assert.NotEqual(t, task.StatusSuccess, got.Status)
}

func TestRun_SegmentRetriedWholesale(t *testing.T) {
	v := videoVariant(task.ProviderKling)
	v.SegmentAttempts = 2
	f := newFixture(t, v, 1)
	f.video.failJobs = 1 // first job fails, the resubmission succeeds
	tk := newTask(t, f.repo, task.ProviderKling, task.Options{task.OptTarget: "arms"})

	require.NoError(t, f.pipe.Run(context.Background(), tk))
	assert.Len(t, f.video.submits, 2)
}

func TestRun_PollFailureBound(t *testing.T) {
	v := videoVariant(task.ProviderKling)
	v.SegmentAttempts = 1
	v.MaxPollFailures = 2
	f := newFixture(t, v, 1)
	f.video.pollErr = fmt.Errorf("connection reset by peer")
	tk := newTask(t, f.repo, task.ProviderKling, task.Options{task.OptTarget: "core"})

	err := f.pipe.Run(context.Background(), tk)
	assert.ErrorIs(t, err, ErrPollFailures)
}

func TestRun_Slideshow(t *testing.T) {
	f := newFixture(t, slideshowVariant(), 2)
	f.comp.audioLen = 9
	tk := newTask(t, f.repo, task.ProviderDoubaoImage, task.Options{
		task.OptTarget:         "shoulders",
		task.OptReferenceImage: "https://user.test/ref.jpg",
		task.OptVoice:          "coach-female",
	})

	require.NoError(t, f.pipe.Run(context.Background(), tk))

	got, err := f.repo.FindByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	assert.True(t, strings.HasSuffix(got.Result.VideoURL, "/final.mp4"))
	assert.True(t, strings.HasSuffix(got.Result.AudioURL, "/narration.mp3"))
	require.Len(t, got.Result.ImageURLs, 2)
	assert.Contains(t, got.Result.ImageURLs[0], "captioned_0.png")
	require.Len(t, got.Result.OriginalImageURLs, 2)
	assert.Equal(t, "barbell", got.Result.MatchedObject)

	// Each captioned image gets an equal slice of the narration.
	require.Len(t, f.comp.durations, 2)
	assert.InDelta(t, 4.5, f.comp.durations[0], 0.001)
	assert.InDelta(t, 4.5, f.comp.durations[1], 0.001)

	// Script analysis plus one object recognition call.
	assert.Equal(t, 2, f.vision.calls)
}

func TestRun_SlideshowImageRetry(t *testing.T) {
	f := newFixture(t, slideshowVariant(), 1)
	f.images.failures = 2 // two failures, third attempt succeeds
	tk := newTask(t, f.repo, task.ProviderDoubaoImage, task.Options{
		task.OptTarget:         "back",
		task.OptReferenceImage: "https://user.test/ref.jpg",
	})

	require.NoError(t, f.pipe.Run(context.Background(), tk))
	assert.Equal(t, 3, f.images.calls)
}

func TestRun_SlideshowImageRetryExhausted(t *testing.T) {
	f := newFixture(t, slideshowVariant(), 1)
	f.images.failures = 1 << 10
	tk := newTask(t, f.repo, task.ProviderDoubaoImage, task.Options{
		task.OptTarget:         "back",
		task.OptReferenceImage: "https://user.test/ref.jpg",
	})

	err := f.pipe.Run(context.Background(), tk)
	require.Error(t, err)
	assert.Equal(t, 3, f.images.calls)
	assert.Empty(t, f.repo.results)
}

func TestValidate_ReferenceRequired(t *testing.T) {
	f := newFixture(t, slideshowVariant(), 1)
	tk := task.New(task.ProviderDoubaoImage, "m", task.Options{task.OptTarget: "chest"})

	assert.ErrorIs(t, f.pipe.Validate(tk), ErrReferenceImageRequired)
}

func TestRun_WorkDirIsExclusive(t *testing.T) {
	f := newFixture(t, videoVariant(task.ProviderKling), 1)
	tk := newTask(t, f.repo, task.ProviderKling, task.Options{task.OptTarget: "chest"})

	require.NoError(t, os.MkdirAll(filepath.Join(f.pipe.deps.WorkDir, tk.ID), 0o755))
	err := f.pipe.Run(context.Background(), tk)
	assert.ErrorIs(t, err, ErrWorkDirExists)
}

func TestSegmentBand(t *testing.T) {
	start, end := segmentBand(0, 2)
	assert.Equal(t, 5, start)
	assert.Equal(t, 45, end)

	start, end = segmentBand(1, 2)
	assert.Equal(t, 45, start)
	assert.Equal(t, 85, end)

	// The last slice always closes the band exactly.
	_, end = segmentBand(2, 3)
	assert.Equal(t, 85, end)
}
