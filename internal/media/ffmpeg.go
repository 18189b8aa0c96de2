// Package media provides the compositing layer: caption overlay onto
// generated images and the ffmpeg subprocess pipeline that turns stills,
// clips and audio into the final video artifact.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Static errors for media operations.
var (
	// ErrNoInputs is returned when no media paths are provided.
	ErrNoInputs = errors.New("media: no input paths provided")
	// ErrInvalidDuration is returned when duration is not positive.
	ErrInvalidDuration = errors.New("media: invalid duration: must be positive")
	// ErrFFprobeExecution is returned when the ffprobe command fails.
	ErrFFprobeExecution = errors.New("media: ffprobe execution failed")
)

// Compositor is the interface the pipeline depends on for media work.
type Compositor interface {
	// StillToClip loops a single image into a video clip of the given
	// duration (yuv420p, fixed frame rate, faststart).
	StillToClip(ctx context.Context, imagePath, outputPath string, duration float64) error

	// Concat concatenates same-codec clips via the concat demuxer with
	// stream copy, falling back to re-encoding on failure.
	Concat(ctx context.Context, clipPaths []string, outputPath string) error

	// Mux combines a silent video stream with an audio track (-shortest,
	// AAC audio, copied video, faststart).
	Mux(ctx context.Context, videoPath, audioPath, outputPath string) error

	// ExtractLastFrame seeks near end-of-file and writes exactly one
	// frame as a JPEG image.
	ExtractLastFrame(ctx context.Context, videoPath, outputPath string) error

	// MediaDuration returns the duration of a media file in seconds.
	MediaDuration(ctx context.Context, path string) (float64, error)

	// CaptionImage flattens caption text onto an image, writing the
	// result losslessly as PNG.
	CaptionImage(ctx context.Context, srcPath, dstPath, caption string) error
}

// FFmpegCompositor implements Compositor using the ffmpeg CLI.
type FFmpegCompositor struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// Compile-time check.
var _ Compositor = (*FFmpegCompositor)(nil)

// NewFFmpegCompositor creates a compositor driving the ffmpeg binary at
// ffmpegPath ("ffmpeg" via PATH when empty).
func NewFFmpegCompositor(ffmpegPath string, logger *slog.Logger) *FFmpegCompositor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegCompositor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: "ffprobe",
		logger:      logger,
	}
}

const clipFrameRate = 25

// stillToClipArgs builds the argv for looping one image into a clip.
func stillToClipArgs(imagePath, outputPath string, duration float64) []string {
	return []string{
		"-y",
		"-loop", "1",
		"-i", imagePath,
		"-t", fmt.Sprintf("%.2f", duration),
		"-r", fmt.Sprintf("%d", clipFrameRate),
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outputPath,
	}
}

// StillToClip loops a single image into a video clip of the given duration.
func (c *FFmpegCompositor) StillToClip(ctx context.Context, imagePath, outputPath string, duration float64) error {
	if duration <= 0 {
		return fmt.Errorf("%w: got %.2f", ErrInvalidDuration, duration)
	}
	return c.runFFmpeg(ctx, stillToClipArgs(imagePath, outputPath, duration))
}

// concatArgs builds the argv for demuxer-based concatenation.
func concatArgs(listFile, outputPath string, reencode bool) []string {
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
	}
	if reencode {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "fast",
			"-crf", "23",
			"-c:a", "aac",
			"-b:a", "128k",
		)
	} else {
		args = append(args, "-c", "copy")
	}
	return append(args, outputPath)
}

// Concat concatenates clips via the concat demuxer, stream copy first.
func (c *FFmpegCompositor) Concat(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return ErrNoInputs
	}
	if len(clipPaths) == 1 {
		return copyFile(clipPaths[0], outputPath)
	}

	listFile, err := createConcatList(clipPaths)
	if err != nil {
		return fmt.Errorf("media: create concat list: %w", err)
	}
	defer func() { _ = os.Remove(listFile) }()

	if err := c.runFFmpeg(ctx, concatArgs(listFile, outputPath, false)); err == nil {
		return nil
	}
	// Stream copy failed, re-encode.
	return c.runFFmpeg(ctx, concatArgs(listFile, outputPath, true))
}

// muxArgs builds the argv for muxing a video with an audio track.
func muxArgs(videoPath, audioPath, outputPath string) []string {
	return []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "128k",
		"-shortest",
		"-movflags", "+faststart",
		outputPath,
	}
}

// Mux combines a silent video stream with an audio track.
func (c *FFmpegCompositor) Mux(ctx context.Context, videoPath, audioPath, outputPath string) error {
	return c.runFFmpeg(ctx, muxArgs(videoPath, audioPath, outputPath))
}

// lastFrameArgs builds the argv for extracting the final frame as JPEG.
func lastFrameArgs(videoPath, outputPath string) []string {
	return []string{
		"-y",
		"-sseof", "-0.5",
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		outputPath,
	}
}

// ExtractLastFrame writes the last frame of a video as a JPEG image.
func (c *FFmpegCompositor) ExtractLastFrame(ctx context.Context, videoPath, outputPath string) error {
	return c.runFFmpeg(ctx, lastFrameArgs(videoPath, outputPath))
}

// MediaDuration returns the duration in seconds of a media file using ffprobe.
func (c *FFmpegCompositor) MediaDuration(ctx context.Context, path string) (float64, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, c.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("media: ffprobe cancelled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	var duration float64
	_, err = fmt.Sscanf(strings.TrimSpace(stdout.String()), "%f", &duration)
	if err != nil {
		return 0, fmt.Errorf("media: parse duration: %w", err)
	}

	return duration, nil
}

// runFFmpeg executes ffmpeg with the given arguments. The exact argv is
// logged at start so a failing command can be reproduced by hand; a
// non-zero exit is fatal and carries the stderr output.
func (c *FFmpegCompositor) runFFmpeg(ctx context.Context, args []string) error {
	c.logger.Info("ffmpeg start",
		slog.String("cmd", c.ffmpegPath+" "+strings.Join(args, " ")),
	)

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("media: ffmpeg cancelled: %w", ctx.Err())
		}
		ffErr := &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
		c.logger.Error("ffmpeg failed",
			slog.String("error", ffErr.Error()),
		)
		return ffErr
	}

	c.logger.Info("ffmpeg done")
	return nil
}

// FFmpegError represents an error from running ffmpeg, including the
// stderr output and the exact arguments used.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// createConcatList writes the temp file consumed by the concat demuxer.
func createConcatList(paths []string) (string, error) {
	f, err := os.CreateTemp("", "ffmpeg-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, path := range paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("get absolute path for %s: %w", path, err)
		}
		escapedPath := strings.ReplaceAll(absPath, "'", "'\\''")
		if _, err := fmt.Fprintf(f, "file '%s'\n", escapedPath); err != nil {
			return "", fmt.Errorf("write to concat list: %w", err)
		}
	}

	return f.Name(), nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src) // #nosec G304 - src is provided by trusted internal code
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}
	if err := os.WriteFile(dst, input, 0o600); err != nil {
		return fmt.Errorf("write destination file: %w", err)
	}
	return nil
}
