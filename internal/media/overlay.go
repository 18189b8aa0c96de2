package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"unicode"
)

// Caption layout constants. The content width leaves a symmetric
// horizontal pad; the wrapped block is anchored near the bottom edge.
const (
	captionSidePadFrac = 0.08
	captionBottomPad   = 36
	captionLineSpacing = 1.25
	minFontSize        = 22
)

// captionFontSize returns a font size proportional to the image width.
func captionFontSize(imageWidth int) int {
	size := imageWidth / 18
	if size < minFontSize {
		size = minFontSize
	}
	return size
}

// charWidth estimates the rendered width of a rune as a fraction of the
// font size. Spaces, uppercase letters and punctuation render at
// noticeably different widths, and that is enough precision for caption
// wrapping.
func charWidth(r rune, fontSize int) float64 {
	f := float64(fontSize)
	switch {
	case r == ' ':
		return 0.30 * f
	case unicode.IsUpper(r):
		return 0.72 * f
	case unicode.IsPunct(r):
		return 0.34 * f
	default:
		return 0.54 * f
	}
}

// textWidth estimates the rendered width of a string.
func textWidth(s string, fontSize int) float64 {
	var w float64
	for _, r := range s {
		w += charWidth(r, fontSize)
	}
	return w
}

// WrapCaption word-wraps text into lines that fit maxWidth pixels at the
// given font size. A single word wider than the limit gets its own line
// rather than being broken mid-word.
func WrapCaption(text string, maxWidth float64, fontSize int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		candidate := current + " " + word
		if textWidth(candidate, fontSize) > maxWidth {
			lines = append(lines, current)
			current = word
			continue
		}
		current = candidate
	}
	lines = append(lines, current)
	return lines
}

// escapeDrawtext escapes the characters drawtext treats specially.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
		`,`, `\,`,
	)
	return r.Replace(s)
}

// captionFilter builds the drawtext filter chain that renders the
// wrapped lines bottom-anchored with centered alignment.
func captionFilter(lines []string, fontSize int) string {
	lineHeight := int(float64(fontSize) * captionLineSpacing)
	filters := make([]string, 0, len(lines))
	for i, line := range lines {
		// Distance of this line's top edge from the bottom of the image.
		offset := captionBottomPad + (len(lines)-i)*lineHeight
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontsize=%d:fontcolor=white:borderw=2:bordercolor=black:x=(w-text_w)/2:y=h-%d",
			escapeDrawtext(line), fontSize, offset,
		))
	}
	return strings.Join(filters, ",")
}

// CaptionImage flattens caption text onto the source image and writes
// the result as PNG. The font size scales with the measured image width
// and the text is wrapped to the padded content width.
func (c *FFmpegCompositor) CaptionImage(ctx context.Context, srcPath, dstPath, caption string) error {
	if strings.TrimSpace(caption) == "" {
		return copyFile(srcPath, dstPath)
	}

	width, err := c.imageWidth(ctx, srcPath)
	if err != nil {
		return err
	}

	fontSize := captionFontSize(width)
	contentWidth := float64(width) * (1 - 2*captionSidePadFrac)
	lines := WrapCaption(caption, contentWidth, fontSize)

	args := []string{
		"-y",
		"-i", srcPath,
		"-vf", captionFilter(lines, fontSize),
		"-frames:v", "1",
		dstPath,
	}
	return c.runFFmpeg(ctx, args)
}

// imageWidth probes the pixel width of an image or video stream.
func (c *FFmpegCompositor) imageWidth(ctx context.Context, path string) (int, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, c.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("media: ffprobe cancelled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	var width int
	if _, err := fmt.Sscanf(strings.TrimSpace(stdout.String()), "%d", &width); err != nil {
		return 0, fmt.Errorf("media: parse width: %w", err)
	}
	return width, nil
}
