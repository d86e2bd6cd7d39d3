// Package media drives the ffmpeg and ffprobe CLIs for probing, cutting,
// redaction rendering, and final concatenation. Every encode uses the same
// uniform settings so chunk outputs concatenate without re-encoding artifacts.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

var (
	_ processing.VideoSplitter  = (*FFmpeg)(nil)
	_ processing.VideoAssembler = (*FFmpeg)(nil)
	_ processing.Redactor       = (*FFmpeg)(nil)
)

// Uniform encode settings applied to every cut, render, and concat so that the
// final assembly sees identical codec parameters from every chunk.
var encodeArgs = []string{
	"-c:v", "libx264",
	"-preset", "medium",
	"-crf", "20",
	"-pix_fmt", "yuv420p",
	"-c:a", "aac",
	"-b:a", "128k",
}

// FFmpeg implements the video splitter, assembler, and redactor ports by
// shelling out to ffmpeg/ffprobe.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *logger.Logger
}

// NewFFmpeg creates an FFmpeg processor. Empty paths default to binaries on PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string, log *logger.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      log.With("component", "ffmpeg"),
	}
}

// FFmpegError is an ffmpeg/ffprobe invocation failure with its stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error { return e.Err }

// Probe returns the video duration in seconds. Input ffprobe cannot read, or
// that carries no duration, is reported as a CorruptInputError so the caller
// fails the job without retrying.
func (f *FFmpeg) Probe(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return 0, &processing.CorruptInputError{
			Err: &FFmpegError{Args: cmd.Args[1:], Stderr: stderr.String(), Err: err},
		}
	}

	var duration float64
	if _, err := fmt.Sscanf(strings.TrimSpace(stdout.String()), "%f", &duration); err != nil {
		return 0, &processing.CorruptInputError{Err: fmt.Errorf("parse duration: %w", err)}
	}
	if duration <= 0 {
		return 0, &processing.CorruptInputError{Err: fmt.Errorf("non-positive duration %v", duration)}
	}
	return duration, nil
}

// Cut extracts the extent from src into dst. The seek is frame-accurate rather
// than keyframe-aligned so extents land exactly where the chunk plan says they
// do.
func (f *FFmpeg) Cut(ctx context.Context, src string, extent processing.Extent, dst string) error {
	return f.run(ctx, cutArgs(src, extent, dst))
}

// cutArgs builds the cut invocation. -ss and -to are input options and must
// precede -i; input-side seeking combined with a full re-encode is
// frame-accurate.
func cutArgs(src string, extent processing.Extent, dst string) []string {
	args := []string{
		"-y",
		"-ss", formatSeconds(extent.Start),
		"-to", formatSeconds(extent.End),
		"-i", src,
	}
	args = append(args, encodeArgs...)
	return append(args, dst)
}

// Render burns the redaction boxes into src and trims the result to the core
// span, so concatenating core spans reproduces the original timeline.
func (f *FFmpeg) Render(ctx context.Context, src string, boxes []processing.RedactionBox, trimStart, trimEnd float64, dst string) error {
	args := []string{"-y", "-i", src}

	if graph := BuildFiltergraph(boxes); graph != "" {
		args = append(args, "-vf", graph)
	}
	if trimStart > 0 {
		args = append(args, "-ss", formatSeconds(trimStart))
	}
	if trimEnd > 0 {
		args = append(args, "-to", formatSeconds(trimEnd))
	}
	args = append(args, encodeArgs...)
	args = append(args, dst)
	return f.run(ctx, args)
}

// Concat joins the processed chunk files into dst with the concat demuxer,
// stripping source metadata and moving the moov atom up front for streaming.
func (f *FFmpeg) Concat(ctx context.Context, parts []string, dst string) error {
	if len(parts) == 0 {
		return fmt.Errorf("no parts to concatenate")
	}

	listFile, err := writeConcatList(parts)
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(listFile)

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		"-map_metadata", "-1",
		"-movflags", "+faststart",
		dst,
	}
	return f.run(ctx, args)
}

// writeConcatList writes the concat demuxer file list to a temp file.
func writeConcatList(parts []string) (string, error) {
	file, err := os.CreateTemp("", "concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer file.Close()

	for _, part := range parts {
		abs, err := filepath.Abs(part)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", part, err)
		}
		escaped := strings.ReplaceAll(abs, "'", "'\\''")
		if _, err := fmt.Fprintf(file, "file '%s'\n", escaped); err != nil {
			return "", fmt.Errorf("write concat list: %w", err)
		}
	}
	return file.Name(), nil
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	f.logger.Debug(ctx, "running ffmpeg", "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// formatSeconds renders a timestamp argument with stable precision.
func formatSeconds(s float64) string { return fmt.Sprintf("%.3f", s) }
