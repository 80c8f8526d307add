package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jupark12/go-extract-queue/logger"
)

const (
	// FFmpegCommand is the default binary name resolved through PATH.
	FFmpegCommand = "ffmpeg"

	clipPrefix       = "clip_"
	defaultExtension = ".mp4"
	clipTimeLayout   = "20060102-150405"
)

// FFmpeg cuts clips with stream copy, so no re-encode happens.
type FFmpeg struct {
	binary    string
	outputDir string
	now       func() time.Time
	log       logger.Logger
}

// NewFFmpeg creates a processor writing into outputDir. An empty binary uses
// FFmpegCommand.
func NewFFmpeg(binary, outputDir string, log logger.Logger) *FFmpeg {
	if binary == "" {
		binary = FFmpegCommand
	}
	return &FFmpeg{binary: binary, outputDir: outputDir, now: time.Now, log: log}
}

func (f *FFmpeg) Process(ctx context.Context, localPath string, start, end time.Duration) (string, error) {
	if end <= start {
		return "", fmt.Errorf("empty clip range %s-%s", start, end)
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("input file: %w", err)
	}
	if err := os.MkdirAll(f.outputDir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	output := f.outputPath(localPath)
	args := BuildFFmpegArgs(localPath, output, start, end)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.binary, args...)
	cmd.Stderr = &stderr

	f.log.Debug("Running ffmpeg",
		logger.String("input", localPath),
		logger.String("output", output),
		logger.Duration("start", start),
		logger.Duration("end", end),
	)

	if err := cmd.Run(); err != nil {
		_ = os.Remove(output)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}

	info, err := os.Stat(output)
	if err != nil {
		return "", fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(output)
		return "", errors.New("ffmpeg produced an empty clip")
	}
	return output, nil
}

func (f *FFmpeg) outputPath(input string) string {
	ext := filepath.Ext(input)
	if ext == "" {
		ext = defaultExtension
	}
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	name := fmt.Sprintf("%s%s_%s_%s%s", clipPrefix, base, f.now().UTC().Format(clipTimeLayout), uuid.NewString()[:8], ext)
	return filepath.Join(f.outputDir, name)
}

// BuildFFmpegArgs builds a stream-copy cut of [start, end).
func BuildFFmpegArgs(input, output string, start, end time.Duration) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-ss", seconds(start),
		"-i", input,
		"-t", seconds(end - start),
		"-c", "copy",
		output,
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
