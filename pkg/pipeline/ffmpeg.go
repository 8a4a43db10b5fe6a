package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// videoExtensions are inputs that need their audio track extracted
// before transcription.
var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".mov": true, ".avi": true,
	".webm": true, ".flv": true, ".wmv": true, ".mpeg": true,
}

// FFmpegExtractor shells out to ffmpeg/ffprobe, the same way the
// original pipeline prepares audio. Pure audio inputs pass through
// untouched.
type FFmpegExtractor struct {
	// TmpDir receives extracted WAV files; empty means os.TempDir.
	TmpDir string
}

func (e *FFmpegExtractor) Extract(ctx context.Context, mediaPath string) (string, error) {
	if !videoExtensions[strings.ToLower(filepath.Ext(mediaPath))] {
		return mediaPath, nil
	}

	dir := e.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	base := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	out := filepath.Join(dir, base+"_16k.wav")

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y", "-i", mediaPath,
		"-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1",
		out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg: %w: %s", err, lastLine(output))
	}
	return out, nil
}

func (e *FFmpegExtractor) Probe(ctx context.Context, mediaPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		mediaPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return duration, nil
}

func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
