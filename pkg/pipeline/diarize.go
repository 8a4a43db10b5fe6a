package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/voxlab/scribed/pkg/models"
)

// ExecDiarizer runs a configured external command (typically a pyannote
// wrapper) that prints the speaker timeline as JSON on stdout:
//
//	[{"start": 0.0, "end": 2.5, "speaker": "SPEAKER_00"}, ...]
//
// Cancellation kills the process through the command context.
type ExecDiarizer struct {
	// Command is the argv prefix; the audio path and optional
	// --min-speakers/--max-speakers flags are appended.
	Command []string
	Log     zerolog.Logger
}

func (d *ExecDiarizer) Diarize(ctx context.Context, audioPath string, minSpeakers, maxSpeakers int) ([]models.DiarizationSegment, error) {
	if len(d.Command) == 0 {
		return nil, fmt.Errorf("diarizer command not configured")
	}

	args := append([]string{}, d.Command[1:]...)
	args = append(args, audioPath)
	if minSpeakers > 0 {
		args = append(args, "--min-speakers", strconv.Itoa(minSpeakers))
	}
	if maxSpeakers > 0 {
		args = append(args, "--max-speakers", strconv.Itoa(maxSpeakers))
	}

	cmd := exec.CommandContext(ctx, d.Command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("diarizer: %w: %s", err, lastLine(stderr.Bytes()))
	}

	var segments []models.DiarizationSegment
	if err := json.Unmarshal(stdout.Bytes(), &segments); err != nil {
		return nil, fmt.Errorf("diarizer output: %w", err)
	}
	d.Log.Debug().Int("segments", len(segments)).Msg("diarization finished")
	return segments, nil
}
