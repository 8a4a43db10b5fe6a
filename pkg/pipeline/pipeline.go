// Package pipeline defines the engine's external collaborators. Each
// phase call is an opaque, arbitrarily long blocking operation; the
// only in-band feedback is the transcription progress callback, and the
// only abort mechanism is the context.
package pipeline

import (
	"context"

	"github.com/voxlab/scribed/pkg/models"
)

// ProgressFunc reports the transcription position: how many seconds of
// audio have been processed out of the total duration. Implementations
// may call it zero or more times.
type ProgressFunc func(currentTime, audioDuration float64)

// Extractor prepares a mono 16 kHz audio file from the uploaded media
// and probes its duration.
type Extractor interface {
	// Extract returns a path to transcodable audio. For inputs that are
	// already audio it may return the input path unchanged.
	Extract(ctx context.Context, mediaPath string) (string, error)
	// Probe returns the media duration in seconds, 0 when unknown.
	Probe(ctx context.Context, mediaPath string) (float64, error)
}

// Transcriber runs speech-to-text over one audio file.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, model, language string, onProgress ProgressFunc) (*models.Transcript, error)
}

// Diarizer produces the speaker timeline for one audio file. Speaker
// bounds of 0 mean unconstrained.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string, minSpeakers, maxSpeakers int) ([]models.DiarizationSegment, error)
}
