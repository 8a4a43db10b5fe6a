// Package progress translates coarse phase callbacks from the pipeline
// into a monotone 0-100 scale with ETA and speed estimates.
package progress

import (
	"math"
	"time"

	"github.com/voxlab/scribed/pkg/models"
)

// Span is the fixed sub-range of the 0-100 scale owned by one phase.
type Span struct {
	Floor int
	Ceil  int
}

// Ranges returns the phase table for a job configuration. The table is
// data, not per-call-site constants, so phases can be added or resized
// in one place.
func Ranges(diarize bool) map[models.JobState]Span {
	if diarize {
		return map[models.JobState]Span{
			models.StateExtracting:   {0, 10},
			models.StateLoadingModel: {10, 15},
			models.StateTranscribing: {15, 55},
			models.StateDiarizing:    {55, 90},
			models.StateFormatting:   {90, 100},
		}
	}
	return map[models.JobState]Span{
		models.StateExtracting:   {0, 10},
		models.StateLoadingModel: {10, 15},
		models.StateTranscribing: {15, 70},
		models.StateFormatting:   {70, 100},
	}
}

// Scale maps a phase-relative fraction into the span, never dropping
// below prev. This is the whole monotonicity guarantee: noisy or
// out-of-order callbacks can only hold or raise the reported integer.
func Scale(span Span, fraction float64, prev int) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	p := span.Floor + int(math.Round(fraction*float64(span.Ceil-span.Floor)))
	if p < prev {
		return prev
	}
	return p
}

// Update is one progress snapshot produced by the tracker.
type Update struct {
	Progress    int
	CurrentTime float64
	ETASeconds  float64
	SpeedRatio  float64
}

// Tracker owns progress computation for a single job. It is used only
// by the job's worker goroutine and needs no locking.
type Tracker struct {
	ranges     map[models.JobState]Span
	prev       int
	phase      models.JobState
	phaseStart time.Time
	now        func() time.Time
}

// NewTracker builds a tracker for one job configuration.
func NewTracker(diarize bool) *Tracker {
	return &Tracker{
		ranges: Ranges(diarize),
		now:    time.Now,
	}
}

// Enter records the start of a phase and returns the progress at its
// floor (or the previous value if that was already higher).
func (t *Tracker) Enter(phase models.JobState) int {
	t.phase = phase
	t.phaseStart = t.now()
	span, ok := t.ranges[phase]
	if !ok {
		return t.prev
	}
	t.prev = Scale(span, 0, t.prev)
	return t.prev
}

// Finish moves progress to the ceiling of a phase. When the audio
// duration was unknown during Transcribing, this is the jump from the
// held floor to the ceiling.
func (t *Tracker) Finish(phase models.JobState) int {
	span, ok := t.ranges[phase]
	if !ok {
		return t.prev
	}
	t.prev = Scale(span, 1, t.prev)
	return t.prev
}

// Advance maps a transcription position report into the Transcribing
// span and estimates ETA and realtime speed. With an unknown duration
// the progress holds at the phase floor.
func (t *Tracker) Advance(currentTime, audioDuration float64) Update {
	span := t.ranges[models.StateTranscribing]

	fraction := 0.0
	if audioDuration > 0 {
		fraction = currentTime / audioDuration
	}
	t.prev = Scale(span, fraction, t.prev)

	upd := Update{Progress: t.prev, CurrentTime: currentTime}
	elapsed := t.now().Sub(t.phaseStart).Seconds()
	if currentTime > 0 && elapsed > 0 {
		upd.SpeedRatio = currentTime / elapsed
		if audioDuration > currentTime {
			upd.ETASeconds = elapsed * (audioDuration - currentTime) / currentTime
		}
	}
	return upd
}

// Done forces the scale to 100. Called only on the Completed transition.
func (t *Tracker) Done() int {
	t.prev = 100
	return t.prev
}

// Current returns the last reported progress.
func (t *Tracker) Current() int {
	return t.prev
}
