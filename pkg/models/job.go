package models

import (
	"errors"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a transcription job.
type JobState string

const (
	StatePending      JobState = "pending"
	StateExtracting   JobState = "extracting"
	StateLoadingModel JobState = "loading_model"
	StateTranscribing JobState = "transcribing"
	StateDiarizing    JobState = "diarizing"
	StateFormatting   JobState = "formatting"
	StateCompleted    JobState = "completed"
	StateFailed       JobState = "failed"
	StateCancelled    JobState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// StepName returns the human label shown for a state.
func (s JobState) StepName() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateExtracting:
		return "Extracting Audio"
	case StateLoadingModel:
		return "Loading Model"
	case StateTranscribing:
		return "Transcribing"
	case StateDiarizing:
		return "Identifying Speakers"
	case StateFormatting:
		return "Formatting"
	case StateCompleted:
		return "Complete"
	case StateFailed:
		return "Error"
	case StateCancelled:
		return "Cancelled"
	default:
		return string(s)
	}
}

// ErrInvalidOptions marks a bad job configuration, rejected before any
// job record is created.
var ErrInvalidOptions = errors.New("invalid job options")

// Options are the user-selectable settings for one job.
type Options struct {
	Model        string `json:"model"`
	Language     string `json:"language"`
	OutputFormat string `json:"output_format"`
	Diarize      bool   `json:"diarize"`
	MinSpeakers  int    `json:"min_speakers,omitempty"`
	MaxSpeakers  int    `json:"max_speakers,omitempty"`
}

// Validate rejects option combinations that can never produce a valid job.
func (o Options) Validate() error {
	if o.MinSpeakers < 0 || o.MaxSpeakers < 0 {
		return fmt.Errorf("%w: speaker counts must be non-negative", ErrInvalidOptions)
	}
	if o.MinSpeakers > 0 && o.MaxSpeakers > 0 && o.MinSpeakers > o.MaxSpeakers {
		return fmt.Errorf("%w: min_speakers %d > max_speakers %d",
			ErrInvalidOptions, o.MinSpeakers, o.MaxSpeakers)
	}
	if !o.Diarize && (o.MinSpeakers > 0 || o.MaxSpeakers > 0) {
		return fmt.Errorf("%w: speaker bounds require diarize=true", ErrInvalidOptions)
	}
	return nil
}

// Result describes the finished artifact and its summary metrics.
// Present only on completed jobs.
type Result struct {
	ArtifactRef      string  `json:"artifact_ref"`
	Format           string  `json:"format"`
	WordCount        int     `json:"word_count"`
	SpeakersDetected int     `json:"speakers_detected"`
	SegmentsTotal    int     `json:"segments_total"`
	Language         string  `json:"language,omitempty"`
	ExecutionSeconds float64 `json:"execution_seconds"`
	SpeedRatio       float64 `json:"speed_ratio"`
}

// Job is the tracked record of one submitted file. The owning worker is
// the only writer of its mutable fields; everyone else reads snapshots.
type Job struct {
	ID       string   `json:"job_id"`
	Filename string   `json:"filename"`
	State    JobState `json:"status"`
	Progress int      `json:"progress"`

	Step     string `json:"step"`
	StepName string `json:"step_name"`
	Substep  string `json:"substep,omitempty"`
	Message  string `json:"message,omitempty"`

	AudioDuration float64 `json:"audio_duration,omitempty"`
	CurrentTime   float64 `json:"current_time,omitempty"`
	ETASeconds    float64 `json:"eta_seconds,omitempty"`
	SpeedRatio    float64 `json:"speed_ratio,omitempty"`

	Options     Options   `json:"settings"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`

	CancelRequested bool `json:"cancel_requested"`

	// Path of the uploaded media, consumed by the worker. Not exposed
	// to clients.
	UploadPath string `json:"-"`
}
