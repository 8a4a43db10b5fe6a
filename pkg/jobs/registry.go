// Package jobs owns every job record and enforces the lifecycle state
// machine. The registry map is safe for concurrent use; the fields of a
// single job are mutated only through its owning worker (single-writer),
// and all reads return value snapshots.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxlab/scribed/pkg/models"
)

var (
	// ErrNotFound is returned for any operation addressing an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal is returned when cancelling a finished job.
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrJobRunning rejects deletion of a job that has not finished.
	ErrJobRunning = errors.New("job not terminal")
)

// Artifacts is the slice of the artifact store the registry needs when
// a record is deleted.
type Artifacts interface {
	Delete(ref string) error
}

type record struct {
	job   models.Job
	abort context.CancelFunc
}

// Registry tracks all jobs by id.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*record
	artifacts Artifacts
	log       zerolog.Logger
}

// NewRegistry creates an empty registry. artifacts may be nil in tests.
func NewRegistry(artifacts Artifacts, log zerolog.Logger) *Registry {
	return &Registry{
		jobs:      make(map[string]*record),
		artifacts: artifacts,
		log:       log.With().Str("component", "registry").Logger(),
	}
}

// Create registers a new pending job under a fresh id and returns it
// immediately. Option validation happens before this call; Create never
// fails.
func (r *Registry) Create(filename, uploadPath string, opts models.Options) models.Job {
	job := models.Job{
		ID:         uuid.NewString(),
		Filename:   filename,
		UploadPath: uploadPath,
		State:      models.StatePending,
		Step:       string(models.StatePending),
		StepName:   models.StatePending.StepName(),
		Message:    "Queued for processing",
		Options:    opts,
		CreatedAt:  time.Now().UTC(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = &record{job: job}
	r.mu.Unlock()

	r.log.Info().Str("job_id", job.ID).Str("filename", filename).Msg("job created")
	return job
}

// Get returns a snapshot of one job.
func (r *Registry) Get(id string) (models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.job, nil
}

// List returns snapshots of all jobs in unspecified order; callers sort
// for display.
func (r *Registry) List() []models.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Job, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, rec.job)
	}
	return out
}

// RequestCancel flags the job for cooperative cancellation and fires the
// best-effort abort hook. It never changes the job state itself; only
// the owning worker does that, at its next checkpoint.
func (r *Registry) RequestCancel(id string) error {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.job.State.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, rec.job.State)
	}
	already := rec.job.CancelRequested
	rec.job.CancelRequested = true
	abort := rec.abort
	r.mu.Unlock()

	if !already {
		r.log.Info().Str("job_id", id).Msg("cancel requested")
		if abort != nil {
			abort()
		}
	}
	return nil
}

// AttachAbort registers the worker's context cancel func as the abort
// hook for in-flight pipeline calls. Fired immediately when the flag is
// already set.
func (r *Registry) AttachAbort(id string, abort context.CancelFunc) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	var fire bool
	if ok {
		rec.abort = abort
		fire = rec.job.CancelRequested
	}
	r.mu.Unlock()

	if fire {
		abort()
	}
}

// Transition moves a job along the lifecycle graph. Called only by the
// job's own worker. An illegal edge is a programming bug and comes back
// as an error rather than silently corrupting the record. The optional
// mutator fills transition-specific fields (result, error, substep)
// inside the same critical section.
func (r *Registry) Transition(id string, next models.JobState, apply func(*models.Job)) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job := &rec.job
	if !canTransition(job.State, next, job.Options.Diarize) {
		return models.Job{}, fmt.Errorf("invalid transition: %s -> %s (diarize=%v)",
			job.State, next, job.Options.Diarize)
	}

	prevProgress := job.Progress
	job.State = next
	job.Step = string(next)
	job.StepName = next.StepName()
	job.Substep = ""
	if next.Terminal() {
		job.CompletedAt = time.Now().UTC()
		job.ETASeconds = 0
	}
	if next == models.StateCompleted {
		job.Progress = 100
	}
	if apply != nil {
		apply(job)
	}
	if job.Progress < prevProgress {
		job.Progress = prevProgress
	}

	r.log.Debug().Str("job_id", id).Str("state", string(next)).
		Int("progress", job.Progress).Msg("transition")
	return *job, nil
}

// Update applies a within-phase mutation (progress, current position,
// ETA). Called only by the owning worker; the reported integer progress
// never decreases, and terminal records are frozen.
func (r *Registry) Update(id string, apply func(*models.Job)) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job := &rec.job
	if job.State.Terminal() {
		return *job, nil
	}

	prevProgress := job.Progress
	apply(job)
	if job.Progress < prevProgress {
		job.Progress = prevProgress
	}
	return *job, nil
}

// Delete removes a terminal job and its artifact. Deleting a running
// job is rejected so a live worker never writes into a vacated record.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !rec.job.State.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrJobRunning, id, rec.job.State)
	}
	result := rec.job.Result
	delete(r.jobs, id)
	r.mu.Unlock()

	if result != nil && r.artifacts != nil {
		if err := r.artifacts.Delete(result.ArtifactRef); err != nil {
			r.log.Warn().Err(err).Str("job_id", id).Msg("artifact delete failed")
		}
	}
	r.log.Info().Str("job_id", id).Msg("job deleted")
	return nil
}

// Restore re-registers a terminal snapshot loaded from the history
// store at startup. Non-terminal or duplicate snapshots are skipped.
func (r *Registry) Restore(job models.Job) {
	if !job.State.Terminal() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return
	}
	r.jobs[job.ID] = &record{job: job}
}

// canTransition enforces the legal lifecycle edges. The Diarizing phase
// exists only for jobs that requested diarization; the graph is fixed
// per job configuration, not dynamic.
func canTransition(from, to models.JobState, diarize bool) bool {
	if from.Terminal() {
		return false
	}
	if to == models.StateFailed || to == models.StateCancelled {
		return true
	}
	switch from {
	case models.StatePending:
		return to == models.StateExtracting
	case models.StateExtracting:
		return to == models.StateLoadingModel
	case models.StateLoadingModel:
		return to == models.StateTranscribing
	case models.StateTranscribing:
		if diarize {
			return to == models.StateDiarizing
		}
		return to == models.StateFormatting
	case models.StateDiarizing:
		return diarize && to == models.StateFormatting
	case models.StateFormatting:
		return to == models.StateCompleted
	default:
		return false
	}
}
