// Package worker drives jobs through their phases. One goroutine owns
// one running job end to end; cancellation is observed cooperatively at
// phase boundaries, with the job context doubling as the best-effort
// abort hook for in-flight pipeline calls.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxlab/scribed/pkg/align"
	"github.com/voxlab/scribed/pkg/events"
	"github.com/voxlab/scribed/pkg/format"
	"github.com/voxlab/scribed/pkg/jobs"
	"github.com/voxlab/scribed/pkg/models"
	"github.com/voxlab/scribed/pkg/pipeline"
	"github.com/voxlab/scribed/pkg/progress"
	"github.com/voxlab/scribed/pkg/queue"
	"github.com/voxlab/scribed/pkg/storage"
)

// Deps are the collaborators a pool needs.
type Deps struct {
	Queue       queue.Queue
	Registry    *jobs.Registry
	Hub         *events.Hub
	Artifacts   *storage.ArtifactStore
	History     storage.History
	Extractor   pipeline.Extractor
	Transcriber pipeline.Transcriber
	Diarizer    pipeline.Diarizer
	Log         zerolog.Logger
}

// Pool runs up to size jobs concurrently, consuming the admission
// queue. Jobs beyond that capacity wait in Pending.
type Pool struct {
	Deps
	size   int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds a stopped pool.
func NewPool(deps Deps, size int) *Pool {
	if size <= 0 {
		size = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	deps.Log = deps.Log.With().Str("component", "worker").Logger()
	return &Pool{Deps: deps, size: size, ctx: ctx, cancel: cancel}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	p.Log.Info().Int("workers", p.size).Msg("pool started")
}

// Stop cancels all running jobs, closes the queue so blocked Dequeues
// wake up, and waits for the workers to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.Queue.Close()
	p.wg.Wait()
	p.Log.Info().Msg("pool stopped")
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		msg, err := p.Queue.Dequeue()
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			p.Log.Warn().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		p.process(msg)
	}
}

// process owns one job from dequeue to terminal state. Every exit path
// leaves the job terminal, persisted, and acknowledged; failures are
// contained to this job.
func (p *Pool) process(msg *queue.Message) {
	defer p.Queue.Ack(msg)

	id := msg.JobID
	job, err := p.Registry.Get(id)
	if err != nil {
		// Deleted or never restored after a restart; nothing to run.
		p.Log.Warn().Str("job_id", id).Msg("queued job no longer registered")
		return
	}

	started := time.Now()
	tracker := progress.NewTracker(job.Options.Diarize)

	jobCtx, abort := context.WithCancel(p.ctx)
	defer abort()
	p.Registry.AttachAbort(id, abort)

	cleanup := []string{job.UploadPath}
	defer func() { removeFiles(cleanup) }()

	// First checkpoint: a job cancelled while Pending terminates here,
	// before Extracting.
	if p.cancelRequested(id) {
		p.finishCancelled(id)
		return
	}

	// Extraction.
	if !p.enterPhase(id, models.StateExtracting, tracker,
		fmt.Sprintf("Extracting audio from %s", job.Filename)) {
		return
	}
	audioPath, err := p.Extractor.Extract(jobCtx, job.UploadPath)
	if err != nil {
		p.finishBroken(id, jobCtx, fmt.Errorf("audio extraction: %w", err))
		return
	}
	if audioPath != job.UploadPath {
		cleanup = append(cleanup, audioPath)
	}
	audioDuration := job.AudioDuration
	if audioDuration <= 0 {
		if d, err := p.Extractor.Probe(jobCtx, audioPath); err == nil {
			audioDuration = d
		} else {
			p.Log.Warn().Err(err).Str("job_id", id).Msg("duration probe failed")
		}
	}
	p.publishUpdate(id, func(j *models.Job) {
		j.Progress = tracker.Finish(models.StateExtracting)
		j.AudioDuration = audioDuration
	})

	// Model loading happens inside the opaque transcription call; the
	// phase marks the boundary for progress and cancellation.
	if p.cancelRequested(id) {
		p.finishCancelled(id)
		return
	}
	if !p.enterPhase(id, models.StateLoadingModel, tracker,
		fmt.Sprintf("Initializing %s weights", job.Options.Model)) {
		return
	}

	if p.cancelRequested(id) {
		p.finishCancelled(id)
		return
	}
	if !p.enterPhase(id, models.StateTranscribing, tracker, "") {
		return
	}
	onProgress := func(currentTime, duration float64) {
		if duration <= 0 {
			duration = audioDuration
		}
		upd := tracker.Advance(currentTime, duration)
		p.publishUpdate(id, func(j *models.Job) {
			j.Progress = upd.Progress
			j.CurrentTime = upd.CurrentTime
			j.ETASeconds = upd.ETASeconds
			j.SpeedRatio = upd.SpeedRatio
			if j.AudioDuration <= 0 && duration > 0 {
				j.AudioDuration = duration
			}
		})
	}
	transcript, err := p.Transcriber.Transcribe(jobCtx, audioPath,
		job.Options.Model, job.Options.Language, onProgress)
	if err != nil {
		p.finishBroken(id, jobCtx, fmt.Errorf("transcription: %w", err))
		return
	}
	if transcript.Duration > 0 {
		audioDuration = transcript.Duration
	}
	p.publishUpdate(id, func(j *models.Job) {
		j.Progress = tracker.Finish(models.StateTranscribing)
		j.CurrentTime = audioDuration
		j.AudioDuration = audioDuration
		j.ETASeconds = 0
	})

	segments := transcript.Segments
	speakers := 0
	if job.Options.Diarize {
		if p.cancelRequested(id) {
			p.finishCancelled(id)
			return
		}
		if !p.enterPhase(id, models.StateDiarizing, tracker, "Running voice activity detection") {
			return
		}
		timeline, err := p.Diarizer.Diarize(jobCtx, audioPath,
			job.Options.MinSpeakers, job.Options.MaxSpeakers)
		if err != nil {
			p.finishBroken(id, jobCtx, fmt.Errorf("diarization: %w", err))
			return
		}
		p.publishUpdate(id, func(j *models.Job) {
			j.Substep = "Matching speakers to transcript"
		})
		segments = align.Assign(segments, timeline)
		speakers = align.CountSpeakers(segments)
		p.publishUpdate(id, func(j *models.Job) {
			j.Progress = tracker.Finish(models.StateDiarizing)
		})
	}

	if p.cancelRequested(id) {
		p.finishCancelled(id)
		return
	}
	if !p.enterPhase(id, models.StateFormatting, tracker, "") {
		return
	}
	encoded, err := format.Encode(segments, job.Options.OutputFormat)
	if err != nil {
		p.finishBroken(id, jobCtx, fmt.Errorf("encoding: %w", err))
		return
	}
	ref, err := p.Artifacts.Save(id, job.Options.OutputFormat, encoded)
	if err != nil {
		p.finishBroken(id, jobCtx, fmt.Errorf("saving artifact: %w", err))
		return
	}

	execSeconds := time.Since(started).Seconds()
	result := &models.Result{
		ArtifactRef:      ref,
		Format:           job.Options.OutputFormat,
		WordCount:        countWords(segments),
		SpeakersDetected: speakers,
		SegmentsTotal:    len(segments),
		Language:         transcript.Language,
		ExecutionSeconds: execSeconds,
	}
	if execSeconds > 0 && audioDuration > 0 {
		result.SpeedRatio = audioDuration / execSeconds
	}

	snap, err := p.Registry.Transition(id, models.StateCompleted, func(j *models.Job) {
		j.Result = result
		j.Message = "Transcription complete"
	})
	if err != nil {
		p.Log.Error().Err(err).Str("job_id", id).Msg("completion transition rejected")
		return
	}
	p.Hub.Publish(snap)
	p.persist(snap)
	p.Log.Info().Str("job_id", id).Int("words", result.WordCount).
		Int("speakers", speakers).Float64("speed", result.SpeedRatio).
		Msg("job completed")
}

// enterPhase transitions into a phase and pushes the snapshot. A false
// return means the transition was rejected, which is a bug; the worker
// abandons the job rather than guessing.
func (p *Pool) enterPhase(id string, phase models.JobState, tracker *progress.Tracker, substep string) bool {
	prog := tracker.Enter(phase)
	snap, err := p.Registry.Transition(id, phase, func(j *models.Job) {
		j.Progress = prog
		j.Substep = substep
		j.Message = phase.StepName()
	})
	if err != nil {
		p.Log.Error().Err(err).Str("job_id", id).Str("phase", string(phase)).
			Msg("phase transition rejected")
		return false
	}
	p.Hub.Publish(snap)
	return true
}

// publishUpdate applies a within-phase mutation and pushes the snapshot.
func (p *Pool) publishUpdate(id string, apply func(*models.Job)) {
	snap, err := p.Registry.Update(id, apply)
	if err != nil {
		return
	}
	p.Hub.Publish(snap)
}

func (p *Pool) cancelRequested(id string) bool {
	job, err := p.Registry.Get(id)
	return err == nil && job.CancelRequested
}

// finishBroken routes a phase failure to Cancelled when the user asked
// for it (the abort hook cancels in-flight calls, which surface as
// context errors) and to Failed otherwise. A pool shutdown is neither:
// the record is left untransitioned, and since only terminal snapshots
// are persisted no spurious Failed job survives the restart.
func (p *Pool) finishBroken(id string, jobCtx context.Context, err error) {
	if jobCtx.Err() != nil {
		if p.cancelRequested(id) {
			p.finishCancelled(id)
			return
		}
		if p.ctx.Err() != nil {
			p.Log.Info().Str("job_id", id).Msg("job interrupted by shutdown")
			return
		}
	}
	snap, terr := p.Registry.Transition(id, models.StateFailed, func(j *models.Job) {
		j.Error = err.Error()
		j.Message = "Error: " + err.Error()
	})
	if terr != nil {
		p.Log.Error().Err(terr).Str("job_id", id).Msg("failure transition rejected")
		return
	}
	p.Hub.Publish(snap)
	p.persist(snap)
	p.Log.Error().Err(err).Str("job_id", id).Msg("job failed")
}

func (p *Pool) finishCancelled(id string) {
	snap, err := p.Registry.Transition(id, models.StateCancelled, func(j *models.Job) {
		j.Message = "Cancelled by user"
	})
	if err != nil {
		p.Log.Error().Err(err).Str("job_id", id).Msg("cancel transition rejected")
		return
	}
	p.Hub.Publish(snap)
	p.persist(snap)
	p.Log.Info().Str("job_id", id).Msg("job cancelled")
}

func (p *Pool) persist(snap models.Job) {
	if p.History == nil {
		return
	}
	if err := p.History.Save(snap); err != nil {
		p.Log.Warn().Err(err).Str("job_id", snap.ID).Msg("history save failed")
	}
}

func countWords(segments []models.TranscriptSegment) int {
	n := 0
	for _, seg := range segments {
		n += len(strings.Fields(seg.Text))
	}
	return n
}

func removeFiles(paths []string) {
	for _, path := range paths {
		if path != "" {
			os.Remove(path)
		}
	}
}
