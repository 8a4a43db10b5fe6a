package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxlab/scribed/pkg/events"
	"github.com/voxlab/scribed/pkg/jobs"
	"github.com/voxlab/scribed/pkg/models"
	"github.com/voxlab/scribed/pkg/pipeline"
	"github.com/voxlab/scribed/pkg/queue"
	"github.com/voxlab/scribed/pkg/storage"
)

type fakeExtractor struct{ duration float64 }

func (f *fakeExtractor) Extract(_ context.Context, mediaPath string) (string, error) {
	return mediaPath, nil
}

func (f *fakeExtractor) Probe(context.Context, string) (float64, error) {
	return f.duration, nil
}

type fakeTranscriber struct {
	transcript *models.Transcript
	positions  []float64
	err        error
	blockOnCtx bool
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _, _, _ string, onProgress pipeline.ProgressFunc) (*models.Transcript, error) {
	if f.blockOnCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	for _, pos := range f.positions {
		onProgress(pos, f.transcript.Duration)
	}
	return f.transcript, nil
}

type fakeDiarizer struct {
	timeline []models.DiarizationSegment
	err      error
}

func (f *fakeDiarizer) Diarize(context.Context, string, int, int) ([]models.DiarizationSegment, error) {
	return f.timeline, f.err
}

type fakeHistory struct {
	mu    sync.Mutex
	saved []models.Job
}

func (f *fakeHistory) Save(job models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, job)
	return nil
}
func (f *fakeHistory) Load() ([]models.Job, error) { return nil, nil }
func (f *fakeHistory) Delete(string) error         { return nil }
func (f *fakeHistory) Close() error                { return nil }

func (f *fakeHistory) snapshot() []models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Job(nil), f.saved...)
}

type fixture struct {
	registry *jobs.Registry
	hub      *events.Hub
	queue    *queue.Memory
	arts     *storage.ArtifactStore
	history  *fakeHistory
	pool     *Pool
}

func newFixture(t *testing.T, transcriber pipeline.Transcriber, diarizer pipeline.Diarizer) *fixture {
	t.Helper()
	arts, err := storage.NewArtifactStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		registry: jobs.NewRegistry(arts, zerolog.Nop()),
		hub:      events.NewHub(),
		queue:    queue.NewMemory(10),
		arts:     arts,
		history:  &fakeHistory{},
	}
	if diarizer == nil {
		diarizer = &fakeDiarizer{}
	}
	f.pool = NewPool(Deps{
		Queue:       f.queue,
		Registry:    f.registry,
		Hub:         f.hub,
		Artifacts:   arts,
		History:     f.history,
		Extractor:   &fakeExtractor{duration: 10},
		Transcriber: transcriber,
		Diarizer:    diarizer,
		Log:         zerolog.Nop(),
	}, 1)
	t.Cleanup(f.pool.Stop)
	return f
}

func (f *fixture) submit(t *testing.T, opts models.Options) (models.Job, *events.Subscriber) {
	t.Helper()
	upload := filepath.Join(t.TempDir(), "talk.wav")
	if err := os.WriteFile(upload, []byte("pcm"), 0o644); err != nil {
		t.Fatal(err)
	}
	job := f.registry.Create("talk.wav", upload, opts)
	sub := f.hub.Subscribe(job.ID)
	if err := f.queue.Enqueue(job.ID); err != nil {
		t.Fatal(err)
	}
	return job, sub
}

func collectUntilTerminal(t *testing.T, sub *events.Subscriber) []models.Job {
	t.Helper()
	timeout := time.After(3 * time.Second)
	var got []models.Job
	for {
		select {
		case snap, ok := <-sub.Updates():
			if !ok {
				return got
			}
			got = append(got, snap)
			if snap.State.Terminal() {
				return got
			}
		case <-timeout:
			t.Fatalf("no terminal snapshot; saw %d updates", len(got))
		}
	}
}

func twoSegmentTranscript() *models.Transcript {
	return &models.Transcript{
		Language: "en",
		Duration: 10,
		Segments: []models.TranscriptSegment{
			{Start: 0, End: 5, Text: "Hello there everyone."},
			{Start: 5, End: 10, Text: "Thanks for joining."},
		},
	}
}

func TestCompletionHappyPath(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{
		transcript: twoSegmentTranscript(),
		positions:  []float64{2.5, 5, 10},
	}, nil)
	job, sub := f.submit(t, models.Options{Model: "base", OutputFormat: "srt"})
	f.pool.Start()

	snaps := collectUntilTerminal(t, sub)
	final := snaps[len(snaps)-1]
	if final.State != models.StateCompleted {
		t.Fatalf("final state = %s (%s)", final.State, final.Error)
	}
	if final.Progress != 100 {
		t.Errorf("final progress = %d, want 100", final.Progress)
	}
	if final.Result == nil {
		t.Fatal("completed job has no result")
	}
	if final.Result.WordCount != 6 {
		t.Errorf("word count = %d, want 6", final.Result.WordCount)
	}
	if final.Result.SegmentsTotal != 2 {
		t.Errorf("segments = %d, want 2", final.Result.SegmentsTotal)
	}

	data, err := f.arts.Read(final.Result.ArtifactRef)
	if err != nil {
		t.Fatalf("artifact unreadable: %v", err)
	}
	if !strings.Contains(string(data), "-->") {
		t.Errorf("srt artifact looks wrong:\n%s", data)
	}

	// Progress never decreases across the published stream.
	prev := 0
	for _, snap := range snaps {
		if snap.Progress < prev {
			t.Fatalf("progress regressed: %d after %d (state %s)", snap.Progress, prev, snap.State)
		}
		prev = snap.Progress
	}

	// Phases appear in order.
	wantOrder := []models.JobState{
		models.StateExtracting, models.StateLoadingModel,
		models.StateTranscribing, models.StateFormatting, models.StateCompleted,
	}
	i := 0
	for _, snap := range snaps {
		if i < len(wantOrder) && snap.State == wantOrder[i] {
			i++
		}
	}
	if i != len(wantOrder) {
		t.Errorf("missing phase %s in published stream", wantOrder[i])
	}

	saved := f.history.snapshot()
	if len(saved) != 1 || saved[0].State != models.StateCompleted {
		t.Errorf("history saves = %+v, want one completed snapshot", saved)
	}

	f.pool.Stop()
	if _, err := os.Stat(job.UploadPath); !os.IsNotExist(err) {
		t.Errorf("upload not cleaned up: %v", err)
	}
}

func TestDiarizationPath(t *testing.T) {
	f := newFixture(t,
		&fakeTranscriber{transcript: twoSegmentTranscript(), positions: []float64{10}},
		&fakeDiarizer{timeline: []models.DiarizationSegment{
			{Start: 0, End: 5, Speaker: "A"},
			{Start: 5, End: 10, Speaker: "B"},
		}})
	_, sub := f.submit(t, models.Options{Model: "base", OutputFormat: "txt", Diarize: true})
	f.pool.Start()

	snaps := collectUntilTerminal(t, sub)
	final := snaps[len(snaps)-1]
	if final.State != models.StateCompleted {
		t.Fatalf("final state = %s (%s)", final.State, final.Error)
	}
	if final.Result.SpeakersDetected != 2 {
		t.Errorf("speakers = %d, want 2", final.Result.SpeakersDetected)
	}

	sawDiarizing := false
	for _, snap := range snaps {
		if snap.State == models.StateDiarizing {
			sawDiarizing = true
		}
	}
	if !sawDiarizing {
		t.Error("diarizing phase never published")
	}

	data, _ := f.arts.Read(final.Result.ArtifactRef)
	if !strings.Contains(string(data), "[A]") || !strings.Contains(string(data), "[B]") {
		t.Errorf("speaker labels missing from artifact:\n%s", data)
	}
}

// A job cancelled while still Pending terminates at the first
// checkpoint and never enters Extracting.
func TestCancelBeforeStart(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{transcript: twoSegmentTranscript()}, nil)
	job, sub := f.submit(t, models.Options{Model: "base", OutputFormat: "txt"})

	if err := f.registry.RequestCancel(job.ID); err != nil {
		t.Fatal(err)
	}
	f.pool.Start()

	snaps := collectUntilTerminal(t, sub)
	final := snaps[len(snaps)-1]
	if final.State != models.StateCancelled {
		t.Fatalf("final state = %s, want cancelled", final.State)
	}
	for _, snap := range snaps {
		if snap.State == models.StateExtracting {
			t.Error("cancelled pending job must not enter extracting")
		}
	}
}

func TestCancelMidTranscription(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{blockOnCtx: true}, nil)
	job, sub := f.submit(t, models.Options{Model: "base", OutputFormat: "txt"})
	f.pool.Start()

	// Wait for the job to reach Transcribing, then pull the plug.
	timeout := time.After(3 * time.Second)
	for {
		var snap models.Job
		select {
		case snap = <-sub.Updates():
		case <-timeout:
			t.Fatal("job never reached transcribing")
		}
		if snap.State == models.StateTranscribing {
			break
		}
	}
	if err := f.registry.RequestCancel(job.ID); err != nil {
		t.Fatal(err)
	}

	snaps := collectUntilTerminal(t, sub)
	final := snaps[len(snaps)-1]
	if final.State != models.StateCancelled {
		t.Fatalf("final state = %s, want cancelled", final.State)
	}
}

// Stopping the pool mid-job is not a pipeline failure: the record stays
// in its last phase and nothing is persisted, so a restart shows no
// spurious Failed job.
func TestShutdownLeavesInFlightJobUnfailed(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{blockOnCtx: true}, nil)
	job, sub := f.submit(t, models.Options{Model: "base", OutputFormat: "txt"})
	f.pool.Start()

	timeout := time.After(3 * time.Second)
	for {
		var snap models.Job
		select {
		case snap = <-sub.Updates():
		case <-timeout:
			t.Fatal("job never reached transcribing")
		}
		if snap.State == models.StateTranscribing {
			break
		}
	}

	f.pool.Stop()

	snap, err := f.registry.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State.Terminal() {
		t.Errorf("shutdown made the job terminal: %s (%s)", snap.State, snap.Error)
	}
	if saved := f.history.snapshot(); len(saved) != 0 {
		t.Errorf("shutdown persisted %d snapshots, want none", len(saved))
	}
}

func TestTranscriptionFailure(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{err: errors.New("model exploded")}, nil)
	_, sub := f.submit(t, models.Options{Model: "base", OutputFormat: "txt"})
	f.pool.Start()

	snaps := collectUntilTerminal(t, sub)
	final := snaps[len(snaps)-1]
	if final.State != models.StateFailed {
		t.Fatalf("final state = %s, want failed", final.State)
	}
	if !strings.Contains(final.Error, "model exploded") {
		t.Errorf("error = %q, want cause preserved", final.Error)
	}

	saved := f.history.snapshot()
	if len(saved) != 1 || saved[0].State != models.StateFailed {
		t.Errorf("history saves = %+v, want one failed snapshot", saved)
	}
}
