package progress

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/voxlab/scribed/pkg/models"
)

func TestRanges(t *testing.T) {
	want := map[models.JobState]Span{
		models.StateExtracting:   {0, 10},
		models.StateLoadingModel: {10, 15},
		models.StateTranscribing: {15, 70},
		models.StateFormatting:   {70, 100},
	}
	if diff := cmp.Diff(want, Ranges(false)); diff != "" {
		t.Errorf("plain ranges mismatch (-want +got):\n%s", diff)
	}

	want = map[models.JobState]Span{
		models.StateExtracting:   {0, 10},
		models.StateLoadingModel: {10, 15},
		models.StateTranscribing: {15, 55},
		models.StateDiarizing:    {55, 90},
		models.StateFormatting:   {90, 100},
	}
	if diff := cmp.Diff(want, Ranges(true)); diff != "" {
		t.Errorf("diarize ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestScale(t *testing.T) {
	span := Span{15, 70}
	cases := []struct {
		fraction float64
		prev     int
		want     int
	}{
		{0, 0, 15},
		{0.5, 0, 43}, // 15 + round(27.5)
		{1, 0, 70},
		{1.5, 0, 70},  // over-reporting clamps at the ceiling
		{-0.3, 0, 15}, // negative clamps at the floor
		{0.1, 50, 50}, // lower than prev holds prev
	}
	for _, c := range cases {
		if got := Scale(span, c.fraction, c.prev); got != c.want {
			t.Errorf("Scale(%v, prev=%d) = %d, want %d", c.fraction, c.prev, got, c.want)
		}
	}
}

// fakeClock drives the tracker's time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time       { return c.t }
func (c *fakeClock) tick(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(diarize bool) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tr := NewTracker(diarize)
	tr.now = clock.now
	return tr, clock
}

func TestTrackerPhaseWalk(t *testing.T) {
	tr, clock := newTestTracker(false)

	if got := tr.Enter(models.StateExtracting); got != 0 {
		t.Errorf("enter extracting = %d, want 0", got)
	}
	if got := tr.Finish(models.StateExtracting); got != 10 {
		t.Errorf("finish extracting = %d, want 10", got)
	}
	if got := tr.Enter(models.StateLoadingModel); got != 10 {
		t.Errorf("enter loading = %d, want 10", got)
	}
	if got := tr.Enter(models.StateTranscribing); got != 15 {
		t.Errorf("enter transcribing = %d, want 15", got)
	}

	clock.tick(10 * time.Second)
	upd := tr.Advance(100, 400)
	if upd.Progress != 29 { // 15 + round(0.25*55)
		t.Errorf("quarter progress = %d, want 29", upd.Progress)
	}
	if upd.SpeedRatio != 10 {
		t.Errorf("speed = %v, want 10 (100s audio in 10s)", upd.SpeedRatio)
	}
	if upd.ETASeconds != 30 { // 10 * 300/100
		t.Errorf("eta = %v, want 30", upd.ETASeconds)
	}

	if got := tr.Finish(models.StateTranscribing); got != 70 {
		t.Errorf("finish transcribing = %d, want 70", got)
	}
	if got := tr.Enter(models.StateFormatting); got != 70 {
		t.Errorf("enter formatting = %d, want 70", got)
	}
	if got := tr.Done(); got != 100 {
		t.Errorf("done = %d, want 100", got)
	}
}

func TestTrackerMonotoneUnderNoise(t *testing.T) {
	tr, clock := newTestTracker(false)
	tr.Enter(models.StateTranscribing)

	prev := 0
	for _, pos := range []float64{50, 120, 80, 200, 10, 400} {
		clock.tick(time.Second)
		upd := tr.Advance(pos, 400)
		if upd.Progress < prev {
			t.Fatalf("progress went backwards: %d after %d (pos=%v)", upd.Progress, prev, pos)
		}
		prev = upd.Progress
	}
}

// An unknown duration holds the bar at the phase floor; finishing the
// phase jumps it to the ceiling.
func TestTrackerUnknownDuration(t *testing.T) {
	tr, clock := newTestTracker(false)
	tr.Enter(models.StateTranscribing)

	clock.tick(5 * time.Second)
	upd := tr.Advance(42, 0)
	if upd.Progress != 15 {
		t.Errorf("progress with unknown duration = %d, want held floor 15", upd.Progress)
	}
	if upd.ETASeconds != 0 {
		t.Errorf("eta with unknown duration = %v, want 0", upd.ETASeconds)
	}
	if got := tr.Finish(models.StateTranscribing); got != 70 {
		t.Errorf("finish = %d, want 70", got)
	}
}

func TestTrackerDiarizeSpans(t *testing.T) {
	tr, _ := newTestTracker(true)
	tr.Enter(models.StateTranscribing)
	upd := tr.Advance(400, 400)
	if upd.Progress != 55 {
		t.Errorf("full transcription with diarize = %d, want 55", upd.Progress)
	}
	if got := tr.Enter(models.StateDiarizing); got != 55 {
		t.Errorf("enter diarizing = %d, want 55", got)
	}
	if got := tr.Finish(models.StateDiarizing); got != 90 {
		t.Errorf("finish diarizing = %d, want 90", got)
	}
}
