// Package events fans progress snapshots out to live listeners, one
// subscription per open connection. The job registry stays the single
// source of truth; the hub only carries copies of its snapshots.
package events

import (
	"sync"

	"github.com/voxlab/scribed/pkg/models"
)

// subscriberBuffer is the per-listener channel capacity. A listener
// that falls this far behind is detached rather than allowed to block
// the publishing worker.
const subscriberBuffer = 16

// Hub distributes job snapshots to any number of listeners per job.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

// Subscriber is one live listener attached to a single job's stream.
type Subscriber struct {
	hub   *Hub
	jobID string
	ch    chan models.Job
	done  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe attaches a new listener to jobID's stream.
func (h *Hub) Subscribe(jobID string) *Subscriber {
	sub := &Subscriber{
		hub:   h,
		jobID: jobID,
		ch:    make(chan models.Job, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscriber]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	return sub
}

// Updates is the listener's snapshot stream. It is closed when the
// listener detaches or the job is dropped from the hub.
func (s *Subscriber) Updates() <-chan models.Job {
	return s.ch
}

// Close detaches the listener. Safe to call more than once and safe to
// call concurrently with Publish.
func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.dropLocked(s)
}

// Publish pushes one snapshot to every listener currently attached to
// the snapshot's job. It never blocks: a listener whose buffer is full
// is silently detached instead of stalling the worker.
func (h *Hub) Publish(job models.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[job.ID] {
		select {
		case sub.ch <- job:
		default:
			h.dropLocked(sub)
		}
	}
}

// Drop detaches every listener of a job, closing their streams. Called
// when a job record is deleted.
func (h *Hub) Drop(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[jobID] {
		h.dropLocked(sub)
	}
}

// Listeners reports how many listeners are attached to a job.
func (h *Hub) Listeners(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// dropLocked removes one subscriber and closes its channel. All sends
// happen under h.mu, so closing here cannot race a Publish.
func (h *Hub) dropLocked(sub *Subscriber) {
	if sub.done {
		return
	}
	sub.done = true

	set := h.subs[sub.jobID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.jobID)
	}
	close(sub.ch)
}
