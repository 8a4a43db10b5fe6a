package storage

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/voxlab/scribed/pkg/models"
)

// HybridHistory layers a fast store (Redis) over a durable one
// (Postgres). Saves hit the fast store immediately and drain to the
// durable store in the background; loads prefer the fast store and
// fall back when it is empty or unreachable.
type HybridHistory struct {
	fast    History
	durable History
	log     zerolog.Logger

	syncCh chan models.Job
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHybridHistory starts the background sync worker.
func NewHybridHistory(fast, durable History, log zerolog.Logger) *HybridHistory {
	h := &HybridHistory{
		fast:    fast,
		durable: durable,
		log:     log.With().Str("component", "history").Logger(),
		syncCh:  make(chan models.Job, 100),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go h.syncWorker()
	return h
}

func (h *HybridHistory) Save(job models.Job) error {
	if err := h.fast.Save(job); err != nil {
		h.log.Warn().Err(err).Str("job_id", job.ID).Msg("fast store save failed")
	}
	select {
	case h.syncCh <- job:
	default:
		// Sync backlog full: write through synchronously rather than
		// lose a terminal snapshot.
		if err := h.durable.Save(job); err != nil {
			return err
		}
	}
	return nil
}

func (h *HybridHistory) Load() ([]models.Job, error) {
	jobs, err := h.fast.Load()
	if err == nil && len(jobs) > 0 {
		return jobs, nil
	}
	if err != nil {
		h.log.Warn().Err(err).Msg("fast store load failed, using durable store")
	}
	return h.durable.Load()
}

func (h *HybridHistory) Delete(jobID string) error {
	if err := h.fast.Delete(jobID); err != nil {
		h.log.Warn().Err(err).Str("job_id", jobID).Msg("fast store delete failed")
	}
	return h.durable.Delete(jobID)
}

func (h *HybridHistory) Close() error {
	close(h.stopCh)
	select {
	case <-h.doneCh:
	case <-time.After(5 * time.Second):
		h.log.Warn().Int("pending", len(h.syncCh)).Msg("sync drain timed out")
	}
	h.fast.Close()
	return h.durable.Close()
}

// syncWorker drains snapshots to the durable store until stopped, then
// flushes whatever is left in the buffer.
func (h *HybridHistory) syncWorker() {
	defer close(h.doneCh)
	for {
		select {
		case job := <-h.syncCh:
			if err := h.durable.Save(job); err != nil {
				h.log.Error().Err(err).Str("job_id", job.ID).Msg("durable save failed")
			}
		case <-h.stopCh:
			for {
				select {
				case job := <-h.syncCh:
					if err := h.durable.Save(job); err != nil {
						h.log.Error().Err(err).Str("job_id", job.ID).Msg("durable save failed")
					}
				default:
					return
				}
			}
		}
	}
}
