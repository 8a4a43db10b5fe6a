package storage

import "github.com/voxlab/scribed/pkg/models"

// History persists terminal job snapshots. Live state never goes here;
// the registry remains the single source of truth while a job runs.
type History interface {
	// Save records one terminal snapshot, replacing any previous one.
	Save(job models.Job) error
	// Load returns the persisted snapshots, newest first.
	Load() ([]models.Job, error)
	// Delete removes a snapshot. Unknown ids are ignored.
	Delete(jobID string) error
	Close() error
}

// NopHistory discards everything; used when persistence is disabled.
type NopHistory struct{}

func (NopHistory) Save(models.Job) error          { return nil }
func (NopHistory) Load() ([]models.Job, error)    { return nil, nil }
func (NopHistory) Delete(string) error            { return nil }
func (NopHistory) Close() error                   { return nil }
