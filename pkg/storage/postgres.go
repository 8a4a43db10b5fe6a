package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/voxlab/scribed/pkg/models"
)

// PostgresHistory stores terminal snapshots durably. The snapshot
// itself travels as JSON; only the columns needed for ordering and
// cleanup are broken out.
type PostgresHistory struct {
	db *sql.DB
}

// NewPostgresHistory opens the pool and creates the table when absent.
func NewPostgresHistory(dsn string) (*PostgresHistory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS job_history (
			job_id     TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			snapshot   JSONB NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create job_history: %w", err)
	}
	return &PostgresHistory{db: db}, nil
}

func (h *PostgresHistory) Save(job models.Job) error {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = h.db.Exec(`
		INSERT INTO job_history (job_id, state, created_at, snapshot)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE SET
			state    = EXCLUDED.state,
			snapshot = EXCLUDED.snapshot`,
		job.ID, string(job.State), job.CreatedAt, snapshot)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (h *PostgresHistory) Load() ([]models.Job, error) {
	rows, err := h.db.Query(`
		SELECT snapshot FROM job_history
		ORDER BY created_at DESC
		LIMIT 200`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (h *PostgresHistory) Delete(jobID string) error {
	if _, err := h.db.Exec(`DELETE FROM job_history WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (h *PostgresHistory) Close() error {
	return h.db.Close()
}
