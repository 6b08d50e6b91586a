package database

import (
	"context"
	"database/sql"
)

// StartJob records a job as running. It must be called before anything
// the job stages is committed.
func (db *DB) StartJob(ctx context.Context, job *IngestionJob) error {
	job.Status = StatusRunning
	return db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ingestion_jobs (id, job_name, job_type, source_id, started_at, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			job.ID, job.JobName, job.JobType, job.SourceID, formatTime(job.StartedAt), job.Status)
		return err
	})
}

// FinishJob stores a job's terminal status, counts and error detail.
func (db *DB) FinishJob(ctx context.Context, job *IngestionJob) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE ingestion_jobs SET completed_at = ?, status = ?, processed = ?, inserted = ?,
				updated = ?, failed = ?, error_detail = ?
			WHERE id = ?`,
			formatTimePtr(job.CompletedAt), job.Status, job.Processed, job.Inserted, job.Updated,
			job.Failed, nullable(job.ErrorDetail), job.ID)
		return err
	})
}

const jobColumns = `id, job_name, job_type, source_id, started_at, completed_at, status,
	processed, inserted, updated, failed, error_detail`

func scanJob(s interface{ Scan(...any) error }) (IngestionJob, error) {
	var j IngestionJob
	var started string
	var completed, detail sql.NullString
	if err := s.Scan(&j.ID, &j.JobName, &j.JobType, &j.SourceID, &started, &completed, &j.Status,
		&j.Processed, &j.Inserted, &j.Updated, &j.Failed, &detail); err != nil {
		return j, err
	}
	var err error
	if j.StartedAt, err = parseTime(started); err != nil {
		return j, err
	}
	if j.CompletedAt, err = parseNullTime(completed); err != nil {
		return j, err
	}
	j.ErrorDetail = stringPtr(detail)
	return j, nil
}

// GetJob returns a job by id, or nil if not found.
func (db *DB) GetJob(ctx context.Context, id string) (*IngestionJob, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM ingestion_jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns the newest jobs first, optionally for one source.
func (db *DB) ListJobs(ctx context.Context, sourceID string, limit int) ([]IngestionJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + jobColumns + " FROM ingestion_jobs"
	var args []any
	if sourceID != "" {
		query += " WHERE source_id = ?"
		args = append(args, sourceID)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IngestionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
