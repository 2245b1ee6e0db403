package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CreateJob inserts a new job. ID must be set by the caller.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *Job) error {
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, total, config_hash) VALUES (?, ?, ?, ?)`,
		j.ID, string(j.Status), j.Total, j.ConfigHash)
	if err != nil {
		return fmt.Errorf("creating job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, total, processed, success, failed, config_hash, error, created_at, updated_at
		 FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &status, &j.Total, &j.Processed, &j.Success, &j.Failed,
		&j.ConfigHash, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	j.Status = JobStatus(status)
	return j, nil
}

// SetJobStatus moves a job to a new status. Terminal jobs are never reopened.
func (s *SQLiteStore) SetJobStatus(ctx context.Context, id string, status JobStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status NOT IN ('completed','failed')`,
		string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("setting job %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// UpdateJobProgress applies counter deltas in a single statement, so
// concurrent workers never lose updates. When the processed count reaches the
// total, a running job becomes completed in the same statement.
func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, processedDelta, successDelta, failedDelta int) error {
	if processedDelta < 0 || successDelta < 0 || failedDelta < 0 {
		return fmt.Errorf("job %s: progress deltas must be non-negative", id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		   processed = processed + ?,
		   success = success + ?,
		   failed = failed + ?,
		   status = CASE
		     WHEN status = 'running' AND processed + ? >= total THEN 'completed'
		     ELSE status
		   END,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		processedDelta, successDelta, failedDelta, processedDelta, id)
	if err != nil {
		return fmt.Errorf("updating job %s progress: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking job %s update: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}
