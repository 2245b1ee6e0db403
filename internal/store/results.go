package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// UpsertResult records the latest pipeline output for a question. A fresh
// result resets the applied flag: a re-run supersedes any earlier proposal.
func (s *SQLiteStore) UpsertResult(ctx context.Context, r *Result) error {
	features := r.Features
	if features == "" {
		features = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (question_id, job_id, config_hash, model_name, decision, features, outcome, applied, cache_hit, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(question_id) DO UPDATE SET
		   job_id = excluded.job_id,
		   config_hash = excluded.config_hash,
		   model_name = excluded.model_name,
		   decision = excluded.decision,
		   features = excluded.features,
		   outcome = excluded.outcome,
		   applied = excluded.applied,
		   cache_hit = excluded.cache_hit,
		   updated_at = CURRENT_TIMESTAMP`,
		r.QuestionID, r.JobID, r.ConfigHash, r.ModelName, r.Decision, features,
		r.Outcome, boolToInt(r.Applied), boolToInt(r.CacheHit),
	)
	if err != nil {
		return fmt.Errorf("upserting result for question %d: %w", r.QuestionID, err)
	}
	return nil
}

const resultColumns = `question_id, job_id, config_hash, model_name, decision, features, outcome, applied, cache_hit, updated_at`

// GetResult returns the latest result for a question, or ErrNotFound.
func (s *SQLiteStore) GetResult(ctx context.Context, questionID int64) (*Result, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM results WHERE question_id = ?`, questionID)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result for question %d: %w", questionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting result for question %d: %w", questionID, err)
	}
	return r, nil
}

// ListResults lists results, optionally filtered by outcome and applied state.
func (s *SQLiteStore) ListResults(ctx context.Context, outcome string, onlyUnapplied bool) ([]*Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE 1=1`
	var args []interface{}
	if outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, outcome)
	}
	if onlyUnapplied {
		query += ` AND applied = 0`
	}
	query += ` ORDER BY question_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	var out []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkResultApplied flags a question's result as written to classifications.
func (s *SQLiteStore) MarkResultApplied(ctx context.Context, questionID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE results SET applied = 1, updated_at = CURRENT_TIMESTAMP WHERE question_id = ?`, questionID)
	if err != nil {
		return fmt.Errorf("marking result %d applied: %w", questionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking result %d update: %w", questionID, err)
	}
	if n == 0 {
		return fmt.Errorf("result for question %d: %w", questionID, ErrNotFound)
	}
	return nil
}

// WriteClassification upserts the question -> lecture assignment. A manual
// classification is only ever replaced by another manual one; an automatic
// write over it leaves the row untouched and returns ErrConfirmed.
func (s *SQLiteStore) WriteClassification(ctx context.Context, c *Classification) error {
	if c.Status != StatusAuto && c.Status != StatusManual {
		return fmt.Errorf("invalid classification status %q", c.Status)
	}
	evidence := c.Evidence
	if evidence == nil {
		evidence = []EvidenceRow{}
	}
	raw, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("encoding evidence: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO classifications (question_id, lecture_id, status, confidence, reason, study_hint, evidence, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(question_id) DO UPDATE SET
		   lecture_id = excluded.lecture_id,
		   status = excluded.status,
		   confidence = excluded.confidence,
		   reason = excluded.reason,
		   study_hint = excluded.study_hint,
		   evidence = excluded.evidence,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE classifications.status <> 'manual' OR excluded.status = 'manual'`,
		c.QuestionID, c.LectureID, string(c.Status), c.Confidence, c.Reason, c.StudyHint, string(raw),
	)
	if err != nil {
		return fmt.Errorf("writing classification for question %d: %w", c.QuestionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("writing classification for question %d: %w", c.QuestionID, err)
	}
	if n == 0 {
		return fmt.Errorf("question %d: %w", c.QuestionID, ErrConfirmed)
	}
	return nil
}

// GetClassification returns the written classification for a question, or ErrNotFound.
func (s *SQLiteStore) GetClassification(ctx context.Context, questionID int64) (*Classification, error) {
	c := &Classification{}
	var status, evidence string
	err := s.db.QueryRowContext(ctx,
		`SELECT question_id, lecture_id, status, confidence, reason, study_hint, evidence, updated_at
		 FROM classifications WHERE question_id = ?`, questionID,
	).Scan(&c.QuestionID, &c.LectureID, &status, &c.Confidence, &c.Reason, &c.StudyHint, &evidence, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("classification for question %d: %w", questionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting classification for question %d: %w", questionID, err)
	}
	c.Status = ClassificationStatus(status)
	if err := json.Unmarshal([]byte(evidence), &c.Evidence); err != nil {
		return nil, fmt.Errorf("decoding evidence for question %d: %w", questionID, err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row rowScanner) (*Result, error) {
	r := &Result{}
	var applied, cacheHit int
	if err := row.Scan(&r.QuestionID, &r.JobID, &r.ConfigHash, &r.ModelName, &r.Decision,
		&r.Features, &r.Outcome, &applied, &cacheHit, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Applied = applied != 0
	r.CacheHit = cacheHit != 0
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
