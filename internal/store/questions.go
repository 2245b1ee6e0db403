package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// AddQuestion inserts an exam question and returns its id.
func (s *SQLiteStore) AddQuestion(ctx context.Context, q *Question) (int64, error) {
	if strings.TrimSpace(q.Text) == "" {
		return 0, fmt.Errorf("question text is required")
	}
	choices := q.Choices
	if choices == nil {
		choices = []string{}
	}
	raw, err := json.Marshal(choices)
	if err != nil {
		return 0, fmt.Errorf("encoding choices: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO questions (exam_id, text, choices) VALUES (?, ?, ?)`,
		q.ExamID, q.Text, string(raw))
	if err != nil {
		return 0, fmt.Errorf("inserting question: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting question id: %w", err)
	}
	q.ID = id
	return id, nil
}

// GetQuestion retrieves a question by id.
func (s *SQLiteStore) GetQuestion(ctx context.Context, id int64) (*Question, error) {
	q := &Question{}
	var choices string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, exam_id, text, choices, created_at FROM questions WHERE id = ?`, id,
	).Scan(&q.ID, &q.ExamID, &q.Text, &choices, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("question %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting question %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(choices), &q.Choices); err != nil {
		return nil, fmt.Errorf("decoding choices for question %d: %w", id, err)
	}
	return q, nil
}

// ListQuestionIDs returns question ids in insertion order, optionally scoped to one exam.
func (s *SQLiteStore) ListQuestionIDs(ctx context.Context, examID string) ([]int64, error) {
	query := `SELECT id FROM questions ORDER BY id`
	var args []interface{}
	if examID != "" {
		query = `SELECT id FROM questions WHERE exam_id = ? ORDER BY id`
		args = append(args, examID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing questions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning question id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
