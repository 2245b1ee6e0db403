package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// neighbourContextBudget caps the text assembled from adjacent chunks when a
// chunk has no parent section.
const neighbourContextBudget = 2400

const chunkColumns = `id, lecture_id, section_id, content, page_start, page_end, position`

// AddLecture inserts a lecture and returns its id.
func (s *SQLiteStore) AddLecture(ctx context.Context, l *Lecture) (int64, error) {
	if strings.TrimSpace(l.Title) == "" {
		return 0, fmt.Errorf("lecture title is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO lectures (title, course) VALUES (?, ?)`, l.Title, l.Course)
	if err != nil {
		return 0, fmt.Errorf("inserting lecture: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting lecture id: %w", err)
	}
	l.ID = id
	return id, nil
}

// GetLecture retrieves a lecture by id.
func (s *SQLiteStore) GetLecture(ctx context.Context, id int64) (*Lecture, error) {
	l := &Lecture{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, course, created_at FROM lectures WHERE id = ?`, id,
	).Scan(&l.ID, &l.Title, &l.Course, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lecture %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting lecture %d: %w", id, err)
	}
	return l, nil
}

// AddSection inserts a parent section and returns its id.
func (s *SQLiteStore) AddSection(ctx context.Context, sec *Section) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sections (lecture_id, title, content, page_start, page_end) VALUES (?, ?, ?, ?, ?)`,
		sec.LectureID, sec.Title, sec.Content, sec.PageStart, sec.PageEnd)
	if err != nil {
		return 0, fmt.Errorf("inserting section for lecture %d: %w", sec.LectureID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting section id: %w", err)
	}
	sec.ID = id
	return id, nil
}

// AddChunk inserts a single chunk. The FTS index is kept in sync by trigger.
func (s *SQLiteStore) AddChunk(ctx context.Context, c *Chunk) (int64, error) {
	ids, err := s.AddChunkBatch(ctx, []*Chunk{c})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AddChunkBatch inserts chunks in transactions of batchSize rows.
func (s *SQLiteStore) AddChunkBatch(ctx context.Context, chunks []*Chunk) ([]int64, error) {
	ids := make([]int64, 0, len(chunks))
	for start := 0; start < len(chunks); start += s.batchSize {
		end := start + s.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batchIDs, err := s.insertChunks(ctx, chunks[start:end])
		if err != nil {
			return ids, err
		}
		ids = append(ids, batchIDs...)
	}
	return ids, nil
}

func (s *SQLiteStore) insertChunks(ctx context.Context, chunks []*Chunk) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning chunk batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (lecture_id, section_id, content, page_start, page_end, position)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) == "" {
			return nil, fmt.Errorf("chunk for lecture %d has empty content", c.LectureID)
		}
		res, err := stmt.ExecContext(ctx, c.LectureID, nullableID(c.SectionID),
			c.Content, c.PageStart, c.PageEnd, c.Position)
		if err != nil {
			return nil, fmt.Errorf("inserting chunk for lecture %d: %w", c.LectureID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting chunk id: %w", err)
		}
		c.ID = id
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing chunk batch: %w", err)
	}
	return ids, nil
}

// GetChunksForLecture returns a lecture's chunks in document order.
func (s *SQLiteStore) GetChunksForLecture(ctx context.Context, lectureID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE lecture_id = ? ORDER BY position, id`, lectureID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks for lecture %d: %w", lectureID, err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetChunksByIDs retrieves multiple chunks in a single query. Order follows id.
func (s *SQLiteStore) GetChunksByIDs(ctx context.Context, ids []int64) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT `+chunkColumns+` FROM chunks WHERE id IN (%s) ORDER BY id`,
		strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("getting chunks by IDs: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetParentContext returns the broader text around a chunk: its parent
// section when one exists, otherwise the adjacent chunks of the same lecture.
func (s *SQLiteStore) GetParentContext(ctx context.Context, chunkID int64) (ParentContext, error) {
	chunks, err := s.GetChunksByIDs(ctx, []int64{chunkID})
	if err != nil {
		return ParentContext{}, err
	}
	if len(chunks) == 0 {
		return ParentContext{}, fmt.Errorf("chunk %d: %w", chunkID, ErrNotFound)
	}
	c := chunks[0]

	if c.SectionID != 0 {
		pc := ParentContext{ChunkID: c.ID, SectionID: c.SectionID}
		var title string
		err := s.db.QueryRowContext(ctx,
			`SELECT title, content, page_start, page_end FROM sections WHERE id = ?`, c.SectionID,
		).Scan(&title, &pc.Text, &pc.PageStart, &pc.PageEnd)
		if err != nil && err != sql.ErrNoRows {
			return ParentContext{}, fmt.Errorf("getting section %d: %w", c.SectionID, err)
		}
		if err == nil && strings.TrimSpace(pc.Text) != "" {
			if title != "" {
				pc.Text = title + "\n" + pc.Text
			}
			return pc, nil
		}
	}

	return s.neighbourContext(ctx, c)
}

func (s *SQLiteStore) neighbourContext(ctx context.Context, c Chunk) (ParentContext, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE lecture_id = ? AND position BETWEEN ? AND ?
		 ORDER BY position, id`,
		c.LectureID, c.Position-1, c.Position+1)
	if err != nil {
		return ParentContext{}, fmt.Errorf("listing neighbours of chunk %d: %w", c.ID, err)
	}
	defer rows.Close()

	neighbours, err := scanChunks(rows)
	if err != nil {
		return ParentContext{}, err
	}
	if len(neighbours) <= 1 {
		return ParentContext{}, fmt.Errorf("chunk %d: %w", c.ID, ErrNoParentContext)
	}

	pc := ParentContext{ChunkID: c.ID, PageStart: c.PageStart, PageEnd: c.PageEnd}
	var b strings.Builder
	for _, n := range neighbours {
		if b.Len() > 0 && b.Len()+len(n.Content) > neighbourContextBudget {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(n.Content)
		if n.PageStart > 0 && (pc.PageStart == 0 || n.PageStart < pc.PageStart) {
			pc.PageStart = n.PageStart
		}
		if n.PageEnd > pc.PageEnd {
			pc.PageEnd = n.PageEnd
		}
	}
	pc.Text = b.String()
	return pc, nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var section sql.NullInt64
		if err := rows.Scan(&c.ID, &c.LectureID, &section, &c.Content,
			&c.PageStart, &c.PageEnd, &c.Position); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		c.SectionID = section.Int64
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
