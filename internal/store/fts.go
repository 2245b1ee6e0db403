package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"
)

// maxFTSTerms bounds the number of OR-ed terms sent to FTS5 for one query.
const maxFTSTerms = 64

// SearchChunksFTS ranks chunks against free text using FTS5 BM25.
//
// Question text is long natural language, so terms are OR-ed rather than
// AND-ed: BM25 already rewards chunks that match more (and rarer) terms.
// Scores are negated bm25() values so that higher is better.
func (s *SQLiteStore) SearchChunksFTS(ctx context.Context, query string, limit int) ([]ChunkMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	match := BuildFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.lecture_id, c.section_id, c.content, c.page_start, c.page_end, c.position,
		        bm25(chunks_fts) AS score
		 FROM chunks_fts f
		 JOIN chunks c ON c.id = f.rowid
		 WHERE chunks_fts MATCH ?
		 ORDER BY score, c.id
		 LIMIT ?`,
		match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("FTS query failed: %w", err)
	}
	defer rows.Close()

	var results []ChunkMatch
	for rows.Next() {
		var m ChunkMatch
		var section sql.NullInt64
		var bm25 float64
		if err := rows.Scan(&m.Chunk.ID, &m.Chunk.LectureID, &section, &m.Chunk.Content,
			&m.Chunk.PageStart, &m.Chunk.PageEnd, &m.Chunk.Position, &bm25); err != nil {
			return nil, fmt.Errorf("scanning FTS result: %w", err)
		}
		m.Chunk.SectionID = section.Int64
		m.Score = -bm25
		results = append(results, m)
	}
	return results, rows.Err()
}

// BuildFTSQuery turns free text into an FTS5 MATCH expression.
//
// Terms are split on the same boundaries unicode61 uses (anything that is not
// a letter, digit or mark), case-folded, de-duplicated and quoted so that
// punctuation in exam text can never be read as FTS5 syntax. The table's
// porter stemmer is applied by FTS5 to each quoted term, keeping query and
// index tokenization identical.
func BuildFTSQuery(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r))
	})

	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		t := strings.ToLower(f)
		if seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, `"`+t+`"`)
		if len(terms) >= maxFTSTerms {
			break
		}
	}
	return strings.Join(terms, " OR ")
}
