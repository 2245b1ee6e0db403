package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// AddEmbedding stores an embedding vector for a chunk.
// Replaces any existing embedding for the same chunk_id.
func (s *SQLiteStore) AddEmbedding(ctx context.Context, chunkID int64, vector []float32) error {
	blob := float32ToBytes(vector)
	dims := len(vector)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunk_embeddings (chunk_id, vector, dimensions) VALUES (?, ?, ?)
		 ON CONFLICT(chunk_id) DO UPDATE SET vector = excluded.vector, dimensions = excluded.dimensions`,
		chunkID, blob, dims,
	)
	if err != nil {
		return fmt.Errorf("storing embedding for chunk %d: %w", chunkID, err)
	}
	return nil
}

// GetEmbedding retrieves the embedding vector for a chunk.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, chunkID int64) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT vector FROM chunk_embeddings WHERE chunk_id = ?", chunkID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("embedding for chunk %d: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting embedding for chunk %d: %w", chunkID, err)
	}
	return bytesToFloat32(blob), nil
}

// SearchChunkEmbeddings performs brute-force cosine similarity search across
// all chunk embeddings and returns the top-K chunks, best first. Equal
// similarities are ordered by chunk id so the ranking is reproducible.
func (s *SQLiteStore) SearchChunkEmbeddings(ctx context.Context, query []float32, limit int) ([]ChunkMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.vector, c.id, c.lecture_id, c.section_id, c.content, c.page_start, c.page_end, c.position
		 FROM chunk_embeddings e
		 JOIN chunks c ON e.chunk_id = c.id`)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	var candidates []ChunkMatch
	for rows.Next() {
		var blob []byte
		var section sql.NullInt64
		var c Chunk
		if err := rows.Scan(&blob, &c.ID, &c.LectureID, &section, &c.Content,
			&c.PageStart, &c.PageEnd, &c.Position); err != nil {
			return nil, fmt.Errorf("scanning embedding row: %w", err)
		}
		c.SectionID = section.Int64

		sim := CosineSimilarity(query, bytesToFloat32(blob))
		if sim > 0 {
			candidates = append(candidates, ChunkMatch{Chunk: c, Score: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Chunk.ID < candidates[j].Chunk.ID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// ListChunkIDsWithoutEmbeddings retrieves chunk IDs that don't have embeddings yet.
func (s *SQLiteStore) ListChunkIDsWithoutEmbeddings(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id FROM chunks c
		 LEFT JOIN chunk_embeddings e ON c.id = e.chunk_id
		 WHERE e.chunk_id IS NULL
		 ORDER BY c.id
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing chunk IDs without embeddings: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning chunk ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to float32 slice (little-endian).
func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
