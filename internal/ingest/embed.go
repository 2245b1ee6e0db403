package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hurttlocker/lectern/internal/embed"
	"github.com/hurttlocker/lectern/internal/store"
	"github.com/hurttlocker/lectern/internal/vectorstore"
)

// EmbedStore is the store side of the embedding backfill.
type EmbedStore interface {
	ListChunkIDsWithoutEmbeddings(ctx context.Context, limit int) ([]int64, error)
	GetChunksByIDs(ctx context.Context, ids []int64) ([]store.Chunk, error)
	AddEmbedding(ctx context.Context, chunkID int64, vector []float32) error
}

// VectorMirror receives a copy of every stored embedding.
// Implemented by vectorstore.QdrantIndex.
type VectorMirror interface {
	EnsureCollection(ctx context.Context, dims int) error
	Upsert(ctx context.Context, points []vectorstore.Point) error
}

// EmbedOptions configures an embedding run.
type EmbedOptions struct {
	BatchSize  int // texts per embedder call (default: 50)
	Limit      int // max chunks this run (default: 10000)
	ProgressFn func(current, total int)
}

// DefaultEmbedOptions returns sensible defaults for embedding.
func DefaultEmbedOptions() EmbedOptions {
	return EmbedOptions{BatchSize: 50, Limit: 10000}
}

// EmbedResult summarizes an embedding run.
type EmbedResult struct {
	ChunksProcessed int          `json:"chunks_processed"`
	EmbeddingsAdded int          `json:"embeddings_added"`
	Mirrored        int          `json:"mirrored"`
	Errors          []EmbedError `json:"errors,omitempty"`
}

// EmbedError records a non-fatal error for one chunk.
type EmbedError struct {
	ChunkID int64  `json:"chunk_id"`
	Message string `json:"message"`
}

// EmbedEngine backfills chunk embeddings.
type EmbedEngine struct {
	store    EmbedStore
	embedder embed.Embedder
	mirror   VectorMirror
	logger   *zap.Logger

	collectionReady bool
}

// NewEmbedEngine creates an engine. mirror may be nil.
func NewEmbedEngine(s EmbedStore, e embed.Embedder, mirror VectorMirror, logger *zap.Logger) *EmbedEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbedEngine{
		store:    s,
		embedder: e,
		mirror:   mirror,
		logger:   logger.With(zap.String("component", "embed")),
	}
}

// EmbedChunks embeds chunks that have no vector yet. A failed batch is
// recorded per chunk and the run continues; those chunks are picked up again
// next run. A mirror collection that cannot be prepared aborts the run before
// anything from that batch is stored.
func (e *EmbedEngine) EmbedChunks(ctx context.Context, opts EmbedOptions) (*EmbedResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Limit <= 0 {
		opts.Limit = 10000
	}
	result := &EmbedResult{}

	ids, err := e.store.ListChunkIDsWithoutEmbeddings(ctx, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("listing chunks without embeddings: %w", err)
	}
	if len(ids) == 0 {
		return result, nil
	}
	chunks, err := e.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	result.ChunksProcessed = len(chunks)

	for i := 0; i < len(chunks); i += opts.BatchSize {
		end := min(i+opts.BatchSize, len(chunks))
		batch := chunks[i:end]
		if err := e.processBatch(ctx, batch, result); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			var setupErr *mirrorSetupError
			if errors.As(err, &setupErr) {
				return result, err
			}
			e.logger.Warn("embedding batch failed", zap.Int("size", len(batch)), zap.Error(err))
			for _, c := range batch {
				result.Errors = append(result.Errors, EmbedError{ChunkID: c.ID, Message: err.Error()})
			}
		}
		if opts.ProgressFn != nil {
			opts.ProgressFn(end, len(chunks))
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	e.logger.Info("embedding run finished",
		zap.Int("processed", result.ChunksProcessed),
		zap.Int("added", result.EmbeddingsAdded),
		zap.Int("mirrored", result.Mirrored),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

type mirrorSetupError struct{ err error }

func (m *mirrorSetupError) Error() string { return "preparing vector mirror: " + m.err.Error() }
func (m *mirrorSetupError) Unwrap() error { return m.err }

func (e *EmbedEngine) processBatch(ctx context.Context, chunks []store.Chunk, result *EmbedResult) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("generating embeddings: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(chunks))
	}

	if e.mirror != nil && !e.collectionReady {
		for _, vec := range vectors {
			if len(vec) == 0 {
				continue
			}
			if err := e.mirror.EnsureCollection(ctx, len(vec)); err != nil {
				return &mirrorSetupError{err: err}
			}
			e.collectionReady = true
			break
		}
	}

	points := make([]vectorstore.Point, 0, len(chunks))
	for i, c := range chunks {
		vec := vectors[i]
		if len(vec) == 0 {
			result.Errors = append(result.Errors, EmbedError{ChunkID: c.ID, Message: "empty embedding returned"})
			continue
		}
		if err := e.store.AddEmbedding(ctx, c.ID, vec); err != nil {
			result.Errors = append(result.Errors, EmbedError{ChunkID: c.ID, Message: fmt.Sprintf("storing embedding: %v", err)})
			continue
		}
		result.EmbeddingsAdded++
		points = append(points, vectorstore.Point{ChunkID: c.ID, LectureID: c.LectureID, Vector: vec})
	}

	if e.mirror == nil || len(points) == 0 {
		return nil
	}
	if err := e.mirror.Upsert(ctx, points); err != nil {
		for _, p := range points {
			result.Errors = append(result.Errors, EmbedError{ChunkID: p.ChunkID, Message: fmt.Sprintf("mirroring embedding: %v", err)})
		}
		return nil
	}
	result.Mirrored += len(points)
	return nil
}
