package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/hurttlocker/lectern/internal/embed"
	"github.com/hurttlocker/lectern/internal/store"
)

// ErrVectorUnavailable is returned by a vector scorer that has no backend.
var ErrVectorUnavailable = errors.New("vector scorer unavailable")

// Scorer ranks chunks against a query string, best first.
type Scorer interface {
	Rank(ctx context.Context, query string, limit int) ([]ChunkHit, error)
	Name() string
}

// LexicalSource is the store capability behind LexicalScorer.
type LexicalSource interface {
	SearchChunksFTS(ctx context.Context, query string, limit int) ([]store.ChunkMatch, error)
}

// VectorIndex returns the chunks nearest to a query vector, best first.
// Implemented by store.SQLiteStore (brute force) and vectorstore.QdrantIndex.
type VectorIndex interface {
	SearchChunkEmbeddings(ctx context.Context, vector []float32, limit int) ([]store.ChunkMatch, error)
}

// LexicalScorer ranks chunks with FTS5 BM25. Tokenization is FTS5's own, so
// query and corpus are normalized identically.
type LexicalScorer struct {
	src LexicalSource
}

// NewLexicalScorer creates a BM25 scorer over src.
func NewLexicalScorer(src LexicalSource) *LexicalScorer {
	return &LexicalScorer{src: src}
}

func (l *LexicalScorer) Name() string { return "bm25" }

// Rank returns up to limit chunks ordered by BM25 relevance.
func (l *LexicalScorer) Rank(ctx context.Context, query string, limit int) ([]ChunkHit, error) {
	matches, err := l.src.SearchChunksFTS(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return hitsFromMatches(matches), nil
}

// VectorScorer embeds the query and ranks chunks by cosine similarity.
type VectorScorer struct {
	embedder embed.Embedder
	index    VectorIndex
}

// NewVectorScorer creates a semantic scorer. Both arguments are required.
func NewVectorScorer(embedder embed.Embedder, index VectorIndex) *VectorScorer {
	return &VectorScorer{embedder: embedder, index: index}
}

func (v *VectorScorer) Name() string { return "vector" }

// Rank embeds query and returns the nearest chunks.
func (v *VectorScorer) Rank(ctx context.Context, query string, limit int) ([]ChunkHit, error) {
	if v.embedder == nil || v.index == nil {
		return nil, ErrVectorUnavailable
	}
	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	matches, err := v.index.SearchChunkEmbeddings(ctx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return hitsFromMatches(matches), nil
}

// NopScorer always returns an empty ranking. It stands in for the vector
// scorer when no embedding backend is configured.
type NopScorer struct{}

func (NopScorer) Name() string { return "none" }

func (NopScorer) Rank(context.Context, string, int) ([]ChunkHit, error) { return nil, nil }
