package search

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Mode selects which scorers feed fusion.
type Mode string

const (
	ModeLexicalOnly Mode = "lexical_only"
	ModeHybrid      Mode = "hybrid"
)

// ParseMode validates a retrieval mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLexicalOnly, "lexical", "bm25":
		return ModeLexicalOnly, nil
	case ModeHybrid, "":
		return ModeHybrid, nil
	default:
		return "", fmt.Errorf("unknown retrieval mode %q (supported: lexical_only, hybrid)", s)
	}
}

// RetrieverConfig controls retrieval depth and fusion.
type RetrieverConfig struct {
	Mode         Mode
	LexicalDepth int // chunks requested from the lexical scorer
	VectorDepth  int // chunks requested from the vector scorer
	Fusion       FusionConfig
}

// DefaultRetrieverConfig returns hybrid retrieval with 50 chunks per scorer.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		Mode:         ModeHybrid,
		LexicalDepth: 50,
		VectorDepth:  50,
		Fusion:       DefaultFusionConfig(),
	}
}

// Retrieval is the output of one retrieval pass.
type Retrieval struct {
	Query          Query
	Lexical        []ChunkHit
	Vector         []ChunkHit
	Candidates     []Candidate
	Degraded       bool   // vector scorer failed; ranking is lexical-only
	DegradedReason string
}

// Retriever runs the scorers and fuses their rankings.
type Retriever struct {
	lexical Scorer
	vector  Scorer
	cfg     RetrieverConfig
	logger  *zap.Logger
}

// NewRetriever creates a Retriever. A nil vector scorer is replaced by NopScorer.
func NewRetriever(lexical, vector Scorer, cfg RetrieverConfig, logger *zap.Logger) *Retriever {
	if vector == nil {
		vector = NopScorer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LexicalDepth <= 0 {
		cfg.LexicalDepth = 50
	}
	if cfg.VectorDepth <= 0 {
		cfg.VectorDepth = 50
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHybrid
	}
	cfg.Fusion = cfg.Fusion.Normalized()
	return &Retriever{
		lexical: lexical,
		vector:  vector,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve ranks chunks for q and fuses them into candidates.
//
// A lexical failure is returned as an error. A vector failure is not: the
// pass degrades to a lexical-only ranking and is flagged as such.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Retrieval, error) {
	out := &Retrieval{Query: q}

	lex, err := r.lexical.Rank(ctx, q.Text, r.cfg.LexicalDepth)
	if err != nil {
		return nil, fmt.Errorf("retrieving question %d: %w", q.QuestionID, err)
	}
	out.Lexical = lex

	if r.cfg.Mode == ModeHybrid {
		vec, err := r.vector.Rank(ctx, q.Text, r.cfg.VectorDepth)
		if err != nil {
			out.Degraded = true
			out.DegradedReason = err.Error()
			r.logger.Warn("vector scorer unavailable, using lexical ranking only",
				zap.Int64("question_id", q.QuestionID),
				zap.String("scorer", r.vector.Name()),
				zap.Error(err))
		} else {
			out.Vector = vec
		}
	}

	out.Candidates = Fuse(out.Lexical, out.Vector, r.cfg.Fusion)
	r.logger.Debug("retrieval complete",
		zap.Int64("question_id", q.QuestionID),
		zap.Int("lexical_hits", len(out.Lexical)),
		zap.Int("vector_hits", len(out.Vector)),
		zap.Int("candidates", len(out.Candidates)),
		zap.Bool("degraded", out.Degraded))
	return out, nil
}
