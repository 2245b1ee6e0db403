package triage

import (
	"context"

	"go.uber.org/zap"

	"github.com/hurttlocker/lectern/internal/search"
	"github.com/hurttlocker/lectern/internal/store"
)

// DefaultTopM is how many leading candidates receive expanded context.
const DefaultTopM = 3

// ParentContextSource fetches the broader text around a chunk.
type ParentContextSource interface {
	GetParentContext(ctx context.Context, chunkID int64) (store.ParentContext, error)
}

// Expander attaches parent-section context to the leading candidates of an
// uncertain ranking.
type Expander struct {
	source ParentContextSource
	topM   int
	logger *zap.Logger
}

// NewExpander creates an Expander. topM <= 0 uses DefaultTopM.
func NewExpander(source ParentContextSource, topM int, logger *zap.Logger) *Expander {
	if topM <= 0 {
		topM = DefaultTopM
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expander{source: source, topM: topM, logger: logger.With(zap.String("component", "expander"))}
}

// TopM returns the number of candidates eligible for expansion.
func (e *Expander) TopM() int { return e.topM }

// Expand returns cands with ExpandedContext set on the first TopM entries
// when feats marks the ranking uncertain. Otherwise cands is returned as-is.
//
// The input slice and its evidence are never modified; expansion works on a
// copy. A failed lookup leaves that candidate unexpanded.
func (e *Expander) Expand(ctx context.Context, cands []search.Candidate, feats Features) []search.Candidate {
	if !feats.IsUncertain || len(cands) == 0 || e.source == nil {
		return cands
	}

	out := make([]search.Candidate, len(cands))
	copy(out, cands)

	n := e.topM
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		best, ok := out[i].BestChunk()
		if !ok {
			continue
		}
		pc, err := e.source.GetParentContext(ctx, best.ChunkID)
		if err != nil {
			e.logger.Debug("no parent context",
				zap.Int64("lecture_id", out[i].LectureID),
				zap.Int64("chunk_id", best.ChunkID),
				zap.Error(err))
			continue
		}
		out[i].Expanded = &search.ExpandedContext{
			ChunkID:   best.ChunkID,
			SectionID: pc.SectionID,
			Text:      pc.Text,
			PageStart: pc.PageStart,
			PageEnd:   pc.PageEnd,
		}
	}
	return out
}
