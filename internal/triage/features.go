// Package triage decides how much scrutiny a retrieval result needs and
// widens the context of uncertain cases before they reach the judge.
package triage

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/hurttlocker/lectern/internal/search"
)

// MaxGap is the score gap reported when fewer than two candidates exist.
const MaxGap = math.MaxFloat64

// Reason codes recorded in Features.Reasons.
const (
	ReasonNoCandidates  = "no_candidates"
	ReasonNarrowGap     = "narrow_gap"
	ReasonWeakLexical   = "weak_lexical_rank"
	ReasonShortEvidence = "short_evidence"
)

const (
	defaultGapThreshold  = 0.002
	defaultRankThreshold = 5
	defaultLenThreshold  = 80
)

// Thresholds configures the uncertainty guard.
type Thresholds struct {
	Gap    float64 `json:"gap" yaml:"gap"`       // fused score gap between top-1 and top-2
	Rank   int     `json:"rank" yaml:"rank"`     // worst acceptable lexical rank of the top chunk
	Length int     `json:"length" yaml:"length"` // minimum rune length of the top chunk
}

// DefaultThresholds returns the default uncertainty thresholds. The gap is
// sized for RRF scores with K=60, where one rank step is worth about 2.7e-4.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Gap:    defaultGapThreshold,
		Rank:   defaultRankThreshold,
		Length: defaultLenThreshold,
	}
}

// Validate reports a threshold outside its meaningful range.
func (t Thresholds) Validate() error {
	if t.Gap < 0 {
		return fmt.Errorf("gap threshold must be >= 0, got %v", t.Gap)
	}
	if t.Rank < 1 {
		return fmt.Errorf("rank threshold must be >= 1, got %d", t.Rank)
	}
	if t.Length < 0 {
		return fmt.Errorf("length threshold must be >= 0, got %d", t.Length)
	}
	return nil
}

// Features summarizes how decisive a candidate ranking is.
type Features struct {
	ScoreGap        float64  `json:"score_gap"`
	Top1LexicalRank int      `json:"top1_lexical_rank"` // 0 = top chunk absent from the lexical ranking
	BestEvidenceLen int      `json:"best_evidence_len"`
	IsUncertain     bool     `json:"is_uncertain"`
	Reasons         []string `json:"reasons,omitempty"`
}

// Estimate computes retrieval features for the fused candidates.
//
// The lexical rank is read from the top candidate's leading evidence chunk.
// A chunk that only the vector scorer found has no lexical rank, which counts
// as exceeding the rank threshold.
func Estimate(cands []search.Candidate, th Thresholds) Features {
	if len(cands) == 0 {
		return Features{ScoreGap: MaxGap, IsUncertain: true, Reasons: []string{ReasonNoCandidates}}
	}

	f := Features{ScoreGap: MaxGap}
	if len(cands) >= 2 {
		f.ScoreGap = cands[0].Score - cands[1].Score
	}
	if best, ok := cands[0].BestChunk(); ok {
		f.Top1LexicalRank = best.LexicalRank
		f.BestEvidenceLen = utf8.RuneCountInString(best.Content)
	}

	if f.ScoreGap < th.Gap {
		f.Reasons = append(f.Reasons, ReasonNarrowGap)
	}
	if f.Top1LexicalRank == 0 || f.Top1LexicalRank > th.Rank {
		f.Reasons = append(f.Reasons, ReasonWeakLexical)
	}
	if f.BestEvidenceLen < th.Length {
		f.Reasons = append(f.Reasons, ReasonShortEvidence)
	}
	f.IsUncertain = len(f.Reasons) > 0
	return f
}
