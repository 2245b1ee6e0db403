package search

import (
	"math"
	"sort"
)

const (
	defaultRRFK                 = 60
	defaultCandidateCap         = 8
	defaultEvidencePerCandidate = 3

	// scoreEpsilon treats fused scores this close together as tied.
	scoreEpsilon = 1e-12
)

// FusionConfig holds parameters for Reciprocal Rank Fusion over lectures.
type FusionConfig struct {
	K                    int     `json:"k"`
	LexicalWeight        float64 `json:"lexical_weight"`
	VectorWeight         float64 `json:"vector_weight"`
	CandidateCap         int     `json:"candidate_cap"`
	EvidencePerCandidate int     `json:"evidence_per_candidate"`
}

// DefaultFusionConfig returns the default fusion configuration.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		K:                    defaultRRFK,
		LexicalWeight:        1.0,
		VectorWeight:         1.0,
		CandidateCap:         defaultCandidateCap,
		EvidencePerCandidate: defaultEvidencePerCandidate,
	}
}

// Normalized fills zero-valued fields with defaults.
func (cfg FusionConfig) Normalized() FusionConfig {
	if cfg.K <= 0 {
		cfg.K = defaultRRFK
	}
	if cfg.LexicalWeight == 0 {
		cfg.LexicalWeight = 1.0
	}
	if cfg.VectorWeight == 0 {
		cfg.VectorWeight = 1.0
	}
	if cfg.CandidateCap <= 0 {
		cfg.CandidateCap = defaultCandidateCap
	}
	if cfg.EvidencePerCandidate <= 0 {
		cfg.EvidencePerCandidate = defaultEvidencePerCandidate
	}
	return cfg
}

type fusedChunk struct {
	hit   ChunkHit
	score float64
}

type fusedLecture struct {
	id          int64
	score       float64
	bestLexRank int // 0 = no chunk in the lexical ranking
	chunks      []*fusedChunk
}

// Fuse merges lexical and vector chunk rankings into lecture candidates.
//
// A chunk at 1-based rank r contributes weight/(K+r) to its lecture, summed
// across both rankings. Lectures are ordered by aggregate score, then by the
// best lexical rank among their chunks, then by lecture id. Each lecture keeps
// its top chunks as evidence, ordered by per-chunk fused score, then lexical
// rank, then chunk id. Identical inputs always produce identical output.
func Fuse(lexical, vector []ChunkHit, cfg FusionConfig) []Candidate {
	cfg = cfg.Normalized()

	chunks := make(map[int64]*fusedChunk)
	lectures := make(map[int64]*fusedLecture)

	add := func(ranking []ChunkHit, weight float64, lexical bool) {
		seen := make(map[int64]bool, len(ranking))
		rank := 0
		for _, h := range ranking {
			if seen[h.ChunkID] {
				continue
			}
			seen[h.ChunkID] = true
			rank++

			fc, ok := chunks[h.ChunkID]
			if !ok {
				hit := h
				hit.Score, hit.LexicalRank, hit.VectorRank = 0, 0, 0
				fc = &fusedChunk{hit: hit}
				chunks[h.ChunkID] = fc

				fl, ok := lectures[h.LectureID]
				if !ok {
					fl = &fusedLecture{id: h.LectureID}
					lectures[h.LectureID] = fl
				}
				fl.chunks = append(fl.chunks, fc)
			}

			contribution := weight / float64(cfg.K+rank)
			fc.score += contribution
			lectures[fc.hit.LectureID].score += contribution

			if lexical {
				fc.hit.LexicalRank = rank
				fl := lectures[fc.hit.LectureID]
				if fl.bestLexRank == 0 || rank < fl.bestLexRank {
					fl.bestLexRank = rank
				}
			} else {
				fc.hit.VectorRank = rank
				if len(fc.hit.Content) < len(h.Content) {
					fc.hit.Content = h.Content
				}
			}
		}
	}
	add(lexical, cfg.LexicalWeight, true)
	add(vector, cfg.VectorWeight, false)

	merged := make([]*fusedLecture, 0, len(lectures))
	for _, fl := range lectures {
		merged = append(merged, fl)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if delta := a.score - b.score; math.Abs(delta) > scoreEpsilon {
			return delta > 0
		}
		if ra, rb := rankOrMax(a.bestLexRank), rankOrMax(b.bestLexRank); ra != rb {
			return ra < rb
		}
		return a.id < b.id
	})
	if len(merged) > cfg.CandidateCap {
		merged = merged[:cfg.CandidateCap]
	}

	candidates := make([]Candidate, 0, len(merged))
	for _, fl := range merged {
		sort.SliceStable(fl.chunks, func(i, j int) bool {
			a, b := fl.chunks[i], fl.chunks[j]
			if delta := a.score - b.score; math.Abs(delta) > scoreEpsilon {
				return delta > 0
			}
			if ra, rb := rankOrMax(a.hit.LexicalRank), rankOrMax(b.hit.LexicalRank); ra != rb {
				return ra < rb
			}
			return a.hit.ChunkID < b.hit.ChunkID
		})

		n := len(fl.chunks)
		if n > cfg.EvidencePerCandidate {
			n = cfg.EvidencePerCandidate
		}
		evidence := make([]ChunkHit, n)
		for i := 0; i < n; i++ {
			evidence[i] = fl.chunks[i].hit
			evidence[i].Score = fl.chunks[i].score
		}

		candidates = append(candidates, Candidate{
			LectureID:       fl.id,
			Score:           fl.score,
			BestLexicalRank: fl.bestLexRank,
			Evidence:        evidence,
		})
	}
	return candidates
}

func rankOrMax(rank int) int {
	if rank <= 0 {
		return math.MaxInt
	}
	return rank
}
