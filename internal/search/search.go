// Package search ranks lecture chunks for an exam question and fuses lexical
// and vector rankings into a capped, ordered list of candidate lectures.
package search

import (
	"strings"
	"unicode/utf8"

	"github.com/hurttlocker/lectern/internal/store"
)

// DefaultMaxQueryChars bounds the question + choices text used as search input.
const DefaultMaxQueryChars = 4000

// Query is the per-question search input.
type Query struct {
	QuestionID int64
	Text       string
}

// BuildQuery joins the question text and its answer choices and truncates the
// result to maxChars runes. maxChars <= 0 uses DefaultMaxQueryChars.
func BuildQuery(questionID int64, question string, choices []string, maxChars int) Query {
	if maxChars <= 0 {
		maxChars = DefaultMaxQueryChars
	}

	parts := make([]string, 0, len(choices)+1)
	if q := strings.TrimSpace(question); q != "" {
		parts = append(parts, q)
	}
	for _, c := range choices {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	text := strings.Join(parts, "\n")

	if utf8.RuneCountInString(text) > maxChars {
		runes := []rune(text)
		text = string(runes[:maxChars])
	}
	return Query{QuestionID: questionID, Text: text}
}

// ChunkHit is a ranked chunk. Scorers set Score to their own relevance value;
// after fusion, evidence hits carry the fused per-chunk score and the 1-based
// rank the chunk held in each input ranking (0 = absent).
type ChunkHit struct {
	ChunkID     int64   `json:"chunk_id"`
	LectureID   int64   `json:"lecture_id"`
	SectionID   int64   `json:"section_id,omitempty"`
	Content     string  `json:"content"`
	PageStart   int     `json:"page_start,omitempty"`
	PageEnd     int     `json:"page_end,omitempty"`
	Score       float64 `json:"score"`
	LexicalRank int     `json:"lexical_rank,omitempty"`
	VectorRank  int     `json:"vector_rank,omitempty"`
}

// ExpandedContext is broader text attached to a candidate for uncertain cases.
type ExpandedContext struct {
	ChunkID   int64  `json:"chunk_id"`
	SectionID int64  `json:"section_id,omitempty"`
	Text      string `json:"text"`
	PageStart int    `json:"page_start,omitempty"`
	PageEnd   int    `json:"page_end,omitempty"`
}

// Candidate is a lecture surfaced by fusion with its supporting evidence.
type Candidate struct {
	LectureID       int64            `json:"lecture_id"`
	Score           float64          `json:"score"`
	BestLexicalRank int              `json:"best_lexical_rank,omitempty"`
	Evidence        []ChunkHit       `json:"evidence"`
	Expanded        *ExpandedContext `json:"expanded,omitempty"`
}

// BestChunk returns the candidate's leading evidence chunk.
func (c Candidate) BestChunk() (ChunkHit, bool) {
	if len(c.Evidence) == 0 {
		return ChunkHit{}, false
	}
	return c.Evidence[0], true
}

// HitFromMatch converts a store search match into a ChunkHit.
func HitFromMatch(m store.ChunkMatch) ChunkHit {
	return ChunkHit{
		ChunkID:   m.Chunk.ID,
		LectureID: m.Chunk.LectureID,
		SectionID: m.Chunk.SectionID,
		Content:   m.Chunk.Content,
		PageStart: m.Chunk.PageStart,
		PageEnd:   m.Chunk.PageEnd,
		Score:     m.Score,
	}
}

func hitsFromMatches(matches []store.ChunkMatch) []ChunkHit {
	hits := make([]ChunkHit, len(matches))
	for i, m := range matches {
		hits[i] = HitFromMatch(m)
	}
	return hits
}
