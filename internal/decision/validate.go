package decision

import (
	"math"
	"strconv"
	"strings"

	"github.com/hurttlocker/lectern/internal/search"
)

// Reasons recorded on decisions the validator had to rewrite.
const (
	reasonParseFailed = "judge output could not be parsed"
	reasonFallback    = "recovered from free-text judge output"
)

// Validate applies the candidate invariants to a parse result:
//
//   - a lecture id outside the candidate set is cleared and the decision is
//     forced to no-match, with OutOfCandidate recorded;
//   - a no-match decision carries no evidence;
//   - otherwise evidence is kept only when it cites a chunk of the chosen
//     candidate and its quote appears in that chunk, or in the expanded
//     context when the expansion was taken around that same chunk;
//   - an unparsable result becomes a no-match with zero confidence and
//     ParseFailed set.
//
// Validate is deterministic and makes no external calls.
func Validate(pr ParseResult, cands []search.Candidate) Validated {
	var d Decision
	switch r := pr.(type) {
	case Structured:
		d = r.Decision
	case FallbackParsed:
		d = Decision{LectureID: r.Partial.LectureID, NoMatch: r.Partial.NoMatch, Reason: reasonFallback}
		if r.Partial.Confidence != nil {
			d.Confidence = *r.Partial.Confidence
		}
	case Unparsable:
		return Validated{
			NoMatch:     true,
			Confidence:  0,
			Reason:      reasonParseFailed,
			Evidence:    []Evidence{},
			ParseFailed: true,
			ParseMode:   ModeUnparsable,
		}
	default:
		return Validated{NoMatch: true, Evidence: []Evidence{}, ParseFailed: true, ParseMode: ModeUnparsable, Reason: reasonParseFailed}
	}

	v := Validated{
		Confidence: clampConfidence(d.Confidence),
		Reason:     d.Reason,
		StudyHint:  d.StudyHint,
		NoMatch:    d.NoMatch,
		Evidence:   []Evidence{},
		ParseMode:  pr.Mode(),
	}

	var chosen *search.Candidate
	if !d.NoMatch {
		switch {
		case d.LectureID != nil:
			for i := range cands {
				if cands[i].LectureID == *d.LectureID {
					chosen = &cands[i]
					break
				}
			}
			if chosen == nil {
				v.OutOfCandidate = true
			}
		case d.UnresolvedLectureRef != "":
			v.OutOfCandidate = true
		}
		if chosen == nil {
			v.NoMatch = true
		}
	}

	if v.NoMatch {
		v.DroppedEvidence = len(d.Evidence)
		return v
	}

	v.LectureID = int64Ptr(chosen.LectureID)
	v.Evidence, v.DroppedEvidence = filterEvidence(d.Evidence, *chosen)
	return v
}

// filterEvidence keeps the evidence items that cite one of the candidate's
// evidence chunks with a quote found in its text. Quotes are compared with
// whitespace collapsed. Page ranges come from the chunk, or from the expanded
// context when the quote was only found there.
func filterEvidence(items []Evidence, c search.Candidate) ([]Evidence, int) {
	kept := make([]Evidence, 0, len(items))
	dropped := 0
	seen := make(map[string]bool, len(items))

	for _, e := range items {
		if e.LectureID == 0 {
			e.LectureID = c.LectureID
		}
		if e.LectureID != c.LectureID {
			dropped++
			continue
		}

		chunk, ok := findChunk(c, e.ChunkID)
		if !ok {
			dropped++
			continue
		}

		quote := normalizeQuote(e.Quote)
		if quote == "" {
			dropped++
			continue
		}

		switch {
		case strings.Contains(normalizeSpace(chunk.Content), quote):
			e.PageStart, e.PageEnd = chunk.PageStart, chunk.PageEnd
		case c.Expanded != nil && c.Expanded.ChunkID == e.ChunkID && strings.Contains(normalizeSpace(c.Expanded.Text), quote):
			e.PageStart, e.PageEnd = c.Expanded.PageStart, c.Expanded.PageEnd
		default:
			dropped++
			continue
		}

		key := strconv.FormatInt(e.ChunkID, 10) + "\x00" + quote
		if seen[key] {
			dropped++
			continue
		}
		seen[key] = true
		e.Quote = quote
		kept = append(kept, e)
	}
	return kept, dropped
}

func findChunk(c search.Candidate, chunkID int64) (search.ChunkHit, bool) {
	for _, h := range c.Evidence {
		if h.ChunkID == chunkID {
			return h, true
		}
	}
	return search.ChunkHit{}, false
}

// normalizeQuote trims surrounding quote marks and collapses whitespace.
func normalizeQuote(q string) string {
	q = strings.TrimSpace(q)
	q = strings.Trim(q, "\"'“”‘’")
	return normalizeSpace(q)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
