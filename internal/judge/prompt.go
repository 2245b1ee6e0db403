package judge

import (
	"fmt"
	"strings"

	"github.com/hurttlocker/lectern/internal/search"
)

// PromptVersion identifies the prompt template. It participates in the
// configuration fingerprint, so bump it whenever the wording changes.
const PromptVersion = "v1"

const systemPrompt = `You classify exam questions into the lecture that teaches the tested material.
Respond with a single JSON object and nothing else:
{"lecture_id": <candidate id or null>, "confidence": <0.0-1.0>, "no_match": <true|false>,
 "reason": "<one sentence>", "study_hint": "<what to revise>",
 "evidence": [{"lecture_id": <id>, "chunk_id": <id>, "quote": "<exact text copied from that chunk>"}]}
Rules:
- lecture_id must be one of the candidate ids listed. Never invent an id.
- If no candidate teaches the material, set "no_match": true, "lecture_id": null and "evidence": [].
- Quotes must be copied verbatim from the chunk they cite.`

const maxChunkChars = 1200
const maxExpandedChars = 2400

// BuildPrompt renders the user prompt for one question. The output depends
// only on its inputs.
func BuildPrompt(in Input) string {
	var sb strings.Builder

	sb.WriteString("QUESTION:\n")
	sb.WriteString(strings.TrimSpace(in.Question))
	sb.WriteString("\n")

	if len(in.Choices) > 0 {
		sb.WriteString("\nCHOICES:\n")
		for i, c := range in.Choices {
			fmt.Fprintf(&sb, "%c) %s\n", choiceLabel(i), strings.TrimSpace(c))
		}
	}

	sb.WriteString("\nCANDIDATE LECTURES:\n")
	for _, c := range in.Candidates {
		title := in.LectureTitles[c.LectureID]
		if title == "" {
			fmt.Fprintf(&sb, "\n[lecture_id=%d]\n", c.LectureID)
		} else {
			fmt.Fprintf(&sb, "\n[lecture_id=%d] %s\n", c.LectureID, title)
		}
		for _, e := range c.Evidence {
			fmt.Fprintf(&sb, "  chunk_id=%d%s: %s\n", e.ChunkID, pageLabel(e.PageStart, e.PageEnd), clip(e.Content, maxChunkChars))
		}
		if c.Expanded != nil && strings.TrimSpace(c.Expanded.Text) != "" {
			fmt.Fprintf(&sb, "  context around chunk_id=%d%s:\n  %s\n",
				c.Expanded.ChunkID, pageLabel(c.Expanded.PageStart, c.Expanded.PageEnd),
				strings.ReplaceAll(clipRunes(strings.TrimSpace(c.Expanded.Text), maxExpandedChars), "\n", "\n  "))
		}
	}

	sb.WriteString("\nReturn the JSON object now.")
	return sb.String()
}

func choiceLabel(i int) rune {
	if i < 26 {
		return rune('A' + i)
	}
	return '?'
}

func pageLabel(start, end int) string {
	switch {
	case start <= 0:
		return ""
	case end <= start:
		return fmt.Sprintf(" (p.%d)", start)
	default:
		return fmt.Sprintf(" (pp.%d-%d)", start, end)
	}
}

// clip collapses whitespace and shortens s to maxRunes runes.
func clip(s string, maxRunes int) string {
	return clipRunes(strings.Join(strings.Fields(s), " "), maxRunes)
}

func clipRunes(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}

// candidateIDs lists candidate lecture ids in rank order.
func candidateIDs(cands []search.Candidate) []int64 {
	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.LectureID
	}
	return ids
}
