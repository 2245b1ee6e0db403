package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// wireDecision is the JSON shape requested from the judge. Fields are raw so
// that loosely typed values ("12", "L12", "85%") can still be read.
type wireDecision struct {
	LectureID  json.RawMessage `json:"lecture_id"`
	Confidence json.RawMessage `json:"confidence"`
	Reason     string          `json:"reason"`
	StudyHint  string          `json:"study_hint"`
	NoMatch    json.RawMessage `json:"no_match"`
	Evidence   []wireEvidence  `json:"evidence"`
}

type wireEvidence struct {
	LectureID json.RawMessage `json:"lecture_id"`
	ChunkID   json.RawMessage `json:"chunk_id"`
	PageStart int             `json:"page_start"`
	PageEnd   int             `json:"page_end"`
	Quote     string          `json:"quote"`
}

// Parse reads a judge response. It tries, in order: the whole text as JSON,
// the first fenced code block, the first balanced {...} object, and finally a
// free-text scan for a lecture id, a confidence and no-match phrasing.
func Parse(raw string) ParseResult {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return Unparsable{Raw: raw, Err: ErrEmptyResponse}
	}

	if d, ok := decodeDecision(cleaned); ok {
		return Structured{Decision: d}
	}
	if fenced, ok := extractFence(cleaned); ok {
		if d, ok := decodeDecision(fenced); ok {
			return Structured{Decision: d}
		}
	}
	for _, obj := range balancedObjects(cleaned) {
		if d, ok := decodeDecision(obj); ok {
			return Structured{Decision: d}
		}
	}

	if p, ok := scanFreeText(cleaned); ok {
		return FallbackParsed{Partial: p, Raw: raw}
	}
	return Unparsable{Raw: raw, Err: fmt.Errorf("no decision found in judge output: %s", truncateForError(cleaned, 200))}
}

// decodeDecision decodes s as a decision object. An object without any of
// lecture_id, no_match or confidence is not a decision.
func decodeDecision(s string) (Decision, bool) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return Decision{}, false
	}
	_, hasLecture := keys["lecture_id"]
	_, hasNoMatch := keys["no_match"]
	_, hasConfidence := keys["confidence"]
	if !hasLecture && !hasNoMatch && !hasConfidence {
		return Decision{}, false
	}

	var w wireDecision
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		// Wrong types in evidence; keep the top-level fields.
		w.Evidence = nil
		w.LectureID, w.Confidence, w.NoMatch = keys["lecture_id"], keys["confidence"], keys["no_match"]
		_ = json.Unmarshal(keys["reason"], &w.Reason)
		_ = json.Unmarshal(keys["study_hint"], &w.StudyHint)
	}

	d := Decision{
		Reason:    strings.TrimSpace(w.Reason),
		StudyHint: strings.TrimSpace(w.StudyHint),
		NoMatch:   coerceBool(w.NoMatch),
	}
	if id, ok, ref := coerceLectureID(w.LectureID); ok {
		d.LectureID = int64Ptr(id)
	} else if ref != "" {
		d.UnresolvedLectureRef = ref
	}
	if c, ok := coerceConfidence(w.Confidence); ok {
		d.Confidence = c
	}
	for _, we := range w.Evidence {
		e := Evidence{PageStart: we.PageStart, PageEnd: we.PageEnd, Quote: we.Quote}
		if id, ok, _ := coerceLectureID(we.LectureID); ok {
			e.LectureID = id
		}
		if id, ok, _ := coerceLectureID(we.ChunkID); ok {
			e.ChunkID = id
		}
		d.Evidence = append(d.Evidence, e)
	}
	return d, true
}

var lectureRefPattern = regexp.MustCompile(`(?i)^(?:lecture[\s_-]*)?L?\s*(\d+)$`)

// coerceLectureID reads an id from a JSON number, a numeric string or an
// "L12"-style string. ok is false for null or missing values; ref carries
// any other non-empty value verbatim.
func coerceLectureID(raw json.RawMessage) (id int64, ok bool, ref string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, ""
	}

	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, false, string(raw)
	}
	switch val := v.(type) {
	case json.Number:
		num = val
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false, ""
		}
		m := lectureRefPattern.FindStringSubmatch(s)
		if m == nil {
			return 0, false, s
		}
		num = json.Number(m[1])
	default:
		return 0, false, string(raw)
	}

	if n, err := num.Int64(); err == nil {
		return n, true, ""
	}
	if f, err := num.Float64(); err == nil && f == math.Trunc(f) {
		return int64(f), true, ""
	}
	return 0, false, string(raw)
}

// coerceConfidence reads a number, a numeric string or a percentage. Values
// in (1, 100] are taken as percentages.
func coerceConfidence(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		return parseConfidenceText(s)
	}
	return normalizeConfidence(f, false), true
}

func parseConfidenceText(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return normalizeConfidence(f, pct), true
}

func normalizeConfidence(f float64, percent bool) float64 {
	if percent || (f > 1 && f <= 100) {
		return f / 100
	}
	return f
}

func coerceBool(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "1":
			return true
		}
	}
	return false
}

// extractFence returns the body of the first ``` fenced block.
func extractFence(s string) (string, bool) {
	lines := strings.Split(s, "\n")
	start, end := -1, -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if start < 0 {
				start = i + 1
			} else {
				end = i
				break
			}
		}
	}
	if start < 0 || end <= start {
		return "", false
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n")), true
}

// balancedObjects returns every top-level {...} span in s, skipping braces
// inside JSON strings.
func balancedObjects(s string) []string {
	var out []string
	depth, start := 0, -1
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					out = append(out, s[start:i+1])
				}
			}
		}
	}
	return out
}

var (
	freeLecturePattern = regexp.MustCompile(`(?i)\blecture(?:[\s_-]*id)?"?\s*(?:is|:|=|#)?\s*"?L?(\d+)\b`)
	freeShortIDPattern = regexp.MustCompile(`\bL(\d+)\b`)
	freeConfPattern    = regexp.MustCompile(`(?i)\bconfidence\b[^0-9\n]{0,20}(\d+(?:\.\d+)?)\s*(%)?`)
	freeNoMatchPattern = regexp.MustCompile(`(?i)\bno[\s_-]?match\b|\bnone of the (?:candidate|lecture)s?\b|\bno (?:suitable|matching|relevant) lecture\b`)
)

// scanFreeText recovers what it can from prose. It succeeds only when it
// finds a lecture id or an explicit no-match statement.
func scanFreeText(s string) (PartialDecision, bool) {
	var p PartialDecision

	p.NoMatch = freeNoMatchPattern.MatchString(s)

	m := freeLecturePattern.FindStringSubmatch(s)
	if m == nil {
		m = freeShortIDPattern.FindStringSubmatch(s)
	}
	if m != nil {
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			p.LectureID = int64Ptr(id)
		}
	}

	if c := freeConfPattern.FindStringSubmatch(s); c != nil {
		if f, ok := parseConfidenceText(c[1] + c[2]); ok {
			p.Confidence = &f
		}
	}

	if p.NoMatch {
		p.LectureID = nil
	}
	return p, p.NoMatch || p.LectureID != nil
}

func truncateForError(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
