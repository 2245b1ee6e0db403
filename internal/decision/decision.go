// Package decision turns raw judge output into a validated classification
// decision and gates whether that decision may be applied without review.
//
// Parsing yields one of three variants (Structured, FallbackParsed,
// Unparsable). Validate handles each explicitly and always returns a
// Validated value: malformed judge output is a recoverable condition, never
// an error.
package decision

import "errors"

// ErrEmptyResponse is carried by Unparsable when the judge returned nothing.
var ErrEmptyResponse = errors.New("empty judge response")

// Evidence is a quote from a chunk cited in support of a decision.
type Evidence struct {
	LectureID int64  `json:"lecture_id"`
	ChunkID   int64  `json:"chunk_id"`
	PageStart int    `json:"page_start,omitempty"`
	PageEnd   int    `json:"page_end,omitempty"`
	Quote     string `json:"quote"`
}

// Decision is the judge's answer after decoding, before validation.
type Decision struct {
	LectureID  *int64
	Confidence float64
	Reason     string
	StudyHint  string
	NoMatch    bool
	Evidence   []Evidence

	// UnresolvedLectureRef holds a lecture reference that could not be read
	// as an id, e.g. a lecture title. It is never a candidate.
	UnresolvedLectureRef string
}

// ParseMode records which parser variant produced a decision.
type ParseMode string

const (
	ModeStructured ParseMode = "structured"
	ModeFallback   ParseMode = "fallback"
	ModeUnparsable ParseMode = "unparsable"
)

// ParseResult is the outcome of Parse. Exactly one of Structured,
// FallbackParsed and Unparsable implements it.
type ParseResult interface {
	Mode() ParseMode
	isParseResult()
}

// Structured is a decision decoded from a JSON object.
type Structured struct {
	Decision Decision
}

// PartialDecision is what a free-text scan can recover.
type PartialDecision struct {
	LectureID  *int64
	Confidence *float64
	NoMatch    bool
}

// FallbackParsed is a decision recovered from free text by pattern matching.
type FallbackParsed struct {
	Partial PartialDecision
	Raw     string
}

// Unparsable means nothing usable could be read from the judge output.
type Unparsable struct {
	Raw string
	Err error
}

func (Structured) Mode() ParseMode     { return ModeStructured }
func (FallbackParsed) Mode() ParseMode { return ModeFallback }
func (Unparsable) Mode() ParseMode     { return ModeUnparsable }

func (Structured) isParseResult()     {}
func (FallbackParsed) isParseResult() {}
func (Unparsable) isParseResult()     {}

// Validated is a decision that satisfies the candidate invariants: LectureID
// is nil or a candidate id, and NoMatch implies no evidence.
type Validated struct {
	LectureID  *int64     `json:"lecture_id"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason,omitempty"`
	StudyHint  string     `json:"study_hint,omitempty"`
	NoMatch    bool       `json:"no_match"`
	Evidence   []Evidence `json:"evidence"`

	OutOfCandidate  bool      `json:"out_of_candidate,omitempty"`
	ParseFailed     bool      `json:"parse_failed,omitempty"`
	ParseMode       ParseMode `json:"parse_mode"`
	DroppedEvidence int       `json:"dropped_evidence,omitempty"`
}

// Lecture returns the chosen lecture id, or 0 and false when there is none.
func (v Validated) Lecture() (int64, bool) {
	if v.LectureID == nil || v.NoMatch {
		return 0, false
	}
	return *v.LectureID, true
}

func int64Ptr(v int64) *int64 { return &v }
