package decision

import "fmt"

// Outcome is the auto-apply gate's verdict.
type Outcome string

const (
	OutcomeAutoApplied Outcome = "auto_applied"
	OutcomeNeedsReview Outcome = "needs_review"
)

// Gate reason codes.
const (
	GateNoMatch           = "no_match"
	GateNoLecture         = "no_lecture"
	GateOutOfCandidate    = "out_of_candidate"
	GateUnstructured      = "unstructured_output"
	GateBelowThreshold    = "below_threshold"
	GateConfidenceCleared = "confidence_cleared"
)

// GateResult is an outcome with the rule that produced it.
type GateResult struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
}

// Gate decides whether a validated decision may be written without review.
type Gate struct {
	BaseThreshold float64 `json:"base_threshold" yaml:"base_threshold"`
	Margin        float64 `json:"margin" yaml:"margin"`
}

// DefaultGate requires confidence of at least 0.8.
func DefaultGate() Gate {
	return Gate{BaseThreshold: 0.7, Margin: 0.1}
}

// Threshold is the confidence an auto-applied decision must reach.
func (g Gate) Threshold() float64 { return g.BaseThreshold + g.Margin }

// Validate checks the thresholds are usable.
func (g Gate) Validate() error {
	if g.BaseThreshold < 0 || g.BaseThreshold > 1 {
		return fmt.Errorf("gate base threshold must be in [0,1], got %v", g.BaseThreshold)
	}
	if g.Margin < 0 {
		return fmt.Errorf("gate margin must be >= 0, got %v", g.Margin)
	}
	if g.Threshold() > 1 {
		return fmt.Errorf("gate base threshold + margin must be <= 1, got %v", g.Threshold())
	}
	return nil
}

// Evaluate applies the gate rules in order. No-match, missing lecture,
// out-of-candidate and non-structured decisions always need review,
// whatever their confidence.
func (g Gate) Evaluate(v Validated) GateResult {
	switch {
	case v.NoMatch:
		return GateResult{Outcome: OutcomeNeedsReview, Reason: GateNoMatch}
	case v.LectureID == nil:
		return GateResult{Outcome: OutcomeNeedsReview, Reason: GateNoLecture}
	case v.OutOfCandidate:
		return GateResult{Outcome: OutcomeNeedsReview, Reason: GateOutOfCandidate}
	case v.ParseMode != ModeStructured:
		return GateResult{Outcome: OutcomeNeedsReview, Reason: GateUnstructured}
	case v.Confidence >= g.Threshold():
		return GateResult{Outcome: OutcomeAutoApplied, Reason: GateConfidenceCleared}
	default:
		return GateResult{Outcome: OutcomeNeedsReview, Reason: GateBelowThreshold}
	}
}
