package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hurttlocker/lectern/internal/decision"
	"github.com/hurttlocker/lectern/internal/store"
)

var (
	// ErrResultPending means the question has not been classified yet.
	ErrResultPending = errors.New("result pending")
	// ErrNothingToApply means the result names no lecture (no match).
	ErrNothingToApply = errors.New("result has no lecture to apply")
)

// ResultView is a stored result with its decision decoded.
type ResultView struct {
	QuestionID int64              `json:"question_id"`
	JobID      string             `json:"job_id,omitempty"`
	ConfigHash string             `json:"config_hash"`
	ModelName  string             `json:"model_name"`
	Outcome    decision.Outcome   `json:"outcome"`
	Decision   decision.Validated `json:"decision"`
	Features   json.RawMessage    `json:"features,omitempty"`
	CacheHit   bool               `json:"cache_hit"`
	Applied    bool               `json:"applied"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Service exposes stored results to callers: reading them and confirming
// proposals that need review.
type Service struct {
	store Store
}

// NewService creates a Service over st.
func NewService(st Store) *Service {
	return &Service{store: st}
}

// GetResult returns the latest result for a question, or ErrResultPending.
func (s *Service) GetResult(ctx context.Context, questionID int64) (*ResultView, error) {
	r, err := s.store.GetResult(ctx, questionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("question %d: %w", questionID, ErrResultPending)
	}
	if err != nil {
		return nil, err
	}
	return DecodeResult(r)
}

// ApplyResult writes a result's decision as a manual classification and
// marks the result applied. A result that is already applied is returned
// unchanged.
func (s *Service) ApplyResult(ctx context.Context, questionID int64) (*store.Classification, error) {
	return s.apply(ctx, questionID, store.StatusManual)
}

// Promote auto-applies a result that now clears the gate, e.g. after the
// thresholds were lowered. It never replaces a confirmed classification and
// returns store.ErrConfirmed instead.
func (s *Service) Promote(ctx context.Context, questionID int64) (*store.Classification, error) {
	return s.apply(ctx, questionID, store.StatusAuto)
}

func (s *Service) apply(ctx context.Context, questionID int64, status store.ClassificationStatus) (*store.Classification, error) {
	view, err := s.GetResult(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if view.Applied {
		if c, err := s.store.GetClassification(ctx, questionID); err == nil {
			return c, nil
		}
	}
	if _, ok := view.Decision.Lecture(); !ok {
		return nil, fmt.Errorf("question %d: %w", questionID, ErrNothingToApply)
	}

	if err := writeClassification(ctx, s.store, questionID, view.Decision, status); err != nil {
		return nil, err
	}
	if err := s.store.MarkResultApplied(ctx, questionID); err != nil {
		return nil, err
	}
	return s.store.GetClassification(ctx, questionID)
}

// DecodeResult decodes the decision stored with a result.
func DecodeResult(r *store.Result) (*ResultView, error) {
	view := &ResultView{
		QuestionID: r.QuestionID,
		JobID:      r.JobID,
		ConfigHash: r.ConfigHash,
		ModelName:  r.ModelName,
		Outcome:    decision.Outcome(r.Outcome),
		CacheHit:   r.CacheHit,
		Applied:    r.Applied,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Decision), &view.Decision); err != nil {
		return nil, fmt.Errorf("decoding decision for question %d: %w", r.QuestionID, err)
	}
	if r.Features != "" {
		view.Features = json.RawMessage(r.Features)
	}
	return view, nil
}
