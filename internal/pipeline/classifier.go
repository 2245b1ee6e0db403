// Package pipeline classifies one exam question end to end: retrieve and
// fuse candidates, triage, judge, validate, gate, and persist.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hurttlocker/lectern/internal/cache"
	"github.com/hurttlocker/lectern/internal/decision"
	"github.com/hurttlocker/lectern/internal/judge"
	"github.com/hurttlocker/lectern/internal/search"
	"github.com/hurttlocker/lectern/internal/store"
	"github.com/hurttlocker/lectern/internal/triage"
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetQuestion(ctx context.Context, id int64) (*store.Question, error)
	GetLecture(ctx context.Context, id int64) (*store.Lecture, error)
	UpsertResult(ctx context.Context, r *store.Result) error
	GetResult(ctx context.Context, questionID int64) (*store.Result, error)
	MarkResultApplied(ctx context.Context, questionID int64) error
	WriteClassification(ctx context.Context, c *store.Classification) error
	GetClassification(ctx context.Context, questionID int64) (*store.Classification, error)
}

// Judge produces a raw decision for one question.
type Judge interface {
	Judge(ctx context.Context, in judge.Input) (judge.Response, error)
	Model() string
}

// Deps are the collaborators of a Classifier.
type Deps struct {
	Store     Store
	Retriever *search.Retriever
	Expander  *triage.Expander
	Judge     Judge
	Cache     *cache.Cache
	Logger    *zap.Logger
}

// Outcome is the result of classifying one question.
type Outcome struct {
	QuestionID   int64               `json:"question_id"`
	Decision     decision.Validated  `json:"decision"`
	Gate         decision.GateResult `json:"gate"`
	Features     triage.Features     `json:"features"`
	CandidateIDs []int64             `json:"candidate_ids"`
	Degraded     bool                `json:"degraded,omitempty"`
	CacheHit     bool                `json:"cache_hit"`
	JudgeCalled  bool                `json:"judge_called"`
	ManualKept   bool                `json:"manual_kept,omitempty"`
	ConfigHash   string              `json:"config_hash"`
	ModelName    string              `json:"model_name"`
}

// resultFeatures is the JSON stored in results.features.
type resultFeatures struct {
	triage.Features
	CandidateIDs   []int64 `json:"candidate_ids"`
	Degraded       bool    `json:"degraded,omitempty"`
	DegradedReason string  `json:"degraded_reason,omitempty"`
}

const reasonNoCandidates = "no candidate lectures were retrieved"

// Classifier runs the per-question pipeline.
type Classifier struct {
	deps       Deps
	settings   Settings
	configHash string
	logger     *zap.Logger
}

// NewClassifier validates settings and wires a Classifier. When
// settings.ModelName is empty it is taken from the judge.
func NewClassifier(deps Deps, settings Settings) (*Classifier, error) {
	if deps.Store == nil || deps.Retriever == nil || deps.Judge == nil {
		return nil, errors.New("pipeline: store, retriever and judge are required")
	}
	if settings.ModelName == "" {
		settings.ModelName = deps.Judge.Model()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline settings: %w", err)
	}
	if deps.Expander == nil {
		deps.Expander = triage.NewExpander(nil, settings.TopM, deps.Logger)
	}
	if deps.Cache == nil {
		deps.Cache = cache.Open("", deps.Logger)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		deps:       deps,
		settings:   settings,
		configHash: settings.Fingerprint(),
		logger:     logger.With(zap.String("component", "classifier")),
	}, nil
}

// Settings returns the effective settings.
func (c *Classifier) Settings() Settings { return c.settings }

// ConfigHash returns the settings fingerprint used in cache keys.
func (c *Classifier) ConfigHash() string { return c.configHash }

// Cache returns the result cache.
func (c *Classifier) Cache() *cache.Cache { return c.deps.Cache }

// Classify runs the pipeline for one question outside any batch job.
func (c *Classifier) Classify(ctx context.Context, questionID int64) (*Outcome, error) {
	return c.ClassifyInJob(ctx, "", questionID)
}

// ClassifyInJob runs the pipeline for one question and records jobID on the
// stored result. Malformed judge output is not an error; a failed judge call,
// a missing question or a storage failure is.
func (c *Classifier) ClassifyInJob(ctx context.Context, jobID string, questionID int64) (*Outcome, error) {
	q, err := c.deps.Store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, fmt.Errorf("loading question %d: %w", questionID, err)
	}

	query := search.BuildQuery(q.ID, q.Text, q.Choices, c.settings.MaxQueryChars)
	retrieval, err := c.deps.Retriever.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}

	feats := triage.Estimate(retrieval.Candidates, c.settings.Thresholds)
	cands := c.deps.Expander.Expand(ctx, retrieval.Candidates, feats)

	out := &Outcome{
		QuestionID:   q.ID,
		Features:     feats,
		CandidateIDs: lectureIDs(cands),
		Degraded:     retrieval.Degraded,
		ConfigHash:   c.configHash,
		ModelName:    c.settings.ModelName,
	}

	key := cache.Key{QuestionID: q.ID, ConfigHash: c.configHash, ModelName: c.settings.ModelName}
	if v, ok := c.deps.Cache.Get(key); ok && stillValid(v, cands) {
		out.Decision = v
		out.CacheHit = true
	} else if len(cands) == 0 {
		out.Decision = decision.Validated{
			NoMatch:   true,
			Reason:    reasonNoCandidates,
			Evidence:  []decision.Evidence{},
			ParseMode: decision.ModeStructured,
		}
	} else {
		resp, err := c.deps.Judge.Judge(ctx, judge.Input{
			QuestionID:    q.ID,
			Question:      q.Text,
			Choices:       q.Choices,
			Candidates:    cands,
			LectureTitles: c.lectureTitles(ctx, cands),
		})
		if err != nil {
			return nil, err
		}
		out.JudgeCalled = true
		out.Decision = decision.Validate(decision.Parse(resp.Raw), cands)
		c.deps.Cache.Set(key, out.Decision)

		if out.Decision.OutOfCandidate || out.Decision.ParseFailed {
			c.logger.Info("judge output rewritten by validator",
				zap.Int64("question_id", q.ID),
				zap.Bool("out_of_candidate", out.Decision.OutOfCandidate),
				zap.Bool("parse_failed", out.Decision.ParseFailed),
				zap.String("parse_mode", string(out.Decision.ParseMode)))
		}
	}

	out.Gate = c.settings.Gate.Evaluate(out.Decision)

	if out.Gate.Outcome == decision.OutcomeAutoApplied {
		err := writeClassification(ctx, c.deps.Store, q.ID, out.Decision, store.StatusAuto)
		switch {
		case errors.Is(err, store.ErrConfirmed):
			out.ManualKept = true
			c.logger.Info("keeping confirmed classification", zap.Int64("question_id", q.ID))
		case err != nil:
			return nil, err
		}
	}
	if err := c.persist(ctx, jobID, out, retrieval); err != nil {
		return nil, err
	}

	c.logger.Debug("question classified",
		zap.Int64("question_id", q.ID),
		zap.String("outcome", string(out.Gate.Outcome)),
		zap.String("gate_reason", out.Gate.Reason),
		zap.Bool("cache_hit", out.CacheHit),
		zap.Bool("uncertain", feats.IsUncertain),
		zap.Bool("degraded", retrieval.Degraded))
	return out, nil
}

func (c *Classifier) persist(ctx context.Context, jobID string, out *Outcome, r *search.Retrieval) error {
	decJSON, err := json.Marshal(out.Decision)
	if err != nil {
		return fmt.Errorf("encoding decision for question %d: %w", out.QuestionID, err)
	}
	featJSON, err := json.Marshal(resultFeatures{
		Features:       out.Features,
		CandidateIDs:   out.CandidateIDs,
		Degraded:       r.Degraded,
		DegradedReason: r.DegradedReason,
	})
	if err != nil {
		return fmt.Errorf("encoding features for question %d: %w", out.QuestionID, err)
	}
	return c.deps.Store.UpsertResult(ctx, &store.Result{
		QuestionID: out.QuestionID,
		JobID:      jobID,
		ConfigHash: out.ConfigHash,
		ModelName:  out.ModelName,
		Decision:   string(decJSON),
		Features:   string(featJSON),
		Outcome:    string(out.Gate.Outcome),
		CacheHit:   out.CacheHit,
		Applied:    out.Gate.Outcome == decision.OutcomeAutoApplied && !out.ManualKept,
	})
}

// lectureTitles looks up titles for the prompt. Missing lectures are skipped.
func (c *Classifier) lectureTitles(ctx context.Context, cands []search.Candidate) map[int64]string {
	titles := make(map[int64]string, len(cands))
	for _, cand := range cands {
		l, err := c.deps.Store.GetLecture(ctx, cand.LectureID)
		if err != nil {
			continue
		}
		titles[cand.LectureID] = l.Title
	}
	return titles
}

// stillValid reports whether a cached decision still fits the current
// candidates. The corpus is not part of the fingerprint, so a re-import can
// change the candidate set under an unchanged key: the cached lecture must
// still be a candidate and every cited chunk must still be among its
// evidence. A no-candidates decision made before any lecture matched is
// never reused once candidates exist.
func stillValid(v decision.Validated, cands []search.Candidate) bool {
	id, ok := v.Lecture()
	if !ok {
		return v.Reason != reasonNoCandidates || len(cands) == 0
	}
	for _, c := range cands {
		if c.LectureID != id {
			continue
		}
		for _, e := range v.Evidence {
			if !hasChunk(c, e.ChunkID) {
				return false
			}
		}
		return true
	}
	return false
}

func hasChunk(c search.Candidate, chunkID int64) bool {
	for _, h := range c.Evidence {
		if h.ChunkID == chunkID {
			return true
		}
	}
	return false
}

func lectureIDs(cands []search.Candidate) []int64 {
	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.LectureID
	}
	return ids
}

func writeClassification(ctx context.Context, st Store, questionID int64, v decision.Validated, status store.ClassificationStatus) error {
	lectureID, ok := v.Lecture()
	if !ok {
		return ErrNothingToApply
	}
	rows := make([]store.EvidenceRow, len(v.Evidence))
	for i, e := range v.Evidence {
		rows[i] = store.EvidenceRow{
			LectureID: e.LectureID,
			ChunkID:   e.ChunkID,
			PageStart: e.PageStart,
			PageEnd:   e.PageEnd,
			Quote:     e.Quote,
		}
	}
	return st.WriteClassification(ctx, &store.Classification{
		QuestionID: questionID,
		LectureID:  lectureID,
		Status:     status,
		Confidence: v.Confidence,
		Reason:     v.Reason,
		StudyHint:  v.StudyHint,
		Evidence:   rows,
	})
}
