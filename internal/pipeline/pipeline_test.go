package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/lectern/internal/cache"
	"github.com/hurttlocker/lectern/internal/decision"
	"github.com/hurttlocker/lectern/internal/judge"
	"github.com/hurttlocker/lectern/internal/llm"
	"github.com/hurttlocker/lectern/internal/search"
	"github.com/hurttlocker/lectern/internal/store"
	"github.com/hurttlocker/lectern/internal/triage"
)

type scriptedLLM struct {
	mu      sync.Mutex
	calls   int
	respond func(prompt string) (string, error)
}

func (s *scriptedLLM) Name() string { return "fake/judge-1" }

func (s *scriptedLLM) Complete(_ context.Context, prompt string, _ llm.CompletionOpts) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.respond(prompt)
}

func (s *scriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	store     *store.SQLiteStore
	bio, phys int64
	mitoChunk int64
	qATP      int64
	qForce    int64
	qNothing  int64
	llm       *scriptedLLM
	cache     *cache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, llm: &scriptedLLM{}, cache: cache.Open(filepath.Join(t.TempDir(), "cache.json"), nil)}

	f.bio, err = s.AddLecture(ctx, &store.Lecture{Title: "Cell Biology", Course: "BIO101"})
	require.NoError(t, err)
	f.phys, err = s.AddLecture(ctx, &store.Lecture{Title: "Classical Mechanics", Course: "PHY101"})
	require.NoError(t, err)

	ids, err := s.AddChunkBatch(ctx, []*store.Chunk{
		{LectureID: f.bio, Content: "Mitochondria are the powerhouse of the cell and produce ATP through respiration and oxidative phosphorylation.", PageStart: 5, PageEnd: 6, Position: 0},
		{LectureID: f.bio, Content: "The nucleus stores DNA and coordinates gene expression for the whole cell.", PageStart: 7, PageEnd: 7, Position: 1},
		{LectureID: f.bio, Content: "Ribosomes translate messenger RNA into proteins on the rough endoplasmic reticulum.", PageStart: 8, PageEnd: 8, Position: 2},
		{LectureID: f.phys, Content: "Newton's second law states that force equals mass times acceleration for a rigid body.", PageStart: 2, PageEnd: 2, Position: 0},
		{LectureID: f.phys, Content: "Friction opposes relative motion between two surfaces that are pressed together.", PageStart: 3, PageEnd: 3, Position: 1},
	})
	require.NoError(t, err)
	f.mitoChunk = ids[0]

	f.qATP, err = s.AddQuestion(ctx, &store.Question{ExamID: "midterm", Text: "Which organelle produces ATP?", Choices: []string{"Nucleus", "Mitochondria"}})
	require.NoError(t, err)
	f.qForce, err = s.AddQuestion(ctx, &store.Question{ExamID: "midterm", Text: "What does Newton's second law relate?", Choices: []string{"Force and acceleration", "Heat and work"}})
	require.NoError(t, err)
	f.qNothing, err = s.AddQuestion(ctx, &store.Question{ExamID: "midterm", Text: "Describe photosynthesis", Choices: []string{"Chloroplasts"}})
	require.NoError(t, err)
	return f
}

func (f *fixture) classifier(t *testing.T, mutate func(*Settings)) *Classifier {
	t.Helper()
	settings := DefaultSettings()
	settings.Mode = search.ModeLexicalOnly
	if mutate != nil {
		mutate(&settings)
	}
	retriever := search.NewRetriever(search.NewLexicalScorer(f.store), search.NopScorer{}, settings.RetrieverConfig(), nil)
	c, err := NewClassifier(Deps{
		Store:     f.store,
		Retriever: retriever,
		Expander:  triage.NewExpander(f.store, settings.TopM, nil),
		Judge:     judge.New(f.llm, judge.Config{Timeout: time.Second}, nil),
		Cache:     f.cache,
	}, settings)
	require.NoError(t, err)
	return c
}

func (f *fixture) confidentResponse(conf float64) func(string) (string, error) {
	return func(string) (string, error) {
		return fmt.Sprintf(`{"lecture_id": %d, "confidence": %v, "no_match": false, "reason": "ATP synthesis", "study_hint": "review respiration",
			"evidence": [{"lecture_id": %d, "chunk_id": %d, "quote": "produce ATP through respiration"}]}`,
			f.bio, conf, f.bio, f.mitoChunk), nil
	}
}

func TestScenarioAutoApplied(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = f.confidentResponse(0.88)
	c := f.classifier(t, nil)
	ctx := context.Background()

	out, err := c.Classify(ctx, f.qATP)
	require.NoError(t, err)
	assert.Equal(t, decision.OutcomeAutoApplied, out.Gate.Outcome)
	assert.True(t, out.JudgeCalled)
	assert.False(t, out.CacheHit)
	require.NotNil(t, out.Decision.LectureID)
	assert.Equal(t, f.bio, *out.Decision.LectureID)
	require.Len(t, out.Decision.Evidence, 1)
	assert.Equal(t, 5, out.Decision.Evidence[0].PageStart)

	cls, err := f.store.GetClassification(ctx, f.qATP)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAuto, cls.Status)
	assert.Equal(t, f.bio, cls.LectureID)
	assert.Equal(t, "review respiration", cls.StudyHint)
	require.Len(t, cls.Evidence, 1)
	assert.Equal(t, f.mitoChunk, cls.Evidence[0].ChunkID)

	view, err := NewService(f.store).GetResult(ctx, f.qATP)
	require.NoError(t, err)
	assert.True(t, view.Applied)
	assert.Equal(t, decision.OutcomeAutoApplied, view.Outcome)
	assert.Equal(t, out.Decision, view.Decision)

	var feats map[string]any
	require.NoError(t, json.Unmarshal(view.Features, &feats))
	assert.Contains(t, feats, "score_gap")
	assert.Contains(t, feats, "candidate_ids")
}

func TestScenarioOutOfCandidateNeedsReview(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = func(string) (string, error) {
		return `{"lecture_id": 99, "confidence": 0.99, "no_match": false, "evidence": [{"lecture_id": 99, "chunk_id": 1, "quote": "ATP"}]}`, nil
	}
	c := f.classifier(t, nil)
	ctx := context.Background()

	out, err := c.Classify(ctx, f.qATP)
	require.NoError(t, err)
	assert.True(t, out.Decision.OutOfCandidate)
	assert.True(t, out.Decision.NoMatch)
	assert.Nil(t, out.Decision.LectureID)
	assert.Empty(t, out.Decision.Evidence)
	assert.Equal(t, decision.OutcomeNeedsReview, out.Gate.Outcome)

	_, err = f.store.GetClassification(ctx, f.qATP)
	assert.True(t, errors.Is(err, store.ErrNotFound), "no classification may be written")

	_, err = NewService(f.store).ApplyResult(ctx, f.qATP)
	assert.True(t, errors.Is(err, ErrNothingToApply))
}

func TestScenarioUnparsableIsSafeDefault(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = func(string) (string, error) {
		return "Honestly this could be about several things; I would rather not guess.", nil
	}
	c := f.classifier(t, nil)

	out, err := c.Classify(context.Background(), f.qATP)
	require.NoError(t, err, "malformed output is not a failure")
	assert.True(t, out.Decision.ParseFailed)
	assert.True(t, out.Decision.NoMatch)
	assert.Nil(t, out.Decision.LectureID)
	assert.Equal(t, 0.0, out.Decision.Confidence)
	assert.Equal(t, decision.OutcomeNeedsReview, out.Gate.Outcome)
}

func TestBelowThresholdThenManualApply(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = f.confidentResponse(0.72)
	c := f.classifier(t, nil)
	ctx := context.Background()

	out, err := c.Classify(ctx, f.qATP)
	require.NoError(t, err)
	assert.Equal(t, decision.OutcomeNeedsReview, out.Gate.Outcome)
	assert.Equal(t, decision.GateBelowThreshold, out.Gate.Reason)

	_, err = f.store.GetClassification(ctx, f.qATP)
	require.True(t, errors.Is(err, store.ErrNotFound))

	svc := NewService(f.store)
	cls, err := svc.ApplyResult(ctx, f.qATP)
	require.NoError(t, err)
	assert.Equal(t, store.StatusManual, cls.Status)
	assert.Equal(t, f.bio, cls.LectureID)
	assert.InDelta(t, 0.72, cls.Confidence, 1e-9)

	view, err := svc.GetResult(ctx, f.qATP)
	require.NoError(t, err)
	assert.True(t, view.Applied)

	again, err := svc.ApplyResult(ctx, f.qATP)
	require.NoError(t, err)
	assert.Equal(t, store.StatusManual, again.Status)
}

func TestNoCandidatesSkipsJudge(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = f.confidentResponse(0.99)
	c := f.classifier(t, nil)

	out, err := c.Classify(context.Background(), f.qNothing)
	require.NoError(t, err)
	assert.Empty(t, out.CandidateIDs)
	assert.True(t, out.Decision.NoMatch)
	assert.False(t, out.JudgeCalled)
	assert.Equal(t, 0, f.llm.Calls())
	assert.Equal(t, decision.OutcomeNeedsReview, out.Gate.Outcome)
	assert.True(t, out.Features.IsUncertain)
}

func TestNoCandidatesDecisionIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = func(string) (string, error) { return `{"no_match": true, "confidence": 0.2}`, nil }
	c := f.classifier(t, nil)
	ctx := context.Background()

	_, err := c.Classify(ctx, f.qNothing)
	require.NoError(t, err)
	assert.Equal(t, 0, f.cache.Len())

	plants, err := f.store.AddLecture(ctx, &store.Lecture{Title: "Plant Biology", Course: "BIO102"})
	require.NoError(t, err)
	_, err = f.store.AddChunkBatch(ctx, []*store.Chunk{
		{LectureID: plants, Content: "Describe photosynthesis: chloroplasts capture light to build sugars.", PageStart: 1, PageEnd: 1},
	})
	require.NoError(t, err)

	out, err := c.Classify(ctx, f.qNothing)
	require.NoError(t, err)
	assert.Equal(t, []int64{plants}, out.CandidateIDs)
	assert.False(t, out.CacheHit)
	assert.True(t, out.JudgeCalled)
	assert.Equal(t, 1, f.llm.Calls())
}

func TestCachedNoCandidatesDecisionIsRejudged(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = f.confidentResponse(0.88)
	c := f.classifier(t, nil)

	key := cache.Key{QuestionID: f.qATP, ConfigHash: c.ConfigHash(), ModelName: "fake/judge-1"}
	f.cache.Set(key, decision.Validated{NoMatch: true, Reason: reasonNoCandidates, ParseMode: decision.ModeStructured, Evidence: []decision.Evidence{}})

	out, err := c.Classify(context.Background(), f.qATP)
	require.NoError(t, err)
	assert.False(t, out.CacheHit)
	assert.Equal(t, 1, f.llm.Calls())
}

func TestJudgeFailureIsError(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = func(string) (string, error) {
		return "", &llm.APIError{Provider: "fake", StatusCode: 502, Body: "bad gateway"}
	}
	c := f.classifier(t, nil)
	ctx := context.Background()

	_, err := c.Classify(ctx, f.qATP)
	require.Error(t, err)

	_, err = NewService(f.store).GetResult(ctx, f.qATP)
	assert.True(t, errors.Is(err, ErrResultPending))
	assert.Equal(t, 0, f.cache.Len(), "failed calls are not cached")
}

func TestMissingQuestionIsError(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = f.confidentResponse(0.9)
	_, err := f.classifier(t, nil).Classify(context.Background(), 4242)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRerunHitsCache(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = f.confidentResponse(0.88)
	c := f.classifier(t, nil)
	ctx := context.Background()

	first, err := c.Classify(ctx, f.qATP)
	require.NoError(t, err)
	second, err := c.Classify(ctx, f.qATP)
	require.NoError(t, err)

	assert.Equal(t, 1, f.llm.Calls())
	assert.True(t, second.CacheHit)
	assert.False(t, second.JudgeCalled)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.Gate, second.Gate)

	require.NoError(t, f.cache.Save())
	reloaded := cache.Open(f.cache.Path(), nil)
	_, ok := reloaded.Get(cache.Key{QuestionID: f.qATP, ConfigHash: c.ConfigHash(), ModelName: "fake/judge-1"})
	assert.True(t, ok)
}

func TestConfigChangeMissesCache(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = f.confidentResponse(0.88)
	ctx := context.Background()

	_, err := f.classifier(t, nil).Classify(ctx, f.qATP)
	require.NoError(t, err)

	changed := f.classifier(t, func(s *Settings) { s.Gate.Margin = 0.05 })
	out, err := changed.Classify(ctx, f.qATP)
	require.NoError(t, err)
	assert.False(t, out.CacheHit)
	assert.Equal(t, 2, f.llm.Calls())
	assert.Equal(t, 2, f.cache.Len())
}

func TestCachedDecisionForVanishedCandidateIsRejudged(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = f.confidentResponse(0.88)
	c := f.classifier(t, nil)

	key := cache.Key{QuestionID: f.qATP, ConfigHash: c.ConfigHash(), ModelName: "fake/judge-1"}
	stale := f.phys
	f.cache.Set(key, decision.Validated{LectureID: &stale, Confidence: 0.95, ParseMode: decision.ModeStructured, Evidence: []decision.Evidence{}})

	out, err := c.Classify(context.Background(), f.qATP)
	require.NoError(t, err)
	assert.False(t, out.CacheHit)
	assert.Equal(t, 1, f.llm.Calls())
	require.NotNil(t, out.Decision.LectureID)
	assert.Equal(t, f.bio, *out.Decision.LectureID)
}

func TestCachedEvidenceForVanishedChunkIsRejudged(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = f.confidentResponse(0.88)
	c := f.classifier(t, nil)

	key := cache.Key{QuestionID: f.qATP, ConfigHash: c.ConfigHash(), ModelName: "fake/judge-1"}
	bio := f.bio
	f.cache.Set(key, decision.Validated{
		LectureID: &bio, Confidence: 0.95, ParseMode: decision.ModeStructured,
		Evidence: []decision.Evidence{{LectureID: bio, ChunkID: 9999, Quote: "removed text"}},
	})

	out, err := c.Classify(context.Background(), f.qATP)
	require.NoError(t, err)
	assert.False(t, out.CacheHit)
	assert.Equal(t, 1, f.llm.Calls())
	require.Len(t, out.Decision.Evidence, 1)
	assert.Equal(t, f.mitoChunk, out.Decision.Evidence[0].ChunkID)
}

func TestAutoApplyKeepsConfirmedClassification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.llm.respond = f.confidentResponse(0.5)
	out, err := f.classifier(t, nil).Classify(ctx, f.qATP)
	require.NoError(t, err)
	require.Equal(t, decision.OutcomeNeedsReview, out.Gate.Outcome)
	_, err = NewService(f.store).ApplyResult(ctx, f.qATP)
	require.NoError(t, err)

	f.llm.respond = f.confidentResponse(0.95)
	rerun, err := f.classifier(t, func(s *Settings) { s.PromptVersion = "v2" }).Classify(ctx, f.qATP)
	require.NoError(t, err)
	assert.Equal(t, decision.OutcomeAutoApplied, rerun.Gate.Outcome)
	assert.True(t, rerun.ManualKept)

	cls, err := f.store.GetClassification(ctx, f.qATP)
	require.NoError(t, err)
	assert.Equal(t, store.StatusManual, cls.Status)
	assert.InDelta(t, 0.5, cls.Confidence, 1e-9)

	view, err := NewService(f.store).GetResult(ctx, f.qATP)
	require.NoError(t, err)
	assert.False(t, view.Applied)
}

func TestPromptCarriesCandidates(t *testing.T) {
	f := newFixture(t)
	var prompt string
	f.llm.respond = func(p string) (string, error) {
		prompt = p
		return `{"no_match": true}`, nil
	}
	_, err := f.classifier(t, nil).Classify(context.Background(), f.qForce)
	require.NoError(t, err)
	assert.Contains(t, prompt, fmt.Sprintf("[lecture_id=%d] Classical Mechanics", f.phys))
	assert.Contains(t, prompt, "What does Newton's second law relate?")
}

func TestGetResultPending(t *testing.T) {
	f := newFixture(t)
	_, err := NewService(f.store).GetResult(context.Background(), f.qForce)
	assert.True(t, errors.Is(err, ErrResultPending))
}

func TestFingerprint(t *testing.T) {
	base := DefaultSettings()
	base.ModelName = "google/gemini-2.5-flash"
	h := base.Fingerprint()
	assert.Len(t, h, 64)
	assert.Equal(t, h, base.Fingerprint(), "fingerprint must be stable")

	changes := map[string]func(*Settings){
		"model":          func(s *Settings) { s.ModelName = "openai/gpt-4o" },
		"prompt version": func(s *Settings) { s.PromptVersion = "v2" },
		"mode":           func(s *Settings) { s.Mode = search.ModeLexicalOnly },
		"k":              func(s *Settings) { s.Fusion.K = 30 },
		"lexical weight": func(s *Settings) { s.Fusion.LexicalWeight = 2 },
		"vector weight":  func(s *Settings) { s.Fusion.VectorWeight = 0.5 },
		"candidate cap":  func(s *Settings) { s.Fusion.CandidateCap = 5 },
		"evidence cap":   func(s *Settings) { s.Fusion.EvidencePerCandidate = 2 },
		"lexical depth":  func(s *Settings) { s.LexicalDepth = 20 },
		"vector depth":   func(s *Settings) { s.VectorDepth = 20 },
		"query chars":    func(s *Settings) { s.MaxQueryChars = 1000 },
		"gap":            func(s *Settings) { s.Thresholds.Gap = 0.01 },
		"rank":           func(s *Settings) { s.Thresholds.Rank = 2 },
		"length":         func(s *Settings) { s.Thresholds.Length = 10 },
		"top m":          func(s *Settings) { s.TopM = 2 },
		"gate base":      func(s *Settings) { s.Gate.BaseThreshold = 0.6 },
		"gate margin":    func(s *Settings) { s.Gate.Margin = 0.2 },
	}
	for name, mutate := range changes {
		t.Run(name, func(t *testing.T) {
			s := base
			mutate(&s)
			assert.NotEqual(t, h, s.Fingerprint())
		})
	}

	hybrid := base
	hybrid.Mode = search.ModeHybrid
	hybrid.EmbedModel = "ollama/nomic-embed-text"
	switched := hybrid
	switched.EmbedModel = "openai/text-embedding-3-small"
	assert.NotEqual(t, hybrid.Fingerprint(), switched.Fingerprint(), "embedding model shapes the hybrid ranking")

	lexical := base
	lexical.Mode = search.ModeLexicalOnly
	lexicalSwitched := lexical
	lexicalSwitched.EmbedModel = "openai/text-embedding-3-small"
	assert.Equal(t, lexical.Fingerprint(), lexicalSwitched.Fingerprint(), "embedding model is unused in lexical-only mode")

	operational := base
	operational.MaxWorkers = 16
	operational.JudgeTimeout = time.Minute
	assert.Equal(t, h, operational.Fingerprint(), "operational settings do not change decisions")
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	bad := map[string]func(*Settings){
		"mode":         func(s *Settings) { s.Mode = "semantic" },
		"k":            func(s *Settings) { s.Fusion.K = 0 },
		"zero weight":  func(s *Settings) { s.Fusion.VectorWeight = 0 },
		"candidates":   func(s *Settings) { s.Fusion.CandidateCap = 0 },
		"evidence":     func(s *Settings) { s.Fusion.EvidencePerCandidate = -1 },
		"thresholds":   func(s *Settings) { s.Thresholds.Rank = 0 },
		"gate":         func(s *Settings) { s.Gate = decision.Gate{BaseThreshold: 0.95, Margin: 0.1} },
		"workers":      func(s *Settings) { s.MaxWorkers = 0 },
		"top m":        func(s *Settings) { s.TopM = 0 },
		"query length": func(s *Settings) { s.MaxQueryChars = 0 },
	}
	for name, mutate := range bad {
		t.Run(name, func(t *testing.T) {
			s := DefaultSettings()
			mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}
