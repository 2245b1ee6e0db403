package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hurttlocker/lectern/internal/decision"
	"github.com/hurttlocker/lectern/internal/judge"
	"github.com/hurttlocker/lectern/internal/search"
	"github.com/hurttlocker/lectern/internal/triage"
)

// Settings is the behavioural configuration of a classification run.
type Settings struct {
	ModelName     string
	PromptVersion string

	Mode          search.Mode
	EmbedModel    string // provider/model behind the vector ranking; hybrid mode only
	Fusion        search.FusionConfig
	LexicalDepth  int
	VectorDepth   int
	MaxQueryChars int

	Thresholds triage.Thresholds
	TopM       int

	Gate decision.Gate

	// Operational knobs. These do not change decisions and are left out of
	// the fingerprint.
	JudgeTimeout time.Duration
	MaxWorkers   int
}

// DefaultSettings returns the default pipeline settings. ModelName is left
// empty and filled from the judge's provider.
func DefaultSettings() Settings {
	rc := search.DefaultRetrieverConfig()
	return Settings{
		PromptVersion: judge.PromptVersion,
		Mode:          rc.Mode,
		Fusion:        rc.Fusion,
		LexicalDepth:  rc.LexicalDepth,
		VectorDepth:   rc.VectorDepth,
		MaxQueryChars: search.DefaultMaxQueryChars,
		Thresholds:    triage.DefaultThresholds(),
		TopM:          triage.DefaultTopM,
		Gate:          decision.DefaultGate(),
		JudgeTimeout:  judge.DefaultTimeout,
		MaxWorkers:    4,
	}
}

// Validate reports the first unusable value.
func (s Settings) Validate() error {
	if _, err := search.ParseMode(string(s.Mode)); err != nil {
		return err
	}
	if s.Fusion.K <= 0 {
		return fmt.Errorf("rrf k must be > 0, got %d", s.Fusion.K)
	}
	if s.Fusion.LexicalWeight <= 0 || s.Fusion.VectorWeight <= 0 {
		return fmt.Errorf("rrf weights must be > 0, got lexical %v vector %v", s.Fusion.LexicalWeight, s.Fusion.VectorWeight)
	}
	if s.Fusion.CandidateCap <= 0 {
		return fmt.Errorf("candidate cap must be > 0, got %d", s.Fusion.CandidateCap)
	}
	if s.Fusion.EvidencePerCandidate <= 0 {
		return fmt.Errorf("evidence per candidate must be > 0, got %d", s.Fusion.EvidencePerCandidate)
	}
	if s.LexicalDepth <= 0 || s.VectorDepth <= 0 {
		return fmt.Errorf("retrieval depth must be > 0")
	}
	if s.MaxQueryChars <= 0 {
		return fmt.Errorf("max query chars must be > 0, got %d", s.MaxQueryChars)
	}
	if err := s.Thresholds.Validate(); err != nil {
		return err
	}
	if s.TopM <= 0 {
		return fmt.Errorf("expansion top-m must be > 0, got %d", s.TopM)
	}
	if err := s.Gate.Validate(); err != nil {
		return err
	}
	if s.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be > 0, got %d", s.MaxWorkers)
	}
	return nil
}

// RetrieverConfig returns the retrieval part of the settings.
func (s Settings) RetrieverConfig() search.RetrieverConfig {
	return search.RetrieverConfig{
		Mode:         s.Mode,
		LexicalDepth: s.LexicalDepth,
		VectorDepth:  s.VectorDepth,
		Fusion:       s.Fusion,
	}
}

// fingerprintFields lists every setting that can change a decision. Adding a
// behavioural setting without adding it here serves stale cached decisions.
type fingerprintFields struct {
	ModelName     string  `json:"model_name"`
	PromptVersion string  `json:"prompt_version"`
	Mode          string  `json:"mode"`
	EmbedModel    string  `json:"embed_model,omitempty"`
	RRFK          int     `json:"rrf_k"`
	LexicalWeight float64 `json:"lexical_weight"`
	VectorWeight  float64 `json:"vector_weight"`
	CandidateCap  int     `json:"candidate_cap"`
	EvidenceCap   int     `json:"evidence_cap"`
	LexicalDepth  int     `json:"lexical_depth"`
	VectorDepth   int     `json:"vector_depth"`
	MaxQueryChars int     `json:"max_query_chars"`
	GapThreshold  float64 `json:"gap_threshold"`
	RankThreshold int     `json:"rank_threshold"`
	LenThreshold  int     `json:"length_threshold"`
	TopM          int     `json:"top_m"`
	GateBase      float64 `json:"gate_base"`
	GateMargin    float64 `json:"gate_margin"`
}

// Fingerprint is the SHA-256 of the canonical JSON encoding of every
// decision-relevant setting. It is the config_hash component of cache keys.
func (s Settings) Fingerprint() string {
	f := fingerprintFields{
		ModelName:     s.ModelName,
		PromptVersion: s.PromptVersion,
		Mode:          string(s.Mode),
		RRFK:          s.Fusion.K,
		LexicalWeight: s.Fusion.LexicalWeight,
		VectorWeight:  s.Fusion.VectorWeight,
		CandidateCap:  s.Fusion.CandidateCap,
		EvidenceCap:   s.Fusion.EvidencePerCandidate,
		LexicalDepth:  s.LexicalDepth,
		VectorDepth:   s.VectorDepth,
		MaxQueryChars: s.MaxQueryChars,
		GapThreshold:  s.Thresholds.Gap,
		RankThreshold: s.Thresholds.Rank,
		LenThreshold:  s.Thresholds.Length,
		TopM:          s.TopM,
		GateBase:      s.Gate.BaseThreshold,
		GateMargin:    s.Gate.Margin,
	}
	if s.Mode == search.ModeHybrid {
		f.EmbedModel = s.EmbedModel
	}
	// Struct fields marshal in declaration order, so the encoding is canonical.
	data, _ := json.Marshal(f)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
