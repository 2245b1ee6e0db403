// Package config resolves lectern settings from the config file, the
// environment and CLI flags, remembering where each value came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/lectern/internal/embed"
	"github.com/hurttlocker/lectern/internal/judge"
	"github.com/hurttlocker/lectern/internal/llm"
	"github.com/hurttlocker/lectern/internal/logging"
	"github.com/hurttlocker/lectern/internal/pipeline"
	"github.com/hurttlocker/lectern/internal/search"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath string
	EnvFile    string

	CLILLM        string
	CLIEmbed      string
	CLIDBPath     string
	CLIMode       string
	CLIMaxWorkers int
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`
	EnvFile    string `json:"env_file,omitempty"`

	DBPath    ResolvedValue `json:"db_path"`
	CachePath ResolvedValue `json:"cache_path"`

	LLMModel    ResolvedValue `json:"llm_model"`
	LLMEndpoint ResolvedValue `json:"llm_endpoint"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`

	QdrantURL        ResolvedValue `json:"qdrant_url"`
	QdrantCollection ResolvedValue `json:"qdrant_collection"`
	QdrantAPIKey     ResolvedValue `json:"qdrant_api_key"`

	Mode       ResolvedValue `json:"mode"`
	MaxWorkers ResolvedValue `json:"max_workers"`

	LogLevel ResolvedValue `json:"log_level"`
	LogFile  ResolvedValue `json:"log_file"`

	LLMKeys map[string]ResolvedValue `json:"llm_keys,omitempty"`

	Tuning   Tuning       `json:"tuning"`
	Log      LogSection   `json:"log"`
	Policies PolicyConfig `json:"policies"`
}

// Tuning holds the numeric pipeline knobs. Nil means "use the default".
type Tuning struct {
	RRFK                 *int     `yaml:"rrf_k" toml:"rrf_k" json:"rrf_k,omitempty"`
	LexicalWeight        *float64 `yaml:"lexical_weight" toml:"lexical_weight" json:"lexical_weight,omitempty"`
	VectorWeight         *float64 `yaml:"vector_weight" toml:"vector_weight" json:"vector_weight,omitempty"`
	CandidateCap         *int     `yaml:"candidate_cap" toml:"candidate_cap" json:"candidate_cap,omitempty"`
	EvidencePerCandidate *int     `yaml:"evidence_per_candidate" toml:"evidence_per_candidate" json:"evidence_per_candidate,omitempty"`
	LexicalDepth         *int     `yaml:"lexical_depth" toml:"lexical_depth" json:"lexical_depth,omitempty"`
	VectorDepth          *int     `yaml:"vector_depth" toml:"vector_depth" json:"vector_depth,omitempty"`
	MaxQueryChars        *int     `yaml:"max_query_chars" toml:"max_query_chars" json:"max_query_chars,omitempty"`

	GapThreshold    *float64 `yaml:"gap_threshold" toml:"gap_threshold" json:"gap_threshold,omitempty"`
	RankThreshold   *int     `yaml:"rank_threshold" toml:"rank_threshold" json:"rank_threshold,omitempty"`
	LengthThreshold *int     `yaml:"length_threshold" toml:"length_threshold" json:"length_threshold,omitempty"`
	TopM            *int     `yaml:"top_m" toml:"top_m" json:"top_m,omitempty"`

	GateBase   *float64 `yaml:"gate_base" toml:"gate_base" json:"gate_base,omitempty"`
	GateMargin *float64 `yaml:"gate_margin" toml:"gate_margin" json:"gate_margin,omitempty"`

	JudgeTimeout     string   `yaml:"judge_timeout" toml:"judge_timeout" json:"judge_timeout,omitempty"`
	JudgeMaxTokens   *int     `yaml:"judge_max_tokens" toml:"judge_max_tokens" json:"judge_max_tokens,omitempty"`
	JudgeTemperature *float64 `yaml:"judge_temperature" toml:"judge_temperature" json:"judge_temperature,omitempty"`
}

// LogSection is the rotation part of the logging config.
type LogSection struct {
	Development bool `yaml:"development" toml:"development" json:"development"`
	MaxSizeMB   int  `yaml:"max_size_mb" toml:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups  int  `yaml:"max_backups" toml:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays  int  `yaml:"max_age_days" toml:"max_age_days" json:"max_age_days,omitempty"`
	Compress    bool `yaml:"compress" toml:"compress" json:"compress"`
}

// PolicyConfig enables the maintenance policies run by `lectern maintain`.
type PolicyConfig struct {
	PruneStaleCache struct {
		Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled"`
	} `yaml:"prune_stale_cache" toml:"prune_stale_cache" json:"prune_stale_cache"`
	RegateProposals struct {
		Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled"`
		Limit   int  `yaml:"limit" toml:"limit" json:"limit,omitempty"` // 0 = all
	} `yaml:"regate_proposals" toml:"regate_proposals" json:"regate_proposals"`
}

// DefaultPolicyConfig enables every policy.
func DefaultPolicyConfig() PolicyConfig {
	var p PolicyConfig
	p.PruneStaleCache.Enabled = true
	p.RegateProposals.Enabled = true
	return p
}

type fileConfig struct {
	DBPath    string `yaml:"db_path" toml:"db_path"`
	CachePath string `yaml:"cache_path" toml:"cache_path"`
	LLM       struct {
		Model    string `yaml:"model" toml:"model"`
		APIKey   string `yaml:"api_key" toml:"api_key"`
		Endpoint string `yaml:"endpoint" toml:"endpoint"`
	} `yaml:"llm" toml:"llm"`
	Embed struct {
		Provider string `yaml:"provider" toml:"provider"`
		APIKey   string `yaml:"api_key" toml:"api_key"`
		Endpoint string `yaml:"endpoint" toml:"endpoint"`
	} `yaml:"embed" toml:"embed"`
	Qdrant struct {
		URL        string `yaml:"url" toml:"url"`
		Collection string `yaml:"collection" toml:"collection"`
		APIKey     string `yaml:"api_key" toml:"api_key"`
	} `yaml:"qdrant" toml:"qdrant"`
	Retrieval struct {
		Mode string `yaml:"mode" toml:"mode"`
	} `yaml:"retrieval" toml:"retrieval"`
	Jobs struct {
		MaxWorkers int `yaml:"max_workers" toml:"max_workers"`
	} `yaml:"jobs" toml:"jobs"`
	Log struct {
		Level string `yaml:"level" toml:"level"`
		File  string `yaml:"file" toml:"file"`

		LogSection `yaml:",inline"`
	} `yaml:"log" toml:"log"`
	Tuning   *Tuning      `yaml:"tuning" toml:"tuning"`
	Policies PolicyConfig `yaml:"maintain" toml:"maintain"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lectern", "config.yaml")
}

// ResolveConfig layers config file, environment and CLI values, in that
// order. A .env file (opts.EnvFile, LECTERN_ENV_FILE or ./.env) is loaded
// first; variables already set in the process win over it.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		LLMKeys:    map[string]ResolvedValue{},
		Policies:   DefaultPolicyConfig(),
	}

	envFile, err := loadEnvFile(opts.EnvFile)
	if err != nil {
		return out, err
	}
	out.EnvFile = envFile

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.CachePath, cfg.CachePath, SourceConfig, path)
		apply(&out.LLMModel, cfg.LLM.Model, SourceConfig, path)
		apply(&out.LLMEndpoint, cfg.LLM.Endpoint, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.EmbedAPIKey, cfg.Embed.APIKey, SourceConfig, path)
		apply(&out.QdrantURL, cfg.Qdrant.URL, SourceConfig, path)
		apply(&out.QdrantCollection, cfg.Qdrant.Collection, SourceConfig, path)
		apply(&out.QdrantAPIKey, cfg.Qdrant.APIKey, SourceConfig, path)
		apply(&out.Mode, cfg.Retrieval.Mode, SourceConfig, path)
		if cfg.Jobs.MaxWorkers > 0 {
			apply(&out.MaxWorkers, strconv.Itoa(cfg.Jobs.MaxWorkers), SourceConfig, path)
		}
		apply(&out.LogLevel, cfg.Log.Level, SourceConfig, path)
		apply(&out.LogFile, cfg.Log.File, SourceConfig, path)
		out.Log = cfg.Log.LogSection

		if cfg.Tuning != nil {
			out.Tuning = *cfg.Tuning
		}
		out.Policies = cfg.Policies

		if key := strings.TrimSpace(cfg.LLM.APIKey); key != "" {
			provider := providerOf(cfg.LLM.Model)
			if provider == "" {
				provider = "default"
			}
			out.LLMKeys[provider] = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}
	}

	applyEnv(&out.DBPath, "LECTERN_DB")
	applyEnv(&out.CachePath, "LECTERN_CACHE_PATH")
	applyEnv(&out.LLMModel, "LECTERN_LLM")
	applyEnv(&out.LLMEndpoint, "LECTERN_LLM_ENDPOINT")
	applyEnv(&out.EmbedProvider, "LECTERN_EMBED")
	applyEnv(&out.EmbedEndpoint, "LECTERN_EMBED_ENDPOINT")
	applyEnv(&out.EmbedAPIKey, "LECTERN_EMBED_API_KEY")
	applyEnv(&out.QdrantURL, "LECTERN_QDRANT_URL")
	applyEnv(&out.QdrantCollection, "LECTERN_QDRANT_COLLECTION")
	applyEnv(&out.QdrantAPIKey, "LECTERN_QDRANT_API_KEY")
	applyEnv(&out.Mode, "LECTERN_MODE")
	applyEnv(&out.MaxWorkers, "LECTERN_MAX_WORKERS")
	applyEnv(&out.LogLevel, "LECTERN_LOG_LEVEL")
	applyEnv(&out.LogFile, "LECTERN_LOG_FILE")

	for env, provider := range map[string]string{
		"OPENROUTER_API_KEY": "openrouter",
		"OPENAI_API_KEY":     "openai",
		"GEMINI_API_KEY":     "google",
		"GOOGLE_API_KEY":     "google",
		"DEEPSEEK_API_KEY":   "deepseek",
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			out.LLMKeys[provider] = ResolvedValue{Value: v, Source: SourceEnv, From: env}
		}
	}

	apply(&out.LLMModel, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.Mode, opts.CLIMode, SourceCLI, "--mode")
	if opts.CLIMaxWorkers > 0 {
		apply(&out.MaxWorkers, strconv.Itoa(opts.CLIMaxWorkers), SourceCLI, "--workers")
	}

	setDefault(&out.DBPath, "~/.lectern/lectern.db")
	setDefault(&out.CachePath, "~/.lectern/result-cache.json")
	setDefault(&out.LLMModel, llm.DefaultLLM)
	setDefault(&out.QdrantCollection, "lectern_chunks")
	setDefault(&out.Mode, string(search.ModeHybrid))

	out.DBPath.Value = expandUserPath(out.DBPath.Value)
	out.CachePath.Value = expandUserPath(out.CachePath.Value)
	if out.LogFile.Value != "" {
		out.LogFile.Value = expandUserPath(out.LogFile.Value)
	}

	return out, nil
}

// PipelineSettings builds validated pipeline settings: defaults, overlaid by
// the tuning section, the resolved mode and worker count, and the model.
func (r ResolvedConfig) PipelineSettings() (pipeline.Settings, error) {
	s := pipeline.DefaultSettings()
	s.ModelName = r.LLMModel.Value

	mode, err := search.ParseMode(r.Mode.Value)
	if err != nil {
		return s, fmt.Errorf("%s (from %s): %w", r.Mode.Value, r.Mode.Source, err)
	}
	s.Mode = mode
	if ec, ok, err := r.EmbedConfig(); err == nil && ok {
		s.EmbedModel = ec.Provider + "/" + ec.Model
	}

	if v := strings.TrimSpace(r.MaxWorkers.Value); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("parsing max workers %q (from %s): %w", v, r.MaxWorkers.From, err)
		}
		s.MaxWorkers = n
	}

	t := r.Tuning
	setInt(&s.Fusion.K, t.RRFK)
	setFloat(&s.Fusion.LexicalWeight, t.LexicalWeight)
	setFloat(&s.Fusion.VectorWeight, t.VectorWeight)
	setInt(&s.Fusion.CandidateCap, t.CandidateCap)
	setInt(&s.Fusion.EvidencePerCandidate, t.EvidencePerCandidate)
	setInt(&s.LexicalDepth, t.LexicalDepth)
	setInt(&s.VectorDepth, t.VectorDepth)
	setInt(&s.MaxQueryChars, t.MaxQueryChars)
	setFloat(&s.Thresholds.Gap, t.GapThreshold)
	setInt(&s.Thresholds.Rank, t.RankThreshold)
	setInt(&s.Thresholds.Length, t.LengthThreshold)
	setInt(&s.TopM, t.TopM)
	setFloat(&s.Gate.BaseThreshold, t.GateBase)
	setFloat(&s.Gate.Margin, t.GateMargin)

	if t.JudgeTimeout != "" {
		d, err := time.ParseDuration(t.JudgeTimeout)
		if err != nil {
			return s, fmt.Errorf("parsing judge_timeout %q: %w", t.JudgeTimeout, err)
		}
		s.JudgeTimeout = d
	}

	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// JudgeConfig returns the judge call settings.
func (r ResolvedConfig) JudgeConfig(s pipeline.Settings) judge.Config {
	cfg := judge.Config{Timeout: s.JudgeTimeout}
	setInt(&cfg.MaxTokens, r.Tuning.JudgeMaxTokens)
	setFloat(&cfg.Temperature, r.Tuning.JudgeTemperature)
	return cfg
}

// LLMConfig returns the provider config for the resolved judge model.
func (r ResolvedConfig) LLMConfig() (llm.Config, error) {
	cfg, err := llm.ParseLLMFlag(r.LLMModel.Value)
	if err != nil {
		return cfg, err
	}
	if key := r.APIKeyForProvider(cfg.Provider); key.Value != "" {
		cfg.APIKey = key.Value
	}
	cfg.BaseURL = strings.TrimSpace(r.LLMEndpoint.Value)
	return cfg, nil
}

// EmbedConfig returns the embedding client config. ok is false when no
// embedding provider is configured, in which case retrieval runs lexical-only.
func (r ResolvedConfig) EmbedConfig() (cfg embed.Config, ok bool, err error) {
	if strings.TrimSpace(r.EmbedProvider.Value) == "" {
		return embed.Config{}, false, nil
	}
	cfg, err = embed.ParseFlag(r.EmbedProvider.Value)
	if err != nil {
		return cfg, false, fmt.Errorf("%s (from %s): %w", r.EmbedProvider.Value, r.EmbedProvider.Source, err)
	}
	key := r.EmbedAPIKey.Value
	if key == "" {
		key = r.APIKeyForProvider(cfg.Provider).Value
	}
	cfg = cfg.WithOverrides(r.EmbedEndpoint.Value, key)
	return cfg, true, nil
}

// LoggingConfig returns the logger settings.
func (r ResolvedConfig) LoggingConfig() logging.Config {
	return logging.Config{
		Level:       r.LogLevel.Value,
		Development: r.Log.Development,
		File:        r.LogFile.Value,
		MaxSizeMB:   r.Log.MaxSizeMB,
		MaxBackups:  r.Log.MaxBackups,
		MaxAgeDays:  r.Log.MaxAgeDays,
		Compress:    r.Log.Compress,
	}
}

func (r ResolvedConfig) APIKeyForProvider(providerOrModel string) ResolvedValue {
	provider := providerOf(providerOrModel)
	if provider == "" {
		return ResolvedValue{}
	}
	if v, ok := r.LLMKeys[provider]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	if v, ok := r.LLMKeys["default"]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	return ResolvedValue{}
}

func providerOf(providerOrModel string) string {
	v := strings.ToLower(strings.TrimSpace(providerOrModel))
	if v == "" {
		return ""
	}
	if idx := strings.Index(v, "/"); idx > 0 {
		return v[:idx]
	}
	return v
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func setDefault(dst *ResolvedValue, v string) {
	if strings.TrimSpace(dst.Value) == "" {
		*dst = ResolvedValue{Value: v, Source: SourceDefault, From: "built-in default"}
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// loadEnvFile loads the first available dotenv file. An explicitly named
// file must exist; ./.env is optional.
func loadEnvFile(explicit string) (string, error) {
	path := strings.TrimSpace(explicit)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("LECTERN_ENV_FILE"))
	}
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return "", fmt.Errorf("loading env file %s: %w", path, err)
		}
		return path, nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return "", fmt.Errorf("loading .env: %w", err)
		}
		return ".env", nil
	}
	return "", nil
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	// Policies absent from the file keep their defaults.
	cfg := fileConfig{Policies: DefaultPolicyConfig()}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
