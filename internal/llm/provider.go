// Package llm is the text-in, text-out boundary to hosted language models.
// The judge talks to it through Provider; nothing else in lectern depends on
// a particular vendor.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// DefaultLLM is used when no --llm flag or LECTERN_LLM value is set.
const DefaultLLM = "google/gemini-2.5-flash"

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns provider/model, e.g. "google/gemini-2.5-flash".
	Name() string
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int     // Max tokens to generate (0 = provider default)
	Temperature float64 // 0.0-2.0 (0 = deterministic)
	Model       string  // Override model for this request (empty = use provider default)
	Format      string  // "json" for structured output, empty for plain text
	System      string  // System prompt (optional)
}

// Config holds provider configuration.
type Config struct {
	Provider string // "google", "openrouter", "openai", "ollama"
	Model    string
	APIKey   string // empty = read from env
	BaseURL  string // optional URL override
}

type providerDefaults struct {
	model   string
	baseURL string
	keyEnvs []string
	keyless bool
}

var defaults = map[string]providerDefaults{
	"google": {
		model:   "gemini-2.5-flash",
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		keyEnvs: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	},
	"openrouter": {
		model:   "openai/gpt-4o-mini",
		baseURL: "https://openrouter.ai/api/v1",
		keyEnvs: []string{"OPENROUTER_API_KEY"},
	},
	"openai": {
		model:   "gpt-4o-mini",
		baseURL: "https://api.openai.com/v1",
		keyEnvs: []string{"OPENAI_API_KEY"},
	},
	"ollama": {
		model:   "llama3.1",
		baseURL: "http://localhost:11434/v1",
		keyless: true,
	},
}

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	d, ok := defaults[name]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: %s)", cfg.Provider, supportedList())
	}

	key := cfg.APIKey
	for _, env := range d.keyEnvs {
		if key != "" {
			break
		}
		key = os.Getenv(env)
	}
	if key == "" && !d.keyless {
		return nil, fmt.Errorf("%s provider requires %s env var", name, strings.Join(d.keyEnvs, " or "))
	}

	model := cfg.Model
	if model == "" {
		model = d.model
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = d.baseURL
	}

	if name == "google" {
		return &googleProvider{apiKey: key, model: model, baseURL: baseURL}, nil
	}
	p := &chatProvider{vendor: name, apiKey: key, model: model, baseURL: baseURL}
	if name == "openrouter" {
		p.headers = map[string]string{
			"HTTP-Referer": "https://github.com/hurttlocker/lectern",
			"X-Title":      "lectern",
		}
	}
	return p, nil
}

// ParseLLMFlag parses a --llm flag value into a Config.
// Format: "provider/model", e.g. "google/gemini-2.5-flash" or
// "openrouter/openai/gpt-4o-mini".
func ParseLLMFlag(flag string) (Config, error) {
	if flag == "" {
		flag = DefaultLLM
	}

	parts := strings.SplitN(flag, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		return Config{}, fmt.Errorf("invalid --llm format %q: expected provider/model (e.g., %s)", flag, DefaultLLM)
	}

	provider := strings.ToLower(parts[0])
	if _, ok := defaults[provider]; !ok {
		return Config{}, fmt.Errorf("unknown provider %q in --llm flag (supported: %s)", provider, supportedList())
	}
	return Config{Provider: provider, Model: parts[1]}, nil
}

func supportedList() string {
	return "google, openrouter, openai, ollama"
}
