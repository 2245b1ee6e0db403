// Package embed turns lecture chunks and questions into vectors through
// OpenAI-compatible /embeddings endpoints (ollama, openai, openrouter,
// deepseek, or a custom URL).
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

const (
	defaultMaxRetries = 3
	defaultTimeout    = 60 * time.Second
	defaultBatchSize  = 64
)

// Config holds embedding provider configuration.
type Config struct {
	Provider   string // ollama, openai, openrouter, deepseek, custom
	Model      string
	Endpoint   string // full /embeddings URL
	APIKey     string
	MaxRetries int
	Timeout    time.Duration // per request
	BatchSize  int           // texts per request
}

type providerInfo struct {
	endpoint string
	keyEnv   string
	keyless  bool
}

var providers = map[string]providerInfo{
	"ollama":     {endpoint: "http://localhost:11434/v1/embeddings", keyless: true},
	"openai":     {endpoint: "https://api.openai.com/v1/embeddings", keyEnv: "OPENAI_API_KEY"},
	"openrouter": {endpoint: "https://openrouter.ai/api/v1/embeddings", keyEnv: "OPENROUTER_API_KEY"},
	"deepseek":   {endpoint: "https://api.deepseek.com/v1/embeddings", keyEnv: "DEEPSEEK_API_KEY"},
	"custom":     {},
}

// ParseFlag parses "provider/model", e.g. "ollama/nomic-embed-text" or
// "openrouter/sentence-transformers/all-MiniLM-L6-v2". Everything after the
// first slash is the model. The provider's API key env var is read here;
// custom providers get their endpoint and key from WithOverrides.
func ParseFlag(flag string) (Config, error) {
	flag = strings.TrimSpace(flag)
	if flag == "" {
		return Config{}, errors.New("empty embedding flag")
	}
	provider, model, ok := strings.Cut(flag, "/")
	if !ok {
		return Config{}, fmt.Errorf("invalid --embed format: expected provider/model, got %q", flag)
	}
	if provider == "" || model == "" {
		return Config{}, fmt.Errorf("invalid --embed format: empty provider or model in %q", flag)
	}
	provider = strings.ToLower(provider)
	info, known := providers[provider]
	if !known {
		return Config{}, fmt.Errorf("unknown embedding provider %q (supported: ollama, openai, openrouter, deepseek, custom)", provider)
	}

	cfg := Config{
		Provider:   provider,
		Model:      model,
		Endpoint:   info.endpoint,
		MaxRetries: defaultMaxRetries,
		Timeout:    defaultTimeout,
		BatchSize:  defaultBatchSize,
	}
	if info.keyEnv != "" {
		cfg.APIKey = os.Getenv(info.keyEnv)
	}
	return cfg, nil
}

// WithOverrides returns c with a non-empty endpoint or key replacing its own.
func (c Config) WithOverrides(endpoint, apiKey string) Config {
	if v := strings.TrimSpace(endpoint); v != "" {
		c.Endpoint = v
	}
	if v := strings.TrimSpace(apiKey); v != "" {
		c.APIKey = v
	}
	return c
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Provider == "" {
		return errors.New("provider is required")
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required for provider %q (set LECTERN_EMBED_ENDPOINT)", c.Provider)
	}
	if info := providers[c.Provider]; !info.keyless && c.Provider != "custom" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q (set %s)", c.Provider, info.keyEnv)
	}
	if c.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// HTTPError is a non-200 response from the embeddings endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("embeddings HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether another attempt may succeed.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Client implements Embedder over HTTP.
type Client struct {
	cfg     Config
	http    *http.Client
	backoff time.Duration // first retry delay; doubles per attempt
	dims    atomic.Int64
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid embedding config: %w", err)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		backoff: time.Second,
	}, nil
}

// Name returns provider/model.
func (c *Client) Name() string { return c.cfg.Provider + "/" + c.cfg.Model }

// Embed returns the vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty text")
	}
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in order. Blank texts get a nil
// vector and are not sent. Large inputs are split into BatchSize requests.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var pending []string
	var slots []int
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		pending = append(pending, t)
		slots = append(slots, i)
	}

	for start := 0; start < len(pending); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(pending))
		vecs, err := c.withRetry(ctx, pending[start:end])
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			out[slots[start+j]] = v
		}
	}
	return out, nil
}

// Dimensions returns the vector size seen so far, or 0 before the first call.
func (c *Client) Dimensions() int {
	return int(c.dims.Load())
}

func (c *Client) withRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		vecs, err := c.post(ctx, texts)
		if err == nil {
			if len(vecs) > 0 && len(vecs[0]) > 0 {
				c.dims.Store(int64(len(vecs[0])))
			}
			return vecs, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return nil, err
		}
		if ctx.Err() != nil || attempt == c.cfg.MaxRetries {
			break
		}

		wait := c.backoff << attempt
		if httpErr != nil && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.Provider == "openrouter" {
		req.Header.Set("HTTP-Referer", "https://github.com/hurttlocker/lectern")
		req.Header.Set("X-Title", "lectern")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		herr := &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			herr.RetryAfter = time.Duration(s) * time.Second
		}
		return nil, herr
	}

	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("invalid embedding index: %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
