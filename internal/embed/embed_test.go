package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseFlag(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	tests := []struct {
		name     string
		flag     string
		provider string
		model    string
		endpoint string
		key      string
		wantErr  bool
	}{
		{name: "ollama", flag: "ollama/all-minilm", provider: "ollama", model: "all-minilm", endpoint: "http://localhost:11434/v1/embeddings"},
		{name: "openai reads key", flag: "openai/text-embedding-3-small", provider: "openai", model: "text-embedding-3-small", endpoint: "https://api.openai.com/v1/embeddings", key: "sk-openai"},
		{name: "nested model", flag: "openrouter/sentence-transformers/all-MiniLM-L6-v2", provider: "openrouter", model: "sentence-transformers/all-MiniLM-L6-v2", endpoint: "https://openrouter.ai/api/v1/embeddings"},
		{name: "provider case", flag: "OLLAMA/nomic-embed-text", provider: "ollama", model: "nomic-embed-text", endpoint: "http://localhost:11434/v1/embeddings"},
		{name: "empty", flag: "", wantErr: true},
		{name: "no slash", flag: "ollama", wantErr: true},
		{name: "empty provider", flag: "/model", wantErr: true},
		{name: "empty model", flag: "ollama/", wantErr: true},
		{name: "unknown provider", flag: "acme/model", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFlag(tt.flag)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFlag(%q) error = %v, wantErr %v", tt.flag, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Provider != tt.provider || got.Model != tt.model || got.Endpoint != tt.endpoint {
				t.Fatalf("unexpected config: %+v", got)
			}
			if tt.key != "" && got.APIKey != tt.key {
				t.Fatalf("APIKey = %q, want %q", got.APIKey, tt.key)
			}
			if got.MaxRetries != defaultMaxRetries || got.Timeout != defaultTimeout || got.BatchSize != defaultBatchSize {
				t.Fatalf("defaults not applied: %+v", got)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{Provider: "openai", Model: "m", Endpoint: "http://x", APIKey: "k", Timeout: time.Second}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"ollama needs no key", func(c *Config) { c.Provider = "ollama"; c.APIKey = "" }, false},
		{"custom needs no key", func(c *Config) { c.Provider = "custom"; c.APIKey = "" }, false},
		{"openai needs key", func(c *Config) { c.APIKey = "" }, true},
		{"missing model", func(c *Config) { c.Model = "" }, true},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWithOverrides(t *testing.T) {
	cfg, err := ParseFlag("custom/my-model")
	if err != nil {
		t.Fatalf("ParseFlag: %v", err)
	}
	cfg = cfg.WithOverrides("http://embed.internal/v1/embeddings", "secret")
	if cfg.Endpoint != "http://embed.internal/v1/embeddings" || cfg.APIKey != "secret" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	kept := cfg.WithOverrides(" ", "")
	if kept.Endpoint != cfg.Endpoint || kept.APIKey != cfg.APIKey {
		t.Fatalf("blank overrides must not clear values: %+v", kept)
	}
}

// mockServer answers with dim-sized vectors whose first element is the
// input's position in the request, and counts requests.
func mockServer(t *testing.T, dim int, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var resp embedResponse
		resp.Data = make([]struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}, len(req.Input))
		// Reverse order to check the client sorts by index.
		for i := range req.Input {
			j := len(req.Input) - 1 - i
			v := make([]float32, dim)
			v[0] = float32(j)
			resp.Data[i].Embedding = v
			resp.Data[i].Index = j
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testClient(t *testing.T, endpoint string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{Provider: "custom", Model: "test-model", Endpoint: endpoint, MaxRetries: 1, Timeout: 5 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.backoff = time.Millisecond
	return c
}

func TestEmbed_SingleText(t *testing.T) {
	var requests atomic.Int32
	server := mockServer(t, 384, &requests)
	defer server.Close()

	client := testClient(t, server.URL, nil)
	if client.Dimensions() != 0 {
		t.Fatalf("dimensions should be unknown before the first call")
	}
	v, err := client.Embed(context.Background(), "mitochondria")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 384 || client.Dimensions() != 384 {
		t.Fatalf("expected 384 dims, got len=%d dims=%d", len(v), client.Dimensions())
	}
	if _, err := client.Embed(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank text")
	}
}

func TestEmbed_BatchOrderBlanksAndSplitting(t *testing.T) {
	var requests atomic.Int32
	server := mockServer(t, 4, &requests)
	defer server.Close()

	client := testClient(t, server.URL, func(c *Config) { c.BatchSize = 2 })
	texts := []string{"a", "", "b", "c", "  ", "d", "e"}
	vecs, err := client.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d results, got %d", len(texts), len(vecs))
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			if vecs[i] != nil {
				t.Fatalf("blank text %d should have a nil vector", i)
			}
			continue
		}
		if len(vecs[i]) != 4 {
			t.Fatalf("text %d: expected 4 dims, got %d", i, len(vecs[i]))
		}
	}
	// 5 non-blank texts in batches of 2.
	if got := requests.Load(); got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}
	// Within a request, index order is restored: "a" is 0 and "b" is 1.
	if vecs[0][0] != 0 || vecs[2][0] != 1 {
		t.Fatalf("vectors not restored to request order: %v %v", vecs[0], vecs[2])
	}

	empty, err := client.EmbedBatch(context.Background(), nil)
	if err != nil || empty != nil {
		t.Fatalf("empty batch: got %v, %v", empty, err)
	}
}

func okResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3],"index":0}]}`))
}

func TestEmbed_RetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("internal server error"))
			return
		}
		okResponse(w)
	}))
	defer server.Close()

	client := testClient(t, server.URL, func(c *Config) { c.MaxRetries = 3 })
	v, err := client.Embed(context.Background(), "test")
	if err != nil {
		t.Fatalf("Embed failed after retries: %v", err)
	}
	if !reflect.DeepEqual(v, []float32{0.1, 0.2, 0.3}) {
		t.Fatalf("unexpected embedding %v", v)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestEmbed_NoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad key"))
	}))
	defer server.Close()

	client := testClient(t, server.URL, func(c *Config) { c.MaxRetries = 3 })
	_, err := client.Embed(context.Background(), "test")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected HTTPError 401, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Fatalf("401 must not be retried, got %d attempts", attempts.Load())
	}
}

func TestEmbed_RateLimitRetryAfter(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("rate limited"))
			return
		}
		okResponse(w)
	}))
	defer server.Close()

	client := testClient(t, server.URL, func(c *Config) { c.MaxRetries = 2 })
	start := time.Now()
	if _, err := client.Embed(context.Background(), "test"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("Retry-After not honoured, waited %v", elapsed)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestEmbed_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := testClient(t, server.URL, func(c *Config) { c.MaxRetries = 5 })
	client.backoff = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Embed(ctx, "test"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestEmbed_InvalidResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"invalid": "json structure"}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL, func(c *Config) { c.MaxRetries = 0 })
	_, err := client.Embed(context.Background(), "test")
	if err == nil || !strings.Contains(err.Error(), "expected 1 embeddings") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmbed_AuthAndOpenRouterHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "lectern" {
			t.Errorf("X-Title = %q", got)
		}
		okResponse(w)
	}))
	defer server.Close()

	cfg, err := ParseFlag("openrouter/openai/text-embedding-3-small")
	if err != nil {
		t.Fatalf("ParseFlag: %v", err)
	}
	client, err := NewClient(cfg.WithOverrides(server.URL, "test-key"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.Name() != "openrouter/openai/text-embedding-3-small" {
		t.Fatalf("unexpected name %q", client.Name())
	}
	if _, err := client.Embed(context.Background(), "test text"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
}
