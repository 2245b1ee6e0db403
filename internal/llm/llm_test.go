package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseLLMFlag(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantProv string
		wantMod  string
		wantErr  bool
	}{
		{"empty defaults to google", "", "google", "gemini-2.5-flash", false},
		{"google pro", "google/gemini-2.5-pro", "google", "gemini-2.5-pro", false},
		{"openrouter nested model", "openrouter/openai/gpt-4o-mini", "openrouter", "openai/gpt-4o-mini", false},
		{"ollama", "ollama/llama3.1", "ollama", "llama3.1", false},
		{"uppercase provider", "OpenAI/gpt-4o", "openai", "gpt-4o", false},
		{"unknown provider", "acme/model-1", "", "", true},
		{"no slash", "gemini-2.5-flash", "", "", true},
		{"empty model", "google/", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseLLMFlag(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Provider != tt.wantProv {
				t.Errorf("provider: got %q, want %q", cfg.Provider, tt.wantProv)
			}
			if cfg.Model != tt.wantMod {
				t.Errorf("model: got %q, want %q", cfg.Model, tt.wantMod)
			}
		})
	}
}

func TestNewProvider(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := NewProvider(Config{Provider: "unknown"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if _, err := NewProvider(Config{Provider: "google"}); err == nil {
		t.Fatal("expected error for google without API key")
	}
	if _, err := NewProvider(Config{Provider: "openrouter"}); err == nil {
		t.Fatal("expected error for openrouter without API key")
	}

	p, err := NewProvider(Config{Provider: "ollama"})
	if err != nil {
		t.Fatalf("ollama needs no key: %v", err)
	}
	if p.Name() != "ollama/llama3.1" {
		t.Errorf("unexpected default name: %q", p.Name())
	}

	t.Setenv("GOOGLE_API_KEY", "from-env")
	p, err = NewProvider(Config{Provider: "google", Model: "gemini-2.5-pro"})
	if err != nil {
		t.Fatalf("google with env key: %v", err)
	}
	if gp, ok := p.(*googleProvider); !ok || gp.apiKey != "from-env" {
		t.Fatalf("expected google provider with env key, got %#v", p)
	}
}

func TestGoogleProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key in query: %q", r.URL.RawQuery)
		}

		var req googleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if len(req.Contents) == 0 || req.Contents[0].Parts[0].Text != "classify this" {
			t.Errorf("unexpected contents: %+v", req.Contents)
		}
		if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "json only" {
			t.Errorf("system instruction not sent: %+v", req.SystemInstruction)
		}
		if req.GenerationConfig == nil || req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Errorf("json mime type not requested: %+v", req.GenerationConfig)
		}

		json.NewEncoder(w).Encode(googleResponse{Candidates: []googleCandidate{{
			Content: googleContent{Parts: []googlePart{{Text: `{"lecture_id": `}, {Text: `3}`}}},
		}}})
	}))
	defer server.Close()

	p := &googleProvider{apiKey: "test-key", model: "gemini-2.5-flash", baseURL: server.URL}
	got, err := p.Complete(context.Background(), "classify this", CompletionOpts{System: "json only", Format: "json"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"lecture_id": 3}` {
		t.Errorf("unexpected result: %q", got)
	}
	if p.Name() != "google/gemini-2.5-flash" {
		t.Errorf("unexpected name: %q", p.Name())
	}
}

func TestGoogleProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"bad request","status":"INVALID_ARGUMENT"}}`))
	}))
	defer server.Close()

	p := &googleProvider{apiKey: "test", model: "test", baseURL: server.URL}
	_, err := p.Complete(context.Background(), "test", CompletionOpts{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Retryable() {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestChatProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("bad auth header: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Title") != "lectern" {
			t.Errorf("missing X-Title header")
		}

		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "openai/gpt-4o-mini" {
			t.Errorf("unexpected model: %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system+user messages, got %+v", req.Messages)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("json response format not requested")
		}

		json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: "  {\"no_match\": true}\n"},
			FinishReason: "stop",
		}}})
	}))
	defer server.Close()

	p := &chatProvider{
		vendor:  "openrouter",
		apiKey:  "test-key",
		model:   "openai/gpt-4o-mini",
		baseURL: server.URL,
		headers: map[string]string{"X-Title": "lectern"},
	}
	got, err := p.Complete(context.Background(), "q", CompletionOpts{System: "json only", Format: "json", MaxTokens: 200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"no_match": true}` {
		t.Errorf("unexpected result: %q", got)
	}
	if p.Name() != "openrouter/openai/gpt-4o-mini" {
		t.Errorf("unexpected name: %q", p.Name())
	}
}

func TestChatProviderKeylessOmitsAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("keyless provider sent auth header %q", auth)
		}
		json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{Message: chatMessage{Content: "ok"}}}})
	}))
	defer server.Close()

	p := &chatProvider{vendor: "ollama", model: "llama3.1", baseURL: server.URL}
	if _, err := p.Complete(context.Background(), "q", CompletionOpts{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestChatProviderRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer server.Close()

	p := &chatProvider{vendor: "openrouter", apiKey: "test", model: "test", baseURL: server.URL}
	_, err := p.Complete(context.Background(), "test", CompletionOpts{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Retryable() {
		t.Fatalf("expected retryable *APIError, got %v", err)
	}
}

func TestChatProviderEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "x", "choices": []}`))
	}))
	defer server.Close()

	p := &chatProvider{vendor: "openai", apiKey: "k", model: "m", baseURL: server.URL}
	if _, err := p.Complete(context.Background(), "q", CompletionOpts{}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestContextCancellation(t *testing.T) {
	serverDone := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-serverDone:
		}
	}))
	defer func() {
		close(serverDone)
		server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := &googleProvider{apiKey: "test", model: "test", baseURL: server.URL}
	_, err := p.Complete(ctx, "test", CompletionOpts{})
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
