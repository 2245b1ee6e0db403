package judge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hurttlocker/lectern/internal/llm"
	"github.com/hurttlocker/lectern/internal/search"
)

type scriptedProvider struct {
	response string
	err      error
	block    bool
	prompts  []string
	opts     []llm.CompletionOpts
}

func (p *scriptedProvider) Name() string { return "fake/judge-1" }

func (p *scriptedProvider) Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	p.prompts = append(p.prompts, prompt)
	p.opts = append(p.opts, opts)
	if p.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return p.response, p.err
}

func sampleInput() Input {
	return Input{
		QuestionID: 42,
		Question:   "Which organelle produces ATP?",
		Choices:    []string{"Nucleus", "Mitochondria"},
		Candidates: []search.Candidate{
			{
				LectureID: 1,
				Evidence: []search.ChunkHit{
					{ChunkID: 11, LectureID: 1, Content: "Mitochondria   produce ATP.", PageStart: 5, PageEnd: 6},
				},
				Expanded: &search.ExpandedContext{ChunkID: 11, Text: "Organelles\nThe mitochondria produce ATP.", PageStart: 4, PageEnd: 7},
			},
			{
				LectureID: 2,
				Evidence:  []search.ChunkHit{{ChunkID: 21, LectureID: 2, Content: "Force equals mass times acceleration.", PageStart: 2}},
			},
		},
		LectureTitles: map[int64]string{1: "Cell Biology"},
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(sampleInput())
	for _, want := range []string{
		"Which organelle produces ATP?",
		"A) Nucleus",
		"B) Mitochondria",
		"[lecture_id=1] Cell Biology",
		"[lecture_id=2]\n",
		"chunk_id=11 (pp.5-6): Mitochondria produce ATP.",
		"chunk_id=21 (p.2)",
		"context around chunk_id=11 (pp.4-7)",
		"  The mitochondria produce ATP.",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q\n%s", want, p)
		}
	}
	if strings.Index(p, "lecture_id=1") > strings.Index(p, "lecture_id=2") {
		t.Error("candidates out of rank order")
	}
	if BuildPrompt(sampleInput()) != p {
		t.Error("prompt is not deterministic")
	}
}

func TestBuildPromptClipsLongChunks(t *testing.T) {
	in := sampleInput()
	in.Candidates[1].Evidence[0].Content = strings.Repeat("x", maxChunkChars+500)
	p := BuildPrompt(in)
	if strings.Contains(p, strings.Repeat("x", maxChunkChars+1)) {
		t.Fatal("chunk text not clipped")
	}
	if !strings.Contains(p, strings.Repeat("x", maxChunkChars)+"…") {
		t.Fatal("clipped chunk should end with an ellipsis")
	}
}

func TestJudgeReturnsRawResponse(t *testing.T) {
	prov := &scriptedProvider{response: `{"lecture_id": 1, "confidence": 0.9}`}
	j := New(prov, Config{}, nil)

	resp, err := j.Judge(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if resp.Raw != prov.response {
		t.Fatalf("raw response altered: %q", resp.Raw)
	}
	if resp.Model != "fake/judge-1" || j.Model() != "fake/judge-1" {
		t.Fatalf("unexpected model %q", resp.Model)
	}
	if len(prov.opts) != 1 || prov.opts[0].Format != "json" || prov.opts[0].System == "" {
		t.Fatalf("expected a JSON-only completion with a system prompt, got %+v", prov.opts)
	}
}

func TestJudgeTransportError(t *testing.T) {
	prov := &scriptedProvider{err: &llm.APIError{Provider: "fake", StatusCode: 503, Body: "unavailable"}}
	_, err := New(prov, Config{}, nil).Judge(context.Background(), sampleInput())
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected wrapped *llm.APIError, got %v", err)
	}
}

func TestJudgeTimeout(t *testing.T) {
	prov := &scriptedProvider{block: true}
	j := New(prov, Config{Timeout: 30 * time.Millisecond}, nil)

	start := time.Now()
	_, err := j.Judge(context.Background(), sampleInput())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestJudgeParentCancellationIsNotTimeout(t *testing.T) {
	prov := &scriptedProvider{block: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(prov, Config{Timeout: time.Second}, nil).Judge(ctx, sampleInput())
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected a cancellation error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestJudgeWithoutProvider(t *testing.T) {
	if _, err := New(nil, Config{}, nil).Judge(context.Background(), sampleInput()); err == nil {
		t.Fatal("expected error without provider")
	}
}
