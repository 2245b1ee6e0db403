// Package judge asks an LLM to pick the lecture that best matches a question
// from a fixed candidate list.
package judge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/lectern/internal/llm"
	"github.com/hurttlocker/lectern/internal/search"
)

// DefaultTimeout bounds a single judge call.
const DefaultTimeout = 45 * time.Second

// ErrTimeout is returned when the provider does not answer within the timeout.
var ErrTimeout = errors.New("judge call timed out")

// Input is everything the judge sees for one question.
type Input struct {
	QuestionID    int64
	Question      string
	Choices       []string
	Candidates    []search.Candidate
	LectureTitles map[int64]string
}

// Response is the raw judge output.
type Response struct {
	Raw     string
	Model   string
	Latency time.Duration
}

// Config tunes a Judge.
type Config struct {
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// Judge wraps an llm.Provider with the classification prompt and a per-call
// timeout.
type Judge struct {
	provider llm.Provider
	cfg      Config
	logger   *zap.Logger
}

// New creates a Judge. A zero timeout uses DefaultTimeout.
func New(provider llm.Provider, cfg Config, logger *zap.Logger) *Judge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Judge{provider: provider, cfg: cfg, logger: logger.With(zap.String("component", "judge"))}
}

// Model returns the provider's model name.
func (j *Judge) Model() string {
	if j.provider == nil {
		return ""
	}
	return j.provider.Name()
}

// Judge sends one question to the provider. Errors are transport failures;
// the content of Raw is not inspected here.
func (j *Judge) Judge(ctx context.Context, in Input) (Response, error) {
	if j.provider == nil {
		return Response{}, fmt.Errorf("judge: no LLM provider configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := j.provider.Complete(callCtx, BuildPrompt(in), llm.CompletionOpts{
		MaxTokens:   j.cfg.MaxTokens,
		Temperature: j.cfg.Temperature,
		Format:      "json",
		System:      systemPrompt,
	})
	latency := time.Since(start)

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrTimeout, j.cfg.Timeout, err)
		}
		j.logger.Warn("judge call failed",
			zap.Int64("question_id", in.QuestionID),
			zap.String("model", j.provider.Name()),
			zap.Duration("latency", latency),
			zap.Error(err))
		return Response{}, fmt.Errorf("judging question %d: %w", in.QuestionID, err)
	}

	j.logger.Debug("judge call complete",
		zap.Int64("question_id", in.QuestionID),
		zap.String("model", j.provider.Name()),
		zap.Int64s("candidates", candidateIDs(in.Candidates)),
		zap.Duration("latency", latency))
	return Response{Raw: raw, Model: j.provider.Name(), Latency: latency}, nil
}
