// Package mcp provides a Model Context Protocol server for lectern.
//
// It exposes batch classification, job status, result lookup and result
// application as MCP tools, and store statistics as an MCP resource.
// Served over stdio (for Claude Desktop, Cursor and similar clients).
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hurttlocker/lectern/internal/jobs"
	"github.com/hurttlocker/lectern/internal/pipeline"
	"github.com/hurttlocker/lectern/internal/store"
)

// maxWait bounds how long lectern_start_batch blocks when wait is set.
const maxWait = 10 * time.Minute

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store      store.Store
	Classifier *pipeline.Classifier
	Jobs       *jobs.Manager
	Service    *pipeline.Service // defaults to a Service over Store
	Version    string            // version string for MCP server info
	Logger     *zap.Logger
}

// dbMu serializes the synchronous tool calls that touch the database.
// mcp-go dispatches handlers concurrently; batch jobs run outside it.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all lectern tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "mcp"))

	svc := cfg.Service
	if svc == nil && cfg.Store != nil {
		svc = pipeline.NewService(cfg.Store)
	}

	s := server.NewMCPServer(
		"Lectern",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	if cfg.Jobs != nil {
		registerStartBatchTool(s, cfg.Jobs, cfg.Store, logger)
		registerJobStatusTool(s, cfg.Jobs)
	}
	if svc != nil {
		registerGetResultTool(s, svc)
		registerApplyResultTool(s, svc, logger)
	}
	if cfg.Classifier != nil {
		registerClassifyOneTool(s, cfg.Classifier)
	}
	if cfg.Store != nil {
		registerStatsResource(s, cfg.Store)
	}
	return s
}

// --- Tools ---

func registerStartBatchTool(s *server.MCPServer, m *jobs.Manager, st store.Store, logger *zap.Logger) {
	tool := mcp.NewTool("lectern_start_batch",
		mcp.WithDescription("Start a batch job that classifies exam questions against the imported lectures. Returns the job id immediately unless wait is set."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithArray("question_ids",
			mcp.Description("Question ids to classify. Omit together with exam to classify every question."),
			mcp.WithNumberItems(),
		),
		mcp.WithString("exam",
			mcp.Description("Classify every question of this exam instead of listing ids"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Block until the job finishes and return its final state (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids, err := questionIDsArg(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if len(ids) == 0 {
			exam, _ := req.RequireString("exam")
			dbMu.Lock()
			ids, err = st.ListQuestionIDs(ctx, exam)
			dbMu.Unlock()
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("listing questions: %v", err)), nil
			}
		}

		jobID, err := m.StartBatch(ctx, ids)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start batch error: %v", err)), nil
		}
		logger.Info("batch started over mcp", zap.String("job_id", jobID), zap.Int("questions", len(ids)))

		if wait, err := req.RequireBool("wait"); err != nil || !wait {
			return jsonResult(map[string]interface{}{
				"job_id":    jobID,
				"questions": len(ids),
				"status":    store.JobPending,
			})
		}

		waitCtx, cancel := context.WithTimeout(ctx, maxWait)
		defer cancel()
		job, err := m.Wait(waitCtx, jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("waiting for job %s: %v", jobID, err)), nil
		}
		counts, _ := m.Progress(jobID)
		return jsonResult(newJobView(job, &counts))
	})
}

func registerJobStatusTool(s *server.MCPServer, m *jobs.Manager) {
	tool := mcp.NewTool("lectern_job_status",
		mcp.WithDescription("Get the status and progress counters of a batch classification job."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job id returned by lectern_start_batch"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		jobID, err := req.RequireString("job_id")
		if err != nil || jobID == "" {
			return mcp.NewToolResultError("job_id is required"), nil
		}

		job, err := m.Status(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("job %s not found", jobID)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("job status error: %v", err)), nil
		}

		var counts *jobs.Counts
		if c, ok := m.Progress(jobID); ok {
			counts = &c
		}
		return jsonResult(newJobView(job, counts))
	})
}

func registerGetResultTool(s *server.MCPServer, svc *pipeline.Service) {
	tool := mcp.NewTool("lectern_get_result",
		mcp.WithDescription("Get the latest classification result for a question: the proposed lecture, confidence, evidence and gate outcome."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("question_id",
			mcp.Required(),
			mcp.Description("Question id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := questionIDArg(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		view, err := svc.GetResult(ctx, id)
		if errors.Is(err, pipeline.ErrResultPending) {
			return jsonResult(map[string]interface{}{
				"question_id": id,
				"status":      "pending",
			})
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get result error: %v", err)), nil
		}
		return jsonResult(view)
	})
}

func registerApplyResultTool(s *server.MCPServer, svc *pipeline.Service, logger *zap.Logger) {
	tool := mcp.NewTool("lectern_apply_result",
		mcp.WithDescription("Confirm a proposed classification: writes the result's lecture as a manual classification and marks the result applied."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithNumber("question_id",
			mcp.Required(),
			mcp.Description("Question id whose result should be applied"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := questionIDArg(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		c, err := svc.ApplyResult(ctx, id)
		switch {
		case errors.Is(err, pipeline.ErrResultPending):
			return mcp.NewToolResultError(fmt.Sprintf("question %d has no result yet", id)), nil
		case errors.Is(err, pipeline.ErrNothingToApply):
			return mcp.NewToolResultError(fmt.Sprintf("question %d matched no lecture; nothing to apply", id)), nil
		case err != nil:
			return mcp.NewToolResultError(fmt.Sprintf("apply error: %v", err)), nil
		}
		logger.Info("result applied over mcp", zap.Int64("question_id", id), zap.Int64("lecture_id", c.LectureID))
		return jsonResult(newClassificationView(c))
	})
}

func registerClassifyOneTool(s *server.MCPServer, c *pipeline.Classifier) {
	tool := mcp.NewTool("lectern_classify_one",
		mcp.WithDescription("Classify a single question synchronously and return the decision and gate outcome. Served from the result cache when the settings are unchanged."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("question_id",
			mcp.Required(),
			mcp.Description("Question id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := questionIDArg(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := c.Classify(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("classify error: %v", err)), nil
		}
		if cache := c.Cache(); cache != nil && cache.Dirty() {
			if err := cache.Save(); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("saving result cache: %v", err)), nil
			}
		}
		return jsonResult(out)
	})
}

// --- Views ---

// jobView is the JSON shape of a job in tool results.
type jobView struct {
	ID         string          `json:"job_id"`
	Status     store.JobStatus `json:"status"`
	Total      int             `json:"total"`
	Processed  int             `json:"processed"`
	Success    int             `json:"success"`
	Failed     int             `json:"failed"`
	ConfigHash string          `json:"config_hash"`
	Error      string          `json:"error,omitempty"`
	Progress   *jobs.Counts    `json:"progress,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func newJobView(j *store.Job, counts *jobs.Counts) jobView {
	return jobView{
		ID:         j.ID,
		Status:     j.Status,
		Total:      j.Total,
		Processed:  j.Processed,
		Success:    j.Success,
		Failed:     j.Failed,
		ConfigHash: j.ConfigHash,
		Error:      j.Error,
		Progress:   counts,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

type classificationView struct {
	QuestionID int64                      `json:"question_id"`
	LectureID  int64                      `json:"lecture_id"`
	Status     store.ClassificationStatus `json:"status"`
	Confidence float64                    `json:"confidence"`
	Reason     string                     `json:"reason,omitempty"`
	StudyHint  string                     `json:"study_hint,omitempty"`
	Evidence   []store.EvidenceRow        `json:"evidence"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

func newClassificationView(c *store.Classification) classificationView {
	ev := c.Evidence
	if ev == nil {
		ev = []store.EvidenceRow{}
	}
	return classificationView{
		QuestionID: c.QuestionID,
		LectureID:  c.LectureID,
		Status:     c.Status,
		Confidence: c.Confidence,
		Reason:     c.Reason,
		StudyHint:  c.StudyHint,
		Evidence:   ev,
		UpdatedAt:  c.UpdatedAt,
	}
}

// --- Helpers ---

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func questionIDArg(req mcp.CallToolRequest) (int64, error) {
	v, err := req.RequireFloat("question_id")
	if err != nil {
		return 0, errors.New("question_id is required")
	}
	return toID(v)
}

// questionIDsArg reads the optional question_ids array. JSON numbers arrive
// as float64.
func questionIDsArg(req mcp.CallToolRequest) ([]int64, error) {
	raw, ok := req.GetArguments()["question_ids"]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, errors.New("question_ids must be an array of numbers")
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("question_ids: %v is not a number", item)
		}
		id, err := toID(f)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func toID(v float64) (int64, error) {
	if v <= 0 || v != math.Trunc(v) {
		return 0, fmt.Errorf("invalid question id %v", v)
	}
	return int64(v), nil
}
