package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hurttlocker/lectern/internal/config"
	"github.com/hurttlocker/lectern/internal/decision"
	"github.com/hurttlocker/lectern/internal/ingest"
	"github.com/hurttlocker/lectern/internal/jobs"
	"github.com/hurttlocker/lectern/internal/lifecycle"
	"github.com/hurttlocker/lectern/internal/pipeline"
	"github.com/hurttlocker/lectern/internal/store"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatImportResult(r *ingest.ImportResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Import complete:\n")
	fmt.Fprintf(&b, "  Files scanned:   %d\n", r.FilesScanned)
	fmt.Fprintf(&b, "  Files imported:  %d\n", r.FilesImported)
	fmt.Fprintf(&b, "  Lectures:        %d\n", r.Lectures)
	fmt.Fprintf(&b, "  Sections:        %d\n", r.Sections)
	fmt.Fprintf(&b, "  Chunks:          %d\n", r.Chunks)
	fmt.Fprintf(&b, "  Questions:       %d\n", r.Questions)
	if r.Skipped > 0 {
		fmt.Fprintf(&b, "  Duplicates:      %d skipped\n", r.Skipped)
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, "  Errors:          %d\n", len(r.Errors))
		for _, e := range r.Errors {
			if e.Item != "" {
				fmt.Fprintf(&b, "    %s (%s): %s\n", e.File, e.Item, e.Message)
			} else {
				fmt.Fprintf(&b, "    %s: %s\n", e.File, e.Message)
			}
		}
	}
	return b.String()
}

func formatEmbedResult(r *ingest.EmbedResult, mirrored bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Embedding complete:\n")
	fmt.Fprintf(&b, "  Chunks processed:  %d\n", r.ChunksProcessed)
	fmt.Fprintf(&b, "  Embeddings added:  %d\n", r.EmbeddingsAdded)
	if mirrored {
		fmt.Fprintf(&b, "  Mirrored to Qdrant: %d\n", r.Mirrored)
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, "  Errors:            %d\n", len(r.Errors))
		for i, e := range r.Errors {
			if i == 10 {
				fmt.Fprintf(&b, "    ... and %d more\n", len(r.Errors)-i)
				break
			}
			fmt.Fprintf(&b, "    chunk %d: %s\n", e.ChunkID, e.Message)
		}
	}
	return b.String()
}

// jobView is the JSON shape of a job.
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

func formatJob(j *store.Job, counts *jobs.Counts) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s: %s\n", j.ID, j.Status)
	fmt.Fprintf(&b, "  Processed:  %d/%d (ok %d, failed %d)\n", j.Processed, j.Total, j.Success, j.Failed)
	if counts != nil {
		fmt.Fprintf(&b, "  Outcomes:   %d auto-applied, %d need review, %d cache hits\n",
			counts.AutoApply, counts.NeedReview, counts.CacheHits)
	}
	fmt.Fprintf(&b, "  Config:     %s\n", shortHash(j.ConfigHash))
	if j.Error != "" {
		fmt.Fprintf(&b, "  Error:      %s\n", j.Error)
	}
	if !j.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "  Updated:    %s\n", j.UpdatedAt.Local().Format(time.RFC3339))
	}
	return b.String()
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

// lectureTitles looks up the titles of the lectures a decision names.
// Missing lectures are left out.
func (a *app) lectureTitles(ctx context.Context, v decision.Validated) map[int64]string {
	titles := make(map[int64]string)
	ids := make([]int64, 0, len(v.Evidence)+1)
	if id, ok := v.Lecture(); ok {
		ids = append(ids, id)
	}
	for _, e := range v.Evidence {
		ids = append(ids, e.LectureID)
	}
	for _, id := range ids {
		if _, done := titles[id]; done || id == 0 {
			continue
		}
		if l, err := a.store.GetLecture(ctx, id); err == nil {
			titles[id] = l.Title
		}
	}
	return titles
}

func formatResult(v *pipeline.ResultView, titles map[int64]string) string {
	var b strings.Builder
	d := v.Decision
	fmt.Fprintf(&b, "Question %d: %s", v.QuestionID, v.Outcome)
	if v.Applied {
		b.WriteString(" (applied)")
	}
	b.WriteString("\n")

	switch id, ok := d.Lecture(); {
	case d.NoMatch:
		fmt.Fprintf(&b, "  Lecture:     none (no match)\n")
	case ok:
		fmt.Fprintf(&b, "  Lecture:     %d %s\n", id, titles[id])
	default:
		fmt.Fprintf(&b, "  Lecture:     none\n")
	}
	fmt.Fprintf(&b, "  Confidence:  %.2f\n", d.Confidence)
	if d.Reason != "" {
		fmt.Fprintf(&b, "  Reason:      %s\n", d.Reason)
	}
	if d.StudyHint != "" {
		fmt.Fprintf(&b, "  Study hint:  %s\n", d.StudyHint)
	}
	var flags []string
	if d.OutOfCandidate {
		flags = append(flags, "out-of-candidate")
	}
	if d.ParseFailed {
		flags = append(flags, "parse-failed")
	}
	if d.DroppedEvidence > 0 {
		flags = append(flags, fmt.Sprintf("%d evidence dropped", d.DroppedEvidence))
	}
	if v.CacheHit {
		flags = append(flags, "cache hit")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, "  Flags:       %s\n", strings.Join(flags, ", "))
	}
	for _, e := range d.Evidence {
		fmt.Fprintf(&b, "  Evidence:    chunk %d%s %q\n", e.ChunkID, pageSuffix(e.PageStart, e.PageEnd), e.Quote)
	}
	fmt.Fprintf(&b, "  Model:       %s (config %s)\n", v.ModelName, shortHash(v.ConfigHash))
	return b.String()
}

func formatReview(views []*pipeline.ResultView) string {
	if len(views) == 0 {
		return "No proposals need review.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d proposal(s) need review:\n", len(views))
	for _, v := range views {
		lecture := "none"
		if id, ok := v.Decision.Lecture(); ok {
			lecture = fmt.Sprintf("%d", id)
		}
		fmt.Fprintf(&b, "  question %-6d lecture %-6s confidence %.2f\n", v.QuestionID, lecture, v.Decision.Confidence)
	}
	return b.String()
}

func formatReport(r *lifecycle.Report) string {
	var b strings.Builder
	if r.DryRun {
		b.WriteString("Maintenance (dry run):\n")
	} else {
		b.WriteString("Maintenance:\n")
	}
	fmt.Fprintf(&b, "  Scanned:  %d\n", r.Scanned)
	fmt.Fprintf(&b, "  Actions:  %d (%d applied)\n", len(r.Actions), r.Applied)
	for _, a := range r.Actions {
		target := ""
		if a.QuestionID != 0 {
			target = fmt.Sprintf(" question %d", a.QuestionID)
		}
		fmt.Fprintf(&b, "    [%s] %s%s: %s\n", a.Policy, a.Action, target, a.Reason)
	}
	return b.String()
}

// redactConfig masks secrets before the config is printed.
func redactConfig(cfg config.ResolvedConfig) config.ResolvedConfig {
	cfg.EmbedAPIKey.Value = maskSecret(cfg.EmbedAPIKey.Value)
	cfg.QdrantAPIKey.Value = maskSecret(cfg.QdrantAPIKey.Value)
	keys := make(map[string]config.ResolvedValue, len(cfg.LLMKeys))
	for k, v := range cfg.LLMKeys {
		v.Value = maskSecret(v.Value)
		keys[k] = v
	}
	cfg.LLMKeys = keys
	return cfg
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-2:]
}

func formatConfig(cfg config.ResolvedConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Config file: %s\n", cfg.ConfigPath)
	if cfg.EnvFile != "" {
		fmt.Fprintf(&b, "Env file:    %s\n", cfg.EnvFile)
	}
	rows := []struct {
		name string
		v    config.ResolvedValue
	}{
		{"db_path", cfg.DBPath},
		{"cache_path", cfg.CachePath},
		{"llm_model", cfg.LLMModel},
		{"llm_endpoint", cfg.LLMEndpoint},
		{"embed_provider", cfg.EmbedProvider},
		{"embed_endpoint", cfg.EmbedEndpoint},
		{"embed_api_key", cfg.EmbedAPIKey},
		{"qdrant_url", cfg.QdrantURL},
		{"qdrant_collection", cfg.QdrantCollection},
		{"qdrant_api_key", cfg.QdrantAPIKey},
		{"mode", cfg.Mode},
		{"max_workers", cfg.MaxWorkers},
		{"log_level", cfg.LogLevel},
		{"log_file", cfg.LogFile},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "  %-18s %s\n", r.name, describeValue(r.v))
	}

	providers := make([]string, 0, len(cfg.LLMKeys))
	for p := range cfg.LLMKeys {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		fmt.Fprintf(&b, "  %-18s %s\n", "key."+p, describeValue(cfg.LLMKeys[p]))
	}
	return b.String()
}

func describeValue(v config.ResolvedValue) string {
	if v.Value == "" {
		return "(unset)"
	}
	if v.From != "" && v.Source != config.SourceDefault {
		return fmt.Sprintf("%s  [%s: %s]", v.Value, v.Source, v.From)
	}
	return fmt.Sprintf("%s  [%s]", v.Value, v.Source)
}

func pageSuffix(start, end int) string {
	switch {
	case start == 0:
		return ""
	case end == 0 || end == start:
		return fmt.Sprintf(" (p. %d)", start)
	default:
		return fmt.Sprintf(" (pp. %d-%d)", start, end)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
