package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/lectern/internal/store"
)

// statsView is the JSON shape of the stats resource.
type statsView struct {
	Lectures        int64 `json:"lectures"`
	Chunks          int64 `json:"chunks"`
	Embeddings      int64 `json:"embeddings"`
	Questions       int64 `json:"questions"`
	Results         int64 `json:"results"`
	Classifications int64 `json:"classifications"`
	AutoApplied     int64 `json:"auto_applied"`
	NeedsReview     int64 `json:"needs_review"`
	Jobs            int64 `json:"jobs"`
	DBSizeBytes     int64 `json:"db_size_bytes"`
}

func registerStatsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"lectern://stats",
		"Lectern Statistics",
		mcp.WithResourceDescription("Corpus, question, result and job counts plus database size."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}

		data, err := json.MarshalIndent(statsView{
			Lectures:        stats.LectureCount,
			Chunks:          stats.ChunkCount,
			Embeddings:      stats.EmbeddingCount,
			Questions:       stats.QuestionCount,
			Results:         stats.ResultCount,
			Classifications: stats.ClassificationCount,
			AutoApplied:     stats.AutoApplied,
			NeedsReview:     stats.NeedsReview,
			Jobs:            stats.JobCount,
			DBSizeBytes:     stats.DBSizeBytes,
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshaling stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "lectern://stats",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
