// Package store provides the SQLite + FTS5 storage layer for lectern.
//
// All classification data lives in a single SQLite database file, including:
// - Lecture content split into sections and retrievable chunks
// - FTS5 full-text index over chunk content (BM25 ranking)
// - Chunk embedding vectors for semantic search
// - Questions, per-question pipeline results, written classifications
// - Batch classification jobs and their progress counters
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.lectern/lectern.db"

// DefaultBatchSize is the default batch size for bulk operations.
const DefaultBatchSize = 500

// DefaultEmbeddingDimensions is the default embedding vector size (MiniLM).
const DefaultEmbeddingDimensions = 384

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoParentContext is returned when neither a parent section nor neighbouring
	// chunks are available for a chunk.
	ErrNoParentContext = errors.New("no parent context")
	// ErrConfirmed is returned when an automatic write would replace a
	// classification a reviewer confirmed.
	ErrConfirmed = errors.New("classification already confirmed")
)

// Lecture is a classification target.
type Lecture struct {
	ID        int64
	Title     string
	Course    string
	CreatedAt time.Time
}

// Section is the parent unit of one or more chunks (a heading and its body).
type Section struct {
	ID        int64
	LectureID int64
	Title     string
	Content   string
	PageStart int
	PageEnd   int
}

// Chunk is an immutable retrievable unit of lecture content.
type Chunk struct {
	ID        int64
	LectureID int64
	SectionID int64 // 0 when the chunk has no parent section
	Content   string
	PageStart int
	PageEnd   int
	Position  int // order within the lecture
}

// ParentContext is the broader text surrounding a chunk.
type ParentContext struct {
	ChunkID   int64
	SectionID int64
	Text      string
	PageStart int
	PageEnd   int
}

// Question is an exam question with its answer choices.
type Question struct {
	ID        int64
	ExamID    string
	Text      string
	Choices   []string
	CreatedAt time.Time
}

// ChunkMatch is a chunk returned by lexical or vector search.
// Score is higher-is-better for both search kinds.
type ChunkMatch struct {
	Chunk Chunk
	Score float64
}

// ClassificationStatus records how a classification was written.
type ClassificationStatus string

const (
	StatusAuto   ClassificationStatus = "auto"
	StatusManual ClassificationStatus = "manual"
)

// EvidenceRow is the persisted form of a cited evidence chunk.
type EvidenceRow struct {
	LectureID int64  `json:"lecture_id"`
	ChunkID   int64  `json:"chunk_id"`
	PageStart int    `json:"page_start,omitempty"`
	PageEnd   int    `json:"page_end,omitempty"`
	Quote     string `json:"quote"`
}

// Classification is the written question -> lecture assignment.
type Classification struct {
	QuestionID int64
	LectureID  int64
	Status     ClassificationStatus
	Confidence float64
	Reason     string
	StudyHint  string
	Evidence   []EvidenceRow
	UpdatedAt  time.Time
}

// Result is the latest pipeline output for a question. Decision and Features
// are JSON documents owned by the pipeline package.
type Result struct {
	QuestionID int64
	JobID      string
	ConfigHash string
	ModelName  string
	Decision   string
	Features   string
	Outcome    string
	CacheHit   bool
	Applied    bool
	UpdatedAt  time.Time
}

// JobStatus is the lifecycle state of a batch classification job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further progress can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a batch of questions classified together.
type Job struct {
	ID         string
	Status     JobStatus
	Total      int
	Processed  int
	Success    int
	Failed     int
	ConfigHash string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StoreStats holds observability statistics about the store.
type StoreStats struct {
	LectureCount        int64
	ChunkCount          int64
	EmbeddingCount      int64
	QuestionCount       int64
	ResultCount         int64
	ClassificationCount int64
	AutoApplied         int64
	NeedsReview         int64
	JobCount            int64
	DBSizeBytes         int64
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath              string
	BatchSize           int
	EmbeddingDimensions int
}

// Store defines the core storage interface.
type Store interface {
	// Corpus
	AddLecture(ctx context.Context, l *Lecture) (int64, error)
	GetLecture(ctx context.Context, id int64) (*Lecture, error)
	AddSection(ctx context.Context, s *Section) (int64, error)
	AddChunk(ctx context.Context, c *Chunk) (int64, error)
	AddChunkBatch(ctx context.Context, chunks []*Chunk) ([]int64, error)
	GetChunksForLecture(ctx context.Context, lectureID int64) ([]Chunk, error)
	GetChunksByIDs(ctx context.Context, ids []int64) ([]Chunk, error)
	GetParentContext(ctx context.Context, chunkID int64) (ParentContext, error)

	// Search
	SearchChunksFTS(ctx context.Context, query string, limit int) ([]ChunkMatch, error)
	SearchChunkEmbeddings(ctx context.Context, vector []float32, limit int) ([]ChunkMatch, error)

	// Embeddings
	AddEmbedding(ctx context.Context, chunkID int64, vector []float32) error
	GetEmbedding(ctx context.Context, chunkID int64) ([]float32, error)
	ListChunkIDsWithoutEmbeddings(ctx context.Context, limit int) ([]int64, error)

	// Questions
	AddQuestion(ctx context.Context, q *Question) (int64, error)
	GetQuestion(ctx context.Context, id int64) (*Question, error)
	ListQuestionIDs(ctx context.Context, examID string) ([]int64, error)

	// Results and classifications
	UpsertResult(ctx context.Context, r *Result) error
	GetResult(ctx context.Context, questionID int64) (*Result, error)
	ListResults(ctx context.Context, outcome string, onlyUnapplied bool) ([]*Result, error)
	MarkResultApplied(ctx context.Context, questionID int64) error
	WriteClassification(ctx context.Context, c *Classification) error
	GetClassification(ctx context.Context, questionID int64) (*Classification, error)

	// Jobs
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	SetJobStatus(ctx context.Context, id string, status JobStatus, errMsg string) error
	UpdateJobProgress(ctx context.Context, id string, processedDelta, successDelta, failedDelta int) error

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite + FTS5.
type SQLiteStore struct {
	db        *sql.DB
	dbPath    string
	batchSize int
	embDims   int
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.EmbeddingDimensions <= 0 {
		cfg.EmbeddingDimensions = DefaultEmbeddingDimensions
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one.
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:        db,
		dbPath:    cfg.DBPath,
		batchSize: cfg.BatchSize,
		embDims:   cfg.EmbeddingDimensions,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database. Manual only, never scheduled.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Stats returns row counts and the on-disk size of the database.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	st := &StoreStats{}
	counts := []struct {
		dst   *int64
		query string
	}{
		{&st.LectureCount, "SELECT COUNT(*) FROM lectures"},
		{&st.ChunkCount, "SELECT COUNT(*) FROM chunks"},
		{&st.EmbeddingCount, "SELECT COUNT(*) FROM chunk_embeddings"},
		{&st.QuestionCount, "SELECT COUNT(*) FROM questions"},
		{&st.ResultCount, "SELECT COUNT(*) FROM results"},
		{&st.ClassificationCount, "SELECT COUNT(*) FROM classifications"},
		{&st.AutoApplied, "SELECT COUNT(*) FROM results WHERE outcome = 'auto_applied'"},
		{&st.NeedsReview, "SELECT COUNT(*) FROM results WHERE outcome = 'needs_review' AND applied = 0"},
		{&st.JobCount, "SELECT COUNT(*) FROM jobs"},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("counting (%s): %w", truncate(c.query, 40), err)
		}
	}

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}
	return st, nil
}

// GetDB returns the underlying *sql.DB for packages that need direct access
// (e.g., read-only MCP resources). Callers still go through typed store
// methods for normal operations.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
