// Package jobs runs batch classification in the background.
//
// A batch is recorded as a store job before any work starts. A coordinating
// goroutine then fans the questions out to a bounded errgroup and folds each
// question's outcome into the job counters. One question failing never aborts
// the batch; only losing the store or the context does.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/lectern/internal/cache"
	"github.com/hurttlocker/lectern/internal/decision"
	"github.com/hurttlocker/lectern/internal/pipeline"
	"github.com/hurttlocker/lectern/internal/store"
)

var (
	// ErrEmptyBatch is returned when a batch has no questions.
	ErrEmptyBatch = errors.New("batch has no questions")
	// ErrClosed is returned by StartBatch after Close.
	ErrClosed = errors.New("job manager closed")
)

// Classifier classifies one question as part of a job.
type Classifier interface {
	ClassifyInJob(ctx context.Context, jobID string, questionID int64) (*pipeline.Outcome, error)
	ConfigHash() string
}

// Store is the job persistence the manager needs.
type Store interface {
	CreateJob(ctx context.Context, j *store.Job) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	SetJobStatus(ctx context.Context, id string, status store.JobStatus, errMsg string) error
	UpdateJobProgress(ctx context.Context, id string, processedDelta, successDelta, failedDelta int) error
}

// Config wires a Manager.
type Config struct {
	Classifier Classifier
	Store      Store
	Cache      *cache.Cache // saved when each job finishes; may be nil
	MaxWorkers int          // concurrent questions per job; <= 0 means 1
	Logger     *zap.Logger
}

// Counts are the in-memory progress counters of a running job.
type Counts struct {
	Processed  int `json:"processed"`
	Success    int `json:"success"`
	Failed     int `json:"failed"`
	CacheHits  int `json:"cache_hits"`
	AutoApply  int `json:"auto_applied"`
	NeedReview int `json:"needs_review"`
}

type run struct {
	done chan struct{}

	mu     sync.Mutex
	counts Counts
}

func (r *run) record(out *pipeline.Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Processed++
	if err != nil {
		r.counts.Failed++
		return
	}
	r.counts.Success++
	if out.CacheHit {
		r.counts.CacheHits++
	}
	if out.Gate.Outcome == decision.OutcomeAutoApplied {
		r.counts.AutoApply++
	} else {
		r.counts.NeedReview++
	}
}

func (r *run) snapshot() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// Manager starts and tracks batch jobs.
type Manager struct {
	classifier Classifier
	store      Store
	cache      *cache.Cache
	maxWorkers int
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Classifier == nil || cfg.Store == nil {
		return nil, errors.New("jobs: classifier and store are required")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		classifier: cfg.Classifier,
		store:      cfg.Store,
		cache:      cfg.Cache,
		maxWorkers: cfg.MaxWorkers,
		logger:     logger.With(zap.String("component", "jobs")),
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[string]*run),
	}, nil
}

// StartBatch records a pending job for questionIDs and starts processing it
// in the background. Duplicate ids are classified once. ctx bounds only the
// job creation; the job itself runs until done or until Close.
func (m *Manager) StartBatch(ctx context.Context, questionIDs []int64) (string, error) {
	ids := dedupe(questionIDs)
	if len(ids) == 0 {
		return "", ErrEmptyBatch
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.mu.Unlock()

	job := &store.Job{
		ID:         uuid.NewString(),
		Status:     store.JobPending,
		Total:      len(ids),
		ConfigHash: m.classifier.ConfigHash(),
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("starting batch: %w", err)
	}

	r := &run{done: make(chan struct{})}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.fail(job.ID, ErrClosed)
		return "", ErrClosed
	}
	m.runs[job.ID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(r.done)
		m.execute(job.ID, ids, r)
	}()

	m.logger.Info("batch started",
		zap.String("job_id", job.ID),
		zap.Int("questions", len(ids)),
		zap.Int("max_workers", m.maxWorkers))
	return job.ID, nil
}

func (m *Manager) execute(jobID string, ids []int64, r *run) {
	ctx := m.ctx
	logger := m.logger.With(zap.String("job_id", jobID))

	if err := m.store.SetJobStatus(ctx, jobID, store.JobRunning, ""); err != nil {
		logger.Error("could not mark job running", zap.Error(err))
		m.fail(jobID, err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxWorkers)

	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			out, err := m.classifier.ClassifyInJob(gctx, jobID, id)
			if err != nil && gctx.Err() != nil {
				// Cancellation, not a per-question failure.
				return gctx.Err()
			}
			if err != nil {
				logger.Warn("question failed", zap.Int64("question_id", id), zap.Error(err))
			}

			r.record(out, err)
			success, failed := 1, 0
			if err != nil {
				success, failed = 0, 1
			}
			if perr := m.store.UpdateJobProgress(gctx, jobID, 1, success, failed); perr != nil {
				return fmt.Errorf("recording progress for question %d: %w", id, perr)
			}
			return nil
		})
	}

	err := g.Wait()
	m.saveCache(logger)

	if err != nil {
		logger.Error("batch aborted", zap.Error(err))
		m.fail(jobID, err)
		return
	}

	// Progress updates complete the job once processed reaches total; this
	// covers a store that does not.
	if err := m.store.SetJobStatus(ctx, jobID, store.JobCompleted, ""); err != nil {
		logger.Error("could not mark job completed", zap.Error(err))
	}
	c := r.snapshot()
	logger.Info("batch finished",
		zap.Int("processed", c.Processed),
		zap.Int("success", c.Success),
		zap.Int("failed", c.Failed),
		zap.Int("cache_hits", c.CacheHits),
		zap.Int("auto_applied", c.AutoApply),
		zap.Int("needs_review", c.NeedReview))
}

// fail marks a job failed. It uses a fresh context because the job context
// may be the reason for the failure.
func (m *Manager) fail(jobID string, cause error) {
	if err := m.store.SetJobStatus(context.Background(), jobID, store.JobFailed, cause.Error()); err != nil {
		m.logger.Error("could not mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (m *Manager) saveCache(logger *zap.Logger) {
	if m.cache == nil || !m.cache.Dirty() {
		return
	}
	if err := m.cache.Save(); err != nil {
		logger.Warn("saving result cache failed", zap.Error(err))
	}
}

// Status returns the persisted state of a job.
func (m *Manager) Status(ctx context.Context, jobID string) (*store.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// Progress returns the in-memory counters of a job started by this manager.
func (m *Manager) Progress(jobID string) (Counts, bool) {
	m.mu.Lock()
	r, ok := m.runs[jobID]
	m.mu.Unlock()
	if !ok {
		return Counts{}, false
	}
	return r.snapshot(), true
}

// Wait blocks until the job is terminal or ctx is done, then returns its
// persisted state. Jobs started by another process are returned as stored.
func (m *Manager) Wait(ctx context.Context, jobID string) (*store.Job, error) {
	m.mu.Lock()
	r, ok := m.runs[jobID]
	m.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.store.GetJob(ctx, jobID)
}

// Close cancels running jobs and waits for their coordinators to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
