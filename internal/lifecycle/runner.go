// Package lifecycle runs maintenance policies over the result cache and the
// stored proposals.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hurttlocker/lectern/internal/cache"
	cfgresolver "github.com/hurttlocker/lectern/internal/config"
	"github.com/hurttlocker/lectern/internal/decision"
	"github.com/hurttlocker/lectern/internal/pipeline"
	"github.com/hurttlocker/lectern/internal/store"
)

const (
	PolicyPruneStaleCache = "prune-stale-cache"
	PolicyRegateProposals = "regate-proposals"
)

type Action struct {
	Policy     string  `json:"policy"`
	Action     string  `json:"action"`
	QuestionID int64   `json:"question_id,omitempty"`
	LectureID  int64   `json:"lecture_id,omitempty"`
	ConfigHash string  `json:"config_hash,omitempty"`
	ModelName  string  `json:"model_name,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason"`
	Applied    bool    `json:"applied"`
}

type Report struct {
	DryRun     bool     `json:"dry_run"`
	Scanned    int      `json:"scanned"`
	Applied    int      `json:"applied"`
	Actions    []Action `json:"actions"`
	PolicyRuns struct {
		PruneStaleCache int `json:"prune_stale_cache"`
		RegateProposals int `json:"regate_proposals"`
	} `json:"policy_runs"`
}

// Store is what the runner reads and writes.
type Store interface {
	pipeline.Store
	ListResults(ctx context.Context, outcome string, onlyUnapplied bool) ([]*store.Result, error)
}

type Runner struct {
	st       Store
	cache    *cache.Cache
	settings pipeline.Settings
	service  *pipeline.Service
	policies cfgresolver.PolicyConfig
	logger   *zap.Logger
}

// NewRunner creates a Runner. settings are the current pipeline settings:
// their fingerprint decides which cache entries are stale and their gate
// re-evaluates proposals.
func NewRunner(st Store, c *cache.Cache, settings pipeline.Settings, policies cfgresolver.PolicyConfig, logger *zap.Logger) (*Runner, error) {
	if st == nil {
		return nil, fmt.Errorf("lifecycle runner requires a store")
	}
	if err := settings.Gate.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		st:       st,
		cache:    c,
		settings: settings,
		service:  pipeline.NewService(st),
		policies: policies,
		logger:   logger.With(zap.String("component", "lifecycle")),
	}, nil
}

func (r *Runner) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun, Actions: make([]Action, 0, 64)}

	if r.policies.PruneStaleCache.Enabled && r.cache != nil {
		actions, scanned, err := r.applyPruneStaleCache(dryRun)
		if err != nil {
			return nil, err
		}
		report.Scanned += scanned
		report.PolicyRuns.PruneStaleCache = len(actions)
		report.Actions = append(report.Actions, actions...)
	}

	if r.policies.RegateProposals.Enabled {
		actions, scanned, err := r.applyRegateProposals(ctx, dryRun)
		if err != nil {
			return nil, err
		}
		report.Scanned += scanned
		report.PolicyRuns.RegateProposals = len(actions)
		report.Actions = append(report.Actions, actions...)
	}

	for _, a := range report.Actions {
		if a.Applied {
			report.Applied++
		}
	}
	r.logger.Info("maintenance run finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("scanned", report.Scanned),
		zap.Int("actions", len(report.Actions)),
		zap.Int("applied", report.Applied))
	return report, nil
}

// applyPruneStaleCache drops cache entries written under any other config
// fingerprint. They can never be hit again.
func (r *Runner) applyPruneStaleCache(dryRun bool) ([]Action, int, error) {
	current := r.settings.Fingerprint()
	keys := r.cache.Keys()
	actions := []Action{}
	for _, k := range keys {
		if k.ConfigHash == current {
			continue
		}
		actions = append(actions, Action{
			Policy:     PolicyPruneStaleCache,
			Action:     "drop_cache_entry",
			QuestionID: k.QuestionID,
			ConfigHash: k.ConfigHash,
			ModelName:  k.ModelName,
			Reason:     fmt.Sprintf("config hash %s differs from current %s", short(k.ConfigHash), short(current)),
		})
	}
	if dryRun || len(actions) == 0 {
		return actions, len(keys), nil
	}

	r.cache.Prune(func(k cache.Key) bool { return k.ConfigHash == current })
	if err := r.cache.Save(); err != nil {
		for i := range actions {
			actions[i].Reason += "; apply_error: " + err.Error()
		}
		return actions, len(keys), nil
	}
	for i := range actions {
		actions[i].Applied = true
	}
	return actions, len(keys), nil
}

// applyRegateProposals re-evaluates un-applied needs_review results under the
// current gate and auto-applies those that now clear it.
func (r *Runner) applyRegateProposals(ctx context.Context, dryRun bool) ([]Action, int, error) {
	results, err := r.st.ListResults(ctx, string(decision.OutcomeNeedsReview), true)
	if err != nil {
		return nil, 0, fmt.Errorf("list needs-review results: %w", err)
	}

	limit := r.policies.RegateProposals.Limit
	actions := []Action{}
	scanned := 0
	for _, res := range results {
		if limit > 0 && len(actions) >= limit {
			break
		}
		scanned++
		view, err := pipeline.DecodeResult(res)
		if err != nil {
			r.logger.Warn("skipping undecodable result", zap.Int64("question_id", res.QuestionID), zap.Error(err))
			continue
		}
		gate := r.settings.Gate.Evaluate(view.Decision)
		if gate.Outcome != decision.OutcomeAutoApplied {
			continue
		}
		lectureID, _ := view.Decision.Lecture()
		act := Action{
			Policy:     PolicyRegateProposals,
			Action:     "auto_apply",
			QuestionID: res.QuestionID,
			LectureID:  lectureID,
			ConfigHash: res.ConfigHash,
			Confidence: view.Decision.Confidence,
			Reason:     fmt.Sprintf("confidence %.3f >= %.3f", view.Decision.Confidence, r.settings.Gate.Threshold()),
		}
		if !dryRun {
			_, err := r.service.Promote(ctx, res.QuestionID)
			switch {
			case errors.Is(err, store.ErrConfirmed):
				act.Action = "skip"
				act.Reason += "; kept confirmed classification"
			case err != nil:
				act.Reason += "; apply_error: " + err.Error()
			default:
				act.Applied = true
			}
		}
		actions = append(actions, act)
	}
	return actions, scanned, nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
