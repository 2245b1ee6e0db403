package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hurttlocker/lectern/internal/cache"
	"github.com/hurttlocker/lectern/internal/config"
	"github.com/hurttlocker/lectern/internal/embed"
	"github.com/hurttlocker/lectern/internal/jobs"
	"github.com/hurttlocker/lectern/internal/judge"
	"github.com/hurttlocker/lectern/internal/llm"
	"github.com/hurttlocker/lectern/internal/logging"
	"github.com/hurttlocker/lectern/internal/pipeline"
	"github.com/hurttlocker/lectern/internal/search"
	"github.com/hurttlocker/lectern/internal/store"
	"github.com/hurttlocker/lectern/internal/triage"
	"github.com/hurttlocker/lectern/internal/vectorstore"
)

// app holds the collaborators a command has opened. Close releases them in
// reverse order.
type app struct {
	cfg    config.ResolvedConfig
	logger *zap.Logger
	store  *store.SQLiteStore
	cache  *cache.Cache

	embedder *embed.Client            // nil when no embedding provider is configured
	qdrant   *vectorstore.QdrantIndex // nil unless a Qdrant URL is configured

	jobs *jobs.Manager
}

func resolveConfig(opts *rootOptions) (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath:    opts.configPath,
		CLILLM:        opts.llm,
		CLIEmbed:      opts.embed,
		CLIDBPath:     opts.dbPath,
		CLIMode:       opts.mode,
		CLIMaxWorkers: opts.workers,
	})
}

// openApp resolves configuration, builds the logger and opens the store and
// result cache.
func openApp(opts *rootOptions) (*app, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}
	logCfg := cfg.LoggingConfig()
	if cfg.LogLevel.Value == "" {
		logCfg.Level = "warn" // keep interactive stderr quiet unless asked
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	st, err := store.NewStore(store.StoreConfig{DBPath: cfg.DBPath.Value})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		cache:  cache.Open(cfg.CachePath.Value, logger),
	}, nil
}

// openEmbedding connects the embedding client and, when configured, the
// Qdrant mirror. It is a no-op without an embedding provider.
func (a *app) openEmbedding() error {
	embCfg, ok, err := a.cfg.EmbedConfig()
	if err != nil || !ok {
		return err
	}
	client, err := embed.NewClient(embCfg)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}
	a.embedder = client

	if a.cfg.QdrantURL.Value == "" {
		return nil
	}
	idx, err := vectorstore.New(vectorstore.Config{
		URL:        a.cfg.QdrantURL.Value,
		Collection: a.cfg.QdrantCollection.Value,
		APIKey:     a.cfg.QdrantAPIKey.Value,
	}, a.store, a.logger)
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	a.qdrant = idx
	return nil
}

// settings returns the validated pipeline settings. Hybrid retrieval
// without an embedder runs lexical-only, and is recorded as such so that
// cache keys match what actually ran.
func (a *app) settings() (pipeline.Settings, error) {
	s, err := a.cfg.PipelineSettings()
	if err != nil {
		return s, err
	}
	if s.Mode == search.ModeHybrid && a.embedder == nil {
		a.logger.Warn("no embedding provider configured; retrieval is lexical-only")
		s.Mode = search.ModeLexicalOnly
		s.EmbedModel = ""
	}
	if a.embedder != nil {
		s.EmbedModel = a.embedder.Name()
	}
	return s, nil
}

// vectorIndex picks Qdrant when it is configured and the SQLite vectors otherwise.
func (a *app) vectorIndex() search.VectorIndex {
	if a.qdrant != nil {
		return a.qdrant
	}
	return a.store
}

// classifier wires retrieval, triage, the judge and the cache into a
// pipeline.Classifier.
func (a *app) classifier() (*pipeline.Classifier, error) {
	if err := a.openEmbedding(); err != nil {
		return nil, err
	}
	settings, err := a.settings()
	if err != nil {
		return nil, err
	}

	llmCfg, err := a.cfg.LLMConfig()
	if err != nil {
		return nil, err
	}
	provider, err := llm.NewProvider(llmCfg)
	if err != nil {
		return nil, fmt.Errorf("creating judge provider: %w", err)
	}

	var vector search.Scorer
	if settings.Mode == search.ModeHybrid {
		vector = search.NewVectorScorer(a.embedder, a.vectorIndex())
	}

	return pipeline.NewClassifier(pipeline.Deps{
		Store:     a.store,
		Retriever: search.NewRetriever(search.NewLexicalScorer(a.store), vector, settings.RetrieverConfig(), a.logger),
		Expander:  triage.NewExpander(a.store, settings.TopM, a.logger),
		Judge:     judge.New(provider, a.cfg.JudgeConfig(settings), a.logger),
		Cache:     a.cache,
		Logger:    a.logger,
	}, settings)
}

// jobManager starts a batch manager for c. Close shuts it down.
func (a *app) jobManager(c *pipeline.Classifier) (*jobs.Manager, error) {
	m, err := jobs.NewManager(jobs.Config{
		Classifier: c,
		Store:      a.store,
		Cache:      a.cache,
		MaxWorkers: c.Settings().MaxWorkers,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.jobs = m
	return m, nil
}

func (a *app) Close() error {
	var errs []error
	if a.jobs != nil {
		a.jobs.Close()
	}
	if a.cache != nil && a.cache.Dirty() {
		if err := a.cache.Save(); err != nil {
			errs = append(errs, fmt.Errorf("saving result cache: %w", err))
		}
	}
	if a.qdrant != nil {
		if err := a.qdrant.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing qdrant: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
