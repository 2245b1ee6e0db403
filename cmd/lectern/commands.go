package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/hurttlocker/lectern/internal/decision"
	"github.com/hurttlocker/lectern/internal/ingest"
	"github.com/hurttlocker/lectern/internal/jobs"
	"github.com/hurttlocker/lectern/internal/lifecycle"
	"github.com/hurttlocker/lectern/internal/mcp"
	"github.com/hurttlocker/lectern/internal/pipeline"
	"github.com/hurttlocker/lectern/internal/store"
)

func newImportCmd(opts *rootOptions) *cobra.Command {
	var imp ingest.ImportOptions

	cmd := &cobra.Command{
		Use:   "import <path>...",
		Short: "Import lectures and questions from YAML, JSON or Markdown files",
		Long: "Import a corpus file (YAML or JSON with lectures and questions) or a Markdown\n" +
			"lecture. Directories import every supported file they contain.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			importer := ingest.NewImporter(a.store, a.logger)

			if !opts.jsonOutput {
				if imp.DryRun {
					fmt.Fprintln(out, "Dry run mode: no changes will be written")
					fmt.Fprintln(out)
				}
				imp.ProgressFn = func(current, total int, file string) {
					fmt.Fprintf(out, "  [%d/%d] %s\n", current, total, file)
				}
			}

			total := &ingest.ImportResult{}
			for _, path := range args {
				if !opts.jsonOutput {
					fmt.Fprintf(out, "Importing %s...\n", path)
				}
				res, err := importer.ImportPath(ctx, path, imp)
				if res != nil {
					total.Add(res)
				}
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					total.Errors = append(total.Errors, ingest.ImportError{File: path, Message: err.Error()})
				}
			}

			if opts.jsonOutput {
				return printJSON(out, total)
			}
			fmt.Fprintln(out)
			fmt.Fprint(out, formatImportResult(total))
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&imp.Recursive, "recursive", "r", false, "descend into subdirectories")
	f.BoolVarP(&imp.DryRun, "dry-run", "n", false, "show what would be imported without writing")
	f.StringVar(&imp.ExamID, "exam", "", "exam id for questions that do not name one")
	f.IntVar(&imp.MaxChunkChars, "max-chunk-chars", 0, "split section text into chunks of at most this many characters (default 1200)")
	return cmd
}

func newEmbedCmd(opts *rootOptions) *cobra.Command {
	embedOpts := ingest.DefaultEmbedOptions()

	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Generate embeddings for chunks that have none",
		Long: "Embed every chunk without a vector using the configured embedding provider.\n" +
			"When a Qdrant URL is configured the vectors are mirrored there as well.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.openEmbedding(); err != nil {
				return err
			}
			if a.embedder == nil {
				return errors.New("no embedding provider configured (use --embed or LECTERN_EMBED, e.g. ollama/nomic-embed-text)")
			}

			var mirror ingest.VectorMirror
			if a.qdrant != nil {
				mirror = a.qdrant
			}
			out := cmd.OutOrStdout()
			if !opts.jsonOutput {
				fmt.Fprintf(out, "Embedding with %s\n", a.embedder.Name())
				embedOpts.ProgressFn = func(current, total int) {
					fmt.Fprintf(out, "  [%d/%d] chunks\n", current, total)
				}
			}

			res, err := ingest.NewEmbedEngine(a.store, a.embedder, mirror, a.logger).EmbedChunks(cmd.Context(), embedOpts)
			if err != nil {
				return fmt.Errorf("embedding chunks: %w", err)
			}
			if opts.jsonOutput {
				return printJSON(out, res)
			}
			fmt.Fprint(out, formatEmbedResult(res, mirror != nil))
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&embedOpts.BatchSize, "batch-size", embedOpts.BatchSize, "chunks per embedding request")
	f.IntVar(&embedOpts.Limit, "limit", embedOpts.Limit, "maximum chunks to embed in this run")
	return cmd
}

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	var (
		all  bool
		exam string
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "classify [question-id...]",
		Short: "Classify questions in a batch job",
		Long: "Start a batch job that classifies the given questions, every question of an exam\n" +
			"(--exam) or every question (--all). The job runs in this process until it finishes;\n" +
			"--wait prints progress while it runs. Re-running with unchanged settings is served\n" +
			"from the result cache.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			selectors := 0
			for _, set := range []bool{len(ids) > 0, all, exam != ""} {
				if set {
					selectors++
				}
			}
			if selectors != 1 {
				return errors.New("specify exactly one of: question ids, --exam or --all")
			}

			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if len(ids) == 0 {
				if ids, err = a.store.ListQuestionIDs(ctx, exam); err != nil {
					return err
				}
				if len(ids) == 0 {
					return errors.New("no questions to classify; import some first")
				}
			}

			c, err := a.classifier()
			if err != nil {
				return err
			}
			m, err := a.jobManager(c)
			if err != nil {
				return err
			}

			jobID, err := m.StartBatch(ctx, ids)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !opts.jsonOutput {
				fmt.Fprintf(out, "Started job %s: %d question(s), %d worker(s), mode %s\n",
					jobID, len(ids), c.Settings().MaxWorkers, c.Settings().Mode)
			}

			var progress io.Writer
			if wait && !opts.jsonOutput {
				progress = out
			}
			job, err := waitForJob(ctx, m, jobID, len(ids), progress)
			if err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("interrupted; job %s will be marked failed", jobID)
				}
				return err
			}

			counts, _ := m.Progress(jobID)
			if opts.jsonOutput {
				if err := printJSON(out, newJobView(job, &counts)); err != nil {
					return err
				}
			} else {
				fmt.Fprint(out, formatJob(job, &counts))
			}
			if job.Status == store.JobFailed {
				return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&all, "all", false, "classify every imported question")
	f.StringVar(&exam, "exam", "", "classify every question of this exam")
	f.IntVar(&opts.workers, "workers", 0, "questions classified concurrently (default 4)")
	f.BoolVar(&wait, "wait", false, "print progress while the job runs")
	return cmd
}

// waitForJob blocks until the job is terminal. With a progress writer it
// prints the in-memory counters once a second.
func waitForJob(ctx context.Context, m *jobs.Manager, jobID string, total int, progress io.Writer) (*store.Job, error) {
	if progress == nil {
		return m.Wait(ctx, jobID)
	}

	type waited struct {
		job *store.Job
		err error
	}
	done := make(chan waited, 1)
	go func() {
		job, err := m.Wait(ctx, jobID)
		done <- waited{job, err}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case w := <-done:
			return w.job, w.err
		case <-ticker.C:
			c, ok := m.Progress(jobID)
			if !ok || c.Processed == last {
				continue
			}
			last = c.Processed
			fmt.Fprintf(progress, "  [%d/%d] ok %d, failed %d, cache hits %d\n",
				c.Processed, total, c.Success, c.Failed, c.CacheHits)
		}
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a batch job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.store.GetJob(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), newJobView(job, nil))
			}
			fmt.Fprint(cmd.OutOrStdout(), formatJob(job, nil))
			return nil
		},
	}
}

func newResultCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <question-id>",
		Short: "Show the latest classification result for a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			view, err := pipeline.NewService(a.store).GetResult(cmd.Context(), id)
			if errors.Is(err, pipeline.ErrResultPending) {
				if opts.jsonOutput {
					return printJSON(out, map[string]interface{}{"question_id": id, "status": "pending"})
				}
				fmt.Fprintf(out, "Question %d has not been classified yet.\n", id)
				return nil
			}
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(out, view)
			}
			fmt.Fprint(out, formatResult(view, a.lectureTitles(cmd.Context(), view.Decision)))
			return nil
		},
	}
}

func newReviewCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "review",
		Short: "List proposals that need review and have not been applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.store.ListResults(cmd.Context(), string(decision.OutcomeNeedsReview), true)
			if err != nil {
				return err
			}
			views := make([]*pipeline.ResultView, 0, len(rows))
			for _, r := range rows {
				v, err := pipeline.DecodeResult(r)
				if err != nil {
					return err
				}
				views = append(views, v)
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), views)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatReview(views))
			return nil
		},
	}
}

func newApplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <question-id>",
		Short: "Confirm a proposed classification",
		Long:  "Write the result's lecture as a manual classification and mark the result applied.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := pipeline.NewService(a.store).ApplyResult(cmd.Context(), id)
			switch {
			case errors.Is(err, pipeline.ErrResultPending):
				return fmt.Errorf("question %d has no result yet; run lectern classify first", id)
			case errors.Is(err, pipeline.ErrNothingToApply):
				return fmt.Errorf("question %d matched no lecture; nothing to apply", id)
			case err != nil:
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), newClassificationView(c))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied: question %d -> lecture %d (%s, confidence %.2f)\n",
				c.QuestionID, c.LectureID, c.Status, c.Confidence)
			return nil
		},
	}
}

func newMaintainCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Prune stale cache entries and re-gate pending proposals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.openEmbedding(); err != nil {
				return err
			}
			settings, err := a.settings()
			if err != nil {
				return err
			}
			runner, err := lifecycle.NewRunner(a.store, a.cache, settings, a.cfg.Policies, a.logger)
			if err != nil {
				return err
			}
			report, err := runner.Run(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatReport(report))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	return cmd
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve lectern tools over the Model Context Protocol (stdio)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.classifier()
			if err != nil {
				return err
			}
			m, err := a.jobManager(c)
			if err != nil {
				return err
			}
			srv := mcp.NewServer(mcp.ServerConfig{
				Store:      a.store,
				Classifier: c,
				Jobs:       m,
				Version:    version,
				Logger:     a.logger,
			})
			return mcpserver.ServeStdio(srv)
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show resolved configuration values and where each came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(opts)
			if err != nil {
				return err
			}
			cfg = redactConfig(cfg)
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatConfig(cfg))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lectern %s\n", version)
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid question id %q", s)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
