// Command lectern classifies exam questions against lecture material.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	dbPath     string
	llm        string
	embed      string
	mode       string
	workers    int
	jsonOutput bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "lectern",
		Short:         "Classify exam questions against lecture material",
		Long:          "lectern retrieves candidate lectures for each exam question with BM25 and vector search,\nasks an LLM judge to pick one, and auto-applies confident decisions.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default ~/.lectern/config.yaml; .toml also accepted)")
	pf.StringVar(&opts.dbPath, "db", "", "database path (default ~/.lectern/lectern.db)")
	pf.StringVar(&opts.llm, "llm", "", "judge model as provider/model, e.g. google/gemini-2.5-flash")
	pf.StringVar(&opts.embed, "embed", "", "embedding model as provider/model, e.g. ollama/nomic-embed-text")
	pf.StringVar(&opts.mode, "mode", "", "retrieval mode: lexical_only or hybrid")
	pf.BoolVar(&opts.jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newImportCmd(opts),
		newEmbedCmd(opts),
		newClassifyCmd(opts),
		newStatusCmd(opts),
		newResultCmd(opts),
		newReviewCmd(opts),
		newApplyCmd(opts),
		newMaintainCmd(opts),
		newMCPCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}
