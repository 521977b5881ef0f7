package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	ingestQuery string
	ingestTopK  int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [dir]",
	Short: "Load a knowledge directory and report what was indexed",
	Long: `Chunk and embed every .md and .txt file under dir (default
knowledge.path) and report the indexed sources. The index lives in memory;
this command checks a knowledge directory before serving it.

Examples:
  mathmentor ingest ./knowledge_base

  # Check retrieval for a query
  mathmentor ingest --query "binomial probability" --top-k 2`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestQuery, "query", "", "run a retrieval query after ingesting")
	ingestCmd.Flags().IntVar(&ingestTopK, "top-k", 0, "number of results for --query (default knowledge.top_k)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if len(args) == 1 {
		a.cfg.Knowledge.Path = args[0]
	}
	if err := a.initKnowledge(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sources := a.knowledge.Sources()
	if len(sources) == 0 {
		return fmt.Errorf("no documents indexed from %s", a.cfg.Knowledge.Path)
	}
	fmt.Fprintf(out, "Indexed %d chunks from %d documents in %s\n", a.knowledge.Count(), len(sources), a.cfg.Knowledge.Path)
	for _, src := range sources {
		fmt.Fprintf(out, "  %s\n", src)
	}

	if ingestQuery == "" {
		return nil
	}
	results, err := a.knowledge.Retrieve(ctx, ingestQuery, ingestTopK)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTop %d results for %q:\n", len(results), ingestQuery)
	for i, r := range results {
		fmt.Fprintf(out, "%d. [%.3f] %s: %s\n", i+1, r.Score, r.Source, preview(r.Content, 80))
	}
	return nil
}

// preview collapses whitespace and truncates s to n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
