package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	memoryListLimit int
	memoryClearYes  bool
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect or reset the solution memory",
	Long: `Inspect or reset the SQLite solution memory (memory.path).

Examples:
  mathmentor memory stats
  mathmentor memory list --limit 5
  mathmentor memory clear --yes`,
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts",
	Args:  cobra.NoArgs,
	RunE:  runMemoryStats,
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent records",
	Args:  cobra.NoArgs,
	RunE:  runMemoryList,
}

var memoryClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every record and reset IDs",
	Args:  cobra.NoArgs,
	RunE:  runMemoryClear,
}

func init() {
	memoryListCmd.Flags().IntVar(&memoryListLimit, "limit", 20, "maximum number of records")
	memoryClearCmd.Flags().BoolVar(&memoryClearYes, "yes", false, "confirm deletion")
	memoryCmd.AddCommand(memoryStatsCmd, memoryListCmd, memoryClearCmd)
	rootCmd.AddCommand(memoryCmd)
}

func runMemoryStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{memory: true})
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	st, err := a.memory.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Total:   %d\nCorrect: %d\n", st.Total, st.Correct)
	return nil
}

func runMemoryList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{memory: true})
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	records, err := a.memory.List(ctx, memoryListLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, r := range records {
		mark := " "
		if r.IsCorrect {
			mark = "✓"
		}
		fmt.Fprintf(out, "%4d %s %s [%s] %s\n", r.ID, mark, r.Timestamp.Format("2006-01-02 15:04"), r.Problem.Topic, preview(r.Problem.ProblemText, 60))
	}
	return nil
}

func runMemoryClear(cmd *cobra.Command, _ []string) error {
	if !memoryClearYes {
		return fmt.Errorf("refusing to clear solution memory without --yes")
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{memory: true})
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if err := a.memory.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Solution memory cleared")
	return nil
}
