package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mathmentor/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve the solve, evaluate, knowledge_search, memory_similar and
review_submit tools to an MCP client over stdin/stdout. Logs go to stderr.

Example client configuration:
  {"command": "mathmentor", "args": ["mcp"]}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := fullApp
	opts.stderrLogs = true
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	srv, err := mcp.NewServer(&mcp.Config{Name: "mathmentor", Version: version, Logger: a.logger}, mcp.Services{
		Runner:    a.runner,
		Evaluator: a.evaluator,
		Knowledge: a.knowledge,
		Memory:    a.memory,
		Gateway:   a.gateway,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "mathmentor MCP stdio mode started (%d knowledge chunks)\n", a.knowledge.Count())
	return srv.Run(ctx)
}
