// Mathmentor solves math problems with retrieval, symbolic checks, and
// verification, escalating uncertain answers to a human reviewer.
//
// Usage:
//
//	# Start the HTTP API
//	mathmentor serve
//
//	# Solve one problem from the command line
//	mathmentor solve "A fair coin is tossed 5 times. Find P(exactly 3 heads)."
//
//	# Serve MCP tools over stdio
//	mathmentor mcp
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is an optional YAML configuration file.
	configPath string
	// logLevel overrides logging.level when set.
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mathmentor",
	Short: "Retrieval-augmented math solver with human review",
	Long: `mathmentor parses a math problem, routes it to a topic solver, grounds the
answer in a reference knowledge base, checks it with a sandboxed symbolic
evaluator, and verifies it before explaining. Unverified answers are queued
for human review; approved answers become reusable solution memory.

Configuration is read from an optional YAML file (--config) and
MATHMENTOR_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("mathmentor %s (commit %s, built %s)\n", version, gitCommit, buildDate))
}
