package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mathmentor/internal/evaluator"
)

var evalBindings []string

var evalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate an expression with the sandboxed evaluator",
	Long: `Evaluate a whitelisted math expression, printing its canonical form and
numeric value. Use --set to substitute variables before evaluation.

Examples:
  mathmentor eval "binomial(5, 3) / 2^5"
  mathmentor eval "diff(x^3, x)"
  mathmentor eval --set x=3 --set y=1 "x^2 + y"`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringArrayVar(&evalBindings, "set", nil, "variable binding name=value (repeatable)")
	rootCmd.AddCommand(evalCmd)
}

// parseBindings parses name=value pairs.
func parseBindings(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid binding %q: want name=value", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid binding %q: %w", pair, err)
		}
		out[name] = v
	}
	return out, nil
}

func runEval(cmd *cobra.Command, args []string) error {
	bindings, err := parseBindings(evalBindings)
	if err != nil {
		return err
	}
	ev := evaluator.New()
	out := cmd.OutOrStdout()

	if len(bindings) > 0 {
		res := ev.SubstituteAndEvaluate(args[0], bindings)
		if !res.Success {
			return fmt.Errorf("evaluation failed: %s", res.Error)
		}
		names := make([]string, 0, len(bindings))
		for name := range bindings {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%s = %g\n", name, bindings[name])
		}
		fmt.Fprintf(out, "%s = %s\n", res.Expression, res.Substituted)
		return nil
	}

	res := ev.Evaluate(args[0])
	if !res.Success {
		return fmt.Errorf("evaluation failed: %s", res.Error)
	}
	if res.NormalizedForm != "" && res.NormalizedForm != res.Result {
		fmt.Fprintf(out, "%s = %s\n", res.NormalizedForm, res.Result)
		return nil
	}
	fmt.Fprintln(out, res.Result)
	return nil
}
