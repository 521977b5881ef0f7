package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mathmentor/internal/pipeline"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/review"
)

var (
	solveInputType  string
	solveConfidence float64
	solveJSON       bool
)

var solveCmd = &cobra.Command{
	Use:   "solve [problem]",
	Short: "Solve one problem and print the result",
	Long: `Run one problem through the full pipeline and print the explanation, or
the reason it stopped.

For image or audio input, pass the OCR/ASR transcript as the problem and its
confidence with --confidence. Without --confidence, audio transcripts get a
length-based estimate and images always go to human review.

Examples:
  mathmentor solve "A fair coin is tossed 5 times. Find P(exactly 3 heads)."

  # Read from stdin
  echo "Find the derivative of x^3" | mathmentor solve -

  # OCR output with its confidence, as JSON
  mathmentor solve --input-type image --confidence 0.92 --json "Evaluate lim x->0 sin(x)/x"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSolve,
}

func init() {
	solveCmd.Flags().StringVar(&solveInputType, "input-type", string(problem.InputText), "text, image or audio")
	solveCmd.Flags().Float64Var(&solveConfidence, "confidence", -1, "extraction confidence for image or audio input")
	solveCmd.Flags().BoolVar(&solveJSON, "json", false, "print the full report as JSON")
	rootCmd.AddCommand(solveCmd)
}

// readProblem returns the argument, or stdin when the argument is "-" or absent.
func readProblem(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}
	content, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", fmt.Errorf("no problem text provided")
	}
	return text, nil
}

// buildRequest maps flags onto a pipeline request. A negative confidence
// means no extraction result was supplied.
func buildRequest(text, inputType string, confidence float64) pipeline.Request {
	req := pipeline.Request{InputType: problem.InputType(inputType), RawInput: text}
	if req.InputType != problem.InputText && confidence >= 0 {
		req.Extraction = &review.Extraction{Text: text, Confidence: confidence}
	}
	return req
}

func runSolve(cmd *cobra.Command, args []string) error {
	text, err := readProblem(args, os.Stdin)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, fullApp)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	report, err := a.runner.Run(ctx, buildRequest(text, solveInputType, solveConfidence))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if solveJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(out, report)
	return nil
}

func printReport(w io.Writer, r pipeline.Report) {
	if r.Route != nil {
		fmt.Fprintf(w, "Topic:      %s (%s, confidence %.2f)\n", r.Route.Topic, r.Route.Tier, r.Route.Confidence)
	}
	if r.Verification != nil {
		fmt.Fprintf(w, "Verified:   %t (confidence %.2f)\n", r.Verification.IsCorrect, r.Verification.Confidence)
		for _, issue := range r.Verification.Issues {
			fmt.Fprintf(w, "  - %s\n", issue)
		}
	}
	if len(r.Similar) > 0 {
		fmt.Fprintf(w, "Similar:    %d accepted solutions\n", len(r.Similar))
	}

	switch r.Stage {
	case pipeline.StageExplained:
		fmt.Fprintf(w, "\n%s\n", r.Explanation)
	case pipeline.StageHumanReview:
		fmt.Fprintf(w, "\nQueued for human review: %s\n", r.Reason)
		if r.Solution != nil {
			fmt.Fprintf(w, "\nProposed solution:\n%s\n", r.Solution.AnswerText)
		}
	default:
		fmt.Fprintf(w, "\nStopped at %s: %s\n", r.Stage, r.Reason)
	}
}
