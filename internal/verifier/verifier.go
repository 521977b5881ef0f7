// Package verifier judges candidate solutions.
//
// The generated verdict is advisory: confidence is clamped, local domain
// checks can only lower it to incorrect, and NeedsHumanReview is always
// recomputed from the shared policy. Any failure yields the fail-safe
// verification.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/evaluator"
	"github.com/fyrsmithlabs/mathmentor/internal/generation"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/policy"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/solver"
)

var tracer = otel.Tracer("mathmentor.verifier")

const promptTemplate = `Verify this solution carefully:

Problem: %s
Topic: %s
Solution: %s

Evaluator checks:
%s

Check for:
1. Mathematical correctness
2. Unit consistency
3. Domain validity (e.g., probabilities between 0 and 1)
4. Edge cases
5. Common mistakes

Output ONLY this JSON:
{
  "is_correct": boolean,
  "confidence": float (0-1),
  "issues": [list of issues if any],
  "needs_human_review": boolean
}`

// verdict is the generated reply. Pointers distinguish absent from zero.
type verdict struct {
	IsCorrect        *bool    `json:"is_correct" validate:"required"`
	Confidence       *float64 `json:"confidence" validate:"required"`
	Issues           []string `json:"issues"`
	NeedsHumanReview *bool    `json:"needs_human_review"`
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?(?:\s*/\s*\d+(?:\.\d+)?)?(?:\s*%)?`)

// Verifier is safe for concurrent use.
type Verifier struct {
	gen      generation.Service
	eval     *evaluator.Evaluator
	policy   *policy.Policy
	validate *validator.Validate
	logger   *logging.Logger
}

// New creates a Verifier. A nil policy uses policy.Default; a nil
// evaluator disables the local domain check.
func New(gen generation.Service, eval *evaluator.Evaluator, p *policy.Policy, logger *logging.Logger) *Verifier {
	if p == nil {
		p = policy.Default()
	}
	return &Verifier{
		gen:      gen,
		eval:     eval,
		policy:   p,
		validate: validator.New(),
		logger:   logging.OrNop(logger),
	}
}

// Verify judges sol for sp. It never fails.
func (v *Verifier) Verify(ctx context.Context, sp problem.Structured, route problem.Route, sol problem.Solution) problem.Verification {
	ctx, span := tracer.Start(ctx, "Verifier.Verify")
	defer span.End()

	result := v.verify(ctx, sp, route, sol)
	span.SetAttributes(
		attribute.Bool("is_correct", result.IsCorrect),
		attribute.Float64("confidence", result.Confidence),
		attribute.Bool("needs_human_review", result.NeedsHumanReview),
	)
	return result
}

func (v *Verifier) verify(ctx context.Context, sp problem.Structured, route problem.Route, sol problem.Solution) problem.Verification {
	if solver.Failed(sol) {
		v.logger.Warn(ctx, "skipping verification of failed solution")
		return problem.FailSafeVerification()
	}

	out, err := v.gen.Generate(ctx, buildPrompt(sp, route, sol), generation.VerifierMaxTokens, 0)
	if err != nil {
		v.logger.Warn(ctx, "verification generation failed", zap.Error(err))
		return problem.FailSafeVerification()
	}
	parsed, err := v.parse(out)
	if err != nil {
		v.logger.Warn(ctx, "verification reply unparseable", zap.Error(err))
		return problem.FailSafeVerification()
	}

	result := problem.Verification{
		IsCorrect:  *parsed.IsCorrect,
		Confidence: clamp(*parsed.Confidence),
		Issues:     append([]string{}, parsed.Issues...),
	}

	for _, tr := range sol.ToolTraces {
		if !tr.Success {
			result.Issues = append(result.Issues, fmt.Sprintf("evaluator check failed: %s: %s", tr.Input, tr.Error))
		}
	}

	if isProbability(sp, route) {
		if issue, ok := v.probabilityIssue(sol.AnswerText); ok {
			result.Issues = append(result.Issues, issue)
			result.IsCorrect = false
		}
	}

	return v.policy.Enforce(result)
}

func (v *Verifier) parse(out string) (verdict, error) {
	payload, err := generation.ExtractJSON(out)
	if err != nil {
		return verdict{}, err
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	var parsed verdict
	if err := dec.Decode(&parsed); err != nil {
		return verdict{}, fmt.Errorf("decoding: %w", err)
	}
	if err := v.validate.Struct(parsed); err != nil {
		return verdict{}, fmt.Errorf("validating: %w", err)
	}
	return parsed, nil
}

// probabilityIssue reports a final answer value outside [0, 1].
func (v *Verifier) probabilityIssue(answer string) (string, bool) {
	if v.eval == nil {
		return "", false
	}
	raw, ok := FinalAnswerValue(answer)
	if !ok {
		return "", false
	}
	res := v.eval.CheckBounds(raw, 0, 1)
	if res.Value == nil || res.Valid {
		return "", false
	}
	return fmt.Sprintf("probability outside [0, 1]: %g", *res.Value), true
}

// FinalAnswerValue returns the numeric value stated on the first line
// mentioning the final answer. The value after the last '=' or ':' wins,
// numbers directly followed by a word are skipped when another candidate
// exists, and percentages are scaled to fractions.
func FinalAnswerValue(answer string) (string, bool) {
	for _, line := range strings.Split(answer, "\n") {
		lower := strings.ToLower(line)
		at := strings.Index(lower, "final answer")
		if at < 0 {
			continue
		}
		rest := line[at+len("final answer"):]
		if cut := strings.LastIndexAny(rest, "=:"); cut >= 0 {
			if v, ok := pickNumber(rest[cut+1:]); ok {
				return v, true
			}
		}
		return pickNumber(rest)
	}
	return "", false
}

func pickNumber(text string) (string, bool) {
	matches := numberPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	chosen := matches[0]
	for _, m := range matches {
		if !followedByWord(text[m[1]:]) {
			chosen = m
			break
		}
	}
	raw := strings.Join(strings.Fields(text[chosen[0]:chosen[1]]), "")
	if !strings.HasSuffix(raw, "%") {
		return raw, true
	}
	raw = strings.TrimSuffix(raw, "%")
	if strings.Contains(raw, "/") {
		return "(" + raw + ")/100", true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(f/100, 'g', -1, 64), true
}

func followedByWord(tail string) bool {
	r, _ := utf8.DecodeRuneInString(strings.TrimLeft(tail, " \t"))
	return unicode.IsLetter(r)
}

func isProbability(sp problem.Structured, route problem.Route) bool {
	return route.Topic == problem.TopicProbability || sp.Topic == problem.TopicProbability
}

func buildPrompt(sp problem.Structured, route problem.Route, sol problem.Solution) string {
	return fmt.Sprintf(promptTemplate, sp.ProblemText, route.Topic, sol.AnswerText, describeTraces(sol.ToolTraces))
}

func describeTraces(traces []problem.ToolTrace) string {
	if len(traces) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, tr := range traces {
		if tr.Success {
			fmt.Fprintf(&b, "- %s = %s\n", tr.Input, tr.Result)
		} else {
			fmt.Fprintf(&b, "- %s failed: %s\n", tr.Input, tr.Error)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
