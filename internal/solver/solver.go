// Package solver produces candidate solutions grounded in retrieved context.
package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/evaluator"
	"github.com/fyrsmithlabs/mathmentor/internal/generation"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

var tracer = otel.Tracer("mathmentor.solver")

const (
	// DefaultTopK is the number of chunks retrieved per problem.
	DefaultTopK = 3

	// MaxChecks bounds the CHECK expressions evaluated per solution.
	MaxChecks = 5

	// NoContext replaces the context block when nothing was retrieved.
	NoContext = "(no reference material available)"

	// ErrorPrefix starts the answer text of a solution that failed to generate.
	ErrorPrefix = "solver error: "
)

var checkLine = regexp.MustCompile(`(?m)^[ \t>*-]*CHECK:[ \t]*(.+?)[ \t]*$`)

const promptTemplate = `Given this context from our knowledge base:

%s

Solve this %s problem:
%s

Provide:
1. Final answer
2. Step-by-step solution
3. Any formulas used

Be precise and show all work.
For each numeric sub-result, add a line of the form
CHECK: <expression>
using plain arithmetic, binomial(n, k), factorial(n), diff, integrate or limit,
so the result can be checked independently.`

// Retriever returns reference chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]problem.RetrievalResult, error)
}

// Option configures a Solver.
type Option func(*Solver)

// WithTopK sets the retrieval depth.
func WithTopK(k int) Option {
	return func(s *Solver) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *Solver) { s.temperature = t }
}

// Solver is safe for concurrent use.
type Solver struct {
	retriever   Retriever
	gen         generation.Service
	eval        *evaluator.Evaluator
	topK        int
	temperature float64
	logger      *logging.Logger
}

// New creates a Solver. retriever and eval may be nil.
func New(retriever Retriever, gen generation.Service, eval *evaluator.Evaluator, logger *logging.Logger, opts ...Option) *Solver {
	s := &Solver{
		retriever:   retriever,
		gen:         gen,
		eval:        eval,
		topK:        DefaultTopK,
		temperature: generation.DefaultTemperature,
		logger:      logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Solve produces one candidate solution for sp along route. It never fails:
// a generation failure becomes error text in the answer.
func (s *Solver) Solve(ctx context.Context, sp problem.Structured, route problem.Route) problem.Solution {
	ctx, span := tracer.Start(ctx, "Solver.Solve")
	defer span.End()

	sol := problem.Solution{ContextUsed: s.retrieve(ctx, sp, route)}
	span.SetAttributes(attribute.Int("context_chunks", len(sol.ContextUsed)))

	out, err := s.gen.Generate(ctx, buildPrompt(sp, route, sol.ContextUsed), generation.SolverMaxTokens, s.temperature)
	if err != nil {
		s.logger.Warn(ctx, "solution generation failed", zap.Error(err))
		sol.AnswerText = ErrorPrefix + err.Error()
		span.SetAttributes(attribute.Bool("generation_failed", true))
		return sol
	}
	sol.AnswerText = out
	sol.ToolTraces = s.runChecks(out, route)
	span.SetAttributes(attribute.Int("tool_traces", len(sol.ToolTraces)))
	return sol
}

// Failed reports whether sol carries generation error text.
func Failed(sol problem.Solution) bool {
	return strings.HasPrefix(sol.AnswerText, ErrorPrefix)
}

func (s *Solver) retrieve(ctx context.Context, sp problem.Structured, route problem.Route) []problem.RetrievalResult {
	if s.retriever == nil || !route.HasTool(problem.ToolRetrieval) {
		return []problem.RetrievalResult{}
	}
	results, err := s.retriever.Retrieve(ctx, sp.ProblemText, s.topK)
	if err != nil {
		s.logger.Warn(ctx, "retrieval unavailable, solving without context", zap.Error(err))
		return []problem.RetrievalResult{}
	}
	if results == nil {
		results = []problem.RetrievalResult{}
	}
	return results
}

// ContextBlock renders retrieved chunks for a prompt.
func ContextBlock(results []problem.RetrievalResult) string {
	if len(results) == 0 {
		return NoContext
	}
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("Source: %s\n%s", r.Source, r.Content)
	}
	return strings.Join(parts, "\n\n")
}

func buildPrompt(sp problem.Structured, route problem.Route, results []problem.RetrievalResult) string {
	encoded, err := json.MarshalIndent(sp, "", "  ")
	if err != nil {
		encoded = []byte(sp.ProblemText)
	}
	topic := string(route.Topic)
	if !route.Topic.Known() {
		topic = "math"
	}
	return fmt.Sprintf(promptTemplate, ContextBlock(results), strings.ReplaceAll(topic, "_", " "), encoded)
}

// ExtractChecks returns up to MaxChecks CHECK expressions from text.
func ExtractChecks(text string) []string {
	var exprs []string
	for _, m := range checkLine.FindAllStringSubmatch(text, -1) {
		expr := strings.Trim(m[1], "`$ ")
		if expr == "" {
			continue
		}
		exprs = append(exprs, expr)
		if len(exprs) == MaxChecks {
			break
		}
	}
	return exprs
}

func (s *Solver) runChecks(answer string, route problem.Route) []problem.ToolTrace {
	if s.eval == nil || !route.HasTool(problem.ToolEvaluator) {
		return nil
	}
	exprs := ExtractChecks(answer)
	if len(exprs) == 0 {
		return nil
	}
	traces := make([]problem.ToolTrace, len(exprs))
	for i, expr := range exprs {
		r := s.eval.Evaluate(expr)
		traces[i] = problem.ToolTrace{
			Tool:           problem.ToolEvaluator,
			Operation:      evaluator.OpEvaluate,
			Input:          expr,
			Success:        r.Success,
			Result:         r.Result,
			NormalizedForm: r.NormalizedForm,
			Value:          r.Value,
			Error:          r.Error,
		}
	}
	return traces
}
