// Package explainer turns verified solutions into step-by-step explanations.
package explainer

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/generation"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

var tracer = otel.Tracer("mathmentor.explainer")

// RefusalMessage is returned instead of an explanation for unverified solutions.
const RefusalMessage = "The solution could not be confidently verified. Please review the problem or provide clarification."

const promptTemplate = `You are a math tutor preparing an exam-style explanation.

Problem:
%s

Verified Final Answer:
%s

Guidelines:
- Explain step-by-step in simple language
- Justify each mathematical step
- Highlight formulas used
- Mention common mistakes briefly if relevant
- Do NOT introduce new calculations
- Do NOT change the final answer
- Keep explanation concise and exam-oriented

Write the explanation clearly.`

// Explainer is safe for concurrent use.
type Explainer struct {
	gen         generation.Service
	temperature float64
	logger      *logging.Logger
}

// New creates an Explainer.
func New(gen generation.Service, temperature float64, logger *logging.Logger) *Explainer {
	return &Explainer{gen: gen, temperature: temperature, logger: logging.OrNop(logger)}
}

// Explain returns an explanation of sol, or RefusalMessage when v is not
// correct or generation fails.
func (e *Explainer) Explain(ctx context.Context, sp problem.Structured, sol problem.Solution, v problem.Verification) string {
	ctx, span := tracer.Start(ctx, "Explainer.Explain")
	defer span.End()

	if !v.IsCorrect {
		span.SetAttributes(attribute.Bool("refused", true))
		return RefusalMessage
	}

	out, err := e.gen.Generate(ctx, fmt.Sprintf(promptTemplate, sp.ProblemText, sol.AnswerText), generation.ExplainerMaxTokens, e.temperature)
	if err != nil {
		e.logger.Error(ctx, "explanation generation failed", zap.Error(err))
		span.SetAttributes(attribute.Bool("refused", true))
		return RefusalMessage
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return RefusalMessage
	}
	return out
}
