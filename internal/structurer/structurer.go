// Package structurer turns raw problem text into a problem.Structured record.
//
// Generated output is untrusted: it is extracted, strictly decoded and
// validated. Any failure yields the deterministic fallback record asking
// for clarification, never an error.
package structurer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/generation"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

var tracer = otel.Tracer("mathmentor.structurer")

var errEmptyInput = errors.New("empty input")

const promptTemplate = `Parse the following math problem and return ONLY valid JSON.
Do NOT include explanations, markdown, or extra text.

Problem:
%s

JSON schema:
{
  "problem_text": "string",
  "topic": "algebra | probability | calculus | linear_algebra | unknown",
  "variables": ["string"],
  "constraints": ["string"],
  "needs_clarification": boolean,
  "clarification_reason": "string"
}

Set needs_clarification to true only if the problem cannot be solved as stated,
and explain why in clarification_reason.

Return ONLY the JSON object.`

// Option configures a Structurer.
type Option func(*Structurer)

// WithTemperature sets the sampling temperature. Defaults to 0.
func WithTemperature(t float64) Option {
	return func(s *Structurer) { s.temperature = t }
}

// Structurer is safe for concurrent use.
type Structurer struct {
	gen         generation.Service
	temperature float64
	validate    *validator.Validate
	logger      *logging.Logger
}

// New creates a Structurer.
func New(gen generation.Service, logger *logging.Logger, opts ...Option) *Structurer {
	s := &Structurer{
		gen:      gen,
		validate: validator.New(),
		logger:   logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Structure parses raw into a structured problem. It never fails; a parse or
// generation failure is reported through the result's fallback record.
func (s *Structurer) Structure(ctx context.Context, raw string) problem.ParseResult {
	ctx, span := tracer.Start(ctx, "Structurer.Structure")
	defer span.End()

	result := s.structure(ctx, raw)
	span.SetAttributes(
		attribute.Bool("ok", result.OK()),
		attribute.String("topic", string(result.Problem().Topic)),
	)
	if !result.OK() {
		s.logger.Warn(ctx, "structuring fell back to clarification", zap.String("reason", result.Reason()))
	}
	return result
}

func (s *Structurer) structure(ctx context.Context, raw string) problem.ParseResult {
	if strings.TrimSpace(raw) == "" {
		return problem.Failure(raw, errEmptyInput.Error())
	}

	out, err := s.gen.Generate(ctx, fmt.Sprintf(promptTemplate, raw), generation.StructurerMaxTokens, s.temperature)
	if err != nil {
		return problem.Failure(raw, err.Error())
	}
	parsed, err := s.parse(out, raw)
	if err != nil {
		return problem.Failure(raw, err.Error())
	}
	return problem.Ok(parsed)
}

// parse decodes and validates generated output.
func (s *Structurer) parse(out, raw string) (problem.Structured, error) {
	payload, err := generation.ExtractJSON(out)
	if err != nil {
		return problem.Structured{}, err
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	var parsed problem.Structured
	if err := dec.Decode(&parsed); err != nil {
		return problem.Structured{}, fmt.Errorf("decoding: %w", err)
	}

	if strings.TrimSpace(parsed.ProblemText) == "" {
		parsed.ProblemText = raw
	}
	parsed.Topic = normalizeTopic(parsed.Topic)
	if parsed.Variables == nil {
		parsed.Variables = []string{}
	}
	if parsed.Constraints == nil {
		parsed.Constraints = []string{}
	}

	if err := s.validate.Struct(parsed); err != nil {
		return problem.Structured{}, fmt.Errorf("validating: %w", err)
	}
	return parsed, nil
}

// normalizeTopic folds case and separators. An absent topic is unknown;
// anything else unrecognized is left for validation to reject.
func normalizeTopic(t problem.Topic) problem.Topic {
	norm := strings.ToLower(strings.TrimSpace(string(t)))
	if norm == "" {
		return problem.TopicUnknown
	}
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	return problem.Topic(norm)
}
