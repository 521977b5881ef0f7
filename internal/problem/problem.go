// Package problem defines the records passed between pipeline stages.
//
// Each stage owns the record it produces and hands it forward by value or
// immutable reference; no stage mutates a record it received.
package problem

import (
	"sort"
	"strings"
)

// Topic is the mathematical domain of a problem.
type Topic string

const (
	TopicAlgebra       Topic = "algebra"
	TopicProbability   Topic = "probability"
	TopicCalculus      Topic = "calculus"
	TopicLinearAlgebra Topic = "linear_algebra"
	TopicUnknown       Topic = "unknown"
)

// KnownTopics lists the routable topics in canonical order.
func KnownTopics() []Topic {
	return []Topic{TopicAlgebra, TopicProbability, TopicCalculus, TopicLinearAlgebra}
}

// Known reports whether t is one of the four routable topics.
func (t Topic) Known() bool {
	switch t {
	case TopicAlgebra, TopicProbability, TopicCalculus, TopicLinearAlgebra:
		return true
	}
	return false
}

// ParseTopic normalizes free text into a Topic. Unrecognized input is TopicUnknown.
func ParseTopic(s string) Topic {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	t := Topic(norm)
	if t.Known() {
		return t
	}
	return TopicUnknown
}

// InputType is the modality the raw problem arrived through.
type InputType string

const (
	InputText  InputType = "text"
	InputImage InputType = "image"
	InputAudio InputType = "audio"
)

// Valid reports whether the input type is recognized.
func (i InputType) Valid() bool {
	return i == InputText || i == InputImage || i == InputAudio
}

// Structured is a problem after structuring.
// NeedsClarification=true means no stage past the router may run.
type Structured struct {
	ProblemText         string   `json:"problem_text" validate:"required"`
	Topic               Topic    `json:"topic" validate:"required,oneof=algebra probability calculus linear_algebra unknown"`
	Variables           []string `json:"variables"`
	Constraints         []string `json:"constraints"`
	NeedsClarification  bool     `json:"needs_clarification"`
	ClarificationReason string   `json:"clarification_reason" validate:"required_if=NeedsClarification true"`
}

// Tier identifies which router tier produced a route.
type Tier string

const (
	TierDeterministic Tier = "deterministic"
	TierKeyword       Tier = "keyword"
	TierGenerative    Tier = "generative"
	TierFallback      Tier = "fallback"
)

// Tool names attached to routes.
const (
	ToolRetrieval = "retrieval"
	ToolEvaluator = "evaluator"
)

// Route is the chosen solving strategy for a structured problem.
type Route struct {
	Topic         Topic    `json:"topic"`
	RouteID       string   `json:"route_id"`
	RequiredTools []string `json:"required_tools"`
	Confidence    float64  `json:"confidence"`
	Tier          Tier     `json:"tier"`
}

// DefaultTools returns the tool set every route carries, sorted.
func DefaultTools() []string {
	tools := []string{ToolRetrieval, ToolEvaluator}
	sort.Strings(tools)
	return tools
}

// HasTool reports whether the route requires the named tool.
func (r Route) HasTool(name string) bool {
	for _, t := range r.RequiredTools {
		if t == name {
			return true
		}
	}
	return false
}

// RetrievalResult is one ranked knowledge chunk.
type RetrievalResult struct {
	ChunkID string  `json:"chunk_id"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"relevance_score"`
}

// ToolTrace records one evaluator invocation made while solving.
type ToolTrace struct {
	Tool           string   `json:"tool"`
	Operation      string   `json:"operation"`
	Input          string   `json:"input"`
	Success        bool     `json:"success"`
	Result         string   `json:"result,omitempty"`
	NormalizedForm string   `json:"normalized_form,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Solution is a candidate answer produced once per route.
type Solution struct {
	AnswerText  string            `json:"answer_text"`
	ContextUsed []RetrievalResult `json:"context_used"`
	ToolTraces  []ToolTrace       `json:"tool_traces,omitempty"`
}

// Verification is the verdict on a candidate solution.
// NeedsHumanReview always equals (!IsCorrect || Confidence < threshold).
type Verification struct {
	IsCorrect        bool     `json:"is_correct"`
	Confidence       float64  `json:"confidence"`
	Issues           []string `json:"issues"`
	NeedsHumanReview bool     `json:"needs_human_review"`
}

// FailSafeVerification is returned whenever verification cannot complete.
func FailSafeVerification() Verification {
	return Verification{
		IsCorrect:        false,
		Confidence:       0.0,
		Issues:           []string{"verification failed"},
		NeedsHumanReview: true,
	}
}

// ParseResult is the outcome of structuring raw input: either a parsed
// record or a failure reason. Problem always yields a usable record.
type ParseResult struct {
	problem Structured
	reason  string
	ok      bool
}

// ParseFailurePrefix starts the clarification reason of every fallback record.
const ParseFailurePrefix = "failed to parse structured output"

// Ok wraps a successfully parsed record.
func Ok(s Structured) ParseResult {
	return ParseResult{problem: s, ok: true}
}

// Failure returns the fallback record for raw input that could not be
// structured.
func Failure(raw, cause string) ParseResult {
	reason := ParseFailurePrefix
	if cause != "" {
		reason += ": " + cause
	}
	return ParseResult{
		problem: Structured{
			ProblemText:         raw,
			Topic:               TopicUnknown,
			Variables:           []string{},
			Constraints:         []string{},
			NeedsClarification:  true,
			ClarificationReason: reason,
		},
		reason: cause,
	}
}

// OK reports whether parsing succeeded.
func (r ParseResult) OK() bool { return r.ok }

// Reason returns the failure cause, or "" on success.
func (r ParseResult) Reason() string { return r.reason }

// Problem returns the structured record, or the fallback on failure.
func (r ParseResult) Problem() Structured {
	p := r.problem
	p.Variables = append([]string{}, p.Variables...)
	p.Constraints = append([]string{}, p.Constraints...)
	return p
}
