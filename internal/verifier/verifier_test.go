package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mathmentor/internal/evaluator"
	"github.com/fyrsmithlabs/mathmentor/internal/generation"
	"github.com/fyrsmithlabs/mathmentor/internal/policy"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

var (
	coin = problem.Structured{ProblemText: "A fair coin is tossed 5 times. Find P(exactly 3 heads).", Topic: problem.TopicUnknown}
	prob = problem.Route{Topic: problem.TopicProbability, RouteID: "probability_solver", RequiredTools: problem.DefaultTools(), Confidence: 0.8}
	alg  = problem.Route{Topic: problem.TopicAlgebra, RouteID: "algebra_solver", RequiredTools: problem.DefaultTools(), Confidence: 0.9}
)

func solution(text string) problem.Solution {
	return problem.Solution{AnswerText: text, ContextUsed: []problem.RetrievalResult{}}
}

func newVerifier(gen generation.Service) *Verifier {
	return New(gen, evaluator.New(), policy.Default(), nil)
}

func TestVerify_RecomputesNeedsHumanReview(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		correct    bool
		confidence float64
		review     bool
	}{
		{"approved", `{"is_correct": true, "confidence": 0.9, "issues": [], "needs_human_review": true}`, true, 0.9, false},
		{"low confidence", `{"is_correct": true, "confidence": 0.79, "issues": [], "needs_human_review": false}`, true, 0.79, true},
		{"at threshold", `{"is_correct": true, "confidence": 0.8}`, true, 0.8, false},
		{"incorrect", `{"is_correct": false, "confidence": 0.95, "issues": ["wrong n"], "needs_human_review": false}`, false, 0.95, true},
		{"clamped high", `{"is_correct": true, "confidence": 1.7}`, true, 1.0, false},
		{"clamped low", `{"is_correct": true, "confidence": -0.2}`, true, 0.0, true},
		{"fenced", "```json\n{\"is_correct\": true, \"confidence\": 0.85}\n```", true, 0.85, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := generation.NewScripted().EnqueueText(tt.reply)
			v := newVerifier(gen).Verify(context.Background(), coin, alg, solution("Final answer: x = 3"))
			assert.Equal(t, tt.correct, v.IsCorrect)
			assert.Equal(t, tt.confidence, v.Confidence)
			assert.Equal(t, tt.review, v.NeedsHumanReview)
			assert.NotNil(t, v.Issues)
		})
	}
}

func TestVerify_FailSafe(t *testing.T) {
	tests := map[string]generation.Reply{
		"garbage":            {Text: "looks right to me"},
		"missing confidence": {Text: `{"is_correct": true}`},
		"missing is_correct": {Text: `{"confidence": 0.9}`},
		"wrong type":         {Text: `{"is_correct": "yes", "confidence": 0.9}`},
		"transport error":    {Err: errors.New("connection reset")},
	}
	for name, reply := range tests {
		t.Run(name, func(t *testing.T) {
			gen := generation.NewScripted().Enqueue(reply)
			v := newVerifier(gen).Verify(context.Background(), coin, alg, solution("Final answer: 3"))
			assert.Equal(t, problem.FailSafeVerification(), v)
		})
	}
}

func TestVerify_TimeoutIsFailSafe(t *testing.T) {
	backend := generation.NewScripted().Enqueue(generation.Reply{Text: `{"is_correct": true, "confidence": 1}`, Delay: time.Hour})
	client := generation.NewClient(backend, generation.ClientConfig{Timeout: 20 * time.Millisecond}, nil)

	v := newVerifier(client).Verify(context.Background(), coin, prob, solution("Final answer: 0.3125"))
	assert.Equal(t, problem.FailSafeVerification(), v)
}

func TestVerify_FailedSolutionSkipsGeneration(t *testing.T) {
	gen := generation.NewScripted()
	v := newVerifier(gen).Verify(context.Background(), coin, prob, solution("solver error: generation timed out"))
	assert.Equal(t, problem.FailSafeVerification(), v)
	assert.Zero(t, gen.CallCount())
}

func TestVerify_ProbabilityOutOfBounds(t *testing.T) {
	gen := generation.NewScripted().EnqueueText(`{"is_correct": true, "confidence": 0.95, "issues": []}`)
	v := newVerifier(gen).Verify(context.Background(), coin, prob, solution("Final answer: 32/10 = 3.2"))

	assert.False(t, v.IsCorrect)
	assert.True(t, v.NeedsHumanReview)
	assert.Contains(t, v.Issues, "probability outside [0, 1]: 3.2")
}

func TestVerify_ProbabilityInBounds(t *testing.T) {
	gen := generation.NewScripted().EnqueueText(`{"is_correct": true, "confidence": 0.95, "issues": []}`)
	v := newVerifier(gen).Verify(context.Background(), coin, prob, solution("Final answer: 10/32 = 0.3125"))
	assert.True(t, v.IsCorrect)
	assert.False(t, v.NeedsHumanReview)
	assert.Empty(t, v.Issues)
}

func TestVerify_BoundsCheckOnlyForProbability(t *testing.T) {
	gen := generation.NewScripted().EnqueueText(`{"is_correct": true, "confidence": 0.95}`)
	v := newVerifier(gen).Verify(context.Background(), coin, alg, solution("Final answer: x = 7"))
	assert.True(t, v.IsCorrect)
}

func TestVerify_FailedToolTraceBecomesIssue(t *testing.T) {
	gen := generation.NewScripted().EnqueueText(`{"is_correct": true, "confidence": 0.9}`)
	sol := solution("Final answer: 0.5")
	sol.ToolTraces = []problem.ToolTrace{
		{Tool: "evaluator", Operation: "evaluate", Input: "log(0)", Success: false, Error: "math domain error"},
	}
	v := newVerifier(gen).Verify(context.Background(), coin, prob, sol)
	require.Len(t, v.Issues, 1)
	assert.Contains(t, v.Issues[0], "log(0)")
	assert.True(t, v.IsCorrect)

	prompt := gen.Calls()[0].Prompt
	assert.Contains(t, prompt, "log(0) failed")
	assert.Contains(t, prompt, "Domain validity")
	assert.Equal(t, generation.VerifierMaxTokens, gen.Calls()[0].MaxTokens)
	assert.Zero(t, gen.Calls()[0].Temperature)
}

func TestVerify_CustomThreshold(t *testing.T) {
	p := policy.Default()
	p.VerifierThreshold = 0.95
	gen := generation.NewScripted().EnqueueText(`{"is_correct": true, "confidence": 0.9}`)
	v := New(gen, nil, p, nil).Verify(context.Background(), coin, alg, solution("ok"))
	assert.True(t, v.NeedsHumanReview)
}

func TestFinalAnswerValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Final answer: 10/32 = 0.3125", "0.3125", true},
		{"Steps...\n**Final Answer:** P(X = 3) = 5 / 16\nmore", "5/16", true},
		{"final answer is -0.25", "-0.25", true},
		{"Final answer: undefined", "", false},
		{"no marker 0.5", "", false},
		{"Final answer: P(X = 3) = 5/16 = 31.25%", "0.3125", true},
		{"Final answer: 50 %", "0.5", true},
		{"Final answer: 0.3125 for 5 tosses", "0.3125", true},
		{"Final answer: 3 heads occur with probability 0.3125", "0.3125", true},
	}
	for _, tt := range tests {
		got, ok := FinalAnswerValue(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestVerify_ProbabilityWithTrailingContextInBounds(t *testing.T) {
	answers := []string{
		"Final answer: P(X = 3) = 5/16 = 31.25%",
		"Final answer: 0.3125 for 5 tosses",
	}
	for _, answer := range answers {
		t.Run(answer, func(t *testing.T) {
			gen := generation.NewScripted().EnqueueText(`{"is_correct": true, "confidence": 0.95, "issues": []}`)
			v := newVerifier(gen).Verify(context.Background(), coin, prob, solution(answer))
			assert.True(t, v.IsCorrect)
			assert.Empty(t, v.Issues)
		})
	}
}

func TestVerify_AcceptsExtraReplyKeys(t *testing.T) {
	gen := generation.NewScripted().EnqueueText(`{"is_correct": true, "confidence": 0.9, "issues": [], "reasoning": "checked binomial", "score": 3}`)
	v := newVerifier(gen).Verify(context.Background(), coin, alg, solution("Final answer: 3"))
	assert.True(t, v.IsCorrect)
	assert.InDelta(t, 0.9, v.Confidence, 1e-9)
	assert.False(t, v.NeedsHumanReview)
}
