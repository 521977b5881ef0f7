package solver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mathmentor/internal/evaluator"
	"github.com/fyrsmithlabs/mathmentor/internal/generation"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

type fakeRetriever struct {
	results []problem.RetrievalResult
	err     error
	query   string
	topK    int
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, topK int) ([]problem.RetrievalResult, error) {
	f.query, f.topK = query, topK
	return f.results, f.err
}

var (
	coin = problem.Structured{
		ProblemText: "A fair coin is tossed 5 times. Find P(exactly 3 heads).",
		Topic:       problem.TopicUnknown,
		Variables:   []string{},
		Constraints: []string{},
	}
	probRoute = problem.Route{
		Topic:         problem.TopicProbability,
		RouteID:       "probability_solver",
		RequiredTools: problem.DefaultTools(),
		Confidence:    0.8,
		Tier:          problem.TierKeyword,
	}
	binomialChunk = problem.RetrievalResult{
		ChunkID: "binomial.md#0",
		Content: "P(X = k) = C(n, k) p^k (1-p)^(n-k)",
		Source:  "binomial.md",
		Score:   0.71,
	}
)

const coinAnswer = `Final answer: 10/32 = 0.3125

Using the binomial formula P(X = k) = C(n, k) p^k (1-p)^(n-k):
CHECK: binomial(5, 3) / 2^5
CHECK: ` + "`10/32`" + `
`

func TestSolve_UsesContextAndRunsChecks(t *testing.T) {
	ret := &fakeRetriever{results: []problem.RetrievalResult{binomialChunk}}
	gen := generation.NewScripted().EnqueueText(coinAnswer)

	sol := New(ret, gen, evaluator.New(), nil).Solve(context.Background(), coin, probRoute)

	assert.Equal(t, coin.ProblemText, ret.query)
	assert.Equal(t, DefaultTopK, ret.topK)
	assert.Equal(t, coinAnswer, sol.AnswerText)
	assert.Equal(t, []problem.RetrievalResult{binomialChunk}, sol.ContextUsed)

	require.Len(t, sol.ToolTraces, 2)
	for _, tr := range sol.ToolTraces {
		assert.True(t, tr.Success, tr.Error)
		assert.Equal(t, "evaluator", tr.Tool)
		assert.Equal(t, "evaluate", tr.Operation)
		require.NotNil(t, tr.Value)
		assert.InDelta(t, 0.3125, *tr.Value, 1e-12)
	}
	assert.Equal(t, "binomial(5, 3) / 2^5", sol.ToolTraces[0].Input)
	assert.Equal(t, "10/32", sol.ToolTraces[1].Input)

	calls := gen.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, generation.SolverMaxTokens, calls[0].MaxTokens)
	assert.Contains(t, calls[0].Prompt, "Source: binomial.md\nP(X = k)")
	assert.Contains(t, calls[0].Prompt, `"problem_text": "A fair coin is tossed 5 times. Find P(exactly 3 heads)."`)
	assert.Contains(t, calls[0].Prompt, "Solve this probability problem")
	assert.Contains(t, calls[0].Prompt, "CHECK: <expression>")
}

func TestSolve_RetrievalFailureDegrades(t *testing.T) {
	ret := &fakeRetriever{err: errors.New("index unavailable")}
	gen := generation.NewScripted().EnqueueText("x = 3")

	sol := New(ret, gen, nil, nil).Solve(context.Background(), coin, probRoute)
	assert.Equal(t, "x = 3", sol.AnswerText)
	assert.NotNil(t, sol.ContextUsed)
	assert.Empty(t, sol.ContextUsed)
	assert.Contains(t, gen.Calls()[0].Prompt, NoContext)
}

func TestSolve_NoRetriever(t *testing.T) {
	gen := generation.NewScripted().EnqueueText("x = 3")
	sol := New(nil, gen, nil, nil).Solve(context.Background(), coin, probRoute)
	assert.Empty(t, sol.ContextUsed)
	assert.Nil(t, sol.ToolTraces)
}

func TestSolve_GenerationFailureIsErrorText(t *testing.T) {
	ret := &fakeRetriever{results: []problem.RetrievalResult{binomialChunk}}
	gen := generation.NewScripted().Enqueue(generation.Reply{Err: errors.New("quota exceeded")})

	sol := New(ret, gen, evaluator.New(), nil).Solve(context.Background(), coin, probRoute)
	assert.True(t, strings.HasPrefix(sol.AnswerText, "solver error: "))
	assert.Contains(t, sol.AnswerText, "quota exceeded")
	assert.True(t, Failed(sol))
	assert.Equal(t, []problem.RetrievalResult{binomialChunk}, sol.ContextUsed)
	assert.Empty(t, sol.ToolTraces)
}

func TestSolve_TimeoutIsErrorText(t *testing.T) {
	backend := generation.NewScripted().Enqueue(generation.Reply{Text: "late", Delay: time.Hour})
	client := generation.NewClient(backend, generation.ClientConfig{Timeout: 20 * time.Millisecond}, nil)

	sol := New(nil, client, nil, nil).Solve(context.Background(), coin, probRoute)
	assert.True(t, Failed(sol))
	assert.Contains(t, sol.AnswerText, "timed out")
}

func TestSolve_FailedCheckIsRecorded(t *testing.T) {
	gen := generation.NewScripted().EnqueueText("answer\nCHECK: __import__('os')\nCHECK: log(0)")
	sol := New(nil, gen, evaluator.New(), nil).Solve(context.Background(), coin, probRoute)

	require.Len(t, sol.ToolTraces, 2)
	assert.False(t, sol.ToolTraces[0].Success)
	assert.NotEmpty(t, sol.ToolTraces[0].Error)
	assert.False(t, sol.ToolTraces[1].Success)
	assert.Equal(t, "answer\nCHECK: __import__('os')\nCHECK: log(0)", sol.AnswerText)
}

func TestExtractChecks(t *testing.T) {
	text := "intro\n- CHECK: 1+1\n  CHECK:   2*3  \nnot a CHECK: here\nCHECK:\nCHECK: `4/2`\nCHECK: 5\nCHECK: 6\nCHECK: 7"
	assert.Equal(t, []string{"1+1", "2*3", "4/2", "5", "6"}, ExtractChecks(text))
	assert.Empty(t, ExtractChecks("no checks"))
}

func TestContextBlock(t *testing.T) {
	assert.Equal(t, NoContext, ContextBlock(nil))
	block := ContextBlock([]problem.RetrievalResult{
		{Source: "a.md", Content: "alpha"},
		{Source: "b.md", Content: "beta"},
	})
	assert.Equal(t, "Source: a.md\nalpha\n\nSource: b.md\nbeta", block)
}

func TestWithTopK(t *testing.T) {
	ret := &fakeRetriever{}
	gen := generation.NewScripted().EnqueueText("ok")
	New(ret, gen, nil, nil, WithTopK(5)).Solve(context.Background(), coin, probRoute)
	assert.Equal(t, 5, ret.topK)
}
