package mcp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/evaluator"
	"github.com/fyrsmithlabs/mathmentor/internal/knowledge"
	"github.com/fyrsmithlabs/mathmentor/internal/memory"
	"github.com/fyrsmithlabs/mathmentor/internal/pipeline"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/review"
)

type fakeRunner struct {
	report pipeline.Report
	err    error
	got    pipeline.Request
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request) (pipeline.Report, error) {
	f.got = req
	return f.report, f.err
}

type fixture struct {
	*Server
	runner *fakeRunner
	store  *memory.Store
	kb     *knowledge.Base
	gate   *review.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	kb, err := knowledge.New(embeddings.NewHashProvider(embeddings.HashDimension), nil, knowledge.Config{}, nil)
	require.NoError(t, err)
	store, err := memory.Open(ctx, memory.Config{Path: filepath.Join(t.TempDir(), "solutions.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runner := &fakeRunner{}
	gate := review.NewGateway(store, nil, nil)
	srv, err := NewServer(nil, Services{
		Runner:    runner,
		Evaluator: evaluator.New(),
		Knowledge: kb,
		Memory:    store,
		Gateway:   gate,
	})
	require.NoError(t, err)
	return &fixture{Server: srv, runner: runner, store: store, kb: kb, gate: gate}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestNewServer_RequiresServices(t *testing.T) {
	_, err := NewServer(nil, Services{})
	assert.Error(t, err)
}

func TestSolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("explained", func(t *testing.T) {
		f.runner.report = pipeline.Report{
			RunID:        "run-1",
			Stage:        pipeline.StageExplained,
			Route:        &problem.Route{Topic: problem.TopicProbability},
			Solution:     &problem.Solution{AnswerText: "Final answer: 0.3125"},
			Verification: &problem.Verification{IsCorrect: true, Confidence: 0.9},
			Explanation:  "Use the binomial formula.",
			Similar:      []memory.Record{{ID: 1}},
		}
		res, out, err := f.solve(ctx, nil, solveInput{RawInput: "A fair coin is tossed 5 times."})
		require.NoError(t, err)
		assert.Equal(t, "Use the binomial formula.", resultText(t, res))
		assert.Equal(t, "explained", out.Stage)
		assert.Equal(t, "probability", out.Topic)
		assert.True(t, out.Verified)
		assert.Equal(t, 0.9, out.Confidence)
		assert.Equal(t, 1, out.Similar)
		assert.Equal(t, "A fair coin is tossed 5 times.", f.runner.got.RawInput)
	})

	t.Run("human review", func(t *testing.T) {
		f.runner.report = pipeline.Report{Stage: pipeline.StageHumanReview, ReviewID: "abc", Reason: "low confidence"}
		res, out, err := f.solve(ctx, nil, solveInput{RawInput: "x", InputType: "image", Extraction: &review.Extraction{Text: "x", Confidence: 0.9}})
		require.NoError(t, err)
		assert.Contains(t, resultText(t, res), "review_id abc")
		assert.Equal(t, "abc", out.ReviewID)
		assert.Equal(t, problem.InputImage, f.runner.got.InputType)
		require.NotNil(t, f.runner.got.Extraction)
	})

	t.Run("missing input", func(t *testing.T) {
		_, _, err := f.solve(ctx, nil, solveInput{RawInput: "  "})
		assert.ErrorIs(t, err, errInvalidArgument)
	})

	t.Run("runner error", func(t *testing.T) {
		f.runner.err = pipeline.ErrInvalidRequest
		defer func() { f.runner.err = nil }()
		_, _, err := f.solve(ctx, nil, solveInput{RawInput: "x"})
		assert.ErrorIs(t, err, pipeline.ErrInvalidRequest)
	})
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, out, err := f.evaluate(ctx, nil, evaluateInput{Expression: "binomial(5,3)/2**5"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.NotNil(t, out.Value)
	assert.Equal(t, 0.3125, *out.Value)
	assert.Equal(t, `\frac{5}{16}`, out.Latex)
	assert.Contains(t, resultText(t, res), "0.3125")

	_, out, err = f.evaluate(ctx, nil, evaluateInput{Expression: "x**2 + y", Bindings: map[string]float64{"x": 3, "y": 1}})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "10", out.Result)

	res, out, err = f.evaluate(ctx, nil, evaluateInput{Expression: "__import__('os')"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Error)
	assert.Contains(t, resultText(t, res), "evaluation failed")

	_, _, err = f.evaluate(ctx, nil, evaluateInput{})
	assert.ErrorIs(t, err, errInvalidArgument)
}

func TestKnowledgeSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, out, err := f.knowledgeSearch(ctx, nil, knowledgeSearchInput{Query: "binomial"})
	require.NoError(t, err)
	assert.Zero(t, out.Count)
	assert.NotNil(t, out.Results)

	_, err = f.kb.Ingest(ctx, []knowledge.Document{
		{Source: "binomial.md", Content: "The binomial distribution gives the probability of k successes in n trials."},
		{Source: "derivatives.md", Content: "The derivative of x^n is n x^(n-1) by the power rule."},
	})
	require.NoError(t, err)

	_, out, err = f.knowledgeSearch(ctx, nil, knowledgeSearchInput{Query: "binomial probability of successes", TopK: 1})
	require.NoError(t, err)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "binomial.md", out.Results[0].Source)

	_, _, err = f.knowledgeSearch(ctx, nil, knowledgeSearchInput{})
	assert.ErrorIs(t, err, errInvalidArgument)
}

func TestMemorySimilarAndReviewSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, out, err := f.memorySimilar(ctx, nil, memorySimilarInput{ProblemText: "coin"})
	require.NoError(t, err)
	assert.Zero(t, out.Count)

	c := review.Case{
		RawInput: "A fair coin is tossed twice.",
		Problem:  problem.Structured{ProblemText: "A fair coin is tossed twice.", Topic: problem.TopicProbability},
		Solution: problem.Solution{AnswerText: "Final answer: 0.25"},
	}
	res, sub, err := f.reviewSubmit(ctx, nil, reviewSubmitInput{Case: &c, Feedback: "correct", Approved: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.MemoryID)
	assert.Contains(t, resultText(t, res), "1")

	id := f.gate.Escalate(ctx, c, "low confidence")
	_, sub, err = f.reviewSubmit(ctx, nil, reviewSubmitInput{ReviewID: id, Approved: false})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sub.MemoryID)
	assert.Zero(t, f.gate.Pending().Len())

	_, out, err = f.memorySimilar(ctx, nil, memorySimilarInput{ProblemText: "coin"})
	require.NoError(t, err)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "Final answer: 0.25", out.Records[0]["answer"])
	assert.Equal(t, "correct", out.Records[0]["user_feedback"])

	_, _, err = f.reviewSubmit(ctx, nil, reviewSubmitInput{ReviewID: "missing"})
	assert.ErrorIs(t, err, review.ErrNotFound)

	_, _, err = f.reviewSubmit(ctx, nil, reviewSubmitInput{})
	assert.ErrorIs(t, err, errInvalidArgument)
}

func TestMemorySimilar_ClosedStore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())
	_, _, err := f.memorySimilar(context.Background(), nil, memorySimilarInput{ProblemText: "x"})
	assert.True(t, errors.Is(err, memory.ErrClosed))
}

func TestServer_InMemoryTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := f.MCP().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"solve", "evaluate", "knowledge_search", "memory_similar", "review_submit"}, names)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "evaluate",
		Arguments: map[string]interface{}{"expression": "10/32"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "0.3125")
}
