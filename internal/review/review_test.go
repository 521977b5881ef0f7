package review

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mathmentor/internal/memory"
	"github.com/fyrsmithlabs/mathmentor/internal/policy"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []memory.Record
	err     error
}

func (f *fakeRecorder) Store(_ context.Context, rec memory.Record) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.records = append(f.records, rec)
	return int64(len(f.records)), nil
}

var coinCase = Case{
	InputType:    problem.InputText,
	RawInput:     "A fair coin is tossed 5 times. Find P(exactly 3 heads).",
	Problem:      problem.Structured{ProblemText: "A fair coin is tossed 5 times. Find P(exactly 3 heads).", Topic: problem.TopicProbability},
	Solution:     problem.Solution{AnswerText: "Final answer: 0.3125"},
	Verification: problem.Verification{IsCorrect: false, Confidence: 0.6, Issues: []string{"unsure"}, NeedsHumanReview: true},
}

func TestSubmitReview_ApprovedOverridesVerifier(t *testing.T) {
	rec := &fakeRecorder{}
	g := NewGateway(rec, nil, nil)

	id, err := g.SubmitReview(context.Background(), Submission{Case: coinCase, Feedback: "correct", Approved: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.Len(t, rec.records, 1)
	got := rec.records[0]
	assert.True(t, got.IsCorrect)
	assert.False(t, got.Verification.IsCorrect)
	assert.Equal(t, "correct", got.UserFeedback)
	assert.Equal(t, coinCase.Problem, got.Problem)
}

func TestSubmitReview_Validation(t *testing.T) {
	g := NewGateway(&fakeRecorder{}, nil, nil)

	_, err := g.SubmitReview(context.Background(), Submission{})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	bad := coinCase
	bad.InputType = "video"
	_, err = g.SubmitReview(context.Background(), Submission{Case: bad})
	assert.ErrorIs(t, err, ErrInvalidSubmission)
}

func TestSubmitReview_DefaultsToText(t *testing.T) {
	rec := &fakeRecorder{}
	c := coinCase
	c.InputType = ""
	_, err := NewGateway(rec, nil, nil).SubmitReview(context.Background(), Submission{Case: c})
	require.NoError(t, err)
	assert.Equal(t, problem.InputText, rec.records[0].InputType)
}

func TestSubmitReview_StoreFailure(t *testing.T) {
	boom := errors.New("disk full")
	g := NewGateway(&fakeRecorder{err: boom}, nil, nil)
	_, err := g.SubmitReview(context.Background(), Submission{Case: coinCase})
	assert.ErrorIs(t, err, boom)
}

func TestSubmitReview_ReachesMemory(t *testing.T) {
	ctx := context.Background()
	store, err := memory.Open(ctx, memory.Config{Path: filepath.Join(t.TempDir(), "solutions.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g := NewGateway(store, nil, nil)
	_, err = g.SubmitReview(ctx, Submission{Case: coinCase, Approved: false})
	require.NoError(t, err)
	id, err := g.SubmitReview(ctx, Submission{Case: coinCase, Approved: true})
	require.NoError(t, err)

	similar, err := store.RetrieveSimilar(ctx, coinCase.Problem.ProblemText, 5)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, id, similar[0].ID)
}

func TestRequiresReview(t *testing.T) {
	p := policy.Default()
	g := NewGateway(&fakeRecorder{}, p, nil)
	assert.True(t, g.RequiresReview(problem.Verification{IsCorrect: true, Confidence: 0.5}))
	assert.True(t, g.RequiresReview(problem.Verification{IsCorrect: false, Confidence: 0.99}))
	assert.False(t, g.RequiresReview(problem.Verification{IsCorrect: true, Confidence: 0.8}))
}

func TestPendingResolve(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	g := NewGateway(rec, nil, nil)

	id := g.Escalate(ctx, coinCase, "low confidence")
	require.Equal(t, 1, g.Pending().Len())

	item, ok := g.Pending().Get(id)
	require.True(t, ok)
	assert.Equal(t, "low confidence", item.Reason)
	assert.Equal(t, coinCase, item.Case)

	memID, err := g.Resolve(ctx, id, "checked by hand", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), memID)
	assert.Zero(t, g.Pending().Len())
	assert.True(t, rec.records[0].IsCorrect)

	_, err = g.Resolve(ctx, id, "again", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingResolve_KeepsItemOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	g := NewGateway(&fakeRecorder{err: errors.New("locked")}, nil, nil)
	id := g.Escalate(ctx, coinCase, "incorrect")

	_, err := g.Resolve(ctx, id, "", true)
	require.Error(t, err)
	_, ok := g.Pending().Get(id)
	assert.True(t, ok)
}

func TestQueue_ListAndConcurrency(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := q.Enqueue(coinCase, "r")
			_, _ = q.Get(id)
			_ = q.List()
		}()
	}
	wg.Wait()

	items := q.List()
	require.Len(t, items, 50)
	for i := 1; i < len(items); i++ {
		assert.False(t, items[i].CreatedAt.Before(items[i-1].CreatedAt))
	}
	assert.NotEqual(t, items[0].ID, items[1].ID)
}

func TestIntakeGate(t *testing.T) {
	in := NewIntake(policy.Default())
	tests := []struct {
		name      string
		ex        Extraction
		inputType problem.InputType
		accepted  bool
		conf      float64
	}{
		{"text always accepted", Extraction{Text: "x+1=2", Confidence: 0.1, NeedsReview: true}, problem.InputText, true, 1},
		{"image at threshold", Extraction{Text: "x+1=2", Confidence: 0.7}, problem.InputImage, true, 0.7},
		{"image below threshold", Extraction{Text: "x+1=2", Confidence: 0.69}, problem.InputImage, false, 0.69},
		{"audio flagged", Extraction{Text: "what is two plus two", Confidence: 0.95, NeedsReview: true}, problem.InputAudio, false, 0.95},
		{"empty extraction", Extraction{Text: "   ", Confidence: 0.99}, problem.InputImage, false, 0.99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := in.Gate(tt.ex, tt.inputType)
			assert.Equal(t, tt.accepted, d.Accepted)
			assert.Equal(t, tt.conf, d.Confidence)
			if tt.accepted {
				assert.Empty(t, d.Reason)
			} else {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestEstimateTranscriptConfidence(t *testing.T) {
	assert.InDelta(t, 0.5, EstimateTranscriptConfidence(""), 1e-12)
	assert.InDelta(t, 0.6, EstimateTranscriptConfidence("one two three four five six seven eight nine ten"), 1e-12)
	long := ""
	for i := 0; i < 60; i++ {
		long += "word "
	}
	assert.Equal(t, 0.9, EstimateTranscriptConfidence(long))
}
