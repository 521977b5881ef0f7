package memory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "nested", "solutions.db")
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(text string, correct bool) Record {
	return Record{
		InputType: problem.InputText,
		RawInput:  text,
		Problem: problem.Structured{
			ProblemText: text,
			Topic:       problem.TopicProbability,
			Variables:   []string{},
			Constraints: []string{},
		},
		Solution:     problem.Solution{AnswerText: "Final answer: 0.5", ContextUsed: []problem.RetrievalResult{}},
		Verification: problem.Verification{IsCorrect: correct, Confidence: 0.9, Issues: []string{}},
		UserFeedback: "looks good",
		IsCorrect:    correct,
	}
}

func TestOpen_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Open(ctx, Config{Path: filepath.Join(t.TempDir(), "a.db"), Similarity: "fuzzy"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Open(ctx, Config{Path: filepath.Join(t.TempDir(), "a.db"), Similarity: SimilaritySemantic})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	rec := record("A fair coin is tossed 5 times.", true)
	rec.Solution.ToolTraces = []problem.ToolTrace{{Tool: "evaluator", Operation: "evaluate", Input: "10/32", Success: true, Result: "0.3125"}}
	id, err := s.Store(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, rec.Problem, got.Problem)
	assert.Equal(t, rec.Solution, got.Solution)
	assert.Equal(t, rec.Verification, got.Verification)
	assert.Equal(t, "looks good", got.UserFeedback)
	assert.True(t, got.IsCorrect)
	assert.Equal(t, problem.InputText, got.InputType)
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t, Config{})
	_, err := s.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetrieveSimilar_OnlyCorrectNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	texts := []string{"first", "second", "wrong", "third"}
	for i, text := range texts {
		rec := record(text, text != "wrong")
		rec.Timestamp = base.Add(time.Duration(i) * time.Second)
		_, err := s.Store(ctx, rec)
		require.NoError(t, err)
	}

	similar, err := s.RetrieveSimilar(ctx, "anything", 2)
	require.NoError(t, err)
	require.Len(t, similar, 2)
	assert.Equal(t, "third", similar[0].RawInput)
	assert.Equal(t, "second", similar[1].RawInput)

	all, err := s.RetrieveSimilar(ctx, "anything", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, r := range all {
		assert.True(t, r.IsCorrect)
	}
}

func TestRetrieveSimilar_SameTimestampOrdersByID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, text := range []string{"a", "b"} {
		rec := record(text, true)
		rec.Timestamp = ts
		_, err := s.Store(ctx, rec)
		require.NoError(t, err)
	}
	similar, err := s.RetrieveSimilar(ctx, "", 5)
	require.NoError(t, err)
	require.Len(t, similar, 2)
	assert.Equal(t, "b", similar[0].RawInput)
}

func TestRetrieveSimilar_NonPositiveLimit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	_, err := s.Store(ctx, record("x", true))
	require.NoError(t, err)

	for _, limit := range []int{0, -1} {
		got, err := s.RetrieveSimilar(ctx, "x", limit)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}
}

func TestRetrieveSimilar_Semantic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{
		Similarity: SimilaritySemantic,
		Embedder:   embeddings.NewHashProvider(embeddings.HashDimension),
	})

	// Empty index falls back to recency, which is also empty.
	got, err := s.RetrieveSimilar(ctx, "coin", 3)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.Store(ctx, record("find the derivative of x squared", true))
	require.NoError(t, err)
	_, err = s.Store(ctx, record("a fair coin is tossed five times heads probability", true))
	require.NoError(t, err)
	_, err = s.Store(ctx, record("a fair coin is tossed twice", false))
	require.NoError(t, err)

	got, err = s.RetrieveSimilar(ctx, "probability of heads when a fair coin is tossed", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a fair coin is tossed five times heads probability", got[0].RawInput)

	got, err = s.RetrieveSimilar(ctx, "coin", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRetrieveSimilar_SemanticReloadsOnOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "solutions.db")
	embedder := embeddings.NewHashProvider(embeddings.HashDimension)

	first := openTestStore(t, Config{Path: path})
	_, err := first.Store(ctx, record("integrate sine of x", true))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openTestStore(t, Config{Path: path, Similarity: SimilaritySemantic, Embedder: embedder})
	require.True(t, second.index.Ready())
	got, err := second.RetrieveSimilar(ctx, "integrate sine", 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	for _, c := range []bool{true, false, false} {
		_, err := s.Store(ctx, record("p", c))
		require.NoError(t, err)
	}
	got, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].ID)
}

func TestClearKeepsIDsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	for i := 0; i < 3; i++ {
		_, err := s.Store(ctx, record("p", true))
		require.NoError(t, err)
	}
	require.NoError(t, s.Clear(ctx))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)

	id, err := s.Store(ctx, record("p", true))
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)

	_, err = s.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 0, Correct: 0}, st)

	for _, c := range []bool{true, false, true} {
		_, err := s.Store(ctx, record("p", c))
		require.NoError(t, err)
	}
	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Correct: 2}, st)
}

func TestConcurrentStoreAssignsDistinctIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	const n = 20
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.Store(ctx, record("concurrent", true))
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, st.Total)
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Store(ctx, record("p", true))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.RetrieveSimilar(ctx, "p", 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Clear(ctx), ErrClosed)
	_, err = s.Stats(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
