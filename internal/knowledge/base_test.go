package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
)

func newTestBase(t *testing.T, cfg Config) *Base {
	t.Helper()
	b, err := New(embeddings.NewHashProvider(embeddings.HashDimension), nil, cfg, nil)
	require.NoError(t, err)
	return b
}

var seedDocs = []Document{
	{Source: "binomial.md", Content: "# Binomial probability\n\nThe probability of exactly k heads in n fair coin tosses is C(n,k) / 2^n."},
	{Source: "derivatives.md", Content: "# Derivative rules\n\nThe power rule: the derivative of x^n is n x^(n-1)."},
	{Source: "determinants.md", Content: "# Determinants\n\nThe determinant of a 2x2 matrix [[a,b],[c,d]] is ad - bc."},
}

func TestNew_RequiresEmbedder(t *testing.T) {
	_, err := New(nil, nil, Config{}, nil)
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.Equal(t, 3, cfg.TopK)

	cfg = Config{ChunkSize: 20, ChunkOverlap: 40}.withDefaults()
	assert.Equal(t, 0, cfg.ChunkOverlap)
}

func TestBase_EmptyRetrieve(t *testing.T) {
	b := newTestBase(t, Config{})
	results, err := b.Retrieve(context.Background(), "coin tosses", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NotNil(t, results)
}

func TestBase_IngestNothing(t *testing.T) {
	b := newTestBase(t, Config{})
	n, err := b.Ingest(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBase_IngestAndRetrieve(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, Config{})

	n, err := b.Ingest(ctx, seedDocs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, b.Count())

	results, err := b.Retrieve(ctx, "probability of exactly 2 heads in 3 coin tosses", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "binomial.md#0", results[0].ChunkID)
	assert.Equal(t, "binomial.md", results[0].Source)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}

	results, err = b.Retrieve(ctx, "determinant of a matrix", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "determinants.md", results[0].Source)
}

func TestBase_RetrieveIsDeterministic(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, Config{})
	_, err := b.Ingest(ctx, seedDocs)
	require.NoError(t, err)

	first, err := b.Retrieve(ctx, "derivative power rule", 0)
	require.NoError(t, err)
	assert.Len(t, first, DefaultTopK)
	for i := 0; i < 5; i++ {
		again, err := b.Retrieve(ctx, "derivative power rule", 0)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestBase_BlankQuery(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, Config{})
	_, err := b.Ingest(ctx, seedDocs)
	require.NoError(t, err)

	results, err := b.Retrieve(ctx, "  ?? ", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBase_ChunkingAndIDs(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, Config{ChunkSize: 100, ChunkOverlap: 10})

	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("limits describe the value a function approaches. ")
	}
	n, err := b.Ingest(ctx, []Document{{Source: "limits.md", Content: sb.String()}})
	require.NoError(t, err)
	require.Greater(t, n, 1)

	chunks := b.index.Chunks()
	for i, c := range chunks {
		assert.Equal(t, "limits.md#"+strconv.Itoa(i), c.ID)
		assert.LessOrEqual(t, len([]rune(c.Content)), 100)
	}
}

func TestBase_ReingestReplacesSource(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, Config{})
	_, err := b.Ingest(ctx, seedDocs)
	require.NoError(t, err)

	_, err = b.Ingest(ctx, []Document{{Source: "binomial.md", Content: "Bernoulli trials have two outcomes."}})
	require.NoError(t, err)
	assert.Equal(t, 3, b.Count())
	assert.Equal(t, []string{"derivatives.md", "determinants.md", "binomial.md"}, b.Sources())
}

func TestBase_IngestRejectsBadDocuments(t *testing.T) {
	b := newTestBase(t, Config{})
	_, err := b.Ingest(context.Background(), []Document{{Content: "no source"}})
	assert.True(t, errors.Is(err, ErrInvalidDocument))

	_, err = b.Ingest(context.Background(), []Document{
		{Source: "a.md", Content: "x"},
		{Source: "a.md", Content: "y"},
	})
	assert.True(t, errors.Is(err, ErrInvalidDocument))
}

func TestBase_SkipsPunctuationOnlyChunks(t *testing.T) {
	b := newTestBase(t, Config{})
	n, err := b.Ingest(context.Background(), []Document{{Source: "rule.md", Content: "----\n\n****"}})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, b.Count())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.md"), "bayes rule")
	writeFile(t, filepath.Join(dir, "calculus", "limits.txt"), "limits")
	writeFile(t, filepath.Join(dir, "a.md"), "algebra")
	writeFile(t, filepath.Join(dir, "notes.pdf"), "ignored")
	writeFile(t, filepath.Join(dir, ".hidden", "secret.md"), "ignored")

	docs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "a.md", docs[0].Source)
	assert.Equal(t, "b.md", docs[1].Source)
	assert.Equal(t, "calculus/limits.txt", docs[2].Source)
	assert.Equal(t, "limits", docs[2].Content)
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestBase_IngestDir(t *testing.T) {
	dir := t.TempDir()
	for _, d := range seedDocs {
		writeFile(t, filepath.Join(dir, d.Source), d.Content)
	}
	b := newTestBase(t, Config{})
	n, err := b.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestWatcher_RebuildsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "binomial.md"), seedDocs[0].Content)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newTestBase(t, Config{})
	_, err := b.IngestDir(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, 1, b.Count())

	w, err := b.Watch(ctx, dir, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, filepath.Join(dir, "derivatives.md"), seedDocs[1].Content)

	select {
	case <-w.Rebuilds():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not rebuild")
	}
	assert.Eventually(t, func() bool { return b.Count() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	b := newTestBase(t, Config{})
	w, err := b.Watch(context.Background(), t.TempDir(), 0)
	require.NoError(t, err)
	w.Stop()
	w.Stop()
}
