// Package vectorstore provides the in-memory retrieval index.
//
// The index is backed by a chromem-go collection. Vectors are computed by
// the caller; the index never embeds text itself.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/logging"
)

var tracer = otel.Tracer("mathmentor.vectorstore")

var (
	// ErrInvalidVector indicates a zero, non-finite or mismatched vector.
	ErrInvalidVector = errors.New("invalid vector")

	// ErrDuplicateID indicates two chunks with the same ID in one build.
	ErrDuplicateID = errors.New("duplicate chunk id")

	// errNoEmbedder is returned if chromem ever tries to embed text itself.
	errNoEmbedder = errors.New("vectorstore: embeddings must be precomputed")
)

const collectionName = "chunks"

// Chunk is one indexable unit with its precomputed embedding.
type Chunk struct {
	ID       string
	Content  string
	Source   string
	Vector   []float32
	Metadata map[string]string
}

// Hit is a ranked search result.
type Hit struct {
	ID       string
	Content  string
	Source   string
	Score    float64
	Metadata map[string]string
}

// snapshot is an immutable built collection.
type snapshot struct {
	coll   *chromem.Collection
	chunks []Chunk
	dim    int
}

// Index is safe for concurrent use. Searches run against an immutable
// snapshot; builds construct a new snapshot and swap it in atomically, so
// readers observe either the previous or the new contents, never a mix.
type Index struct {
	buildMu sync.Mutex // serializes Build and Append

	mu   sync.RWMutex
	snap *snapshot

	logger *logging.Logger
}

// NewIndex returns an empty index.
func NewIndex(logger *logging.Logger) *Index {
	return &Index{logger: logging.OrNop(logger)}
}

// Build replaces the index contents with chunks.
func (ix *Index) Build(ctx context.Context, chunks []Chunk) error {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()
	return ix.buildLocked(ctx, chunks)
}

// Append adds chunks to the current contents. A chunk whose ID already
// exists replaces the old one.
func (ix *Index) Append(ctx context.Context, chunks []Chunk) error {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	ix.mu.RLock()
	var existing []Chunk
	if ix.snap != nil {
		existing = ix.snap.chunks
	}
	ix.mu.RUnlock()

	return ix.buildLocked(ctx, mergeChunks(existing, chunks))
}

func mergeChunks(old, added []Chunk) []Chunk {
	replaced := make(map[string]Chunk, len(added))
	for _, c := range added {
		replaced[c.ID] = c
	}
	merged := make([]Chunk, 0, len(old)+len(added))
	for _, c := range old {
		if _, ok := replaced[c.ID]; ok {
			continue
		}
		merged = append(merged, c)
	}
	seen := make(map[string]bool, len(added))
	for _, c := range added {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		merged = append(merged, replaced[c.ID])
	}
	return merged
}

func (ix *Index) buildLocked(ctx context.Context, chunks []Chunk) (err error) {
	ctx, span := tracer.Start(ctx, "Index.Build")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))

	if len(chunks) == 0 {
		ix.swap(nil)
		return nil
	}

	dim := len(chunks[0].Vector)
	ids := make(map[string]bool, len(chunks))
	docs := make([]chromem.Document, len(chunks))
	owned := make([]Chunk, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("%w: chunk %d has no id", ErrInvalidVector, i)
		}
		if ids[c.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
		}
		ids[c.ID] = true
		if err := checkVector(c.Vector, dim); err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}

		meta := make(map[string]string, len(c.Metadata)+1)
		for k, v := range c.Metadata {
			meta[k] = v
		}
		meta["source"] = c.Source

		vec := append([]float32(nil), c.Vector...)
		docs[i] = chromem.Document{ID: c.ID, Content: c.Content, Metadata: meta, Embedding: vec}
		owned[i] = Chunk{ID: c.ID, Content: c.Content, Source: c.Source, Vector: vec, Metadata: meta}
	}

	db := chromem.NewDB()
	coll, err := db.CreateCollection(collectionName, nil, func(context.Context, string) ([]float32, error) {
		return nil, errNoEmbedder
	})
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}
	// Concurrency of 1 since embeddings are already computed.
	if err := coll.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}

	ix.swap(&snapshot{coll: coll, chunks: owned, dim: dim})
	ix.logger.Debug(ctx, "index built", zap.Int("chunks", len(owned)), zap.Int("dimension", dim))
	return nil
}

func (ix *Index) swap(s *snapshot) {
	ix.mu.Lock()
	ix.snap = s
	ix.mu.Unlock()
}

func (ix *Index) current() *snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.snap
}

// Search returns the k chunks most similar to vector, ordered by score
// descending and then by ID ascending. An empty index yields no hits.
func (ix *Index) Search(ctx context.Context, vector []float32, k int) (_ []Hit, err error) {
	ctx, span := tracer.Start(ctx, "Index.Search")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int("k", k))

	snap := ix.current()
	if snap == nil || k <= 0 {
		return []Hit{}, nil
	}
	if err := checkVector(vector, snap.dim); err != nil {
		if errors.Is(err, errZeroVector) {
			return []Hit{}, nil
		}
		return nil, err
	}

	// Ranking the whole collection keeps ties at the cutoff deterministic.
	n := snap.coll.Count()
	results, err := snap.coll.QueryEmbedding(ctx, append([]float32(nil), vector...), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			ID:       r.ID,
			Content:  r.Content,
			Source:   r.Metadata["source"],
			Score:    float64(r.Similarity),
			Metadata: r.Metadata,
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Count returns the number of indexed chunks.
func (ix *Index) Count() int {
	if s := ix.current(); s != nil {
		return len(s.chunks)
	}
	return 0
}

// Ready reports whether the index holds at least one chunk.
func (ix *Index) Ready() bool { return ix.Count() > 0 }

// Chunks returns a copy of the indexed chunks in build order.
func (ix *Index) Chunks() []Chunk {
	s := ix.current()
	if s == nil {
		return nil
	}
	return append([]Chunk(nil), s.chunks...)
}

// Reset empties the index.
func (ix *Index) Reset() {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()
	ix.swap(nil)
}

var errZeroVector = fmt.Errorf("%w: zero vector", ErrInvalidVector)

func checkVector(v []float32, dim int) error {
	if len(v) == 0 || len(v) != dim {
		return fmt.Errorf("%w: dimension %d, want %d", ErrInvalidVector, len(v), dim)
	}
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite component", ErrInvalidVector)
		}
		sum += f * f
	}
	if sum == 0 {
		return errZeroVector
	}
	return nil
}
