// Package knowledge holds the reference corpus used to ground solutions.
//
// Documents are split into overlapping chunks, embedded in one batch and
// stored in a vectorstore.Index. Chunk IDs are "<source>#<ordinal>" so a
// given corpus always produces the same IDs.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/vectorstore"
)

var tracer = otel.Tracer("mathmentor.knowledge")

// ErrInvalidDocument is returned for a document without a source.
var ErrInvalidDocument = errors.New("invalid document")

// Defaults match the shipped configuration.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
	DefaultTopK         = 3
)

// markdownSeparators split on headings first, then paragraphs, lines and words.
var markdownSeparators = []string{
	"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
	"\n\n", "\n", " ", "",
}

// Document is one reference text.
type Document struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Config controls chunking and the default retrieval depth.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	TopK         int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = DefaultChunkOverlap
		if c.ChunkOverlap >= c.ChunkSize {
			c.ChunkOverlap = 0
		}
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	return c
}

// Base is the knowledge base. It is safe for concurrent use; ingestion is
// serialized and retrieval reads the index snapshot.
type Base struct {
	embedder embeddings.Provider
	index    *vectorstore.Index
	splitter textsplitter.TextSplitter
	cfg      Config
	logger   *logging.Logger

	ingestMu sync.Mutex
}

// New creates a knowledge base over index. A nil index gets a fresh one.
func New(embedder embeddings.Provider, index *vectorstore.Index, cfg Config, logger *logging.Logger) (*Base, error) {
	if embedder == nil {
		return nil, errors.New("knowledge: embedder is required")
	}
	logger = logging.OrNop(logger)
	if index == nil {
		index = vectorstore.NewIndex(logger)
	}
	cfg = cfg.withDefaults()
	return &Base{
		embedder: embedder,
		index:    index,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.ChunkSize),
			textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
			textsplitter.WithSeparators(markdownSeparators),
		),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Ingest chunks, embeds and indexes docs, returning the number of chunks
// produced. Chunks previously ingested from the same source are replaced.
// Ingesting no documents is a no-op.
func (b *Base) Ingest(ctx context.Context, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	b.ingestMu.Lock()
	defer b.ingestMu.Unlock()

	chunks, err := b.embedDocuments(ctx, docs)
	if err != nil {
		return 0, err
	}

	replaced := make(map[string]bool, len(docs))
	for _, d := range docs {
		replaced[d.Source] = true
	}
	var kept []vectorstore.Chunk
	for _, c := range b.index.Chunks() {
		if !replaced[c.Source] {
			kept = append(kept, c)
		}
	}
	if err := b.index.Build(ctx, append(kept, chunks...)); err != nil {
		return 0, fmt.Errorf("indexing chunks: %w", err)
	}

	b.logger.Info(ctx, "knowledge ingested",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", len(chunks)),
		zap.Int("total_chunks", b.index.Count()))
	return len(chunks), nil
}

// Rebuild replaces the whole base with docs.
func (b *Base) Rebuild(ctx context.Context, docs []Document) (int, error) {
	b.ingestMu.Lock()
	defer b.ingestMu.Unlock()

	chunks, err := b.embedDocuments(ctx, docs)
	if err != nil {
		return 0, err
	}
	if err := b.index.Build(ctx, chunks); err != nil {
		return 0, fmt.Errorf("indexing chunks: %w", err)
	}
	b.logger.Info(ctx, "knowledge rebuilt", zap.Int("documents", len(docs)), zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

func (b *Base) embedDocuments(ctx context.Context, docs []Document) (_ []vectorstore.Chunk, err error) {
	ctx, span := tracer.Start(ctx, "Base.embedDocuments")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var chunks []vectorstore.Chunk
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		if d.Source == "" {
			return nil, fmt.Errorf("%w: source is required", ErrInvalidDocument)
		}
		if seen[d.Source] {
			return nil, fmt.Errorf("%w: duplicate source %s", ErrInvalidDocument, d.Source)
		}
		seen[d.Source] = true

		parts, err := b.splitter.SplitText(d.Content)
		if err != nil {
			return nil, fmt.Errorf("splitting %s: %w", d.Source, err)
		}
		ordinal := 0
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if !hasWordContent(p) {
				continue
			}
			chunks = append(chunks, vectorstore.Chunk{
				ID:      fmt.Sprintf("%s#%d", d.Source, ordinal),
				Content: p,
				Source:  d.Source,
			})
			ordinal++
		}
	}
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := b.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding chunks: got %d vectors for %d chunks", len(vectors), len(chunks))
	}
	for i := range chunks {
		chunks[i].Vector = vectors[i]
	}
	return chunks, nil
}

// hasWordContent reports whether s contains at least one letter or digit.
func hasWordContent(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

// Retrieve returns the topK chunks most relevant to query. A non-positive
// topK uses the configured default. An empty base or a blank query yields
// an empty result.
func (b *Base) Retrieve(ctx context.Context, query string, topK int) (_ []problem.RetrievalResult, err error) {
	ctx, span := tracer.Start(ctx, "Base.Retrieve")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if topK <= 0 {
		topK = b.cfg.TopK
	}
	span.SetAttributes(attribute.Int("top_k", topK))
	if !b.index.Ready() || !hasWordContent(query) {
		return []problem.RetrievalResult{}, nil
	}

	vec, err := b.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	hits, err := b.index.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	results := make([]problem.RetrievalResult, len(hits))
	for i, h := range hits {
		results[i] = problem.RetrievalResult{
			ChunkID: h.ID,
			Content: h.Content,
			Source:  h.Source,
			Score:   h.Score,
		}
	}
	b.logger.Debug(ctx, "knowledge retrieved", zap.Int("results", len(results)))
	return results, nil
}

// Count returns the number of indexed chunks.
func (b *Base) Count() int { return b.index.Count() }

// TopK returns the default retrieval depth.
func (b *Base) TopK() int { return b.cfg.TopK }

// Sources returns the distinct sources in the base, in index order.
func (b *Base) Sources() []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range b.index.Chunks() {
		if !seen[c.Source] {
			seen[c.Source] = true
			out = append(out, c.Source)
		}
	}
	return out
}
