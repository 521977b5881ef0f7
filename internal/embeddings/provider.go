// Package embeddings provides embedding generation via multiple providers.
//
// Every vector leaving this package is L2-normalized, so callers may use
// dot products as cosine similarity.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider maps text to fixed-dimension vectors.
type Provider interface {
	// EmbedDocuments embeds a batch of passages, one vector per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// NewProvider creates an embedding provider from configuration.
func NewProvider(cfg config.EmbeddingsConfig, logger *logging.Logger) (Provider, error) {
	metrics := NewMetrics(logger)
	switch cfg.Provider {
	case "hash", "":
		return NewHashProvider(HashDimension), nil
	case "fastembed":
		p, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
			Metrics:  metrics,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "tei":
		return NewTEIProvider(TEIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		}, metrics)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownModelDimensions[model]; ok {
		return dim
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "large"):
		return 1024
	case strings.Contains(lower, "base"):
		return 768
	default:
		return 384
	}
}

var knownModelDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"all-MiniLM-L6-v2":                       384,
}

// normalize scales v to unit length in place. A zero vector stays zero.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func normalizeAll(vs [][]float32) [][]float32 {
	for i := range vs {
		vs[i] = normalize(vs[i])
	}
	return vs
}

func checkTexts(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	return nil
}
