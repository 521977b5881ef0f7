package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashDimension is the bucket count of the default hash provider.
const HashDimension = 384

// HashProvider embeds text by signed feature hashing of lowercase word
// unigrams and bigrams. It needs no model files or network access and is
// fully deterministic, which makes it the provider for tests and offline
// runs.
type HashProvider struct {
	dim int
}

// NewHashProvider returns a hash provider with dim buckets.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = HashDimension
	}
	return &HashProvider{dim: dim}
}

// EmbedDocuments embeds each text independently.
func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.embed(t)
	}
	return out, nil
}

// EmbedQuery embeds a single query.
func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.embed(text), nil
}

// Dimension returns the bucket count.
func (p *HashProvider) Dimension() int { return p.dim }

// Close is a no-op.
func (p *HashProvider) Close() error { return nil }

func (p *HashProvider) embed(text string) []float32 {
	v := make([]float32, p.dim)
	words := tokenize(text)
	for i, w := range words {
		p.add(v, w)
		if i > 0 {
			p.add(v, words[i-1]+" "+w)
		}
	}
	return normalize(v)
}

func (p *HashProvider) add(v []float32, feature string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum32()
	idx := int(sum % uint32(p.dim))
	if sum&(1<<31) != 0 {
		v[idx]--
	} else {
		v[idx]++
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
