// Package mock provides a deterministic in-memory embeddings provider for
// tests. Vectors are derived from a hash of the input text, so equal texts
// always embed identically and distinct texts almost never collide.
package mock

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/renfield-ai/renfield/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a hash-based fake embeddings backend.
type Provider struct {
	// Dim is the vector length to produce. Must be positive.
	Dim int

	// Fixed, when non-nil, maps exact input texts to canned vectors. Texts
	// not present fall back to the hash derivation.
	Fixed map[string][]float32

	// Err, when non-nil, is returned by every call.
	Err error
}

// New returns a mock provider producing vectors of the given dimension.
func New(dim int) *Provider {
	return &Provider{Dim: dim}
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if v, ok := p.Fixed[text]; ok {
		return v, nil
	}
	return p.derive(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.Dim }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embed" }

// derive produces a unit-norm vector seeded by an FNV hash of text.
func (p *Provider) derive(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, p.Dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / math.MaxInt64
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
