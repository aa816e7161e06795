// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/davrien/converso/pkg/provider/embeddings"
)

// Compile-time check that *Provider satisfies embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider.
//
// By default it produces deterministic pseudo-vectors derived from the input
// text, so equal texts embed identically and tests can assert similarity
// behaviour without a live backend. Set Vectors to pin exact outputs.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector dimensionality. Defaults to 8 when zero.
	Dims int

	// Vectors, when non-nil, maps exact input text to the vector returned
	// for it. Texts not in the map fall back to the derived pseudo-vector.
	Vectors map[string][]float32

	// Err, if non-nil, is returned from every Embed and EmbedBatch call.
	Err error

	// Model is returned by ModelID. Defaults to "mock" when empty.
	Model string

	// EmbedCalls records every text passed to Embed or EmbedBatch in order.
	EmbedCalls []string
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vectorFor(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.EmbedCalls = append(p.EmbedCalls, texts...)
	if p.Err != nil {
		return nil, p.Err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims == 0 {
		return 8
	}
	return p.Dims
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock"
	}
	return p.Model
}

// Calls returns how many texts have been embedded.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls)
}

// vectorFor derives a deterministic vector for text. Caller holds p.mu.
func (p *Provider) vectorFor(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return v
	}

	dims := p.Dims
	if dims == 0 {
		dims = 8
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)) / float32(1<<31)
	}
	return vec
}
