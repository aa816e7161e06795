// Package openai provides an embeddings provider backed by the OpenAI
// embeddings API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/davrien/converso/pkg/provider/embeddings"
)

// Compile-time check that *Provider satisfies embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// modelDimensions maps known OpenAI embedding models to their native vector
// dimensionality.
var modelDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	timeout    time.Duration
	dimensions int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions overrides the vector dimensionality. Required for models
// not in the known-model table; for text-embedding-3-* models it also
// requests reduced-dimension vectors from the API.
func WithDimensions(n int) Option {
	return func(c *config) {
		c.dimensions = n
	}
}

// New constructs a new OpenAI embeddings Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	dims := cfg.dimensions
	if dims == 0 {
		known, ok := modelDimensions[model]
		if !ok {
			return nil, fmt.Errorf("openai: unknown dimensions for model %q; use WithDimensions", model)
		}
		dims = known
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, dimensions: dims}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	params := oai.EmbeddingNewParams{
		Model: oai.EmbeddingModel(p.model),
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	}
	if custom, ok := modelDimensions[p.model]; !ok || custom != p.dimensions {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: empty embedding response")
	}

	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := oai.EmbeddingNewParams{
		Model: oai.EmbeddingModel(p.model),
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}
	if custom, ok := modelDimensions[p.model]; !ok || custom != p.dimensions {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: create batch embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(result) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		result[d.Index] = float64ToFloat32(d.Embedding)
	}
	return result, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

// float64ToFloat32 narrows an API embedding vector to float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
