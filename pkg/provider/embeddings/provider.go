// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text strings to dense float32 vectors. The
// history store uses these vectors to find a learner's similar past
// utterances, which the coach folds into its feedback prompt so corrections
// can reference recurring mistakes.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different Provider
// instances must not be mixed in the same similarity computation.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns
	// a float32 slice of length Dimensions() or an error if the request
	// fails or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// provider call. The returned slice has the same length as texts with
	// the i-th element corresponding to texts[i]. Partial results are not
	// returned — on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider, constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier used for
	// embeddings, for logging and consistency checks.
	ModelID() string
}
