// Package embedder defines the embedding provider used on cache misses.
//
// The substrate never runs a model itself: it asks a Provider for a vector on
// a cache miss and caches the normalized result.
package embedder

import "context"

// Provider turns text into vectors.
type Provider interface {
	// Embed returns the vector of one text.
	//
	// Parameters:
	//   - ctx: Cancels the upstream request
	//   - text: Already abstracted content
	//
	// Returns the raw (unnormalized) vector.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions is the length of every vector the provider returns.
	Dimensions() int

	// Model names the embedding model. It is part of the cache fingerprint,
	// so vectors of different models never collide.
	Model() string

	// Close releases the provider's connections.
	Close() error
}
