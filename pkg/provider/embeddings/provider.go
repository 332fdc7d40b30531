// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// Embedding vectors drive semantic retrieval across the assistant: memory
// recall, knowledge-base search, notification deduplication, and feedback
// few-shot lookup. All stores share one vector space, so every Provider used
// by a deployment must produce vectors of the configured dimension.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the dimensionality
// reported by Dimensions. Callers must not mix vectors from providers with
// different models in the same similarity computation.
type Provider interface {
	// Embed computes the embedding vector for one text. The text is passed
	// to the model verbatim; any model-specific prefixing (e.g. "search_query: "
	// for nomic models) is the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in one provider call.
	// The result has the same length and order as texts. On error the entire
	// result is nil; partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	Dimensions() int

	// ModelID returns the backend model identifier, for logging.
	ModelID() string
}
