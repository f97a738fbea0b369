// Package embeddings defines the Provider interface for text-embedding
// backends. The resulting vectors back the cold memory tier: persisted chat
// messages are embedded so semantically related history can be recalled into
// later prompts by similarity search.
package embeddings

import "context"

// Provider maps text to dense float32 vectors.
//
// Every vector a Provider instance produces has the same length, reported by
// Dimensions. Vectors from different providers (or different models of the
// same provider) live in different spaces and must never be compared.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the vector for one text. The text travels verbatim;
	// model-specific retrieval prefixes are the caller's concern.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds all texts in one backend call. The result has the
	// same length and order as texts. On error no partial results are
	// returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the fixed vector length this provider produces.
	Dimensions() int

	// ModelID identifies the embedding model for logs and for checking
	// that stored vectors match the configured model.
	ModelID() string
}
