// Package embedding provides the embedding-provider clients the engine
// uses for semantic scoring. A provider turns text into fixed-length
// vectors; its absence is a valid configuration in which retrieval runs
// lexical-only and consolidation skips the merge phase.
package embedding

import (
	"context"
	"math"
)

// DefaultDimension is the embedding dimension assumed when the deployment
// does not configure one.
const DefaultDimension = 1536

// Provider generates vector embeddings for text.
type Provider interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch returns one embedding per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Model returns the embedding model name.
	Model() string
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors, clamped to [0.0, 1.0]. Mismatched lengths or zero vectors score
// zero rather than erroring, so a single malformed embedding never fails a
// whole ranking pass.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
