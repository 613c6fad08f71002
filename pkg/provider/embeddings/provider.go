// Package embeddings defines the Provider interface for text embedding
// backends and small vector helpers shared by its consumers.
//
// The comparison engine embeds a reference and a candidate document and
// scores them with [Cosine]; the in-memory corpus uses the same provider to
// index historical documents. Implementations must be safe for concurrent
// use.
package embeddings

import (
	"context"
	"errors"
	"math"
)

// ErrDimensionMismatch is returned by helpers that receive vectors of
// different lengths.
var ErrDimensionMismatch = errors.New("embeddings: dimension mismatch")

// Provider computes dense vector representations of text.
type Provider interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order. A nil or
	// empty input returns (nil, nil).
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector length this provider produces.
	Dimensions() int

	// ModelID identifies the embedding model, e.g. "text-embedding-3-small".
	ModelID() string
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. A zero vector
// yields 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
