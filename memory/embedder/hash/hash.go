// Package hash provides a deterministic, non-semantic embedder.
//
// Vectors are derived from the SHA-256 digest of the text. Identical text
// always embeds to the identical unit vector, but similar text does not
// embed to similar vectors. It is the degraded fallback when the embedding
// backend is unavailable, and the deterministic backend for tests.
package hash

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// DefaultDimensions matches the default HTTP embedding model.
const DefaultDimensions = 768

// Embedder generates embeddings from the SHA-256 digest of the text.
type Embedder struct {
	dimensions int
}

// New creates a hash embedder. dimensions <= 0 uses DefaultDimensions.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic unit vector from text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))

	embedding := make([]float32, e.dimensions)

	// Each digest word seeds its own stretch of the vector.
	var seed uint64
	for i := 0; i < e.dimensions; i++ {
		if i%32 == 0 {
			word := (i / 32) % 4
			seed ^= binary.BigEndian.Uint64(sum[word*8 : word*8+8])
		}
		// LCG step
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}

	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
