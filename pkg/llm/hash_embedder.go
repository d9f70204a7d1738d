package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashEmbedder is a deterministic, zero-cost EmbeddingClient. Vectors
// are derived from a sha256 stream over the input text and normalized
// to unit length, so identical texts always embed identically. It
// stands in for a real embedding endpoint in tests and local runs.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates an embedder producing vectors of the given
// dimension (384 matches the small sentence-transformer models).
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

// Dimension returns the embedding vector length.
func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed derives one unit vector per input text.
func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dim)
	seed := sha256.Sum256([]byte(text))
	block := seed
	var norm float64
	for i := 0; i < h.dim; i++ {
		if i%8 == 0 && i > 0 {
			block = sha256.Sum256(block[:])
		}
		bits := binary.LittleEndian.Uint32(block[(i%8)*4:])
		// Map to [-1, 1).
		v := float32(int32(bits)) / float32(math.MaxInt32)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
