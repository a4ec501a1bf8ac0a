package knowledge

import (
	"context"
	"crypto/sha256"
	"math"
	"strconv"
)

// DefaultEmbeddingDim is the dimensionality of the built-in embedding.
const DefaultEmbeddingDim = 64

// DeterministicModel names the built-in hash-based embedding. It is a
// deterministic stand-in, not a semantic embedding; production deployments
// plug a real provider behind the Embedder interface.
const DeterministicModel = "sha256-deterministic-v1"

// Embedder turns text into a fixed-dimension vector. Implementations must
// be deterministic per (model, text) pair so re-ingestion is idempotent.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
}

// DeterministicEmbedder is the built-in hash-based Embedder.
type DeterministicEmbedder struct {
	Dim int
}

// Embed returns the deterministic embedding of text.
func (d DeterministicEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	dim := d.Dim
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	return BuildDeterministicEmbedding(text, dim), nil
}

// Model returns the embedding model identifier stored on chunk rows.
func (d DeterministicEmbedder) Model() string { return DeterministicModel }

// BuildDeterministicEmbedding derives a dim-length vector from text by
// hashing "<i>:<text>" for i = 0, 1, ... and mapping each digest byte b to
// b/127.5 - 1. Every component lies in [-1, 1).
func BuildDeterministicEmbedding(text string, dim int) []float64 {
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	out := make([]float64, 0, dim)
	for i := 0; len(out) < dim; i++ {
		sum := sha256.Sum256([]byte(strconv.Itoa(i) + ":" + text))
		for _, b := range sum {
			out = append(out, float64(b)/127.5-1)
			if len(out) == dim {
				break
			}
		}
	}
	return out
}

// CosineSimilarity returns dot(a,b)/(|a|*|b|), or 0 when the lengths differ
// or either norm is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// TokenCount approximates a token count as ceil(len/4).
func TokenCount(content string) int {
	return (len(content) + 3) / 4
}
