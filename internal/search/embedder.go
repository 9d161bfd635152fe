package search

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder mirrors the Provider shape proven out for vector generation
// elsewhere in the stack (single Embed, batched EmbedBatch, Dimensions) but
// is implemented locally rather than against a network API: the fast/quality
// tiers are feature-hashed bag-of-terms vectors, deterministic and free of
// external calls, which keeps search fully offline and testable.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// FastEmbedder produces the 256-dimension fp16-precision tier: each
// component is rounded to fp16's 10-bit mantissa and kept in a float32.
type FastEmbedder struct{}

func (FastEmbedder) Dimensions() int { return 256 }

func (f FastEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := hashEmbed(text, 256)
	for i, v := range vec {
		vec[i] = math.Float32frombits((math.Float32bits(v) + 0x1000) &^ 0x1fff)
	}
	return vec, nil
}

func (f FastEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

// QualityEmbedder produces the 384-dimension fp32-precision tier.
type QualityEmbedder struct{}

func (QualityEmbedder) Dimensions() int { return 384 }

func (q QualityEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return hashEmbed(text, 384), nil
}

func (q QualityEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = q.Embed(ctx, t)
	}
	return out, nil
}

// hashEmbed feature-hashes each token of text into a dims-wide vector (each
// token contributes +1/-1 to a bucket chosen by FNV-1a, sign chosen by a
// second hash bit), then L2-normalizes. Distinct texts sharing vocabulary
// land closer together than unrelated texts, which is sufficient for the
// fast/quality tiers to agree with the lexical ranking on which documents
// are relevant without requiring a trained model.
func hashEmbed(text string, dims int) []float32 {
	vec := make([]float32, dims)
	for _, term := range tokenize(toLowerASCII(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		sum := h.Sum32()
		bucket := int(sum) % dims
		if bucket < 0 {
			bucket += dims
		}
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}

	var norm2 float64
	for _, v := range vec {
		norm2 += float64(v) * float64(v)
	}
	if norm2 == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm2))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// DotProduct computes the SIMD-style dot product of two equal-length
// vectors (spec.md §4.7 step 1/2).
func DotProduct(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
