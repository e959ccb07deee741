// Package vector provides the small numeric routines the substrate runs over
// embedding vectors: cosine similarity, normalization and centroid averaging.
//
// Every function returns fresh slices; inputs are never modified.
package vector

import (
	"fmt"
	"math"

	"github.com/oceanbase/powermem-substrate/pkg/core"
)

// CosineSimilarity calculates the cosine similarity between two vectors.
//
// The formula is: similarity = (A · B) / (||A|| * ||B||)
//
// Returns a value in [-1.0, 1.0], or 0.0 if the vectors have different
// dimensions or either has zero magnitude. The result is symmetric in a and b.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
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

	return clamp(dot/(math.Sqrt(normA)*math.Sqrt(normB)), -1, 1)
}

// Similarity is CosineSimilarity that treats a dimension mismatch as a
// contract violation.
func Similarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", core.ErrDimensionMismatch, len(a), len(b))
	}
	return CosineSimilarity(a, b), nil
}

// Distance returns the cosine distance 1 - CosineSimilarity(a, b), in [0, 2].
func Distance(a, b []float64) float64 {
	return 1 - CosineSimilarity(a, b)
}

// Magnitude returns the L2 norm of v.
func Magnitude(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Normalize returns v scaled to unit length (L2 norm).
//
// A zero vector is returned as an unscaled copy.
func Normalize(v []float64) []float64 {
	out := Clone(v)
	norm := Magnitude(v)
	if norm == 0 {
		return out
	}
	for i := range out {
		out[i] /= norm
	}
	return out
}

// Clone returns a copy of v. Clone(nil) is nil.
func Clone(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

// Validate checks that v is non-empty and every component is finite.
func Validate(v []float64) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: zero-length vector", core.ErrInvalidInput)
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: non-finite component at %d", core.ErrInvalidInput, i)
		}
	}
	return nil
}

// Mean returns the component-wise average of vectors.
func Mean(vectors [][]float64) ([]float64, error) {
	return WeightedCentroid(vectors, nil)
}

// WeightedCentroid returns Σ wᵢ·vᵢ / Σ wᵢ.
//
// A nil weights slice means equal weights. Negative weights count as zero; if
// all weights are zero the plain mean is returned instead. All vectors must
// share one dimensionality.
func WeightedCentroid(vectors [][]float64, weights []float64) ([]float64, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no vectors to average", core.ErrInvalidInput)
	}
	if weights != nil && len(weights) != len(vectors) {
		return nil, fmt.Errorf("%w: %d weights for %d vectors", core.ErrInvalidInput, len(weights), len(vectors))
	}

	dims := len(vectors[0])
	for _, v := range vectors[1:] {
		if len(v) != dims {
			return nil, fmt.Errorf("%w: %d != %d", core.ErrDimensionMismatch, len(v), dims)
		}
	}

	out := make([]float64, dims)
	var total float64
	for i, v := range vectors {
		w := 1.0
		if weights != nil {
			w = math.Max(0, weights[i])
		}
		if w == 0 {
			continue
		}
		total += w
		for j, x := range v {
			out[j] += w * x
		}
	}

	if total == 0 {
		return WeightedCentroid(vectors, nil)
	}
	for j := range out {
		out[j] /= total
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}
