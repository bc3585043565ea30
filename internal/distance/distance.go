package distance

import (
	"fmt"
	"math"
	"strings"

	"github.com/futlize/vectordb/internal/dberr"
)

// Similarity selects the metric an index ranks entries by.
type Similarity uint8

const (
	Cosine     Similarity = 1
	Euclidean  Similarity = 2
	DotProduct Similarity = 3
)

// ParseSimilarity accepts the text forms used in config files, the CLI and RPC payloads.
func ParseSimilarity(raw string) (Similarity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cosine", "cosine_distance":
		return Cosine, nil
	case "euclidean", "euclidean_distance", "l2":
		return Euclidean, nil
	case "dot", "dot_product", "dotproduct":
		return DotProduct, nil
	default:
		return 0, fmt.Errorf("%w: unknown similarity %q", dberr.ErrInvalidArgument, raw)
	}
}

// SimilarityFromCode decodes the persisted one-byte form.
func SimilarityFromCode(code byte) (Similarity, bool) {
	s := Similarity(code)
	return s, s.Valid()
}

func (s Similarity) Valid() bool {
	switch s {
	case Cosine, Euclidean, DotProduct:
		return true
	default:
		return false
	}
}

// Code is the persisted one-byte form.
func (s Similarity) Code() byte { return byte(s) }

func (s Similarity) String() string {
	switch s {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	case DotProduct:
		return "dot_product"
	default:
		return fmt.Sprintf("similarity(%d)", uint8(s))
	}
}

// Func computes the distance between two vectors of equal length.
// Lower values = more similar. ok is false when the distance is undefined.
type Func func(a, b []float32) (dist float32, ok bool)

// QueryFunc computes the distance from one fixed query vector to a candidate vector.
type QueryFunc func(candidate []float32) (dist float32, ok bool)

// Func returns the pairwise evaluator for s.
func (s Similarity) Func() Func {
	switch s {
	case Euclidean:
		return func(a, b []float32) (float32, bool) { return EuclideanDistance(a, b), true }
	case DotProduct:
		return func(a, b []float32) (float32, bool) { return DotProductDistance(a, b), true }
	default:
		return CosineDistance
	}
}

// Prepare returns a query-specialized evaluator. A zero-magnitude query under
// cosine has no defined distance to anything and fails with ErrDegenerateVector.
func (s Similarity) Prepare(query []float32) (QueryFunc, error) {
	switch s {
	case Cosine:
		return PrepareCosineDistance(query)
	case Euclidean:
		return func(candidate []float32) (float32, bool) {
			return EuclideanDistance(query, candidate), true
		}, nil
	case DotProduct:
		return func(candidate []float32) (float32, bool) {
			return DotProductDistance(query, candidate), true
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown similarity %d", dberr.ErrInvalidArgument, uint8(s))
	}
}

// Compute is the checked form of the metric: it validates lengths and reports
// undefined cosine distances as ErrDegenerateVector.
func Compute(s Similarity, a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: got %d, want %d", dberr.ErrDimensionMismatch, len(b), len(a))
	}
	if !s.Valid() {
		return 0, fmt.Errorf("%w: unknown similarity %d", dberr.ErrInvalidArgument, uint8(s))
	}
	d, ok := s.Func()(a, b)
	if !ok {
		return 0, fmt.Errorf("%w: zero-magnitude vector under %s", dberr.ErrDegenerateVector, s)
	}
	return d, nil
}

// CosineDistance returns 1 - cosine_similarity(a, b), in [0, 2].
// ok is false when either vector has zero magnitude.
func CosineDistance(a, b []float32) (float32, bool) {
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return cosineFromParts(dot, math.Sqrt(normA)*math.Sqrt(normB)), true
}

// EuclideanDistance returns the L2 norm of a - b.
func EuclideanDistance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// DotProductDistance returns -dot(a, b).
// Negated so that higher dot product = lower distance (more similar).
func DotProductDistance(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(-dot)
}

// PrepareCosineDistance caches the query norm across candidates.
func PrepareCosineDistance(query []float32) (QueryFunc, error) {
	normQ := Magnitude(query)
	if normQ == 0 {
		return nil, fmt.Errorf("%w: zero-magnitude query under cosine", dberr.ErrDegenerateVector)
	}
	return func(candidate []float32) (float32, bool) {
		var dot, normC float64
		for i := range query {
			v := float64(candidate[i])
			dot += float64(query[i]) * v
			normC += v * v
		}
		if normC == 0 {
			return 0, false
		}
		return cosineFromParts(dot, normQ*math.Sqrt(normC)), true
	}, nil
}

func cosineFromParts(dot, norms float64) float32 {
	sim := dot / norms
	// Clamp to [-1, 1] to absorb rounding error
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return float32(1 - sim)
}

// Magnitude returns the L2 norm of v.
func Magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Degenerate reports whether v has no defined distance under s.
func (s Similarity) Degenerate(v []float32) bool {
	return s == Cosine && Magnitude(v) == 0
}

// CheckFinite rejects NaN and Inf components.
func CheckFinite(v []float32) error {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: embedding contains NaN/Inf at index %d", dberr.ErrInvalidArgument, i)
		}
	}
	return nil
}
