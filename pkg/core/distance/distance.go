// Package distance provides the vector math used by the index and the refiner.
//
// All similarity in the engine is cosine similarity. Vectors are stored
// normalised so cosine reduces to a dot product, which is delegated to the
// Gonum BLAS implementation (SIMD where the CPU allows it).
package distance

import (
	"errors"
	"log/slog"
	"math"

	"github.com/klauspost/cpuid/v2"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas/gonum"
)

// PrecisionType defines the data type used for vector storage.
type PrecisionType string

const (
	// Float32 stores vectors as single-precision floats.
	Float32 PrecisionType = "float32"
	// Float16 stores vectors as half-precision floats, halving memory.
	Float16 PrecisionType = "float16"
)

// ErrLengthMismatch is returned when two vectors have different dimensions.
var ErrLengthMismatch = errors.New("vectors must have the same length")

var gonumEngine = gonum.Implementation{}

func init() {
	slog.Debug("distance: compute engine initialised",
		"cpu", cpuid.CPU.BrandName,
		"avx2", cpuid.CPU.Has(cpuid.AVX2),
		"fma", cpuid.CPU.Has(cpuid.FMA3),
		"f16c", cpuid.CPU.Has(cpuid.F16C),
		"cosine_f32", "gonum",
	)
}

// Dot returns the dot product of two float32 vectors.
func Dot(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	if len(v1) == 0 {
		return 0, nil
	}
	return float64(gonumEngine.Sdot(len(v1), v1, 1, v2, 1)), nil
}

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	return float64(gonumEngine.Snrm2(len(v), v, 1))
}

// Cosine returns the cosine similarity of two arbitrary (not necessarily
// normalised) vectors. A zero vector has similarity 0 with everything.
func Cosine(v1, v2 []float32) (float64, error) {
	dot, err := Dot(v1, v2)
	if err != nil {
		return 0, err
	}
	n1, n2 := Norm(v1), Norm(v2)
	if n1 == 0 || n2 == 0 {
		return 0, nil
	}
	return clamp(dot / (n1 * n2)), nil
}

// CosineDistance returns 1 - cosine similarity for two unit vectors.
func CosineDistance(v1, v2 []float32) (float64, error) {
	dot, err := Dot(v1, v2)
	if err != nil {
		return 0, err
	}
	return 1.0 - clamp(dot), nil
}

// CosineDistanceF16 is CosineDistance over half-precision storage.
func CosineDistanceF16(v1, v2 []uint16) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	var sum float32
	for i := range v1 {
		sum += float16.Frombits(v1[i]).Float32() * float16.Frombits(v2[i]).Float32()
	}
	return 1.0 - clamp(float64(sum)), nil
}

// Normalize scales v to unit length in place. It reports false for a zero
// or non-finite vector, which cannot be normalised.
func Normalize(v []float32) bool {
	n := Norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return false
	}
	gonumEngine.Sscal(len(v), float32(1/n), v, 1)
	return true
}

// Normalized returns a unit-length copy of v, or nil when v cannot be
// normalised.
func Normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	if !Normalize(out) {
		return nil
	}
	return out
}

// ToFloat16 converts a float32 vector to its half-precision bit pattern.
func ToFloat16(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, f := range v {
		out[i] = float16.Fromfloat32(f).Bits()
	}
	return out
}

// FromFloat16 converts half-precision bits back to float32.
func FromFloat16(v []uint16) []float32 {
	out := make([]float32, len(v))
	for i, b := range v {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}

// DisplaySimilarity maps a cosine in [-1,1] to [0,1] for presentation.
func DisplaySimilarity(cos float64) float64 {
	return (clamp(cos) + 1) / 2
}

func clamp(c float64) float64 {
	if c > 1 {
		return 1
	}
	if c < -1 {
		return -1
	}
	return c
}
