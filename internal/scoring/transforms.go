package scoring

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// L1Normalize returns values scaled to sum to 1. A non-positive sum leaves
// them as they are.
func L1Normalize(values []float64) []float64 {
	out := append([]float64(nil), values...)
	if sum := floats.Sum(out); sum > 0 {
		floats.Scale(1/sum, out)
	}
	return out
}

// MinMaxScale maps values onto [0, 1]; a flat input maps to zeros.
func MinMaxScale(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := floats.Min(values), floats.Max(values)
	if hi == lo {
		return out
	}
	floats.AddScaledTo(out, out, 1/(hi-lo), values)
	floats.AddConst(-lo/(hi-lo), out)
	return out
}

// ApplyCubicTransformation maps x to scaling*(x-translation)^3 + offset.
func ApplyCubicTransformation(values []float64, params CubicParams) []float64 {
	out := make([]float64, len(values))
	for i, x := range values {
		y := params.Scaling*math.Pow(x-params.Translation, 3) + params.Offset
		if math.IsNaN(y) {
			y = 0
		}
		out[i] = y
	}
	return out
}
