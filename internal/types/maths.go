package types

import (
	"math"
	"time"
)

// SafeDiv divides num by den, returning fallback when the denominator is
// zero or not finite. It never returns Inf and never panics; callers choose
// NaN as fallback when downstream aggregation should ignore the value.
func SafeDiv(num, den, fallback float64) float64 {
	if den == 0 || math.IsNaN(den) || math.IsInf(den, 0) {
		return fallback
	}
	return num / den
}

// SafeDivVec divides num by den element-wise with SafeDiv semantics.
// The slices must have the same length.
func SafeDivVec(num, den []float64, fallback float64) []float64 {
	out := make([]float64, len(num))
	for i := range num {
		out[i] = SafeDiv(num[i], den[i], fallback)
	}
	return out
}

// NaNToNum replaces NaN and Inf values with zero, the substitution applied to
// every feature value handed to the regressor.
func NaNToNum(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// MinTime returns the earlier of two timestamps, treating zero values as
// "unbounded" (always later). Used to compose availability cuts.
func MinTime(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.Before(a) {
		return b
	}
	return a
}
