package txlgo

import (
	"math"

	"golang.org/x/exp/constraints"
)

// IsFinite reports whether x is neither NaN nor an infinity.
func IsFinite(x float32) bool {
	return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
}

// mean returns the arithmetic mean of xs, or zero for an empty slice.
func mean[T constraints.Float](xs []T) T {
	if len(xs) == 0 {
		return 0
	}
	var s T
	for _, x := range xs {
		s += x
	}
	return s / T(len(xs))
}
