// Package utils contains small integer helpers shared by the reconstruction
// core.
package utils

import "math"

// DivUp divides a by b, rounding up.
func DivUp(a, b int64) int64 {
	return (a + b - 1) / b
}

// DivDown divides a by b, rounding towards negative infinity.
func DivDown(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// MulSat multiplies a and b, clamping the result to MaxInt64 instead of
// overflowing. Both arguments must be non-negative.
func MulSat(a, b int64) int64 {
	if a == 0 || math.MaxInt64/a >= b {
		return a * b
	}
	return math.MaxInt64
}

// RoundUp rounds a up to the next multiple of b.
func RoundUp(a, b int64) int64 {
	return DivUp(a, b) * b
}

func MaxInt64(a, b int64) int64 {
	if a < b {
		return b
	}
	return a
}

func MinInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
