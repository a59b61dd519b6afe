package utils

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestDivUp(t *testing.T) {
	test.That(t, DivUp(0, 4), test.ShouldEqual, 0)
	test.That(t, DivUp(1, 4), test.ShouldEqual, 1)
	test.That(t, DivUp(4, 4), test.ShouldEqual, 1)
	test.That(t, DivUp(5, 4), test.ShouldEqual, 2)
}

func TestDivDown(t *testing.T) {
	test.That(t, DivDown(7, 2), test.ShouldEqual, 3)
	test.That(t, DivDown(-7, 2), test.ShouldEqual, -4)
	test.That(t, DivDown(-8, 2), test.ShouldEqual, -4)
	test.That(t, DivDown(8, 2), test.ShouldEqual, 4)
	test.That(t, DivDown(-1, 4), test.ShouldEqual, -1)
}

func TestMulSat(t *testing.T) {
	test.That(t, MulSat(3, 4), test.ShouldEqual, 12)
	test.That(t, MulSat(0, math.MaxInt64), test.ShouldEqual, 0)
	test.That(t, MulSat(math.MaxInt64, 2), test.ShouldEqual, int64(math.MaxInt64))
	test.That(t, MulSat(1<<40, 1<<40), test.ShouldEqual, int64(math.MaxInt64))
}

func TestRoundUp(t *testing.T) {
	test.That(t, RoundUp(0, 8), test.ShouldEqual, 0)
	test.That(t, RoundUp(1, 8), test.ShouldEqual, 8)
	test.That(t, RoundUp(8, 8), test.ShouldEqual, 8)
	test.That(t, RoundUp(9, 8), test.ShouldEqual, 16)
}
