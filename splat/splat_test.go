package splat

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestIDRoundTrip(t *testing.T) {
	id := MakeID(7, 123456789)
	test.That(t, id.Scan(), test.ShouldEqual, 7)
	test.That(t, id.Index(), test.ShouldEqual, 123456789)

	id = MakeID(0, 0)
	test.That(t, id, test.ShouldEqual, ID(0))
}

func TestIsFinite(t *testing.T) {
	s := Splat{Position: r3.Vector{X: 1, Y: 2, Z: 3}, Normal: r3.Vector{Z: 1}, Radius: 0.5}
	test.That(t, s.IsFinite(), test.ShouldBeTrue)

	bad := s
	bad.Position.Y = math.NaN()
	test.That(t, bad.IsFinite(), test.ShouldBeFalse)

	bad = s
	bad.Normal.X = math.Inf(1)
	test.That(t, bad.IsFinite(), test.ShouldBeFalse)

	bad = s
	bad.Radius = 0
	test.That(t, bad.IsFinite(), test.ShouldBeFalse)
}

func TestWireRoundTrip(t *testing.T) {
	s := Splat{
		Position: r3.Vector{X: 1.5, Y: -2.25, Z: 3.125},
		Normal:   r3.Vector{X: 0, Y: 0.5, Z: -0.5},
		Radius:   0.75,
	}
	var buf [WireSize]byte
	s.Encode(buf[:])
	test.That(t, Decode(buf[:]), test.ShouldResemble, s)
}

func TestRangeAppend(t *testing.T) {
	var r Range
	test.That(t, r.Append(0, 5), test.ShouldBeTrue)
	test.That(t, r.Append(0, 6), test.ShouldBeTrue)
	test.That(t, r.Append(0, 6), test.ShouldBeTrue) // idempotent repeat
	test.That(t, r.Size, test.ShouldEqual, 2)
	test.That(t, r.Append(0, 9), test.ShouldBeFalse)
	test.That(t, r.Append(1, 7), test.ShouldBeFalse)
}

func TestMemorySetStream(t *testing.T) {
	splats := []Splat{
		{Position: r3.Vector{X: 0}, Normal: r3.Vector{Z: 1}, Radius: 1},
		{Position: r3.Vector{X: 1, Y: math.NaN()}, Normal: r3.Vector{Z: 1}, Radius: 1},
		{Position: r3.Vector{X: 2}, Normal: r3.Vector{Z: 1}, Radius: 1},
	}
	set := NewMemorySet(splats)
	stream := set.MakeSplatStream()

	out := make([]Splat, 8)
	ids := make([]ID, 8)
	n, err := stream.Read(out, ids)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 2)
	test.That(t, ids[0], test.ShouldEqual, MakeID(0, 0))
	test.That(t, ids[1], test.ShouldEqual, MakeID(0, 2))
	test.That(t, stream.NonFinite(), test.ShouldEqual, 1)

	n, err = stream.Read(out, ids)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)
}

func TestSubsetStream(t *testing.T) {
	var splats []Splat
	for i := 0; i < 10; i++ {
		splats = append(splats, Splat{Position: r3.Vector{X: float64(i)}, Normal: r3.Vector{Z: 1}, Radius: 1})
	}
	set := NewMemorySet(splats)
	sub := NewSubset(set, []Range{
		{Scan: 0, Start: 2, Size: 3},
		{Scan: 0, Start: 7, Size: 2},
	})
	test.That(t, sub.MaxSplats(), test.ShouldEqual, 5)

	stream := sub.MakeSplatStream()
	out := make([]Splat, 16)
	ids := make([]ID, 16)
	n, err := stream.Read(out, ids)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 5)
	test.That(t, out[0].Position.X, test.ShouldEqual, 2)
	test.That(t, out[4].Position.X, test.ShouldEqual, 8)
	test.That(t, ids[3], test.ShouldEqual, MakeID(0, 7))
}
