package bucket

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/splat"
)

type emitted struct {
	numSplats uint64
	ranges    []splat.Range
	g         grid.Grid
}

func runBucket(t *testing.T, set splat.Set, g grid.Grid, maxSplats uint64, maxCells, maxSplit int64) ([]emitted, error) {
	t.Helper()
	var out []emitted
	err := Bucket(set, g, maxSplats, maxCells, maxSplit, func(n uint64, ranges []splat.Range, bg grid.Grid) error {
		cp := make([]splat.Range, len(ranges))
		copy(cp, ranges)
		out = append(out, emitted{numSplats: n, ranges: cp, g: bg})
		return nil
	})
	return out, err
}

func TestBucketEmptySet(t *testing.T) {
	g := grid.New(r3.Vector{}, 1, [3]int64{0, 0, 0}, [3]int64{8, 8, 8})
	out, err := runBucket(t, splat.NewMemorySet(nil), g, 100, 8, 64)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldBeEmpty)
}

func TestBucketSingleBucket(t *testing.T) {
	// Large enough limits emit exactly one bucket covering the whole grid.
	g := grid.New(r3.Vector{}, 1, [3]int64{0, 0, 0}, [3]int64{8, 8, 8})
	set := splat.NewMemorySet([]splat.Splat{
		{Position: r3.Vector{X: 1, Y: 1, Z: 1}, Normal: r3.Vector{Z: 1}, Radius: 0.5},
		{Position: r3.Vector{X: 6, Y: 6, Z: 6}, Normal: r3.Vector{Z: 1}, Radius: 0.5},
	})
	out, err := runBucket(t, set, g, 100, 8, 64)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, out[0].numSplats, test.ShouldEqual, 2)
	test.That(t, out[0].g.NumCellsVec(), test.ShouldResemble, [3]int64{8, 8, 8})
	test.That(t, out[0].ranges, test.ShouldResemble, []splat.Range{splat.NewRange(0, 0, 2)})
}

func TestBucketUniform(t *testing.T) {
	// 1000 splats uniform in a 64^3 grid, maxCells 16, maxSplats 200:
	// at least 64 buckets, each within both limits, and the emitted ranges
	// must cover every splat id at least once.
	rng := rand.New(rand.NewSource(42))
	var splats []splat.Splat
	for i := 0; i < 1000; i++ {
		splats = append(splats, splat.Splat{
			Position: r3.Vector{
				X: rng.Float64() * 64,
				Y: rng.Float64() * 64,
				Z: rng.Float64() * 64,
			},
			Normal: r3.Vector{Z: 1},
			Radius: 0.5,
		})
	}
	g := grid.New(r3.Vector{}, 1, [3]int64{0, 0, 0}, [3]int64{64, 64, 64})
	set := splat.NewMemorySet(splats)
	out, err := runBucket(t, set, g, 200, 16, 4096)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(out), test.ShouldBeGreaterThanOrEqualTo, 64)

	covered := make([]bool, len(splats))
	for _, b := range out {
		test.That(t, b.numSplats, test.ShouldBeLessThanOrEqualTo, 200)
		var n uint64
		for _, r := range b.ranges {
			for i := uint64(0); i < uint64(r.Size); i++ {
				covered[r.Start+i] = true
			}
			n += uint64(r.Size)
		}
		test.That(t, n, test.ShouldEqual, b.numSplats)
		for axis := 0; axis < 3; axis++ {
			test.That(t, b.g.NumCells(axis), test.ShouldBeLessThanOrEqualTo, 16)
		}
	}
	for i, c := range covered {
		test.That(t, c, test.ShouldBeTrue)
		if !c {
			t.Fatalf("splat %d not covered", i)
		}
	}
}

func TestBucketIntersectionInvariant(t *testing.T) {
	// No splat is lost by the conservative routing: each one reaches a
	// bucket whose grid box its influence region intersects.
	rng := rand.New(rand.NewSource(7))
	var splats []splat.Splat
	for i := 0; i < 300; i++ {
		splats = append(splats, splat.Splat{
			Position: r3.Vector{
				X: rng.Float64() * 32,
				Y: rng.Float64() * 32,
				Z: rng.Float64() * 32,
			},
			Normal: r3.Vector{Z: 1},
			Radius: 0.1 + rng.Float64(),
		})
	}
	g := grid.New(r3.Vector{}, 1, [3]int64{0, 0, 0}, [3]int64{32, 32, 32})
	set := splat.NewMemorySet(splats)
	out, err := runBucket(t, set, g, 50, 8, 512)
	test.That(t, err, test.ShouldBeNil)

	// Every splat must land in at least one bucket whose box its influence
	// region intersects. The conservative routing may add extras; it must
	// never lose a splat.
	matched := make([]bool, len(splats))
	for _, b := range out {
		lo := b.g.Vertex(0, 0, 0)
		hi := b.g.Vertex(b.g.NumCells(0), b.g.NumCells(1), b.g.NumCells(2))
		for _, r := range b.ranges {
			for i := uint64(0); i < uint64(r.Size); i++ {
				s := splats[r.Start+i]
				intersects := s.Position.X+s.Radius >= lo.X && s.Position.X-s.Radius <= hi.X &&
					s.Position.Y+s.Radius >= lo.Y && s.Position.Y-s.Radius <= hi.Y &&
					s.Position.Z+s.Radius >= lo.Z && s.Position.Z-s.Radius <= hi.Z
				if intersects {
					matched[r.Start+i] = true
				}
			}
		}
	}
	for i := range matched {
		test.That(t, matched[i], test.ShouldBeTrue)
	}
}

func TestBucketDensityError(t *testing.T) {
	// Ten splats inside one cell with maxSplats 5 cannot be subdivided.
	var splats []splat.Splat
	for i := 0; i < 10; i++ {
		splats = append(splats, splat.Splat{
			Position: r3.Vector{X: 4.5, Y: 4.5, Z: 4.5},
			Normal:   r3.Vector{Z: 1},
			Radius:   0.05,
		})
	}
	g := grid.New(r3.Vector{}, 1, [3]int64{0, 0, 0}, [3]int64{16, 16, 16})
	set := splat.NewMemorySet(splats)
	_, err := runBucket(t, set, g, 5, 4, 64)
	test.That(t, err, test.ShouldNotBeNil)
	var de *DensityError
	test.That(t, errorsAs(err, &de), test.ShouldBeTrue)
	test.That(t, de.CellSplats, test.ShouldEqual, 10)
}

func TestBucketProcessorError(t *testing.T) {
	g := grid.New(r3.Vector{}, 1, [3]int64{0, 0, 0}, [3]int64{4, 4, 4})
	set := splat.NewMemorySet([]splat.Splat{
		{Position: r3.Vector{X: 2, Y: 2, Z: 2}, Normal: r3.Vector{Z: 1}, Radius: 0.5},
	})
	wantErr := errForTest("boom")
	err := Bucket(set, g, 10, 4, 64, func(uint64, []splat.Range, grid.Grid) error {
		return wantErr
	})
	test.That(t, err, test.ShouldBeError, wantErr)
}
