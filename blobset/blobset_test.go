package blobset

import (
	"os"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/progress"
	"github.com/MohamedGNabail/mlsgpu/splat"
	"github.com/MohamedGNabail/mlsgpu/stats"
)

func newTestSet(t *testing.T, splats []splat.Splat, opts ...Option) *FastBlobSet {
	t.Helper()
	logger := golog.NewTestLogger(t)
	opts = append([]Option{
		WithTmpDir(t.TempDir()),
		WithRegistry(stats.NewRegistry()),
	}, opts...)
	return New(splat.NewMemorySet(splats), logger, opts...)
}

func colinearSplats() []splat.Splat {
	var out []splat.Splat
	for i := 0; i < 3; i++ {
		out = append(out, splat.Splat{
			Position: r3.Vector{Z: float64(i)},
			Normal:   r3.Vector{Z: 1},
			Radius:   0.1,
		})
	}
	return out
}

func TestComputeBlobsColinear(t *testing.T) {
	// Three colinear splats, spacing 1, internal bucket size 1: three blobs,
	// the last two of which must be 4-byte differential records. A single
	// worker keeps the whole buffer in one slice; the first record of every
	// slice is always full.
	set := newTestSet(t, colinearSplats(), WithWorkers(1))
	defer func() { test.That(t, set.Close(), test.ShouldBeNil) }()

	test.That(t, set.ComputeBlobs(1, 1, nil), test.ShouldBeNil)
	test.That(t, set.NumFinite(), test.ShouldEqual, 3)
	test.That(t, len(set.blobFiles), test.ShouldEqual, 1)
	test.That(t, set.blobFiles[0].nBlobs, test.ShouldEqual, 3)

	info, err := os.Stat(set.blobFiles[0].path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldEqual, int64(fullRecordSize+2*diffRecordSize))
}

func TestBlobStreamFastPath(t *testing.T) {
	set := newTestSet(t, colinearSplats(), WithWorkers(1))
	defer func() { test.That(t, set.Close(), test.ShouldBeNil) }()
	test.That(t, set.ComputeBlobs(1, 1, nil), test.ShouldBeNil)

	g := set.BoundingGrid()
	test.That(t, g.Reference(), test.ShouldResemble, r3.Vector{})
	test.That(t, g.Spacing(), test.ShouldEqual, 1.0)

	test.That(t, set.fastPath(g, 1), test.ShouldBeTrue)
	bs, err := set.MakeBlobStream(g, 1)
	test.That(t, err, test.ShouldBeNil)
	_, isFast := bs.(*fastBlobStream)
	test.That(t, isFast, test.ShouldBeTrue)
	defer func() { test.That(t, bs.Close(), test.ShouldBeNil) }()

	var blobs []splat.Blob
	for {
		b, ok, err := bs.Next()
		test.That(t, err, test.ShouldBeNil)
		if !ok {
			break
		}
		blobs = append(blobs, b)
	}
	test.That(t, len(blobs), test.ShouldEqual, 3)

	// Splat 0 has box [-1, 0] on every axis in absolute buckets; the grid's
	// lower extent is -1 so relative coordinates start at 0.
	lo, _ := g.Extent(0)
	test.That(t, lo, test.ShouldEqual, -1)
	test.That(t, blobs[0].Lower, test.ShouldResemble, [3]int32{0, 0, 0})
	test.That(t, blobs[0].Upper, test.ShouldResemble, [3]int32{1, 1, 1})
	test.That(t, blobs[2].Lower[2], test.ShouldEqual, 2)
	test.That(t, blobs[2].Upper[2], test.ShouldEqual, 3)
	test.That(t, blobs[0].First, test.ShouldEqual, splat.MakeID(0, 0))
	test.That(t, blobs[2].Last, test.ShouldEqual, splat.MakeID(0, 3))
}

func TestFastPathAndReplayAgree(t *testing.T) {
	// The fast-path replay must reproduce exactly what a direct splat scan
	// produces (a decoder that ignores the encoding choice yields identical
	// output).
	var splats []splat.Splat
	for i := 0; i < 257; i++ {
		splats = append(splats, splat.Splat{
			Position: r3.Vector{
				X: float64(i%17) * 0.7,
				Y: float64(i%5) * 1.3,
				Z: float64(i) * 0.05,
			},
			Normal: r3.Vector{Z: 1},
			Radius: 0.2 + float64(i%3)*0.2,
		})
	}
	set := newTestSet(t, splats)
	defer func() { test.That(t, set.Close(), test.ShouldBeNil) }()
	test.That(t, set.ComputeBlobs(0.5, 2, nil), test.ShouldBeNil)
	g := set.BoundingGrid()

	fast, err := set.MakeBlobStream(g, 2)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, fast.Close(), test.ShouldBeNil) }()
	slow, err := set.Set.MakeBlobStream(g, 2)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, slow.Close(), test.ShouldBeNil) }()

	expand := func(bs splat.BlobStream) []splat.Blob {
		var out []splat.Blob
		for {
			b, ok, err := bs.Next()
			test.That(t, err, test.ShouldBeNil)
			if !ok {
				return out
			}
			// Expand runs to per-splat boxes so streams with different
			// coalescing compare equal.
			for id := b.First; id < b.Last; id++ {
				out = append(out, splat.Blob{First: id, Last: id + 1, Lower: b.Lower, Upper: b.Upper})
			}
		}
	}
	test.That(t, expand(fast), test.ShouldResemble, expand(slow))
}

func TestFastPathIneligible(t *testing.T) {
	set := newTestSet(t, colinearSplats())
	defer func() { test.That(t, set.Close(), test.ShouldBeNil) }()
	test.That(t, set.ComputeBlobs(1, 2, nil), test.ShouldBeNil)
	g := set.BoundingGrid()

	// Bucket size not a multiple of the internal bucket size.
	test.That(t, set.fastPath(g, 3), test.ShouldBeFalse)
	// Different spacing.
	g2 := grid.New(r3.Vector{}, 0.5, [3]int64{-2, -2, -2}, [3]int64{4, 4, 4})
	test.That(t, set.fastPath(g2, 2), test.ShouldBeFalse)
	// Non-origin reference.
	g3 := grid.New(r3.Vector{X: 1}, 1, [3]int64{-2, -2, -2}, [3]int64{4, 4, 4})
	test.That(t, set.fastPath(g3, 2), test.ShouldBeFalse)
	// Misaligned lower extent.
	g4 := grid.New(r3.Vector{}, 1, [3]int64{-1, -2, -2}, [3]int64{4, 4, 4})
	test.That(t, set.fastPath(g4, 2), test.ShouldBeFalse)

	// Ineligible requests still work through the splat-scan fallback.
	bs, err := set.MakeBlobStream(g4, 2)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, bs.Close(), test.ShouldBeNil) }()
	n := 0
	for {
		_, ok, err := bs.Next()
		test.That(t, err, test.ShouldBeNil)
		if !ok {
			break
		}
		n++
	}
	test.That(t, n, test.ShouldEqual, 3)
}

func TestComputeBlobsProgressAndNonFinite(t *testing.T) {
	splats := colinearSplats()
	splats = append(splats, splat.Splat{Radius: -1}) // dropped
	set := newTestSet(t, splats)
	defer func() { test.That(t, set.Close(), test.ShouldBeNil) }()

	var meter progress.Counting
	test.That(t, set.ComputeBlobs(1, 1, &meter), test.ShouldBeNil)
	test.That(t, set.NumFinite(), test.ShouldEqual, 3)
	// Progress covers every input record, finite or not.
	test.That(t, meter.Value(), test.ShouldEqual, 4)
}

func TestCloseRemovesBlobFiles(t *testing.T) {
	set := newTestSet(t, colinearSplats())
	test.That(t, set.ComputeBlobs(1, 1, nil), test.ShouldBeNil)
	path := set.blobFiles[0].path
	_, err := os.Stat(path)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, set.Close(), test.ShouldBeNil)
	_, err = os.Stat(path)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestComputeBlobsEmptyInput(t *testing.T) {
	set := newTestSet(t, nil)
	defer func() { test.That(t, set.Close(), test.ShouldBeNil) }()
	err := set.ComputeBlobs(1, 1, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "at least one splat")
}
