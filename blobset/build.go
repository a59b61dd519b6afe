package blobset

import (
	"bufio"
	"math"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/progress"
	"github.com/MohamedGNabail/mlsgpu/splat"
	"github.com/MohamedGNabail/mlsgpu/utils"
)

// buildBufferSplats is the number of splats consumed from the input stream
// per parallel round.
const buildBufferSplats = 64 * 1024

// bbox accumulates the bounding box of splat influence regions.
type bbox struct {
	min, max [3]float64
}

func newBbox() bbox {
	return bbox{
		min: [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)},
		max: [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)},
	}
}

func (b *bbox) addSplat(s splat.Splat) {
	p := [3]float64{s.Position.X, s.Position.Y, s.Position.Z}
	for i := 0; i < 3; i++ {
		b.min[i] = math.Min(b.min[i], p[i]-s.Radius)
		b.max[i] = math.Max(b.max[i], p[i]+s.Radius)
	}
}

func (b *bbox) merge(o bbox) {
	for i := 0; i < 3; i++ {
		b.min[i] = math.Min(b.min[i], o.min[i])
		b.max[i] = math.Max(b.max[i], o.max[i])
	}
}

func (b *bbox) empty() bool { return b.min[0] > b.max[0] }

// toInternalBuckets computes the inclusive box of internal buckets covered
// by a splat's influence region, in absolute units over an origin-based
// grid of the given spacing.
func toInternalBuckets(s splat.Splat, spacing float64, bucketSize int64) (lower, upper [3]int32) {
	p := [3]float64{s.Position.X, s.Position.Y, s.Position.Z}
	for i := 0; i < 3; i++ {
		lo := floorI64((p[i] - s.Radius) / spacing)
		hi := floorI64((p[i] + s.Radius) / spacing)
		lower[i] = int32(utils.DivDown(lo, bucketSize))
		upper[i] = int32(utils.DivDown(hi, bucketSize))
	}
	return lower, upper
}

// ComputeBlobs streams the whole input once, writing the blob index and
// computing the bounding grid. bucketSize becomes the internal bucket size
// of the index. meter, when non-nil, advances by MaxSplats over the pass.
func (s *FastBlobSet) ComputeBlobs(spacing float64, bucketSize int64, meter progress.Meter) (err error) {
	if bucketSize <= 0 {
		return errors.Errorf("bucket size must be positive, got %d", bucketSize)
	}
	if err := s.Close(); err != nil {
		return err
	}
	s.internalBucketSize = bucketSize
	s.nSplats = 0
	s.haveGrid = false

	bf := blobFile{path: s.newBlobFilePath()}
	out, err := os.Create(bf.path)
	if err != nil {
		return errors.Wrapf(err, "creating blob file %s", bf.path)
	}
	defer func() {
		if err != nil && out != nil {
			err = multierr.Combine(err, out.Close())
			goutils.UncheckedError(os.Remove(bf.path))
		}
	}()
	w := bufio.NewWriterSize(out, 1<<20)

	stream := s.Set.MakeSplatStream()
	defer func() { err = multierr.Combine(err, stream.Close()) }()

	box := newBbox()
	buffer := make([]splat.Splat, buildBufferSplats)
	ids := make([]splat.ID, buildBufferSplats)
	for {
		n, err := stream.Read(buffer, ids)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		roundBox, roundBlobs, werr := s.writeBlobRound(w, buffer[:n], ids[:n], spacing, bucketSize)
		if werr != nil {
			return errors.Wrapf(werr, "writing blob file %s", bf.path)
		}
		box.merge(roundBox)
		bf.nBlobs += roundBlobs
		s.nSplats += uint64(n)
		if meter != nil {
			meter.Add(uint64(n))
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "writing blob file %s", bf.path)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "closing blob file %s", bf.path)
	}
	out = nil
	s.blobFiles = append(s.blobFiles, bf)

	nonFinite := stream.NonFinite()
	if nonFinite > 0 {
		if meter != nil {
			meter.Add(nonFinite)
		}
		s.logger.Warnf("input contains %d splat(s) with non-finite values", nonFinite)
	}
	s.registry.Counter("blobset.nonfinite").Add(nonFinite)
	s.registry.Counter("blobset.blobs").Add(bf.nBlobs)
	s.registry.Variable("blobset.splats").Add(float64(s.nSplats))

	boundingGrid, err := makeBoundingGrid(spacing, bucketSize, box)
	if err != nil {
		return err
	}
	s.boundingGrid = boundingGrid
	s.haveGrid = true
	for i, name := range []string{"blobset.bboxX", "blobset.bboxY", "blobset.bboxZ"} {
		s.registry.Variable(name).Add(box.max[i] - box.min[i])
	}
	return nil
}

// writeBlobRound encodes one buffer of splats. The buffer is sliced into
// contiguous runs, one per worker; each worker emits its own blob sequence
// (the first record of a slice is always full), and the results are
// appended in slice order so the on-disk sequence follows ascending splat
// id.
func (s *FastBlobSet) writeBlobRound(
	w *bufio.Writer,
	buffer []splat.Splat,
	ids []splat.ID,
	spacing float64,
	bucketSize int64,
) (bbox, uint64, error) {
	type sliceResult struct {
		data   []byte
		box    bbox
		nBlobs uint64
	}

	n := len(buffer)
	workers := s.workers
	if workers > n {
		workers = n
	}
	results := make([]sliceResult, workers)

	var group errgroup.Group
	for tid := 0; tid < workers; tid++ {
		tid := tid
		group.Go(func() error {
			first := tid * n / workers
			last := (tid + 1) * n / workers
			res := sliceResult{box: newBbox()}
			var cur, prev rawBlob
			haveCur, havePrev := false, false
			for i := first; i < last; i++ {
				sp := buffer[i]
				var blob rawBlob
				blob.lower, blob.upper = toInternalBuckets(sp, spacing, bucketSize)
				blob.first = uint64(ids[i])
				blob.last = blob.first + 1
				res.box.addSplat(sp)

				switch {
				case !haveCur:
					cur = blob
					haveCur = true
				case cur.lower == blob.lower && cur.upper == blob.upper && cur.last == blob.first:
					cur.last++
				default:
					res.data = appendBlob(res.data, havePrev, prev, cur)
					res.nBlobs++
					prev, havePrev = cur, true
					cur = blob
				}
			}
			if haveCur {
				res.data = appendBlob(res.data, havePrev, prev, cur)
				res.nBlobs++
			}
			results[tid] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return bbox{}, 0, err
	}

	box := newBbox()
	var nBlobs uint64
	for _, res := range results {
		box.merge(res.box)
		nBlobs += res.nBlobs
		if _, err := w.Write(res.data); err != nil {
			return bbox{}, 0, err
		}
	}
	return box, nBlobs, nil
}

// makeBoundingGrid builds the grid covering the bounding box: reference at
// the origin, lower extents rounded down to multiples of the bucket size so
// blob coordinates align.
func makeBoundingGrid(spacing float64, bucketSize int64, box bbox) (grid.Grid, error) {
	if box.empty() {
		return grid.Grid{}, errors.New("must be at least one splat")
	}
	var lo, hi [3]int64
	for i := 0; i < 3; i++ {
		l := floorI64(box.min[i] / spacing)
		h := ceilI64(box.max[i] / spacing)
		l = utils.DivDown(l, bucketSize) * bucketSize
		if h <= l {
			h = l + 1
		}
		lo[i] = l
		hi[i] = h
	}
	return grid.New(r3.Vector{}, spacing, lo, hi), nil
}

func floorI64(v float64) int64 { return int64(math.Floor(v)) }

func ceilI64(v float64) int64 { return int64(math.Ceil(v)) }
