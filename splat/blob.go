package splat

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/utils"
)

// Blob is a run of consecutive splats [First, Last) whose influence regions
// cover the same box of buckets. Lower and Upper are inclusive bucket
// coordinates relative to the grid lower extent.
type Blob struct {
	First, Last  ID
	Lower, Upper [3]int32
}

// Count returns the number of splats in the blob.
func (b Blob) Count() uint64 { return uint64(b.Last) - uint64(b.First) }

// BlobStream yields blobs in ascending splat id order.
type BlobStream interface {
	// Next returns the next blob; ok is false at the end of the stream.
	Next() (b Blob, ok bool, err error)
	Close() error
}

// ToBuckets computes the inclusive box of buckets covered by the splat's
// influence region. Buckets are cubes of bucketSize cells; bucket (0,0,0)
// contains the grid's lower corner cell. The test is the conservative
// axis-aligned box of the splat, not the sphere.
func ToBuckets(s Splat, g grid.Grid, bucketSize int64) (lower, upper [3]int32) {
	lo := g.WorldToVertex(s.Position.Sub(r3All(s.Radius)))
	hi := g.WorldToVertex(s.Position.Add(r3All(s.Radius)))
	lov := [3]float64{lo.X, lo.Y, lo.Z}
	hiv := [3]float64{hi.X, hi.Y, hi.Z}
	for i := 0; i < 3; i++ {
		lower[i] = int32(utils.DivDown(floorI64(lov[i]), bucketSize))
		upper[i] = int32(utils.DivDown(floorI64(hiv[i]), bucketSize))
	}
	return lower, upper
}

// simpleBlobStream adapts a splat stream into a blob stream by computing
// each splat's bucket box directly; every blob holds exactly one splat.
type simpleBlobStream struct {
	stream     Stream
	g          grid.Grid
	bucketSize int64

	buf  []Splat
	ids  []ID
	n    int
	next int
}

// NewSimpleBlobStream wraps a splat stream as a blob stream at the given
// bucket granularity.
func NewSimpleBlobStream(stream Stream, g grid.Grid, bucketSize int64) (BlobStream, error) {
	if bucketSize <= 0 {
		return nil, errors.Errorf("bucket size must be positive, got %d", bucketSize)
	}
	return &simpleBlobStream{
		stream:     stream,
		g:          g,
		bucketSize: bucketSize,
		buf:        make([]Splat, streamBufferSplats),
		ids:        make([]ID, streamBufferSplats),
	}, nil
}

func (sb *simpleBlobStream) Next() (Blob, bool, error) {
	if sb.next >= sb.n {
		n, err := sb.stream.Read(sb.buf, sb.ids)
		if err != nil {
			return Blob{}, false, err
		}
		if n == 0 {
			return Blob{}, false, nil
		}
		sb.n, sb.next = n, 0
	}
	s := sb.buf[sb.next]
	id := sb.ids[sb.next]
	sb.next++
	b := Blob{First: id, Last: id + 1}
	b.Lower, b.Upper = ToBuckets(s, sb.g, sb.bucketSize)
	return b, true, nil
}

func (sb *simpleBlobStream) Close() error { return sb.stream.Close() }

func r3All(v float64) r3.Vector { return r3.Vector{X: v, Y: v, Z: v} }

func floorI64(v float64) int64 {
	i := int64(v)
	if float64(i) > v {
		i--
	}
	return i
}
