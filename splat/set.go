package splat

import (
	"github.com/pkg/errors"

	"github.com/MohamedGNabail/mlsgpu/grid"
)

// Range names a contiguous run of splats within one input file. It is the
// unit passed between bucketing passes so that splats themselves never need
// to be materialised.
type Range struct {
	Scan  uint32
	Start uint64
	Size  uint32
}

// NewRange creates a range, checking that Start+Size-1 does not overflow the
// splat index space.
func NewRange(scan uint32, start uint64, size uint32) Range {
	if size > 0 && start > MaxScanSplats-uint64(size) {
		panic(errors.Errorf("splat range %d+%d overflows index space", start, size))
	}
	return Range{Scan: scan, Start: start, Size: size}
}

// First returns the ID of the first splat in the range.
func (r Range) First() ID { return MakeID(r.Scan, r.Start) }

// Append extends the range by one splat if the id is contiguous with it.
// An empty range accepts any splat.
func (r *Range) Append(scan uint32, index uint64) bool {
	switch {
	case r.Size == 0:
		r.Scan, r.Start, r.Size = scan, index, 1
	case r.Scan == scan && index >= r.Start && index-r.Start <= uint64(r.Size):
		if index-r.Start == uint64(r.Size) {
			if r.Size == ^uint32(0) {
				return false
			}
			r.Size++
		}
	default:
		return false
	}
	return true
}

// AppendRun extends the range by a run of count consecutive splats if the
// run follows it contiguously. An empty range accepts any run that fits.
func (r *Range) AppendRun(scan uint32, index, count uint64) bool {
	if count == 0 {
		return true
	}
	switch {
	case r.Size == 0:
		if count > uint64(^uint32(0)) {
			return false
		}
		r.Scan, r.Start, r.Size = scan, index, uint32(count)
	case r.Scan == scan && index == r.Start+uint64(r.Size):
		if count > uint64(^uint32(0))-uint64(r.Size) {
			return false
		}
		r.Size += uint32(count)
	default:
		return false
	}
	return true
}

// Stream is a forward-only reader of splats. Read fills out (and ids, when
// non-nil) and returns the number produced; fewer than len(out) signals the
// end of the stream. Non-finite splats are skipped and counted.
type Stream interface {
	Read(out []Splat, ids []ID) (int, error)
	NonFinite() uint64
	Close() error
}

// Source provides random access to raw splat records by scan and index.
type Source interface {
	NumScans() int
	NumSplats(scan uint32) uint64
	// RecordSize returns the stride in bytes of one raw record in the scan.
	RecordSize(scan uint32) int
	// ReadRaw copies count raw records starting at start into buf, which
	// must hold count*RecordSize(scan) bytes.
	ReadRaw(scan uint32, start, count uint64, buf []byte) error
	// DecodeRecord decodes one raw record from the scan.
	DecodeRecord(scan uint32, rec []byte) Splat
}

// Set is a source that can also be scanned end to end, either splat by
// splat or as a blob stream at a given bucket granularity.
type Set interface {
	Source
	// MaxSplats returns the total record count over all scans, counting
	// non-finite splats that streams will skip.
	MaxSplats() uint64
	MakeSplatStream() Stream
	MakeBlobStream(g grid.Grid, bucketSize int64) (BlobStream, error)
}

// ReadSplats decodes count splats from src starting at (scan, start).
func ReadSplats(src Source, scan uint32, start uint64, out []Splat) error {
	stride := src.RecordSize(scan)
	buf := make([]byte, len(out)*stride)
	if err := src.ReadRaw(scan, start, uint64(len(out)), buf); err != nil {
		return err
	}
	for i := range out {
		out[i] = src.DecodeRecord(scan, buf[i*stride:])
	}
	return nil
}

// MemorySet is an in-memory Set with a single scan. It is primarily for
// tests and small inputs.
type MemorySet struct {
	Splats []Splat
}

// NewMemorySet wraps the given splats as a Set.
func NewMemorySet(splats []Splat) *MemorySet { return &MemorySet{Splats: splats} }

func (m *MemorySet) NumScans() int { return 1 }

func (m *MemorySet) NumSplats(scan uint32) uint64 {
	if scan != 0 {
		return 0
	}
	return uint64(len(m.Splats))
}

func (m *MemorySet) MaxSplats() uint64 { return uint64(len(m.Splats)) }

func (m *MemorySet) RecordSize(uint32) int { return WireSize }

func (m *MemorySet) ReadRaw(scan uint32, start, count uint64, buf []byte) error {
	if scan != 0 || start+count > uint64(len(m.Splats)) {
		return errors.Errorf("read of splats [%d, %d) in scan %d out of range", start, start+count, scan)
	}
	for i := uint64(0); i < count; i++ {
		m.Splats[start+i].Encode(buf[i*WireSize:])
	}
	return nil
}

func (m *MemorySet) DecodeRecord(_ uint32, rec []byte) Splat { return Decode(rec) }

func (m *MemorySet) MakeSplatStream() Stream {
	return newSourceStream(m, []Range{{Scan: 0, Start: 0, Size: uint32(len(m.Splats))}})
}

func (m *MemorySet) MakeBlobStream(g grid.Grid, bucketSize int64) (BlobStream, error) {
	return NewSimpleBlobStream(m.MakeSplatStream(), g, bucketSize)
}

// Subset restricts a base set to a list of id ranges. Its blob stream is
// always the simple per-splat one; the fast path never applies to subsets.
type Subset struct {
	base   Source
	ranges []Range
}

// NewSubset creates a subset over the given ranges, which must be ordered
// by splat id.
func NewSubset(base Source, ranges []Range) *Subset {
	return &Subset{base: base, ranges: ranges}
}

func (s *Subset) NumScans() int                            { return s.base.NumScans() }
func (s *Subset) NumSplats(scan uint32) uint64             { return s.base.NumSplats(scan) }
func (s *Subset) RecordSize(scan uint32) int               { return s.base.RecordSize(scan) }
func (s *Subset) DecodeRecord(scan uint32, rec []byte) Splat {
	return s.base.DecodeRecord(scan, rec)
}

func (s *Subset) ReadRaw(scan uint32, start, count uint64, buf []byte) error {
	return s.base.ReadRaw(scan, start, count, buf)
}

func (s *Subset) MaxSplats() uint64 {
	var n uint64
	for _, r := range s.ranges {
		n += uint64(r.Size)
	}
	return n
}

func (s *Subset) MakeSplatStream() Stream { return newSourceStream(s.base, s.ranges) }

func (s *Subset) MakeBlobStream(g grid.Grid, bucketSize int64) (BlobStream, error) {
	return NewSimpleBlobStream(s.MakeSplatStream(), g, bucketSize)
}

// sourceStream reads splats from a source over a list of ranges, skipping
// non-finite records.
type sourceStream struct {
	src       Source
	ranges    []Range
	cur       int
	offset    uint64
	buf       []byte
	nonFinite uint64
}

const streamBufferSplats = 8192

func newSourceStream(src Source, ranges []Range) *sourceStream {
	return &sourceStream{src: src, ranges: ranges}
}

func (ss *sourceStream) Read(out []Splat, ids []ID) (int, error) {
	produced := 0
	for produced < len(out) && ss.cur < len(ss.ranges) {
		r := ss.ranges[ss.cur]
		remain := uint64(r.Size) - ss.offset
		if remain == 0 {
			ss.cur++
			ss.offset = 0
			continue
		}
		chunk := uint64(len(out) - produced)
		if chunk > remain {
			chunk = remain
		}
		if chunk > streamBufferSplats {
			chunk = streamBufferSplats
		}
		stride := ss.src.RecordSize(r.Scan)
		need := int(chunk) * stride
		if cap(ss.buf) < need {
			ss.buf = make([]byte, need)
		}
		start := r.Start + ss.offset
		if err := ss.src.ReadRaw(r.Scan, start, chunk, ss.buf[:need]); err != nil {
			return produced, err
		}
		for i := uint64(0); i < chunk; i++ {
			s := ss.src.DecodeRecord(r.Scan, ss.buf[int(i)*stride:])
			if !s.IsFinite() {
				ss.nonFinite++
				continue
			}
			out[produced] = s
			if ids != nil {
				ids[produced] = MakeID(r.Scan, start+i)
			}
			produced++
		}
		ss.offset += chunk
	}
	return produced, nil
}

func (ss *sourceStream) NonFinite() uint64 { return ss.nonFinite }

func (ss *sourceStream) Close() error { return nil }
