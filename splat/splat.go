// Package splat defines the oriented point samples the pipeline reconstructs
// from, their on-disk wire format, and the sources that stream them.
package splat

import (
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"
)

// WireSize is the size in bytes of one encoded splat record: seven
// little-endian float32 values (x y z nx ny nz radius).
const WireSize = 28

// ScanIDShift is the number of low bits of an ID reserved for the in-file
// splat index; the file (scan) id occupies the high bits.
const ScanIDShift = 40

// MaxScanSplats is the largest per-file splat index representable in an ID.
const MaxScanSplats = uint64(1) << ScanIDShift

// ID identifies a splat across all input files: the scan id in the high
// bits, the in-file index in the low bits.
type ID uint64

// MakeID composes an ID from a scan id and an in-file index.
func MakeID(scan uint32, index uint64) ID {
	return ID(uint64(scan)<<ScanIDShift | index)
}

// Scan returns the file id of the splat.
func (id ID) Scan() uint32 { return uint32(uint64(id) >> ScanIDShift) }

// Index returns the in-file index of the splat.
func (id ID) Index() uint64 { return uint64(id) & (MaxScanSplats - 1) }

// Splat is one oriented point sample. Its influence region is the
// axis-aligned box Position ± Radius.
type Splat struct {
	Position r3.Vector
	Normal   r3.Vector
	Radius   float64
}

// IsFinite reports whether all seven components are finite and the radius is
// positive. Splats failing this are dropped by streams, with a counter.
func (s Splat) IsFinite() bool {
	for _, v := range []float64{
		s.Position.X, s.Position.Y, s.Position.Z,
		s.Normal.X, s.Normal.Y, s.Normal.Z, s.Radius,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return s.Radius > 0
}

// Encode writes the wire representation of s into buf, which must be at
// least WireSize bytes.
func (s Splat) Encode(buf []byte) {
	putFloat32(buf[0:], s.Position.X)
	putFloat32(buf[4:], s.Position.Y)
	putFloat32(buf[8:], s.Position.Z)
	putFloat32(buf[12:], s.Normal.X)
	putFloat32(buf[16:], s.Normal.Y)
	putFloat32(buf[20:], s.Normal.Z)
	putFloat32(buf[24:], s.Radius)
}

// Decode reads the wire representation from buf.
func Decode(buf []byte) Splat {
	return Splat{
		Position: r3.Vector{
			X: getFloat32(buf[0:]),
			Y: getFloat32(buf[4:]),
			Z: getFloat32(buf[8:]),
		},
		Normal: r3.Vector{
			X: getFloat32(buf[12:]),
			Y: getFloat32(buf[16:]),
			Z: getFloat32(buf[20:]),
		},
		Radius: getFloat32(buf[24:]),
	}
}

func r3Vec(x, y, z float64) r3.Vector { return r3.Vector{X: x, Y: y, Z: z} }

func putFloat32(buf []byte, v float64) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
}

func getFloat32(buf []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
}
