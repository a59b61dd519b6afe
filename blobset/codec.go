// Package blobset maintains the on-disk blob index: a compact,
// differentially encoded mapping from runs of consecutive splats to the box
// of coarse buckets they touch. One streaming pass over the input builds
// the index; later bucketing passes replay it instead of re-reading splats.
package blobset

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	// fullRecordSize is the size of a non-differential record: two u64
	// splat ids and six i32 box coordinates.
	fullRecordSize = 40
	// diffRecordSize is the size of a differential record.
	diffRecordSize = 4
	// diffTag marks a differential record in bit 31 of its first word.
	diffTag = uint32(0x80000000)
	// maxDiffCount bounds the splat count representable in a differential
	// record (19 bits).
	maxDiffCount = uint64(1) << 19
)

// rawBlob is a blob in internal index units: absolute internal-bucket
// coordinates, global splat ids, [First, Last) half-open.
type rawBlob struct {
	first, last  uint64
	lower, upper [3]int32
}

func extractUnsigned(v uint32, lbit, hbit int) int32 {
	v >>= uint(lbit)
	v &= (uint32(1) << uint(hbit-lbit)) - 1
	return int32(v)
}

func extractSigned(v uint32, lbit, hbit int) int32 {
	bits := hbit - lbit
	ans := extractUnsigned(v, lbit, hbit)
	if ans&(int32(1)<<uint(bits-1)) != 0 {
		ans -= int32(1) << uint(bits)
	}
	return ans
}

func insertUnsigned(payload, value uint32, lbit, hbit int) uint32 {
	if value >= uint32(1)<<uint(hbit-lbit) {
		panic(fmt.Sprintf("value %d does not fit in bits [%d, %d)", value, lbit, hbit))
	}
	return payload | value<<uint(lbit)
}

func insertSigned(payload uint32, value int32, lbit, hbit int) uint32 {
	half := int32(1) << uint(hbit-lbit-1)
	if value < -half || value >= half {
		panic(fmt.Sprintf("value %d does not fit in bits [%d, %d)", value, lbit, hbit))
	}
	if value < 0 {
		value += int32(1) << uint(hbit-lbit)
	}
	return payload | uint32(value)<<uint(lbit)
}

// differential reports whether cur may be encoded as a differential record
// relative to prev.
func differential(havePrev bool, prev, cur rawBlob) bool {
	if !havePrev || prev.last != cur.first || cur.last-cur.first >= maxDiffCount {
		return false
	}
	for i := 0; i < 3; i++ {
		if cur.upper[i]-cur.lower[i] > 1 ||
			cur.lower[i] < prev.upper[i]-4 ||
			cur.lower[i] > prev.upper[i]+3 {
			return false
		}
	}
	return true
}

// appendBlob appends the encoding of cur to buf, choosing a differential
// record whenever legal.
func appendBlob(buf []byte, havePrev bool, prev, cur rawBlob) []byte {
	if differential(havePrev, prev, cur) {
		payload := diffTag
		for i := 0; i < 3; i++ {
			payload = insertSigned(payload, cur.lower[i]-prev.upper[i], i*4, i*4+3)
			payload = insertUnsigned(payload, uint32(cur.upper[i]-cur.lower[i]), i*4+3, i*4+4)
		}
		payload = insertUnsigned(payload, uint32(cur.last-cur.first), 12, 31)
		return binary.LittleEndian.AppendUint32(buf, payload)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(cur.first>>32))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(cur.first))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(cur.last>>32))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(cur.last))
	for i := 0; i < 3; i++ {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(cur.lower[i]))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(cur.upper[i]))
	}
	return buf
}

// readBlob reads the next record from r, reconstructing differential
// records from prev. The caller must pass the previously returned blob.
func readBlob(r io.Reader, havePrev bool, prev rawBlob) (rawBlob, error) {
	var word [4]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return rawBlob{}, err
	}
	data := binary.LittleEndian.Uint32(word[:])

	var cur rawBlob
	if data&diffTag != 0 {
		if !havePrev {
			return rawBlob{}, errors.New("differential blob record without a predecessor")
		}
		for i := 0; i < 3; i++ {
			cur.lower[i] = prev.upper[i] + extractSigned(data, i*4, i*4+3)
			cur.upper[i] = cur.lower[i] + extractUnsigned(data, i*4+3, i*4+4)
		}
		cur.first = prev.last
		cur.last = cur.first + uint64(extractUnsigned(data, 12, 31))
		return cur, nil
	}

	var rest [fullRecordSize - 4]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return rawBlob{}, err
	}
	word32 := func(i int) uint32 { return binary.LittleEndian.Uint32(rest[i*4:]) }
	cur.first = uint64(data)<<32 | uint64(word32(0))
	cur.last = uint64(word32(1))<<32 | uint64(word32(2))
	for i := 0; i < 3; i++ {
		cur.lower[i] = int32(word32(3 + 2*i))
		cur.upper[i] = int32(word32(4 + 2*i))
	}
	return cur, nil
}
