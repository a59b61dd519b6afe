package splat

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/MohamedGNabail/mlsgpu/grid"
)

// FormatError reports a malformed or unsupported input file.
type FormatError struct {
	Path string
	Msg  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

func formatErrorf(path, format string, args ...interface{}) error {
	return &FormatError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// splatProperties are the vertex properties a splat file must carry, each as
// a 32-bit float.
var splatProperties = []string{"x", "y", "z", "nx", "ny", "nz", "radius"}

// Reader reads splat records from a binary little-endian PLY file. Only the
// vertex element is interpreted; the seven splat properties may appear at
// any offset within the vertex record.
type Reader struct {
	path       string
	file       *os.File
	count      uint64
	stride     int
	offsets    [7]int
	dataOffset int64
}

// Open opens a splat PLY file and parses its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	r := &Reader{path: path, file: f}
	if err := r.parseHeader(); err != nil {
		return nil, multierr.Combine(err, f.Close())
	}
	if r.count >= MaxScanSplats {
		return nil, multierr.Combine(
			formatErrorf(path, "too many splats in one file: %d", r.count), f.Close())
	}
	return r, nil
}

func (r *Reader) parseHeader() error {
	br := bufio.NewReader(r.file)
	var pos int64

	readLine := func() (string, error) {
		line, err := br.ReadString('\n')
		pos += int64(len(line))
		if err != nil {
			return "", errors.Wrapf(err, "reading header of %s", r.path)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	line, err := readLine()
	if err != nil {
		return err
	}
	if line != "ply" {
		return formatErrorf(r.path, "not a PLY file")
	}

	var inVertex, sawVertex bool
	var sawFormat bool
	offset := 0
	found := map[string]int{}
	for {
		line, err = readLine()
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "comment", "obj_info":
		case "format":
			if len(fields) != 3 || fields[1] != "binary_little_endian" {
				return formatErrorf(r.path, "unsupported format %q", line)
			}
			sawFormat = true
		case "element":
			if len(fields) != 3 {
				return formatErrorf(r.path, "malformed element %q", line)
			}
			if fields[1] == "vertex" {
				n, err := strconv.ParseUint(fields[2], 10, 64)
				if err != nil {
					return formatErrorf(r.path, "bad vertex count %q", fields[2])
				}
				r.count = n
				inVertex = true
				sawVertex = true
			} else if !sawVertex {
				// A non-empty element before vertex would shift the data
				// offset by an amount we cannot compute.
				return formatErrorf(r.path, "element %q precedes vertex", fields[1])
			} else {
				inVertex = false
			}
		case "property":
			if !inVertex {
				continue
			}
			if fields[1] == "list" {
				return formatErrorf(r.path, "vertex property %q should not be a list", fields[len(fields)-1])
			}
			if len(fields) != 3 {
				return formatErrorf(r.path, "malformed property %q", line)
			}
			size, ok := propertySizes[fields[1]]
			if !ok {
				return formatErrorf(r.path, "unknown property type %q", fields[1])
			}
			name := fields[2]
			for i, want := range splatProperties {
				if name == want {
					if size != 4 || (fields[1] != "float" && fields[1] != "float32") {
						return formatErrorf(r.path, "property %s must be float32", name)
					}
					r.offsets[i] = offset
					found[name] = i
				}
			}
			offset += size
		case "end_header":
			if !sawFormat {
				return formatErrorf(r.path, "missing format line")
			}
			for _, name := range splatProperties {
				if _, ok := found[name]; !ok {
					return formatErrorf(r.path, "missing property %s", name)
				}
			}
			r.stride = offset
			r.dataOffset = pos
			return nil
		default:
			return formatErrorf(r.path, "unexpected header line %q", line)
		}
	}
}

var propertySizes = map[string]int{
	"char": 1, "int8": 1, "uchar": 1, "uint8": 1,
	"short": 2, "int16": 2, "ushort": 2, "uint16": 2,
	"int": 4, "int32": 4, "uint": 4, "uint32": 4,
	"float": 4, "float32": 4,
	"double": 8, "float64": 8,
}

// Path returns the file path the reader was opened from.
func (r *Reader) Path() string { return r.path }

// NumSplats returns the number of vertex records in the file.
func (r *Reader) NumSplats() uint64 { return r.count }

// RecordSize returns the stride of one vertex record in bytes.
func (r *Reader) RecordSize() int { return r.stride }

// ReadRaw copies count raw vertex records starting at start into buf.
func (r *Reader) ReadRaw(start, count uint64, buf []byte) error {
	if start+count > r.count {
		return errors.Errorf("%s: read of splats [%d, %d) out of range (%d total)",
			r.path, start, start+count, r.count)
	}
	need := int(count) * r.stride
	_, err := r.file.ReadAt(buf[:need], r.dataOffset+int64(start)*int64(r.stride))
	return errors.Wrapf(err, "reading %s", r.path)
}

// DecodeRecord decodes one raw vertex record.
func (r *Reader) DecodeRecord(rec []byte) Splat {
	get := func(i int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[r.offsets[i]:])))
	}
	return Splat{
		Position: r3Vec(get(0), get(1), get(2)),
		Normal:   r3Vec(get(3), get(4), get(5)),
		Radius:   get(6),
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }

// FileSet is a Set backed by a list of opened splat files, one scan per
// file.
type FileSet struct {
	files []*Reader
}

// OpenFileSet opens all the given splat files.
func OpenFileSet(paths []string, logger golog.Logger) (*FileSet, error) {
	fs := &FileSet{}
	for _, p := range paths {
		r, err := Open(p)
		if err != nil {
			return nil, multierr.Combine(err, fs.Close())
		}
		logger.Debugf("opened %s: %d splats, %d bytes/record", p, r.NumSplats(), r.RecordSize())
		fs.AddFile(r)
	}
	return fs, nil
}

// AddFile appends a reader as the next scan.
func (fs *FileSet) AddFile(r *Reader) { fs.files = append(fs.files, r) }

func (fs *FileSet) NumScans() int { return len(fs.files) }

func (fs *FileSet) NumSplats(scan uint32) uint64 { return fs.files[scan].NumSplats() }

func (fs *FileSet) RecordSize(scan uint32) int { return fs.files[scan].RecordSize() }

func (fs *FileSet) ReadRaw(scan uint32, start, count uint64, buf []byte) error {
	return fs.files[scan].ReadRaw(start, count, buf)
}

func (fs *FileSet) DecodeRecord(scan uint32, rec []byte) Splat {
	return fs.files[scan].DecodeRecord(rec)
}

func (fs *FileSet) MaxSplats() uint64 {
	var n uint64
	for _, f := range fs.files {
		n += f.NumSplats()
	}
	return n
}

func (fs *FileSet) MakeSplatStream() Stream {
	ranges := make([]Range, 0, len(fs.files))
	for i, f := range fs.files {
		ranges = append(ranges, allRanges(uint32(i), f.NumSplats())...)
	}
	return newSourceStream(fs, ranges)
}

func (fs *FileSet) MakeBlobStream(g grid.Grid, bucketSize int64) (BlobStream, error) {
	return NewSimpleBlobStream(fs.MakeSplatStream(), g, bucketSize)
}

// Close closes all the files.
func (fs *FileSet) Close() error {
	var err error
	for _, f := range fs.files {
		err = multierr.Combine(err, f.Close())
	}
	return err
}

// allRanges covers [0, n) of one scan, splitting when n exceeds the range
// size type.
func allRanges(scan uint32, n uint64) []Range {
	var out []Range
	var start uint64
	for start < n {
		size := uint64(^uint32(0))
		if start+size > n {
			size = n - start
		}
		out = append(out, NewRange(scan, start, uint32(size)))
		start += size
	}
	return out
}
