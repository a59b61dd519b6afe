package splat

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

// writePLY writes a minimal binary little-endian splat PLY for tests.
func writePLY(t *testing.T, path string, splats []Splat) {
	t.Helper()
	header := fmt.Sprintf("ply\nformat binary_little_endian 1.0\n"+
		"comment test fixture\n"+
		"element vertex %d\n"+
		"property float x\nproperty float y\nproperty float z\n"+
		"property float nx\nproperty float ny\nproperty float nz\n"+
		"property float radius\n"+
		"end_header\n", len(splats))
	buf := []byte(header)
	for _, s := range splats {
		var rec [WireSize]byte
		s.Encode(rec[:])
		buf = append(buf, rec[:]...)
	}
	test.That(t, os.WriteFile(path, buf, 0o600), test.ShouldBeNil)
}

func TestReaderBasic(t *testing.T) {
	logger := golog.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "splats.ply")
	splats := []Splat{
		{Position: r3.Vector{X: 1, Y: 2, Z: 3}, Normal: r3.Vector{Z: 1}, Radius: 0.5},
		{Position: r3.Vector{X: -1, Y: 0, Z: 2}, Normal: r3.Vector{X: 1}, Radius: 1.5},
	}
	writePLY(t, path, splats)

	fs, err := OpenFileSet([]string{path}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, fs.Close(), test.ShouldBeNil) }()

	test.That(t, fs.NumScans(), test.ShouldEqual, 1)
	test.That(t, fs.NumSplats(0), test.ShouldEqual, 2)
	test.That(t, fs.RecordSize(0), test.ShouldEqual, WireSize)

	out := make([]Splat, 2)
	test.That(t, ReadSplats(fs, 0, 0, out), test.ShouldBeNil)
	test.That(t, out[0], test.ShouldResemble, splats[0])
	test.That(t, out[1], test.ShouldResemble, splats[1])
}

func TestReaderExtraProperties(t *testing.T) {
	// Properties the reconstruction does not use are skipped via the record
	// stride.
	path := filepath.Join(t.TempDir(), "extra.ply")
	header := "ply\nformat binary_little_endian 1.0\n" +
		"element vertex 1\n" +
		"property uchar red\n" +
		"property float x\nproperty float y\nproperty float z\n" +
		"property float nx\nproperty float ny\nproperty float nz\n" +
		"property float radius\n" +
		"end_header\n"
	rec := make([]byte, 1+WireSize)
	rec[0] = 0xff
	s := Splat{Position: r3.Vector{X: 4}, Normal: r3.Vector{Z: 1}, Radius: 2}
	s.Encode(rec[1:])
	test.That(t, os.WriteFile(path, append([]byte(header), rec...), 0o600), test.ShouldBeNil)

	r, err := Open(path)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, r.Close(), test.ShouldBeNil) }()
	test.That(t, r.RecordSize(), test.ShouldEqual, WireSize+1)

	raw := make([]byte, r.RecordSize())
	test.That(t, r.ReadRaw(0, 1, raw), test.ShouldBeNil)
	test.That(t, r.DecodeRecord(raw), test.ShouldResemble, s)
}

func TestReaderFormatErrors(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		name   string
		header string
	}{
		{"notply", "plyx\nend_header\n"},
		{"ascii", "ply\nformat ascii 1.0\nelement vertex 0\nend_header\n"},
		{"missing", "ply\nformat binary_little_endian 1.0\nelement vertex 0\n" +
			"property float x\nproperty float y\nproperty float z\nend_header\n"},
		{"list", "ply\nformat binary_little_endian 1.0\nelement vertex 0\n" +
			"property list uchar int vertex_indices\nend_header\n"},
		{"doubleradius", "ply\nformat binary_little_endian 1.0\nelement vertex 0\n" +
			"property float x\nproperty float y\nproperty float z\n" +
			"property float nx\nproperty float ny\nproperty float nz\n" +
			"property double radius\nend_header\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".ply")
			test.That(t, os.WriteFile(path, []byte(tc.header), 0o600), test.ShouldBeNil)
			_, err := Open(path)
			test.That(t, err, test.ShouldNotBeNil)
			var fe *FormatError
			test.That(t, errors.As(err, &fe), test.ShouldBeTrue)
		})
	}
}

func TestFileSetNonFinite(t *testing.T) {
	logger := golog.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "nan.ply")
	splats := []Splat{
		{Position: r3.Vector{X: 1}, Normal: r3.Vector{Z: 1}, Radius: 1},
		{Position: r3.Vector{X: math.Inf(1)}, Normal: r3.Vector{Z: 1}, Radius: 1},
	}
	writePLY(t, path, splats)

	fs, err := OpenFileSet([]string{path}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, fs.Close(), test.ShouldBeNil) }()

	stream := fs.MakeSplatStream()
	out := make([]Splat, 4)
	n, err := stream.Read(out, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)
	test.That(t, stream.NonFinite(), test.ShouldEqual, 1)
}
