package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// PLYSink accumulates mesh blocks and writes them out as binary
// little-endian PLY on Close, re-serialised by chunk generation. With Split
// set, each chunk becomes its own file named by its chunk coordinates;
// otherwise all chunks merge into a single file.
type PLYSink struct {
	path      string
	split     bool
	logger    golog.Logger
	collector *Collector
}

// NewPLYSink creates a sink writing to path (a file name, or a pattern
// base when splitting).
func NewPLYSink(path string, split bool, logger golog.Logger) *PLYSink {
	return &PLYSink{path: path, split: split, logger: logger, collector: NewCollector()}
}

// Append adds a block. It is called only from the single mesher worker.
func (s *PLYSink) Append(b *Block) error {
	if b.Empty() {
		return nil
	}
	return s.collector.Append(b)
}

// Close writes the accumulated chunks in generation order.
func (s *PLYSink) Close() error {
	chunks := s.collector.Chunks()
	if !s.split {
		merged := &Block{}
		for _, c := range chunks {
			base := int32(len(merged.Vertices))
			merged.Vertices = append(merged.Vertices, c.Vertices...)
			for _, tri := range c.Triangles {
				merged.Triangles = append(merged.Triangles,
					[3]int32{tri[0] + base, tri[1] + base, tri[2] + base})
			}
		}
		s.logger.Infow("writing mesh", "path", s.path,
			"vertices", len(merged.Vertices), "triangles", len(merged.Triangles))
		return writePLY(s.path, merged)
	}
	for _, c := range chunks {
		path := chunkPath(s.path, c.ChunkID.String())
		s.logger.Infow("writing mesh chunk", "path", path, "gen", c.ChunkID.Gen,
			"vertices", len(c.Vertices), "triangles", len(c.Triangles))
		if err := writePLY(path, c); err != nil {
			return err
		}
	}
	return nil
}

func chunkPath(base, chunk string) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if ext == "" {
		ext = ".ply"
	}
	return fmt.Sprintf("%s_%s%s", stem, chunk, ext)
}

func writePLY(path string, b *Block) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer func() { err = multierr.Combine(err, f.Close()) }()

	w := bufio.NewWriterSize(f, 1<<20)
	fmt.Fprintf(w, "ply\nformat binary_little_endian 1.0\n")
	fmt.Fprintf(w, "element vertex %d\n", len(b.Vertices))
	fmt.Fprintf(w, "property float x\nproperty float y\nproperty float z\n")
	fmt.Fprintf(w, "element face %d\n", len(b.Triangles))
	fmt.Fprintf(w, "property list uchar int vertex_indices\n")
	fmt.Fprintf(w, "end_header\n")

	var rec [12]byte
	for _, v := range b.Vertices {
		binary.LittleEndian.PutUint32(rec[0:], math.Float32bits(float32(v.X)))
		binary.LittleEndian.PutUint32(rec[4:], math.Float32bits(float32(v.Y)))
		binary.LittleEndian.PutUint32(rec[8:], math.Float32bits(float32(v.Z)))
		if _, err := w.Write(rec[:]); err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
	}
	var face [13]byte
	face[0] = 3
	for _, tri := range b.Triangles {
		binary.LittleEndian.PutUint32(face[1:], uint32(tri[0]))
		binary.LittleEndian.PutUint32(face[5:], uint32(tri[1]))
		binary.LittleEndian.PutUint32(face[9:], uint32(tri[2]))
		if _, err := w.Write(face[:]); err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
	}
	return errors.Wrapf(w.Flush(), "writing %s", path)
}
