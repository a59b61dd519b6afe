// Package mesh defines the triangle blocks produced by device workers and
// the sinks that assemble them into output files.
package mesh

import (
	"sort"

	"github.com/golang/geo/r3"

	"github.com/MohamedGNabail/mlsgpu/grid"
)

// Block is a batch of triangles for one output chunk. Vertices reference
// the block's own vertex array; blocks from different workers are
// independent.
type Block struct {
	ChunkID   grid.ChunkID
	Vertices  []r3.Vector
	Triangles [][3]int32
}

// Empty reports whether the block carries no triangles.
func (b *Block) Empty() bool { return len(b.Triangles) == 0 }

// Writer accepts mesh blocks. Implementations state their own concurrency
// requirements; the pipeline guarantees at most one concurrent Append per
// chunk id.
type Writer interface {
	Append(b *Block) error
}

// Sink is a writer with a final assembly step. Close writes the
// accumulated output; it is not called when the pipeline fails.
type Sink interface {
	Writer
	Close() error
}

// TransformWriter scales and offsets block vertices before forwarding,
// converting device-local cell coordinates to world space. It is the
// front-end of every device worker's filter chain.
type TransformWriter struct {
	Scale float64
	Bias  r3.Vector
	Next  Writer
}

func (w *TransformWriter) Append(b *Block) error {
	for i := range b.Vertices {
		b.Vertices[i] = b.Vertices[i].Mul(w.Scale).Add(w.Bias)
	}
	return w.Next.Append(b)
}

// Collector gathers blocks in memory, merging them per chunk.
type Collector struct {
	chunks map[uint32]*Block
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{chunks: make(map[uint32]*Block)}
}

// Append merges the block into the chunk accumulator, rebasing triangle
// indices.
func (c *Collector) Append(b *Block) error {
	acc, ok := c.chunks[b.ChunkID.Gen]
	if !ok {
		acc = &Block{ChunkID: b.ChunkID}
		c.chunks[b.ChunkID.Gen] = acc
	}
	base := int32(len(acc.Vertices))
	acc.Vertices = append(acc.Vertices, b.Vertices...)
	for _, tri := range b.Triangles {
		acc.Triangles = append(acc.Triangles, [3]int32{tri[0] + base, tri[1] + base, tri[2] + base})
	}
	return nil
}

// Chunks returns the accumulated blocks ordered by generation number.
func (c *Collector) Chunks() []*Block {
	out := make([]*Block, 0, len(c.chunks))
	for _, b := range c.chunks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID.Less(out[j].ChunkID) })
	return out
}
