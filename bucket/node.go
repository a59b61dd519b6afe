// Package bucket subdivides a grid and the splats it contains into buckets
// small enough to reconstruct on one device, without materialising the
// splats. The subdivision is a recursive octree over microblocks, driven by
// blob streams so each level costs two streaming passes.
package bucket

import (
	"fmt"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/utils"
)

// Node is a cube of 2^level microblocks at coords scaled by its own size.
// It is an immutable value.
type Node struct {
	coords [3]int64
	level  int
}

// NewNode creates a node from coordinates in units of its own size.
func NewNode(x, y, z int64, level int) Node {
	return Node{coords: [3]int64{x, y, z}, level: level}
}

// Level returns the octree level, zero being a microblock.
func (n Node) Level() int { return n.level }

// Size returns the side length in microblocks.
func (n Node) Size() int64 { return int64(1) << uint(n.level) }

// Coords returns the node coordinates in units of its own size.
func (n Node) Coords() [3]int64 { return n.coords }

// ToMicro returns the microblock range covered by the node; upper is
// exclusive.
func (n Node) ToMicro() (lower, upper [3]int64) {
	size := n.Size()
	for i := 0; i < 3; i++ {
		lower[i] = n.coords[i] * size
		upper[i] = lower[i] + size
	}
	return lower, upper
}

// ToCells returns the cell range covered by the node given the microblock
// size in cells, clamped to the grid when g is non-nil.
func (n Node) ToCells(microSize int64, g *grid.Grid) (lower, upper [3]int64) {
	lower, upper = n.ToMicro()
	for i := 0; i < 3; i++ {
		lower[i] = utils.MulSat(lower[i], microSize)
		upper[i] = utils.MulSat(upper[i], microSize)
		if g != nil {
			lower[i] = utils.MinInt64(lower[i], g.NumCells(i))
			upper[i] = utils.MinInt64(upper[i], g.NumCells(i))
		}
	}
	return lower, upper
}

// Child returns the octant idx of the node at the next finer level. The
// index bits are (x, y, z) from least significant.
func (n Node) Child(idx int) Node {
	if n.level <= 0 || idx < 0 || idx >= 8 {
		panic(fmt.Sprintf("invalid child %d of node at level %d", idx, n.level))
	}
	return Node{
		coords: [3]int64{
			n.coords[0]*2 + int64(idx&1),
			n.coords[1]*2 + int64(idx>>1&1),
			n.coords[2]*2 + int64(idx>>2&1),
		},
		level: n.level - 1,
	}
}

// ForEachNode visits the virtual octree with the given number of levels
// top-down from the single root. Nodes entirely outside [0, dims) in
// microblocks are skipped. The visitor's return value decides whether the
// children are visited; traversal is deterministic in Morton child order.
func ForEachNode(dims [3]int64, levels int, f func(Node) bool) {
	if levels < 1 || levels > 62 {
		panic(fmt.Sprintf("levels %d out of range", levels))
	}
	root := NewNode(0, 0, 0, levels-1)
	if size := root.Size(); size < dims[0] || size < dims[1] || size < dims[2] {
		panic("octree does not cover the given dimensions")
	}
	forEachNodeRec(dims, root, f)
}

func forEachNodeRec(dims [3]int64, n Node, f func(Node) bool) {
	if !f(n) || n.level == 0 {
		return
	}
	for idx := 0; idx < 8; idx++ {
		child := n.Child(idx)
		lower, _ := child.ToMicro()
		if lower[0] < dims[0] && lower[1] < dims[1] && lower[2] < dims[2] {
			forEachNodeRec(dims, child, f)
		}
	}
}
