package bucket

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/splat"
)

func TestNodeGeometry(t *testing.T) {
	n := NewNode(1, 2, 3, 2)
	test.That(t, n.Size(), test.ShouldEqual, 4)

	lower, upper := n.ToMicro()
	test.That(t, lower, test.ShouldResemble, [3]int64{4, 8, 12})
	test.That(t, upper, test.ShouldResemble, [3]int64{8, 12, 16})

	lower, upper = n.ToCells(3, nil)
	test.That(t, lower, test.ShouldResemble, [3]int64{12, 24, 36})
	test.That(t, upper, test.ShouldResemble, [3]int64{24, 36, 48})

	g := grid.New(r3.Vector{}, 1, [3]int64{0, 0, 0}, [3]int64{40, 40, 40})
	lower, upper = n.ToCells(3, &g)
	test.That(t, upper, test.ShouldResemble, [3]int64{24, 36, 40})
}

func TestNodeChild(t *testing.T) {
	n := NewNode(1, 1, 1, 1)
	c := n.Child(0)
	test.That(t, c.Level(), test.ShouldEqual, 0)
	test.That(t, c.Coords(), test.ShouldResemble, [3]int64{2, 2, 2})
	c = n.Child(7)
	test.That(t, c.Coords(), test.ShouldResemble, [3]int64{3, 3, 3})
	c = n.Child(1)
	test.That(t, c.Coords(), test.ShouldResemble, [3]int64{3, 2, 2})
	c = n.Child(4)
	test.That(t, c.Coords(), test.ShouldResemble, [3]int64{2, 2, 3})

	test.That(t, func() { c.Child(0) }, test.ShouldPanic)
	test.That(t, func() { n.Child(8) }, test.ShouldPanic)
}

func TestForEachNodeVisitsAll(t *testing.T) {
	// A 3x2x1 microblock region in a 3-level octree: nodes outside the
	// region must be skipped, everything inside visited exactly once.
	seen := map[Node]int{}
	ForEachNode([3]int64{3, 2, 1}, 3, func(n Node) bool {
		seen[n]++
		return true
	})
	for n, count := range seen {
		test.That(t, count, test.ShouldEqual, 1)
		lower, _ := n.ToMicro()
		test.That(t, lower[0], test.ShouldBeLessThan, 3)
		test.That(t, lower[1], test.ShouldBeLessThan, 2)
		test.That(t, lower[2], test.ShouldBeLessThan, 1)
	}
	test.That(t, seen[NewNode(0, 0, 0, 2)], test.ShouldEqual, 1)
	// Level 0: 3*2*1 microblocks all inside.
	n0 := 0
	for n := range seen {
		if n.Level() == 0 {
			n0++
		}
	}
	test.That(t, n0, test.ShouldEqual, 6)
}

func TestForEachNodePruning(t *testing.T) {
	var visited []Node
	ForEachNode([3]int64{4, 4, 4}, 3, func(n Node) bool {
		visited = append(visited, n)
		return n.Level() > 1 // do not descend into microblocks
	})
	for _, n := range visited {
		test.That(t, n.Level(), test.ShouldBeGreaterThanOrEqualTo, 1)
	}
	test.That(t, len(visited), test.ShouldEqual, 9) // root + 8 at level 1
}

func TestRangeCounterAndCollector(t *testing.T) {
	var c RangeCounter
	c.Append(0, 0, 3)
	c.Append(0, 3, 2) // contiguous, same range
	c.Append(0, 9, 1) // gap, new range
	c.Append(1, 0, 4) // different scan, new range
	test.That(t, c.Ranges(), test.ShouldEqual, 3)
	test.That(t, c.Splats(), test.ShouldEqual, 10)

	// A collector fed the same appends writes exactly Ranges() ranges.
	out := make([]splat.Range, c.Ranges())
	col := NewRangeCollector(out)
	col.Append(0, 0, 3)
	col.Append(0, 3, 2)
	col.Append(0, 9, 1)
	col.Append(1, 0, 4)
	col.Flush()
	test.That(t, col.Written(), test.ShouldEqual, 3)
	test.That(t, out[0], test.ShouldResemble, splat.NewRange(0, 0, 5))
	test.That(t, out[1], test.ShouldResemble, splat.NewRange(0, 9, 1))
	test.That(t, out[2], test.ShouldResemble, splat.NewRange(1, 0, 4))
}
