// Package grid defines the uniform reconstruction lattice that all spatial
// arithmetic in the pipeline is carried out against.
package grid

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Grid is a uniform axis-aligned lattice. Vertices sit at
// reference + spacing*(lo..hi) per axis; cells are the unit cubes between
// adjacent vertices. Grids are cheap value types and are passed by copy.
type Grid struct {
	reference r3.Vector
	spacing   float64
	lo, hi    [3]int64
}

// New creates a grid from a reference point, vertex spacing and lower /
// upper extents per axis: cells span [lo, hi), vertices lo..hi inclusive.
func New(reference r3.Vector, spacing float64, lo, hi [3]int64) Grid {
	if spacing <= 0 {
		panic(fmt.Sprintf("grid spacing must be positive, got %v", spacing))
	}
	for i := 0; i < 3; i++ {
		if lo[i] >= hi[i] {
			panic(fmt.Sprintf("grid extent %d is empty: [%d, %d)", i, lo[i], hi[i]))
		}
	}
	return Grid{reference: reference, spacing: spacing, lo: lo, hi: hi}
}

// Reference returns the world-space point corresponding to vertex (0,0,0).
func (g Grid) Reference() r3.Vector { return g.reference }

// Spacing returns the distance between adjacent vertices.
func (g Grid) Spacing() float64 { return g.spacing }

// Extent returns the [lo, hi) cell extent along the given axis; hi is also
// the index of the last vertex.
func (g Grid) Extent(axis int) (int64, int64) { return g.lo[axis], g.hi[axis] }

// NumVertices returns the number of vertices along the given axis.
func (g Grid) NumVertices(axis int) int64 { return g.hi[axis] - g.lo[axis] + 1 }

// NumCells returns the number of cells along the given axis.
func (g Grid) NumCells(axis int) int64 { return g.hi[axis] - g.lo[axis] }

// NumCellsVec returns the cell counts of all three axes.
func (g Grid) NumCellsVec() [3]int64 {
	return [3]int64{g.NumCells(0), g.NumCells(1), g.NumCells(2)}
}

// TotalCells returns the product of the per-axis cell counts.
func (g Grid) TotalCells() int64 {
	return g.NumCells(0) * g.NumCells(1) * g.NumCells(2)
}

// Vertex returns the world position of the vertex with the given local
// coordinates (relative to the lower extents).
func (g Grid) Vertex(x, y, z int64) r3.Vector {
	return r3.Vector{
		X: g.reference.X + g.spacing*float64(g.lo[0]+x),
		Y: g.reference.Y + g.spacing*float64(g.lo[1]+y),
		Z: g.reference.Z + g.spacing*float64(g.lo[2]+z),
	}
}

// WorldToVertex converts a world position to continuous vertex coordinates,
// relative to the lower extents.
func (g Grid) WorldToVertex(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: (p.X-g.reference.X)/g.spacing - float64(g.lo[0]),
		Y: (p.Y-g.reference.Y)/g.spacing - float64(g.lo[1]),
		Z: (p.Z-g.reference.Z)/g.spacing - float64(g.lo[2]),
	}
}

// WorldToCell converts a world position to the coordinates of the cell that
// contains it, in absolute (extent) units.
func (g Grid) WorldToCell(p r3.Vector) [3]int64 {
	v := g.WorldToVertex(p)
	return [3]int64{
		g.lo[0] + floorInt64(v.X),
		g.lo[1] + floorInt64(v.Y),
		g.lo[2] + floorInt64(v.Z),
	}
}

// SubGrid returns the grid covering cells [lo, hi) of this grid, in local
// cell coordinates. The subgrid inherits spacing and reference.
func (g Grid) SubGrid(lo, hi [3]int64) Grid {
	var nlo, nhi [3]int64
	for i := 0; i < 3; i++ {
		if lo[i] < 0 || hi[i] <= lo[i] || hi[i] > g.NumCells(i) {
			panic(fmt.Sprintf("subgrid extent %d out of range: [%d, %d) of %d cells",
				i, lo[i], hi[i], g.NumCells(i)))
		}
		nlo[i] = g.lo[i] + lo[i]
		nhi[i] = g.lo[i] + hi[i]
	}
	return Grid{reference: g.reference, spacing: g.spacing, lo: nlo, hi: nhi}
}

func floorInt64(v float64) int64 {
	i := int64(v)
	if float64(i) > v {
		i--
	}
	return i
}
