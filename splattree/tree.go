package splattree

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/splat"
)

// Tree indexes the splats of one bucket by the cells their influence
// regions cover. Commands is a traversal program: a start offset leads to a
// run of splat ids ended by a sentinel that either terminates (-1) or jumps
// to the run of the parent cell (-2 - offset). Start is a dense 3-D array
// of per-cell start offsets, -1 where no splats apply.
type Tree struct {
	NumLevels  int
	Commands   []int32
	Start      []int32
	Dims       [3]int64
	RowPitch   int
	SlicePitch int
}

// entry is transient construction state: one (level, code) cell covered by
// a splat.
type entry struct {
	level   uint32
	code    uint64
	splatID int32
}

// Build constructs the tree for the splats of one bucket over the bucket's
// grid. Influence boxes are clamped to the grid; splats entirely outside
// contribute no entries.
func Build(splats []splat.Splat, g grid.Grid) (*Tree, error) {
	if len(splats) >= math.MaxInt32/16 {
		return nil, errors.Errorf("too many splats for one tree: %d", len(splats))
	}

	var dims [3]int64
	size := int64(0)
	for i := 0; i < 3; i++ {
		dims[i] = g.NumVertices(i)
		if dims[i] > size {
			size = dims[i]
		}
	}
	maxLevel := uint(0)
	for int64(1)<<maxLevel < size {
		maxLevel++
	}
	numLevels := int(maxLevel) + 1

	entries := make([]entry, 0, 8*len(splats))
	for splatID, s := range splats {
		vlo := g.WorldToVertex(s.Position.Sub(vecAll(s.Radius)))
		vhi := g.WorldToVertex(s.Position.Add(vecAll(s.Radius)))
		lov := [3]float64{vlo.X, vlo.Y, vlo.Z}
		hiv := [3]float64{vhi.X, vhi.Y, vhi.Z}

		var ilo, ihi [3]int64
		shift := uint(0)
		outside := false
		for i := 0; i < 3; i++ {
			ilo[i] = ceilI64(lov[i])
			ihi[i] = floorI64(hiv[i])
			if ilo[i] < 0 {
				ilo[i] = 0
			}
			if ihi[i] >= dims[i] {
				ihi[i] = dims[i] - 1
			}
			if ilo[i] > ihi[i] {
				outside = true
				break
			}
			for (ihi[i]>>shift)-(ilo[i]>>shift) > 1 {
				shift++
			}
		}
		if outside {
			continue
		}
		level := uint32(maxLevel - uint(shift))
		for i := 0; i < 3; i++ {
			ilo[i] >>= shift
			ihi[i] >>= shift
		}
		for z := ilo[2]; z <= ihi[2]; z++ {
			for y := ilo[1]; y <= ihi[1]; y++ {
				for x := ilo[0]; x <= ihi[0]; x++ {
					entries = append(entries, entry{
						level:   level,
						code:    MakeCode(uint32(x), uint32(y), uint32(z)),
						splatID: int32(splatID),
					})
				}
			}
		}
	}

	// The start array is computed by walking codes in decreasing order, so
	// a parent's slot is read before the current level overwrites it.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].level != entries[j].level {
			return entries[i].level < entries[j].level
		}
		return entries[i].code > entries[j].code
	})

	numCommands := len(entries)
	for i := 1; i < len(entries); i++ {
		if entries[i].level != entries[i-1].level || entries[i].code != entries[i-1].code {
			numCommands++
		}
	}
	if len(entries) > 0 {
		numCommands++
	}

	commands := make([]int32, 0, numCommands)
	start := make([]int32, uint64(1)<<(3*maxLevel))
	for i := range start {
		start[i] = -1
	}

	p := 0
	for level := uint32(0); level < uint32(numLevels); level++ {
		levelCodes := uint64(1) << (3 * uint(level))
		for code := levelCodes; code > 0; code-- {
			c := code - 1
			q := p
			for q < len(entries) && entries[q].level == level && entries[q].code == c {
				q++
			}
			up := start[c>>3]
			first := up
			if p < q {
				first = int32(len(commands))
				for ; p < q; p++ {
					commands = append(commands, entries[p].splatID)
				}
				if up == -1 {
					commands = append(commands, -1)
				} else {
					commands = append(commands, -2-up)
				}
			}
			start[c] = first
		}
	}

	tree := &Tree{
		NumLevels:  numLevels,
		Commands:   commands,
		Dims:       dims,
		RowPitch:   int(dims[0]),
		SlicePitch: int(dims[0] * dims[1]),
	}
	tree.Start = make([]int32, dims[0]*dims[1]*dims[2])
	for z := int64(0); z < dims[2]; z++ {
		for y := int64(0); y < dims[1]; y++ {
			for x := int64(0); x < dims[0]; x++ {
				tree.Start[z*int64(tree.SlicePitch)+y*int64(tree.RowPitch)+x] =
					start[MakeCode(uint32(x), uint32(y), uint32(z))]
			}
		}
	}
	return tree, nil
}

// Lookup returns the command start offset for the given vertex coordinates,
// or -1 when no splats influence them (including out of range).
func (t *Tree) Lookup(x, y, z int64) int32 {
	if x < 0 || y < 0 || z < 0 || x >= t.Dims[0] || y >= t.Dims[1] || z >= t.Dims[2] {
		return -1
	}
	return t.Start[z*int64(t.SlicePitch)+y*int64(t.RowPitch)+x]
}

// ForEachSplat walks the traversal program from the given coordinates,
// calling f with every splat id whose influence box covers them, finest
// level first.
func (t *Tree) ForEachSplat(x, y, z int64, f func(id int32)) {
	pos := t.Lookup(x, y, z)
	for pos >= 0 {
		c := t.Commands[pos]
		switch {
		case c == -1:
			return
		case c <= -2:
			pos = -2 - c
		default:
			f(c)
			pos++
		}
	}
}

func vecAll(v float64) r3.Vector { return r3.Vector{X: v, Y: v, Z: v} }

func ceilI64(v float64) int64 { return int64(math.Ceil(v)) }

func floorI64(v float64) int64 { return int64(math.Floor(v)) }
