package bucket

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/splat"
	"github.com/MohamedGNabail/mlsgpu/utils"
)

// DensityError reports that more splats cover a single region than
// maxSplats allows, so no subdivision can satisfy the limit.
type DensityError struct {
	CellSplats uint64
}

func (e *DensityError) Error() string {
	return fmt.Sprintf("too many splats covering one cell (%d)", e.CellSplats)
}

// Processor is called for every emitted bucket. The ranges delimit the
// bucket's splats in ascending id order; numSplats is their total and is
// never zero. The conservative intersection test may include splats that do
// not in fact touch the bucket.
type Processor func(numSplats uint64, ranges []splat.Range, bucketGrid grid.Grid) error

// Bucket recursively subdivides g and the splats of set into buckets with
// at most maxSplats splats and at most maxCells cells along any side, and
// calls process for each. maxSplit bounds the fan-out of a single recursion
// level. The set is streamed, never held in memory.
func Bucket(
	set splat.Set,
	g grid.Grid,
	maxSplats uint64,
	maxCells int64,
	maxSplit int64,
	process Processor,
) error {
	if maxCells <= 0 || maxSplats == 0 {
		return errors.Errorf("bucket limits must be positive (maxSplats %d, maxCells %d)", maxSplats, maxCells)
	}
	if maxSplit < 8 {
		return errors.Errorf("maxSplit must be at least 8, got %d", maxSplit)
	}
	var root []splat.Range
	for scan := 0; scan < set.NumScans(); scan++ {
		n := set.NumSplats(uint32(scan))
		var start uint64
		for start < n {
			size := uint64(^uint32(0))
			if start+size > n {
				size = n - start
			}
			root = append(root, splat.NewRange(uint32(scan), start, uint32(size)))
			start += size
		}
	}
	b := &bucketer{set: set, maxSplats: maxSplats, maxCells: maxCells, maxSplit: maxSplit, process: process}
	return b.recurse(root, set.MaxSplats(), g, true)
}

type bucketer struct {
	set       splat.Set
	maxSplats uint64
	maxCells  int64
	maxSplit  int64
	process   Processor
}

// cellState is the per-node histogram entry.
type cellState struct {
	counter RangeCounter
	blockID int
}

const badBlock = -1

// levelGrid is the histogram of one octree level, indexed by node
// coordinates.
type levelGrid struct {
	dims  [3]int64
	cells []cellState
}

func newLevelGrid(microDims [3]int64, level int) levelGrid {
	var lg levelGrid
	n := int64(1)
	for i := 0; i < 3; i++ {
		lg.dims[i] = utils.DivUp(microDims[i], int64(1)<<uint(level))
		n *= lg.dims[i]
	}
	lg.cells = make([]cellState, n)
	for i := range lg.cells {
		lg.cells[i].blockID = badBlock
	}
	return lg
}

func (lg *levelGrid) at(n Node) *cellState {
	c := n.Coords()
	return &lg.cells[(c[2]*lg.dims[1]+c[1])*lg.dims[0]+c[0]]
}

func (b *bucketer) recurse(ranges []splat.Range, numSplats uint64, g grid.Grid, isRoot bool) error {
	dims := g.NumCellsVec()
	maxDim := utils.MaxInt64(utils.MaxInt64(dims[0], dims[1]), dims[2])

	if numSplats <= b.maxSplats && maxDim <= b.maxCells {
		if numSplats == 0 {
			return nil
		}
		return b.process(numSplats, ranges, g)
	}

	// Choose the smallest power-of-two microblock size that keeps the
	// number of microblocks within maxSplit.
	microSize := int64(1)
	var microBlocks int64
	for {
		microSize *= 2
		microBlocks = 1
		for i := 0; i < 3; i++ {
			microBlocks = utils.MulSat(microBlocks, utils.DivUp(dims[i], microSize))
		}
		if microBlocks <= b.maxSplit {
			break
		}
	}
	if microBlocks == 1 {
		// A single microblock covering the whole region cannot be
		// subdivided any further.
		return &DensityError{CellSplats: numSplats}
	}

	var microDims [3]int64
	for i := 0; i < 3; i++ {
		microDims[i] = utils.DivUp(dims[i], microSize)
	}
	macroLevels := 1
	for microSize<<uint(macroLevels-1) < maxDim {
		macroLevels++
	}

	states := make([]levelGrid, macroLevels)
	for level := 0; level < macroLevels; level++ {
		states[level] = newLevelGrid(microDims, level)
	}

	// Histogram pass.
	err := b.forEachBlob(ranges, g, microSize, isRoot, func(blob splat.Blob) {
		ForEachNode(microDims, macroLevels, func(n Node) bool {
			if !nodeIntersects(n, blob) {
				return false
			}
			first := blob.First
			states[n.Level()].at(n).counter.Append(first.Scan(), first.Index(), blob.Count())
			return n.Level() > 0
		})
	})
	if err != nil {
		return err
	}

	// Pick cells: small enough and light enough, or a microblock.
	var picked []Node
	var pickedOffset []uint64
	var nextOffset uint64
	ForEachNode(microDims, macroLevels, func(n Node) bool {
		cs := states[n.Level()].at(n)
		if cs.counter.Splats() == 0 {
			return false
		}
		sizeCells := utils.MulSat(n.Size(), microSize)
		if n.Level() == 0 || (sizeCells <= b.maxCells && cs.counter.Splats() <= b.maxSplats) {
			cs.blockID = len(picked)
			picked = append(picked, n)
			pickedOffset = append(pickedOffset, nextOffset)
			nextOffset += cs.counter.Ranges()
			return false
		}
		return true
	})
	pickedOffset = append(pickedOffset, nextOffset)

	// Partition pass: route every blob's ranges into the slots of each
	// picked cell it intersects.
	childRanges := make([]splat.Range, nextOffset)
	collectors := make([]*RangeCollector, len(picked))
	for i := range picked {
		collectors[i] = NewRangeCollector(childRanges[pickedOffset[i]:pickedOffset[i+1]])
	}
	err = b.forEachBlob(ranges, g, microSize, isRoot, func(blob splat.Blob) {
		ForEachNode(microDims, macroLevels, func(n Node) bool {
			if !nodeIntersects(n, blob) {
				return false
			}
			cs := states[n.Level()].at(n)
			if cs.blockID == badBlock {
				// Too coarse; refine towards a picked descendant.
				return true
			}
			first := blob.First
			collectors[cs.blockID].Append(first.Scan(), first.Index(), blob.Count())
			return false
		})
	})
	if err != nil {
		return err
	}
	for _, c := range collectors {
		c.Flush()
	}

	// Free the histogram before recursing; only the picked cells' counts
	// are still needed.
	numPicked := len(picked)
	childSplats := make([]uint64, numPicked)
	for i, n := range picked {
		childSplats[i] = states[n.Level()].at(n).counter.Splats()
	}
	states = nil

	for i := 0; i < numPicked; i++ {
		lower, upper := picked[i].ToCells(microSize, &g)
		childGrid := g.SubGrid(lower, upper)
		sub := childRanges[pickedOffset[i]:pickedOffset[i+1]]
		if err := b.recurse(sub, childSplats[i], childGrid, false); err != nil {
			return err
		}
	}
	return nil
}

// forEachBlob streams the blobs of the current subset at the given bucket
// granularity. Only the root invocation may use the set's fast path; deeper
// levels always scan their ranges.
func (b *bucketer) forEachBlob(
	ranges []splat.Range,
	g grid.Grid,
	bucketSize int64,
	isRoot bool,
	visit func(splat.Blob),
) (err error) {
	var stream splat.BlobStream
	if isRoot {
		stream, err = b.set.MakeBlobStream(g, bucketSize)
	} else {
		stream, err = splat.NewSubset(b.set, ranges).MakeBlobStream(g, bucketSize)
	}
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, stream.Close()) }()
	for {
		blob, ok, err := stream.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		visit(blob)
	}
}

// nodeIntersects tests the node's microblock range against the blob's
// inclusive bucket box.
func nodeIntersects(n Node, blob splat.Blob) bool {
	lower, upper := n.ToMicro()
	for i := 0; i < 3; i++ {
		if int64(blob.Upper[i]) < lower[i] || int64(blob.Lower[i]) >= upper[i] {
			return false
		}
	}
	return true
}
