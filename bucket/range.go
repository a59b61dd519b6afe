package bucket

import "github.com/MohamedGNabail/mlsgpu/splat"

// RangeCounter tracks how many coalesced ranges and how many splats a cell
// would receive, without storing the ranges.
type RangeCounter struct {
	ranges  uint64
	splats  uint64
	current splat.Range
}

// Append accounts a run of count consecutive splats.
func (c *RangeCounter) Append(scan uint32, index, count uint64) {
	if count == 0 {
		return
	}
	c.splats += count
	if c.ranges == 0 || !c.current.AppendRun(scan, index, count) {
		c.current = splat.NewRange(scan, index, 0)
		if !c.current.AppendRun(scan, index, count) {
			// A run too large for one range costs several.
			for count > 0 {
				chunk := count
				if max := uint64(^uint32(0)); chunk > max {
					chunk = max
				}
				c.current = splat.NewRange(scan, index, uint32(chunk))
				c.ranges++
				index += chunk
				count -= chunk
			}
			return
		}
		c.ranges++
	}
}

// Ranges returns the number of coalesced ranges counted so far.
func (c *RangeCounter) Ranges() uint64 { return c.ranges }

// Splats returns the number of splats counted so far.
func (c *RangeCounter) Splats() uint64 { return c.splats }

// RangeCollector writes coalesced ranges into a pre-sized slice. Flush must
// be called after the final append.
type RangeCollector struct {
	out     []splat.Range
	pos     int
	current splat.Range
}

// NewRangeCollector writes into out starting at its beginning.
func NewRangeCollector(out []splat.Range) *RangeCollector {
	return &RangeCollector{out: out}
}

// Append adds a run of count consecutive splats, extending the current
// range when contiguous.
func (c *RangeCollector) Append(scan uint32, index, count uint64) {
	for count > 0 {
		if c.current.AppendRun(scan, index, count) {
			return
		}
		if c.current.Size > 0 {
			c.out[c.pos] = c.current
			c.pos++
			c.current = splat.Range{}
			continue
		}
		// An empty range rejects only runs beyond the size type; split.
		chunk := uint64(^uint32(0))
		c.current = splat.NewRange(scan, index, uint32(chunk))
		index += chunk
		count -= chunk
	}
}

// Flush writes out the trailing range, if any.
func (c *RangeCollector) Flush() {
	if c.current.Size > 0 {
		c.out[c.pos] = c.current
		c.pos++
		c.current = splat.Range{}
	}
}

// Written returns the number of ranges written so far.
func (c *RangeCollector) Written() int { return c.pos }
