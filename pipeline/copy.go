package pipeline

import (
	"github.com/pkg/errors"

	"github.com/MohamedGNabail/mlsgpu/splat"
)

// copyState is the single copy worker's staging area: a pinned host buffer
// batching buckets into one device transfer.
type copyState struct {
	p       *Pipeline
	pinned  []splat.Splat
	pending []subItem
}

func newCopyState(p *Pipeline) *copyState {
	return &copyState{p: p, pinned: make([]splat.Splat, 0, p.cfg.MaxBucketSplats)}
}

// process stages one bucket into the pinned buffer, flushing first when it
// would overflow.
func (c *copyState) process(item *copyItem) error {
	bin := item.bin
	item.bin = nil
	p := c.p

	if len(c.pinned)+len(bin.splats) > cap(c.pinned) {
		if err := c.flush(); err != nil {
			p.releaseBin(bin)
			return err
		}
	}

	// Progress accounts each splat to the bucket whose half-open cell box
	// contains its position, so the total over all sub-items matches the
	// splats inside the global grid.
	var progressSplats uint64
	for _, s := range bin.splats {
		v := bin.g.WorldToVertex(s.Position)
		if v.X >= 0 && v.X < float64(bin.g.NumCells(0)) &&
			v.Y >= 0 && v.Y < float64(bin.g.NumCells(1)) &&
			v.Z >= 0 && v.Z < float64(bin.g.NumCells(2)) {
			progressSplats++
		}
	}

	first := len(c.pinned)
	c.pinned = append(c.pinned, bin.splats...)
	c.pending = append(c.pending, subItem{
		chunkID:        bin.chunkID,
		g:              bin.g,
		first:          first,
		numSplats:      len(bin.splats),
		progressSplats: progressSplats,
	})
	p.registry.Variable("copy.splats").Add(float64(len(bin.splats)))
	p.releaseBin(bin)
	return nil
}

// flush dispatches the staged batch to the device likeliest to run dry:
// among devices with a free work item, the one with the largest
// unallocated splat budget. With no free slot anywhere it waits on the
// shared condition until a device returns an item.
func (c *copyState) flush() error {
	if len(c.pending) == 0 {
		return nil
	}
	p := c.p

	p.popMu.Lock()
	var outGroup *deviceGroup
	for {
		for _, d := range p.devices {
			if err := d.group.Err(); err != nil {
				p.popMu.Unlock()
				return errors.Wrapf(err, "device %s failed", d.dev.Name())
			}
		}
		best := uint64(0)
		outGroup = nil
		for _, d := range p.devices {
			if d.group.CanGetLocked() {
				if u := d.unallocatedLoad(); u >= best {
					best = u
					outGroup = d
				}
			}
		}
		if outGroup != nil {
			break
		}
		p.popCond.Wait()
	}
	item := outGroup.group.TryGetLocked()
	p.popMu.Unlock()
	if item == nil {
		return errors.New("device item pool drained unexpectedly")
	}

	outGroup.charge(uint64(len(c.pinned)))
	item.subItems = append(item.subItems[:0], c.pending...)

	event, err := outGroup.dev.CopySplats(item.buf, c.pinned)
	if err != nil {
		return errors.Wrapf(err, "copying %d splats to %s", len(c.pinned), outGroup.dev.Name())
	}
	item.copyEvent = event
	outGroup.group.Push(item)

	// Waiting here (after the push) overlaps the transfer with the queue
	// hand-off while keeping the pinned buffer safe to refill.
	if err := event.Wait(); err != nil {
		return errors.Wrapf(err, "copy to %s failed", outGroup.dev.Name())
	}
	p.registry.Counter("copy.flushes").Add(1)

	c.pinned = c.pinned[:0]
	c.pending = c.pending[:0]
	return nil
}
