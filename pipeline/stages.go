package pipeline

import (
	"context"

	"github.com/MohamedGNabail/mlsgpu/compute"
	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/splat"
	"github.com/MohamedGNabail/mlsgpu/worker"
)

// binItem is one bucket to load: the reader stage's work unit.
type binItem struct {
	chunkID   grid.ChunkID
	g         grid.Grid
	ranges    []splat.Range
	numSplats uint64
}

// loadChunk is one raw read handed from the reader to the loader.
type loadChunk struct {
	bin        *binState
	alloc      *worker.Allocation
	scan       uint32
	count      int
	recordSize int
}

// binState assembles the decoded splats of one bucket. Only the single
// loader worker mutates it; the copy stage consumes it whole.
type binState struct {
	chunkID  grid.ChunkID
	g        grid.Grid
	expected uint64
	received uint64
	acquired bool
	splats   []splat.Splat
}

// copyItem hands one completed bucket to the copy stage.
type copyItem struct {
	bin *binState
}

// buildStages constructs the worker groups and their item pools.
func (p *Pipeline) buildStages(ctx context.Context, devices []compute.Device) error {
	mesher, err := p.newMesherGroup()
	if err != nil {
		return err
	}
	p.mesherGroup = mesher

	for _, dev := range devices {
		dg, err := p.newDeviceGroup(ctx, dev)
		if err != nil {
			return err
		}
		p.devices = append(p.devices, dg)
	}

	p.copyState = newCopyState(p)
	copyItems := make([]*copyItem, 4)
	for i := range copyItems {
		copyItems[i] = &copyItem{}
	}
	p.copyGroup = worker.NewGroup("copy", p.logger, copyItems, 4,
		func(item *copyItem) error { return p.copyState.process(item) },
		func(item *copyItem) {
			if item.bin != nil {
				// Drained without processing; give back the host budget.
				p.releaseBin(item.bin)
				item.bin = nil
			}
		})

	loadItems := make([]*loadChunk, 8)
	for i := range loadItems {
		loadItems[i] = &loadChunk{}
	}
	p.loaderGroup = worker.NewGroup("bucket.loader", p.logger, loadItems, 8,
		func(item *loadChunk) error { return p.loadChunk(ctx, item) },
		func(item *loadChunk) {
			if item.alloc != nil {
				p.rawBuffer.Free(item.alloc)
				item.alloc = nil
			}
			item.bin = nil
		})

	binItems := make([]*binItem, 4)
	for i := range binItems {
		binItems[i] = &binItem{}
	}
	p.readerGroup = worker.NewGroup("reader", p.logger, binItems, 4,
		func(item *binItem) error { return p.readBin(ctx, item) },
		nil)

	p.mesherGroup.Start(1)
	for _, d := range p.devices {
		d.group.Start(p.cfg.DeviceWorkers)
	}
	p.copyGroup.Start(1)
	p.loaderGroup.Start(1)
	p.readerGroup.Start(p.cfg.ReaderWorkers)
	return nil
}

// releaseBin returns a bucket's splats to the host budget.
func (p *Pipeline) releaseBin(bin *binState) {
	if bin.acquired {
		p.hostSplats.Release(int64(bin.expected))
		bin.acquired = false
	}
	bin.splats = nil
}

// readBin streams the raw records of one bucket into the byte arena,
// splitting large ranges so no single read exceeds MaxLoadSplats.
func (p *Pipeline) readBin(ctx context.Context, item *binItem) error {
	bin := &binState{chunkID: item.chunkID, g: item.g, expected: item.numSplats}
	p.registry.Counter("reader.buckets").Add(1)
	p.registry.Variable("reader.splats").Add(float64(item.numSplats))

	for _, r := range item.ranges {
		start := r.Start
		remain := uint64(r.Size)
		for remain > 0 {
			count := remain
			if count > uint64(p.cfg.MaxLoadSplats) {
				count = uint64(p.cfg.MaxLoadSplats)
			}
			recordSize := p.set.RecordSize(r.Scan)
			alloc, err := p.rawBuffer.Allocate(int(count) * recordSize)
			if err != nil {
				return err
			}
			if err := p.set.ReadRaw(r.Scan, start, count, alloc.Bytes); err != nil {
				p.rawBuffer.Free(alloc)
				return err
			}
			chunk, err := p.loaderGroup.Get(ctx)
			if err != nil {
				p.rawBuffer.Free(alloc)
				return err
			}
			chunk.bin = bin
			chunk.alloc = alloc
			chunk.scan = r.Scan
			chunk.count = int(count)
			chunk.recordSize = recordSize
			p.loaderGroup.Push(chunk)
			start += count
			remain -= count
		}
	}
	return nil
}

// loadChunk decodes one raw read into its bucket, dropping non-finite
// splats, and hands the bucket on once complete.
func (p *Pipeline) loadChunk(ctx context.Context, item *loadChunk) error {
	bin := item.bin
	if !bin.acquired {
		if err := p.hostSplats.Acquire(ctx, int64(bin.expected)); err != nil {
			return err
		}
		bin.acquired = true
		bin.splats = make([]splat.Splat, 0, bin.expected)
	}
	for i := 0; i < item.count; i++ {
		s := p.set.DecodeRecord(item.scan, item.alloc.Bytes[i*item.recordSize:])
		if !s.IsFinite() {
			p.registry.Counter("loader.nonfinite").Add(1)
			continue
		}
		bin.splats = append(bin.splats, s)
	}
	p.rawBuffer.Free(item.alloc)
	item.alloc = nil
	bin.received += uint64(item.count)
	item.bin = nil

	if bin.received == bin.expected {
		ci, err := p.copyGroup.Get(ctx)
		if err != nil {
			p.releaseBin(bin)
			return err
		}
		ci.bin = bin
		p.copyGroup.Push(ci)
	}
	return nil
}
