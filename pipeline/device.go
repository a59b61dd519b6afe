package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/MohamedGNabail/mlsgpu/compute"
	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/mesh"
	"github.com/MohamedGNabail/mlsgpu/utils"
	"github.com/MohamedGNabail/mlsgpu/worker"
)

// subItem is one bucket's slice of a batched device transfer.
type subItem struct {
	chunkID        grid.ChunkID
	g              grid.Grid
	first          int
	numSplats      int
	progressSplats uint64
}

// deviceItem is one batched transfer: a device splat buffer plus the
// sub-items it carries and the event signalling the transfer's landing.
type deviceItem struct {
	buf       compute.SplatBuffer
	copyEvent compute.Event
	subItems  []subItem
}

// deviceGroup runs one pool of workers against one device. unallocated
// tracks the splat budget not yet committed to in-flight items; the copy
// stage reads it (under the shared pop mutex) to pick the device likeliest
// to run dry.
type deviceGroup struct {
	p       *Pipeline
	dev     compute.Device
	group   *worker.Group[deviceItem]
	extPool chan compute.SurfaceExtractor

	maxItemSplats int
	initialBudget uint64

	unallocatedMu sync.Mutex
	unallocated   uint64
}

func (p *Pipeline) newDeviceGroup(ctx context.Context, dev compute.Device) (*deviceGroup, error) {
	d := &deviceGroup{
		p:             p,
		dev:           dev,
		maxItemSplats: p.cfg.MaxBucketSplats,
	}

	numItems := p.cfg.DeviceWorkers + p.cfg.Spare
	items := make([]*deviceItem, numItems)
	for i := range items {
		buf, err := dev.NewSplatBuffer(d.maxItemSplats)
		if err != nil {
			return nil, errors.Wrapf(err, "allocating splat buffer on %s", dev.Name())
		}
		items[i] = &deviceItem{buf: buf}
	}
	d.unallocated = uint64(numItems) * uint64(d.maxItemSplats)
	d.initialBudget = d.unallocated

	// One extractor per worker; they are not thread-safe, so workers
	// borrow them from a pool for the duration of one batch.
	d.extPool = make(chan compute.SurfaceExtractor, p.cfg.DeviceWorkers)
	for i := 0; i < p.cfg.DeviceWorkers; i++ {
		ext, err := dev.NewExtractor(compute.ExtractorConfig{
			MaxSplats: d.maxItemSplats,
			MaxCells:  p.cfg.MaxCells,
			Smoothing: p.cfg.Smoothing,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "creating extractor on %s", dev.Name())
		}
		d.extPool <- ext
	}

	d.group = worker.NewGroup("device."+dev.Name(), p.logger, items, numItems,
		func(item *deviceItem) error {
			ext := <-d.extPool
			defer func() { d.extPool <- ext }()
			return d.process(ctx, ext, item)
		},
		func(item *deviceItem) {
			item.subItems = nil
			item.copyEvent = nil
		})
	d.group.SetPopSignal(&p.popMu, p.popCond)
	return d, nil
}

// charge commits splats against the unallocated budget.
func (d *deviceGroup) charge(n uint64) {
	d.unallocatedMu.Lock()
	d.unallocated -= n
	d.unallocatedMu.Unlock()
}

// credit returns completed splats to the budget.
func (d *deviceGroup) credit(n uint64) {
	d.unallocatedMu.Lock()
	d.unallocated += n
	d.unallocatedMu.Unlock()
}

func (d *deviceGroup) unallocatedLoad() uint64 {
	d.unallocatedMu.Lock()
	defer d.unallocatedMu.Unlock()
	return d.unallocated
}

// logUnallocated records the drained budget; it must equal the initial
// value once the pipeline has quiesced.
func (d *deviceGroup) logUnallocated() {
	u := d.unallocatedLoad()
	d.p.registry.Variable("device." + d.dev.Name() + ".unallocated.final").Add(float64(u))
	d.p.registry.Variable("device." + d.dev.Name() + ".unallocated.initial").Add(float64(d.initialBudget))
	if u != d.initialBudget {
		d.p.logger.Warnw("device budget did not drain", "device", d.dev.Name(),
			"unallocated", u, "initial", d.initialBudget)
	}
}

// process runs every sub-item of a batch: surface extraction into the
// mesher, progress accounting, and budget return.
func (d *deviceGroup) process(ctx context.Context, ext compute.SurfaceExtractor, item *deviceItem) error {
	p := d.p
	align := ext.Alignment()
	for _, sub := range item.subItems {
		// Marching queries per vertex, so the region size is in vertices;
		// the device rounds it up to its work-group shape.
		var size, expanded [3]int64
		for i := 0; i < 3; i++ {
			size[i] = sub.g.NumVertices(i)
			expanded[i] = utils.RoundUp(size[i], align[i])
		}
		p.registry.Variable("device.cells").Add(float64(sub.g.TotalCells()))
		p.registry.Variable("device.expandedVertices").Add(float64(expanded[0] * expanded[1] * expanded[2]))

		out := &mesh.TransformWriter{
			Scale: p.fullGrid.Spacing(),
			Bias:  sub.g.Vertex(0, 0, 0),
			Next:  p.mesherWriter(ctx, sub.chunkID),
		}
		if err := ext.Extract(ctx, item.buf, sub.first, sub.numSplats, sub.g, item.copyEvent, out); err != nil {
			return errors.Wrapf(err, "extracting chunk %s on %s", sub.chunkID, d.dev.Name())
		}
		p.registry.Counter("device." + d.dev.Name() + ".subitems").Add(1)
		if p.meter != nil {
			p.meter.Add(sub.progressSplats)
		}
		d.credit(uint64(sub.numSplats))
	}
	return nil
}
