package pipeline

import (
	"context"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/mesh"
	"github.com/MohamedGNabail/mlsgpu/worker"
)

// mesherItem carries one mesh block from a device worker to the single
// mesher worker.
type mesherItem struct {
	block *mesh.Block
}

// newMesherGroup creates the single-worker mesher. The mesh assembler is
// not thread-safe, so the pool has exactly one worker; the item pool bounds
// the blocks in flight from all devices.
func (p *Pipeline) newMesherGroup() (*worker.Group[mesherItem], error) {
	numItems := 4 * (len(p.devices) + 1) * p.cfg.DeviceWorkers
	if numItems < 8 {
		numItems = 8
	}
	items := make([]*mesherItem, numItems)
	for i := range items {
		items[i] = &mesherItem{}
	}
	g := worker.NewGroup("mesher", p.logger, items, numItems,
		func(item *mesherItem) error {
			p.registry.Counter("mesher.blocks").Add(1)
			return p.sink.Append(item.block)
		},
		func(item *mesherItem) { item.block = nil })
	return g, nil
}

// mesherWriter returns the filter-chain sink for one chunk: blocks are
// handed to the mesher through its item pool, preserving back-pressure.
func (p *Pipeline) mesherWriter(ctx context.Context, chunkID grid.ChunkID) mesh.Writer {
	return mesherWriterFunc(func(b *mesh.Block) error {
		b.ChunkID = chunkID
		item, err := p.mesherGroup.Get(ctx)
		if err != nil {
			return err
		}
		item.block = b
		p.mesherGroup.Push(item)
		return nil
	})
}

type mesherWriterFunc func(b *mesh.Block) error

func (f mesherWriterFunc) Append(b *mesh.Block) error { return f(b) }
