// Package pipeline connects the reconstruction stages: buckets emitted by
// the out-of-core bucketing drive a reader, a bucket loader, a copy stage
// dispatching to per-device worker groups, and a single-threaded mesher.
// Bounded queues, a raw byte arena and a host splat budget give every stage
// back-pressure; per-device budgets keep all devices fed.
package pipeline

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/MohamedGNabail/mlsgpu/bucket"
	"github.com/MohamedGNabail/mlsgpu/compute"
	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/mesh"
	"github.com/MohamedGNabail/mlsgpu/progress"
	"github.com/MohamedGNabail/mlsgpu/splat"
	"github.com/MohamedGNabail/mlsgpu/stats"
	"github.com/MohamedGNabail/mlsgpu/utils"
	"github.com/MohamedGNabail/mlsgpu/worker"
)

// Config sizes the pipeline's budgets.
type Config struct {
	// MaxBucketSplats bounds the splats of one bucket, and equally the
	// size of one device work item.
	MaxBucketSplats int
	// MaxCells bounds the cells of a bucket along any axis.
	MaxCells int64
	// MaxSplit bounds the fan-out of one bucketing recursion level.
	MaxSplit int64
	// MaxLoadSplats bounds the splats of one raw read.
	MaxLoadSplats int
	// MaxHostSplats budgets the decoded splats held on the host.
	MaxHostSplats int
	// ChunkCells is the output tile size in cells; zero produces a single
	// chunk.
	ChunkCells int64
	// ReaderWorkers, DeviceWorkers size the worker pools.
	ReaderWorkers int
	DeviceWorkers int
	// Spare is the number of extra device items beyond the workers.
	Spare int
	// Smoothing scales splat radii during MLS evaluation.
	Smoothing float64
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.MaxBucketSplats == 0 {
		c.MaxBucketSplats = 1 << 20
	}
	if c.MaxCells == 0 {
		c.MaxCells = 64
	}
	if c.MaxSplit == 0 {
		c.MaxSplit = 4096
	}
	if c.MaxLoadSplats == 0 {
		c.MaxLoadSplats = 1 << 16
	}
	if c.MaxHostSplats == 0 {
		c.MaxHostSplats = 4 * c.MaxBucketSplats
	}
	if c.ReaderWorkers == 0 {
		c.ReaderWorkers = 1
	}
	if c.DeviceWorkers == 0 {
		c.DeviceWorkers = 1
	}
	if c.Spare == 0 {
		c.Spare = 1
	}
	if c.Smoothing == 0 {
		c.Smoothing = 4
	}
	return c
}

func (c Config) validate() error {
	if c.MaxHostSplats < c.MaxBucketSplats {
		return errors.Errorf("host splat budget %d is below the bucket limit %d",
			c.MaxHostSplats, c.MaxBucketSplats)
	}
	if c.ChunkCells < 0 {
		return errors.Errorf("chunk size must be non-negative, got %d", c.ChunkCells)
	}
	return nil
}

// Pipeline carries the state shared by the stages for one run.
type Pipeline struct {
	cfg      Config
	logger   golog.Logger
	registry *stats.Registry
	meter    progress.Meter

	set      splat.Set
	fullGrid grid.Grid
	sink     mesh.Sink

	rawBuffer  *worker.CircularBuffer
	hostSplats *semaphore.Weighted

	readerGroup *worker.Group[binItem]
	loaderGroup *worker.Group[loadChunk]
	copyGroup   *worker.Group[copyItem]
	copyState   *copyState
	devices     []*deviceGroup
	mesherGroup *worker.Group[mesherItem]

	popMu   sync.Mutex
	popCond *sync.Cond

	chunkMu  sync.Mutex
	chunkMap *grid.ChunkMap
}

// Run reconstructs the surface of set over fullGrid on the given devices,
// writing the mesh through sink. It blocks until the pipeline drains or
// fails; on failure the partial output is discarded.
func Run(
	ctx context.Context,
	logger golog.Logger,
	set splat.Set,
	fullGrid grid.Grid,
	devices []compute.Device,
	sink mesh.Sink,
	cfg Config,
	registry *stats.Registry,
	meter progress.Meter,
) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.New("at least one compute device is required")
	}
	if registry == nil {
		registry = stats.Default()
	}

	p := &Pipeline{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		meter:    meter,
		set:      set,
		fullGrid: fullGrid,
		sink:     sink,
		chunkMap: grid.NewChunkMap(),
	}
	p.popCond = sync.NewCond(&p.popMu)
	p.rawBuffer = worker.NewCircularBuffer("reader.raw", cfg.MaxLoadSplats*maxRecordSize(set)*2)
	p.hostSplats = semaphore.NewWeighted(int64(cfg.MaxHostSplats))

	if err := p.buildStages(ctx, devices); err != nil {
		return err
	}
	return p.run(ctx)
}

func maxRecordSize(set splat.Set) int {
	size := splat.WireSize
	for scan := 0; scan < set.NumScans(); scan++ {
		if s := set.RecordSize(uint32(scan)); s > size {
			size = s
		}
	}
	return size
}

// chunkFor maps a bucket to its output chunk by the bucket's lower corner.
func (p *Pipeline) chunkFor(bg grid.Grid) grid.ChunkID {
	var coords [3]int64
	if p.cfg.ChunkCells > 0 {
		for i := 0; i < 3; i++ {
			lo, _ := bg.Extent(i)
			fullLo, _ := p.fullGrid.Extent(i)
			coords[i] = utils.DivDown(lo-fullLo, p.cfg.ChunkCells)
		}
	}
	p.chunkMu.Lock()
	defer p.chunkMu.Unlock()
	return p.chunkMap.Get(coords)
}

// run drives bucketing, then drains the stages front to back.
func (p *Pipeline) run(ctx context.Context) error {
	bucketErr := bucket.Bucket(p.set, p.fullGrid, uint64(p.cfg.MaxBucketSplats), p.cfg.MaxCells, p.cfg.MaxSplit,
		func(numSplats uint64, ranges []splat.Range, bg grid.Grid) error {
			item, err := p.readerGroup.Get(ctx)
			if err != nil {
				return err
			}
			item.chunkID = p.chunkFor(bg)
			item.g = bg
			item.ranges = append(item.ranges[:0], ranges...)
			item.numSplats = numSplats
			p.readerGroup.Push(item)
			return nil
		})

	err := bucketErr
	err = multierr.Combine(err, p.readerGroup.Stop())
	err = multierr.Combine(err, p.loaderGroup.Stop())
	copyErr := p.copyGroup.Stop()
	if err == nil && copyErr == nil {
		// Push out the tail batch before the devices stop.
		copyErr = p.copyState.flush()
	}
	err = multierr.Combine(err, copyErr)
	for _, d := range p.devices {
		err = multierr.Combine(err, d.group.Stop())
	}
	err = multierr.Combine(err, p.mesherGroup.Stop())
	p.rawBuffer.Close()

	if err != nil {
		return err
	}
	for _, d := range p.devices {
		d.logUnallocated()
	}
	return p.sink.Close()
}
