// Package main reconstructs a watertight mesh of the MLS surface defined by
// very large oriented splat clouds, streaming the input out-of-core through
// a multi-device pipeline.
package main

import (
	"context"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/MohamedGNabail/mlsgpu/blobset"
	"github.com/MohamedGNabail/mlsgpu/compute/fake"
	"github.com/MohamedGNabail/mlsgpu/mesh"
	"github.com/MohamedGNabail/mlsgpu/pipeline"
	"github.com/MohamedGNabail/mlsgpu/progress"
	"github.com/MohamedGNabail/mlsgpu/splat"
	"github.com/MohamedGNabail/mlsgpu/stats"
)

var logger = golog.NewDevelopmentLogger("mlsgpu")

// Arguments for the command.
type Arguments struct {
	Output        string   `flag:"0,required,usage=output mesh file (PLY)"`
	Inputs        []string `flag:",extra"`
	Spacing       string   `flag:"fit-grid,default=1,usage=grid spacing between vertices"`
	Smoothing     string   `flag:"fit-smooth,default=4,usage=smoothing factor for MLS radii"`
	LeafCells     int      `flag:"leaf-cells,default=64,usage=maximum cells along any side of a bucket"`
	MaxSplit      int      `flag:"max-split,default=4096,usage=maximum fan-out of one bucketing level"`
	SplitCells    int      `flag:"split-cells,default=0,usage=output chunk size in cells (0 for a single chunk)"`
	Split         bool     `flag:"split,usage=write one file per output chunk"`
	Devices       int      `flag:"devices,default=1,usage=number of compute devices"`
	DeviceThreads int      `flag:"device-threads,default=1,usage=workers per device"`
	MemLoadSplats string   `flag:"mem-load-splats,default=8M,usage=memory for one raw read batch"`
	MemHostSplats string   `flag:"mem-host-splats,default=256M,usage=memory for decoded splats on the host"`
	MemDevice     string   `flag:"mem-bucket-splats,default=64M,usage=memory for one device work item"`
	TmpDir        string   `flag:"tmp-dir,usage=directory for temporary blob files"`
	Statistics    bool     `flag:"statistics,usage=print statistics at exit"`
	Quiet         bool     `flag:"quiet,usage=suppress progress output"`
	Debug         bool     `flag:"debug,usage=enable debug logging"`
}

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if len(argsParsed.Inputs) == 0 {
		return errors.New("at least one input splat file is required")
	}
	if argsParsed.Debug {
		logger = golog.NewDebugLogger("mlsgpu")
	}

	spacing, err := strconv.ParseFloat(argsParsed.Spacing, 64)
	if err != nil || spacing <= 0 {
		return errors.Errorf("invalid -fit-grid value %q", argsParsed.Spacing)
	}
	smoothing, err := strconv.ParseFloat(argsParsed.Smoothing, 64)
	if err != nil || smoothing <= 0 {
		return errors.Errorf("invalid -fit-smooth value %q", argsParsed.Smoothing)
	}
	memLoad, err := parseSplatBudget(argsParsed.MemLoadSplats)
	if err != nil {
		return err
	}
	memHost, err := parseSplatBudget(argsParsed.MemHostSplats)
	if err != nil {
		return err
	}
	memDevice, err := parseSplatBudget(argsParsed.MemDevice)
	if err != nil {
		return err
	}

	return reconstruct(ctx, logger, argsParsed, spacing, smoothing, memLoad, memHost, memDevice)
}

// parseSplatBudget converts a human memory size into a splat count.
func parseSplatBudget(s string) (int, error) {
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid memory size %q", s)
	}
	n := bytes / splat.WireSize
	if n <= 0 {
		return 0, errors.Errorf("memory size %q is below one splat", s)
	}
	return int(n), nil
}

func reconstruct(
	ctx context.Context,
	logger golog.Logger,
	args Arguments,
	spacing, smoothing float64,
	memLoad, memHost, memDevice int,
) (err error) {
	registry := stats.Default()

	files, err := splat.OpenFileSet(args.Inputs, logger)
	if err != nil {
		return err
	}
	defer func() { err = combineClose(err, files.Close) }()
	logger.Infow("opened input", "files", len(args.Inputs), "splats", files.MaxSplats())

	opts := []blobset.Option{blobset.WithRegistry(registry)}
	if args.TmpDir != "" {
		opts = append(opts, blobset.WithTmpDir(args.TmpDir))
	}
	set := blobset.New(files, logger, opts...)
	defer func() { err = combineClose(err, set.Close) }()

	// Pass 1: build the blob index and the bounding grid.
	bucketSize := int64(args.LeafCells)
	var meter progress.Meter
	if !args.Quiet {
		logger.Info("computing bounding box")
		meter = progress.NewDisplay(files.MaxSplats(), os.Stderr, nil)
	}
	if err := set.ComputeBlobs(spacing, bucketSize, meter); err != nil {
		return err
	}
	g := set.BoundingGrid()
	logger.Infow("bounding grid",
		"cells", g.NumCellsVec(), "spacing", spacing, "splats", set.NumFinite())

	// Pass 2: bucket, load, reconstruct.
	devices := fake.NewDevices(args.Devices, logger)
	defer func() {
		for _, d := range devices {
			err = combineClose(err, d.Close)
		}
	}()

	sink := mesh.NewPLYSink(args.Output, args.Split, logger)
	if !args.Quiet {
		logger.Info("reconstructing surface")
		meter = progress.NewDisplay(set.NumFinite(), os.Stderr, nil)
	}
	cfg := pipeline.Config{
		MaxBucketSplats: memDevice,
		MaxCells:        int64(args.LeafCells),
		MaxSplit:        int64(args.MaxSplit),
		MaxLoadSplats:   memLoad,
		MaxHostSplats:   memHost,
		ChunkCells:      int64(args.SplitCells),
		DeviceWorkers:   args.DeviceThreads,
		Smoothing:       smoothing,
	}
	if err := pipeline.Run(ctx, logger, set, g, devices, sink, cfg, registry, meter); err != nil {
		return err
	}

	if args.Statistics {
		if err := registry.Dump(os.Stdout); err != nil {
			return err
		}
	}
	return nil
}

func combineClose(err error, close func() error) error {
	return multierr.Combine(err, close())
}
