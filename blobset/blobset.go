package blobset

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/splat"
	"github.com/MohamedGNabail/mlsgpu/stats"
)

// blobFile is one temporary file of encoded blob records.
type blobFile struct {
	path   string
	nBlobs uint64
}

// FastBlobSet decorates a splat set with the blob index. After ComputeBlobs
// has run, MakeBlobStream serves eligible requests from the index instead
// of re-scanning splats, and BoundingGrid reports the grid covering all
// finite splats.
type FastBlobSet struct {
	splat.Set

	logger   golog.Logger
	registry *stats.Registry
	tmpDir   string
	workers  int

	internalBucketSize int64
	nSplats            uint64
	blobFiles          []blobFile
	boundingGrid       grid.Grid
	haveGrid           bool
}

// Option configures a FastBlobSet.
type Option func(*FastBlobSet)

// WithTmpDir sets the directory blob files are created in.
func WithTmpDir(dir string) Option { return func(s *FastBlobSet) { s.tmpDir = dir } }

// WithWorkers sets the number of goroutines used by ComputeBlobs.
func WithWorkers(n int) Option { return func(s *FastBlobSet) { s.workers = n } }

// WithRegistry directs metrics at the given registry instead of the default
// one.
func WithRegistry(r *stats.Registry) Option { return func(s *FastBlobSet) { s.registry = r } }

// New wraps base. ComputeBlobs must be called before the fast path or the
// bounding grid are available.
func New(base splat.Set, logger golog.Logger, opts ...Option) *FastBlobSet {
	s := &FastBlobSet{
		Set:      base,
		logger:   logger,
		registry: stats.Default(),
		tmpDir:   os.TempDir(),
		workers:  runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	return s
}

// NumFinite returns the number of finite splats counted by ComputeBlobs.
func (s *FastBlobSet) NumFinite() uint64 { return s.nSplats }

// BoundingGrid returns the grid computed by ComputeBlobs: reference at the
// origin, lower extents aligned to the internal bucket size.
func (s *FastBlobSet) BoundingGrid() grid.Grid {
	if !s.haveGrid {
		panic("BoundingGrid called before ComputeBlobs")
	}
	return s.boundingGrid
}

// MakeBlobStream returns a stream of blobs at the given bucket granularity,
// replaying the on-disk index when the request is eligible for the fast
// path and falling back to a splat scan otherwise.
func (s *FastBlobSet) MakeBlobStream(g grid.Grid, bucketSize int64) (splat.BlobStream, error) {
	if bucketSize <= 0 {
		return nil, errors.Errorf("bucket size must be positive, got %d", bucketSize)
	}
	if s.fastPath(g, bucketSize) {
		return newFastBlobStream(s, g, bucketSize)
	}
	return s.Set.MakeBlobStream(g, bucketSize)
}

// fastPath reports whether the blob index may serve requests for the given
// grid and bucket size.
func (s *FastBlobSet) fastPath(g grid.Grid, bucketSize int64) bool {
	if s.internalBucketSize <= 0 || !s.haveGrid {
		return false
	}
	if bucketSize%s.internalBucketSize != 0 {
		return false
	}
	if g.Spacing() != s.boundingGrid.Spacing() {
		return false
	}
	ref := g.Reference()
	if ref.X != 0 || ref.Y != 0 || ref.Z != 0 {
		return false
	}
	for i := 0; i < 3; i++ {
		lo, _ := g.Extent(i)
		if lo%s.internalBucketSize != 0 {
			return false
		}
	}
	return true
}

// Close removes the blob files. The decorated set is not closed.
func (s *FastBlobSet) Close() error {
	var err error
	for _, bf := range s.blobFiles {
		if rmErr := os.Remove(bf.path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warnw("could not delete blob file", "path", bf.path, "error", rmErr)
			err = multierr.Combine(err, rmErr)
		}
	}
	s.blobFiles = nil
	return err
}

func (s *FastBlobSet) newBlobFilePath() string {
	return filepath.Join(s.tmpDir, "mlsgpu-blobs-"+uuid.New().String()+".bin")
}
