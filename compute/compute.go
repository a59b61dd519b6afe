// Package compute is the façade over the accelerators that evaluate the
// MLS surface and extract triangles. The pipeline talks only to these
// contracts; the real kernels live behind them, and compute/fake provides a
// host implementation for tests and CPU-only runs.
package compute

import (
	"context"
	"sync"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/mesh"
	"github.com/MohamedGNabail/mlsgpu/splat"
)

// Event signals completion of an asynchronous device operation.
type Event interface {
	// Wait blocks until the operation completes and returns its error.
	Wait() error
}

// ManualEvent is an Event completed explicitly by its producer.
type ManualEvent struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewManualEvent returns an incomplete event.
func NewManualEvent() *ManualEvent {
	return &ManualEvent{done: make(chan struct{})}
}

// Complete finishes the event with the given error. Later calls are
// ignored.
func (e *ManualEvent) Complete(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Wait blocks until Complete has been called.
func (e *ManualEvent) Wait() error {
	<-e.done
	return e.err
}

// CompletedEvent returns an event that is already complete.
func CompletedEvent() Event {
	e := NewManualEvent()
	e.Complete(nil)
	return e
}

// SplatBuffer is a device-resident splat array of fixed capacity.
type SplatBuffer interface {
	// Capacity returns the buffer size in splats.
	Capacity() int
}

// ExtractorConfig carries the per-worker reconstruction parameters.
type ExtractorConfig struct {
	// MaxSplats bounds the splats of one extraction.
	MaxSplats int
	// MaxCells bounds the cells of a bucket along any axis.
	MaxCells int64
	// Smoothing scales the influence radius used during evaluation.
	Smoothing float64
}

// SurfaceExtractor evaluates the implicit surface over one region and
// extracts triangles. An extractor belongs to a single device worker and is
// not safe for concurrent use.
type SurfaceExtractor interface {
	// Alignment returns the work-group granularity region sizes are
	// rounded up to.
	Alignment() [3]int64

	// Extract waits for ready, then runs the splats buf[first:first+n)
	// against the region (a subgrid of the reconstruction grid) and
	// appends triangles in region-local cell coordinates to out.
	Extract(ctx context.Context, buf SplatBuffer, first, n int, region grid.Grid, ready Event, out mesh.Writer) error
}

// Device owns the resources of one accelerator.
type Device interface {
	Name() string

	// NewSplatBuffer allocates a device splat buffer.
	NewSplatBuffer(capacity int) (SplatBuffer, error)

	// CopySplats begins an asynchronous copy of splats into buf and
	// returns the completion event. The source slice must stay unchanged
	// until the event completes.
	CopySplats(buf SplatBuffer, splats []splat.Splat) (Event, error)

	// NewExtractor creates a surface extractor for one worker.
	NewExtractor(cfg ExtractorConfig) (SurfaceExtractor, error)

	Close() error
}
