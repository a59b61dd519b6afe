// Package fake implements the compute façade on the host CPU. It evaluates
// the MLS field directly and extracts a dual-contour style triangle soup,
// which makes the full pipeline runnable and testable without accelerator
// hardware.
package fake

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/stat"

	"github.com/MohamedGNabail/mlsgpu/compute"
	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/mesh"
	"github.com/MohamedGNabail/mlsgpu/splat"
	"github.com/MohamedGNabail/mlsgpu/splattree"
)

// Device is a host-memory compute device.
type Device struct {
	name         string
	logger       golog.Logger
	computeDelay time.Duration
}

// Option configures a fake device.
type Option func(*Device)

// WithComputeDelay makes every extraction take at least d, the way a real
// kernel launch would.
func WithComputeDelay(d time.Duration) Option {
	return func(dev *Device) { dev.computeDelay = d }
}

// NewDevice creates one fake device.
func NewDevice(name string, logger golog.Logger, opts ...Option) *Device {
	d := &Device{name: name, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewDevices creates n fake devices named fake0..fake(n-1).
func NewDevices(n int, logger golog.Logger, opts ...Option) []compute.Device {
	out := make([]compute.Device, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, NewDevice(fmtName(i), logger, opts...))
	}
	return out
}

func fmtName(i int) string { return "fake" + strconv.Itoa(i) }

func nan() float64 { return math.NaN() }

func isNaN(v float64) bool { return math.IsNaN(v) }

func (d *Device) Name() string { return d.name }

// splatBuffer is the device splat store; for the fake device it is plain
// host memory.
type splatBuffer struct {
	splats []splat.Splat
}

func (b *splatBuffer) Capacity() int { return len(b.splats) }

func (d *Device) NewSplatBuffer(capacity int) (compute.SplatBuffer, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("%s: buffer capacity must be positive", d.name)
	}
	return &splatBuffer{splats: make([]splat.Splat, capacity)}, nil
}

// CopySplats copies asynchronously, the way a DMA transfer would: the
// event completes once the buffer holds the data.
func (d *Device) CopySplats(buf compute.SplatBuffer, splats []splat.Splat) (compute.Event, error) {
	b, ok := buf.(*splatBuffer)
	if !ok {
		return nil, errors.Errorf("%s: foreign splat buffer", d.name)
	}
	if len(splats) > len(b.splats) {
		return nil, errors.Errorf("%s: copy of %d splats exceeds buffer capacity %d",
			d.name, len(splats), len(b.splats))
	}
	event := compute.NewManualEvent()
	goutils.PanicCapturingGo(func() {
		copy(b.splats, splats)
		event.Complete(nil)
	})
	return event, nil
}

func (d *Device) NewExtractor(cfg compute.ExtractorConfig) (compute.SurfaceExtractor, error) {
	if cfg.MaxSplats <= 0 || cfg.MaxCells <= 0 {
		return nil, errors.Errorf("%s: extractor limits must be positive", d.name)
	}
	smoothing := cfg.Smoothing
	if smoothing <= 0 {
		smoothing = 1
	}
	return &extractor{device: d, cfg: cfg, smoothing: smoothing}, nil
}

func (d *Device) Close() error { return nil }

// extractor evaluates the MLS field on the bucket lattice and emits one
// dual quad per sign-crossing lattice edge.
type extractor struct {
	device    *Device
	cfg       compute.ExtractorConfig
	smoothing float64

	// evaluation scratch, reused across extractions
	weights []float64
	values  []float64
}

// Alignment matches the work-group shape the kernels would use.
func (e *extractor) Alignment() [3]int64 { return [3]int64{8, 8, 4} }

func (e *extractor) Extract(
	ctx context.Context,
	buf compute.SplatBuffer,
	first, n int,
	region grid.Grid,
	ready compute.Event,
	out mesh.Writer,
) error {
	b, ok := buf.(*splatBuffer)
	if !ok {
		return errors.Errorf("%s: foreign splat buffer", e.device.name)
	}
	if n > e.cfg.MaxSplats {
		return errors.Errorf("%s: %d splats exceed the extractor limit %d", e.device.name, n, e.cfg.MaxSplats)
	}
	if ready != nil {
		if err := ready.Wait(); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.device.computeDelay > 0 {
		time.Sleep(e.device.computeDelay)
	}
	// Smoothing widens the influence radii; the tree must index the same
	// reach the field evaluation uses.
	splats := make([]splat.Splat, n)
	copy(splats, b.splats[first:first+n])
	for i := range splats {
		splats[i].Radius *= e.smoothing
	}

	tree, err := splattree.Build(splats, region)
	if err != nil {
		return err
	}

	// Sample the field at every lattice vertex. Vertices out of reach of
	// any splat stay NaN and never produce geometry.
	dims := tree.Dims
	field := make([]float64, dims[0]*dims[1]*dims[2])
	at := func(x, y, z int64) *float64 {
		return &field[(z*dims[1]+y)*dims[0]+x]
	}
	for z := int64(0); z < dims[2]; z++ {
		for y := int64(0); y < dims[1]; y++ {
			for x := int64(0); x < dims[0]; x++ {
				*at(x, y, z) = e.sample(splats, tree, region, x, y, z)
			}
		}
	}

	block := &mesh.Block{}
	emitEdgeQuad := func(v [3]int64, axis int) {
		// Dual quad: the centers of the four cells around the crossing
		// edge, in region-local cell coordinates. Border edges lack a full
		// ring of cells and emit nothing.
		u := (axis + 1) % 3
		w := (axis + 2) % 3
		if v[u] == 0 || v[w] == 0 || v[u] > dims[u]-2 || v[w] > dims[w]-2 {
			return
		}
		base := int32(len(block.Vertices))
		for _, du := range []int64{-1, 0} {
			for _, dw := range []int64{-1, 0} {
				var c [3]float64
				c[axis] = float64(v[axis]) + 0.5
				c[u] = float64(v[u]+du) + 0.5
				c[w] = float64(v[w]+dw) + 0.5
				block.Vertices = append(block.Vertices, r3.Vector{X: c[0], Y: c[1], Z: c[2]})
			}
		}
		block.Triangles = append(block.Triangles,
			[3]int32{base, base + 1, base + 2},
			[3]int32{base + 1, base + 3, base + 2},
		)
	}

	axes := [3][3]int64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	for z := int64(0); z < dims[2]; z++ {
		for y := int64(0); y < dims[1]; y++ {
			for x := int64(0); x < dims[0]; x++ {
				f0 := *at(x, y, z)
				if isNaN(f0) {
					continue
				}
				v := [3]int64{x, y, z}
				for axis, d := range axes {
					nx, ny, nz := x+d[0], y+d[1], z+d[2]
					if nx >= dims[0] || ny >= dims[1] || nz >= dims[2] {
						continue
					}
					f1 := *at(nx, ny, nz)
					if isNaN(f1) {
						continue
					}
					if (f0 < 0) != (f1 < 0) {
						emitEdgeQuad(v, axis)
					}
				}
			}
		}
	}
	return out.Append(block)
}

// sample evaluates the MLS signed distance at a lattice vertex: the
// weighted mean of the splats' plane distances, weights falling off with
// distance inside each splat's influence radius.
func (e *extractor) sample(splats []splat.Splat, tree *splattree.Tree, region grid.Grid, x, y, z int64) float64 {
	p := region.Vertex(x, y, z)
	e.weights = e.weights[:0]
	e.values = e.values[:0]
	tree.ForEachSplat(x, y, z, func(id int32) {
		s := splats[id]
		r := s.Radius
		d := p.Sub(s.Position)
		q := d.Norm2() / (r * r)
		if q >= 1 {
			return
		}
		w := (1 - q) * (1 - q)
		e.weights = append(e.weights, w)
		e.values = append(e.values, d.Dot(s.Normal))
	})
	if len(e.weights) == 0 {
		return nan()
	}
	return stat.Mean(e.values, e.weights)
}
