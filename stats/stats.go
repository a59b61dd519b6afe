// Package stats is a process-wide registry of named metrics. Pipeline
// components record counts and sampled values under dotted names; the
// registry is append-only and safe for concurrent use. Tests inject their
// own registry instead of the default one.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// Counter is a monotonically increasing count.
type Counter struct {
	value atomic.Uint64
}

// Add increments the counter.
func (c *Counter) Add(n uint64) { c.value.Add(n) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Variable accumulates samples and reports count, mean and standard
// deviation.
type Variable struct {
	mu   sync.Mutex
	n    uint64
	sum  float64
	sum2 float64
}

// Add records one sample.
func (v *Variable) Add(sample float64) {
	v.mu.Lock()
	v.n++
	v.sum += sample
	v.sum2 += sample * sample
	v.mu.Unlock()
}

// Count returns the number of samples recorded.
func (v *Variable) Count() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.n
}

// Mean returns the sample mean, or NaN with no samples.
func (v *Variable) Mean() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.n == 0 {
		return math.NaN()
	}
	return v.sum / float64(v.n)
}

// Stddev returns the sample standard deviation, or NaN with fewer than two
// samples.
func (v *Variable) Stddev() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.n < 2 {
		return math.NaN()
	}
	n := float64(v.n)
	variance := (v.sum2 - v.sum*v.sum/n) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Registry holds named metrics. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]*Counter
	variables map[string]*Variable
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*Counter),
		variables: make(map[string]*Variable),
	}
}

// Counter returns the counter with the given name, creating it on first
// use.
func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &Counter{}
		r.counters[name] = c
	}
	return c
}

// Variable returns the variable with the given name, creating it on first
// use.
func (r *Registry) Variable(name string) *Variable {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.variables[name]
	if !ok {
		v = &Variable{}
		r.variables[name] = v
	}
	return v
}

// Dump writes all metrics to w, sorted by name.
func (r *Registry) Dump(w io.Writer) error {
	r.mu.Lock()
	lines := make([]string, 0, len(r.counters)+len(r.variables))
	for name, c := range r.counters {
		lines = append(lines, fmt.Sprintf("%s: %d", name, c.Value()))
	}
	for name, v := range r.variables {
		lines = append(lines, fmt.Sprintf("%s: mean %g stddev %g (%d samples)",
			name, v.Mean(), v.Stddev(), v.Count()))
	}
	r.mu.Unlock()

	sort.Strings(lines)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }
