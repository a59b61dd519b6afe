// Package progress provides a thread-safe progress meter with an ASCII
// display, used for the long streaming passes of the pipeline.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
)

// Meter accepts progress increments. Additions are monotone; they are not
// ordered with respect to the work they account for.
type Meter interface {
	Add(n uint64) uint64
}

// Counting is a Meter that only counts.
type Counting struct {
	current atomic.Uint64
}

// Add adds n and returns the new value.
func (c *Counting) Add(n uint64) uint64 { return c.current.Add(n) }

// Value returns the current progress amount.
func (c *Counting) Value() uint64 { return c.current.Load() }

const displayTics = 51

// Display renders progress as a row of tick marks, one line per pass.
type Display struct {
	mu        sync.Mutex
	out       io.Writer
	clock     clock.Clock
	startTime int64

	current   uint64
	total     uint64
	ticsShown int
	nextTic   uint64
}

// NewDisplay creates a display for total units of work and prints the
// header immediately. The clock is injectable for tests.
func NewDisplay(total uint64, out io.Writer, clk clock.Clock) *Display {
	if clk == nil {
		clk = clock.New()
	}
	d := &Display{out: out, clock: clk, total: total, startTime: clk.Now().UnixNano()}
	fmt.Fprintf(out, "0%%   10   20   30   40   50   60   70   80   90   100%%\n")
	fmt.Fprintf(out, "|----|----|----|----|----|----|----|----|----|----|\n")
	d.updateNextTic()
	return d
}

// Add advances the progress and draws any newly earned tick marks.
func (d *Display) Add(n uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current += n
	if d.current > d.total {
		d.current = d.total
	}
	for d.ticsShown < displayTics && d.current >= d.nextTic {
		fmt.Fprint(d.out, "*")
		d.ticsShown++
		d.updateNextTic()
	}
	if d.ticsShown == displayTics && d.current == d.total && d.total > 0 {
		elapsed := float64(d.clock.Now().UnixNano()-d.startTime) / 1e9
		fmt.Fprintf(d.out, " done (%.1fs)\n", elapsed)
		d.ticsShown++ // only print the footer once
	}
	return d.current
}

// Value returns the current progress amount.
func (d *Display) Value() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *Display) updateNextTic() {
	if d.total == 0 {
		d.nextTic = 0
		return
	}
	// Ceiling of total*(ticsShown+1)/displayTics without overflow for any
	// realistic total.
	d.nextTic = (d.total*uint64(d.ticsShown+1) + displayTics - 1) / displayTics
}
