package worker

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// CircularBuffer is a byte arena handing out contiguous spans under a fixed
// capacity. Allocate blocks until a contiguous span is free; Free may be
// called in any order. Allocation proceeds in rotation from the most recent
// span so FIFO-like usage stays compact.
type CircularBuffer struct {
	name     string
	capacity int

	mu       sync.Mutex
	cond     *sync.Cond
	data     []byte
	segments []segment // allocated spans, sorted by start
	next     int       // preferred start of the next allocation
	closed   bool
}

type segment struct {
	start, end int
}

// Allocation is a span handed out by a CircularBuffer. Bytes aliases the
// buffer's backing store and is invalid after Free.
type Allocation struct {
	owner      *CircularBuffer
	start, end int
	Bytes      []byte
}

// NewCircularBuffer creates an arena of the given capacity in bytes.
func NewCircularBuffer(name string, capacity int) *CircularBuffer {
	if capacity <= 0 {
		panic("circular buffer capacity must be positive")
	}
	b := &CircularBuffer{name: name, capacity: capacity, data: make([]byte, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Capacity returns the total size of the arena.
func (b *CircularBuffer) Capacity() int { return b.capacity }

// Allocate blocks until n contiguous bytes are free and returns them. It
// fails if n exceeds the capacity or the buffer is closed while waiting.
func (b *CircularBuffer) Allocate(n int) (*Allocation, error) {
	if n <= 0 || n > b.capacity {
		return nil, errors.Errorf("%s: allocation of %d bytes out of range (capacity %d)", b.name, n, b.capacity)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return nil, errors.Errorf("%s: buffer closed", b.name)
		}
		if start, ok := b.findSpan(n); ok {
			seg := segment{start: start, end: start + n}
			b.insertSegment(seg)
			b.next = seg.end
			return &Allocation{owner: b, start: seg.start, end: seg.end, Bytes: b.data[seg.start:seg.end]}, nil
		}
		b.cond.Wait()
	}
}

// Free returns a span to the arena and wakes blocked allocators.
func (b *CircularBuffer) Free(a *Allocation) {
	if a == nil || a.owner != b {
		panic("freeing an allocation that does not belong to this buffer")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, seg := range b.segments {
		if seg.start == a.start && seg.end == a.end {
			b.segments = append(b.segments[:i], b.segments[i+1:]...)
			a.owner = nil
			a.Bytes = nil
			b.cond.Broadcast()
			return
		}
	}
	panic("double free in circular buffer")
}

// Close unblocks all pending allocators with an error. Outstanding
// allocations may still be freed.
func (b *CircularBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// InUse returns the number of allocated bytes.
func (b *CircularBuffer) InUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, seg := range b.segments {
		total += seg.end - seg.start
	}
	return total
}

// findSpan locates a free contiguous span of n bytes. Candidate gaps start
// at offset zero and after each allocated segment; gaps at or after the
// rotation point are preferred so FIFO usage walks the buffer in order.
// The caller holds the lock.
func (b *CircularBuffer) findSpan(n int) (int, bool) {
	if len(b.segments) == 0 {
		if b.next+n <= b.capacity {
			return b.next, true
		}
		return 0, true
	}
	starts := make([]int, 0, len(b.segments)+1)
	starts = append(starts, 0)
	for _, seg := range b.segments {
		starts = append(starts, seg.end)
	}
	try := func(start int) bool { return start+n <= b.capacity && b.fits(start, n) }
	for _, s := range starts {
		if s >= b.next && try(s) {
			return s, true
		}
	}
	for _, s := range starts {
		if s < b.next && try(s) {
			return s, true
		}
	}
	return 0, false
}

// fits reports whether [start, start+n) overlaps no allocated segment. The
// caller holds the lock.
func (b *CircularBuffer) fits(start, n int) bool {
	end := start + n
	i := sort.Search(len(b.segments), func(i int) bool { return b.segments[i].end > start })
	return i >= len(b.segments) || b.segments[i].start >= end
}

// insertSegment keeps the segment list sorted by start. The caller holds
// the lock.
func (b *CircularBuffer) insertSegment(seg segment) {
	i := sort.Search(len(b.segments), func(i int) bool { return b.segments[i].start > seg.start })
	b.segments = append(b.segments, segment{})
	copy(b.segments[i+1:], b.segments[i:])
	b.segments[i] = seg
}
