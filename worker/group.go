package worker

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// Group runs a pool of identical workers fed from a bounded work queue,
// recycling work items through an item pool. Get blocks until an item is
// free; Push hands a filled item to the pool; workers process items and
// return them to the item pool. The first worker error stops processing:
// later items are drained and freed unprocessed, and the error is reported
// by Stop.
type Group[T any] struct {
	name   string
	logger golog.Logger

	queue *WorkQueue[*T]
	run   func(item *T) error
	// onFree resets an item before it returns to the pool.
	onFree func(item *T)

	// poolMu and poolCond guard the item pool; SetPopSignal shares them
	// with other groups so one consumer can poll several pools.
	poolMu   *sync.Mutex
	poolCond *sync.Cond
	pool     []*T

	wg       sync.WaitGroup
	errMu    sync.Mutex
	firstErr error
}

// NewGroup creates a group named name whose item pool holds items and
// whose work queue holds up to queueCap entries. run processes one item;
// onFree (optional) resets items before reuse.
func NewGroup[T any](
	name string,
	logger golog.Logger,
	items []*T,
	queueCap int,
	run func(item *T) error,
	onFree func(item *T),
) *Group[T] {
	mu := &sync.Mutex{}
	g := &Group[T]{
		name:     name,
		logger:   logger,
		queue:    NewWorkQueue[*T](queueCap),
		run:      run,
		onFree:   onFree,
		poolMu:   mu,
		poolCond: sync.NewCond(mu),
		pool:     append([]*T(nil), items...),
	}
	return g
}

// SetPopSignal shares the item pool's mutex and condition with another
// party (the copy stage polls several device groups under one lock). Must
// be called before Start.
func (g *Group[T]) SetPopSignal(mu *sync.Mutex, cond *sync.Cond) {
	g.poolMu = mu
	g.poolCond = cond
}

// Name returns the group name, used in logs.
func (g *Group[T]) Name() string { return g.name }

// Get blocks until a work item is available in the item pool. It fails
// once the group has recorded an error.
func (g *Group[T]) Get(ctx context.Context) (*T, error) {
	g.poolMu.Lock()
	defer g.poolMu.Unlock()
	for {
		if err := g.Err(); err != nil {
			return nil, errors.Wrapf(err, "%s: pool failed", g.name)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(g.pool) > 0 {
			item := g.pool[len(g.pool)-1]
			g.pool = g.pool[:len(g.pool)-1]
			return item, nil
		}
		g.poolCond.Wait()
	}
}

// TryGetLocked removes an item from the pool without blocking. The caller
// must hold the pool mutex configured with SetPopSignal.
func (g *Group[T]) TryGetLocked() *T {
	if len(g.pool) == 0 {
		return nil
	}
	item := g.pool[len(g.pool)-1]
	g.pool = g.pool[:len(g.pool)-1]
	return item
}

// CanGetLocked reports whether the item pool is non-empty. The caller must
// hold the pool mutex configured with SetPopSignal.
func (g *Group[T]) CanGetLocked() bool { return len(g.pool) > 0 }

// Push enqueues a filled item for processing.
func (g *Group[T]) Push(item *T) { g.queue.Push(item) }

// QueueLen returns the number of items waiting in the work queue.
func (g *Group[T]) QueueLen() int { return g.queue.Len() }

// Start spawns numWorkers workers. Each worker pops items until the queue
// is stopped and drained.
func (g *Group[T]) Start(numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		g.wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer g.wg.Done()
			g.workerLoop()
		})
	}
}

func (g *Group[T]) workerLoop() {
	for {
		item, ok := g.queue.Pop()
		if !ok {
			return
		}
		if g.Err() == nil {
			if err := g.run(item); err != nil {
				g.recordError(err)
			}
		}
		g.freeItem(item)
	}
}

// freeItem resets an item and returns it to the pool, signalling one
// waiter.
func (g *Group[T]) freeItem(item *T) {
	if g.onFree != nil {
		g.onFree(item)
	}
	g.poolMu.Lock()
	g.pool = append(g.pool, item)
	g.poolCond.Signal()
	g.poolMu.Unlock()
}

func (g *Group[T]) recordError(err error) {
	g.errMu.Lock()
	if g.firstErr == nil {
		g.firstErr = err
		g.logger.Errorw("worker failed", "group", g.name, "error", err)
	}
	g.errMu.Unlock()
	// Wake Get callers so they observe the failure instead of waiting for
	// items that may never come back.
	g.poolMu.Lock()
	g.poolCond.Broadcast()
	g.poolMu.Unlock()
}

// Err returns the first error recorded by a worker, if any.
func (g *Group[T]) Err() error {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	return g.firstErr
}

// Stop ends the input queue, waits for the workers to drain it, and
// returns the first worker error.
func (g *Group[T]) Stop() error {
	g.queue.Stop()
	g.wg.Wait()
	return g.Err()
}
