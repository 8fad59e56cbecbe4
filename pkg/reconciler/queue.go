package reconciler

import (
	"sync"

	"github.com/quarry-sh/quarry/pkg/metrics"
)

// Kind names the entity type a work item refers to.
type Kind string

const (
	KindClaim      Kind = "claim"
	KindVolume     Kind = "volume"
	KindSnapshot   Kind = "snapshot"
	KindAttachment Kind = "attachment"
)

// Item identifies one entity needing reconciliation.
type Item struct {
	Kind Kind
	ID   string
}

// Queue is a deduplicating FIFO work queue. An item already waiting
// is not added twice, so a burst of events for one entity collapses
// into a single visit. An item being processed may be re-added, which
// is how processing-time events avoid being lost.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []Item
	present map[Item]bool
	closed  bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{
		present: make(map[Item]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add enqueues the item unless it is already waiting.
func (q *Queue) Add(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.present[item] {
		return
	}
	q.items = append(q.items, item)
	q.present[item] = true
	metrics.ReconcileQueueDepth.Set(float64(len(q.items)))
	q.cond.Signal()
}

// Get blocks until an item is available or the queue is closed. The
// second return is false once the queue is closed and drained.
func (q *Queue) Get() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	delete(q.present, item)
	metrics.ReconcileQueueDepth.Set(float64(len(q.items)))
	return item, true
}

// Len returns the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all blocked Get callers. Items still queued are drained
// before Get reports closed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// busySet is the per-entity exclusion token: a worker must hold the
// token for an item before touching it, so two workers never act on
// the same entity concurrently while distinct entities proceed in
// parallel.
type busySet struct {
	mu     sync.Mutex
	active map[Item]bool
}

func newBusySet() *busySet {
	return &busySet{active: make(map[Item]bool)}
}

// tryAcquire takes the token, returning false if another worker holds it.
func (b *busySet) tryAcquire(item Item) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active[item] {
		return false
	}
	b.active[item] = true
	return true
}

func (b *busySet) release(item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, item)
}
