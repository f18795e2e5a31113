// Package queue provides the lock-free queue primitives (C1) that every
// long-lived driver in the pipeline (aio, pio, loader, cache) uses to move
// work across goroutine boundaries: a bounded SPSC ring for the AIO command
// queue, an unbounded intrusive SPSC queue for per-decoder result delivery,
// and an unbounded lock-free MPSC queue for every multi-producer input
// (declarations, definitions, commands, load requests).
//
// Every producing goroutine is expected to own its own NodeAllocator so that
// node allocation never contends; a consumer dequeuing a node may return it
// to the allocator that produced it via Node.Release.
package queue

import (
	"sync"
	"sync/atomic"
)

// Node is one intrusive link in an unbounded queue. T is stored by value to
// avoid an extra allocation/indirection on the hot path.
type Node[T any] struct {
	next atomic.Pointer[Node[T]]
	Item T
	pool *NodeAllocator[T]
}

// Release returns the node to the allocator that produced it, if known.
// Safe to call at most once per dequeued node.
func (n *Node[T]) Release() {
	if n != nil && n.pool != nil {
		n.pool.put(n)
	}
}

// NodeAllocator is a thread-local pool of queue nodes. Each producing
// goroutine should create its own instance: Get/Put are not synchronized
// against concurrent callers (the "never contends" contract of §4.1), but
// the free list itself uses an atomic stack so a node produced by one
// goroutine and released by the consumer goroutine is still safe to reuse.
type NodeAllocator[T any] struct {
	free atomic.Pointer[Node[T]]
}

// NewNodeAllocator creates an empty node allocator.
func NewNodeAllocator[T any]() *NodeAllocator[T] {
	return &NodeAllocator[T]{}
}

// Get returns a free node, allocating a new one if the free list is empty.
func (a *NodeAllocator[T]) Get() *Node[T] {
	for {
		head := a.free.Load()
		if head == nil {
			return &Node[T]{pool: a}
		}
		next := head.next.Load()
		if a.free.CompareAndSwap(head, next) {
			var zero T
			head.Item = zero
			head.next.Store(nil)
			return head
		}
	}
}

func (a *NodeAllocator[T]) put(n *Node[T]) {
	for {
		head := a.free.Load()
		n.next.Store(head)
		if a.free.CompareAndSwap(head, n) {
			return
		}
	}
}

// AllocatorTable lazily creates one NodeAllocator per distinct target queue
// pointer, matching §4.1's "allocator table keyed by target queue pointer":
// a component (e.g. the cache) that posts results to many client-supplied
// queues creates exactly one producer-side allocator per distinct target.
type AllocatorTable[K comparable, T any] struct {
	mu      sync.Mutex
	byTarget map[K]*NodeAllocator[T]
}

// NewAllocatorTable creates an empty allocator table.
func NewAllocatorTable[K comparable, T any]() *AllocatorTable[K, T] {
	return &AllocatorTable[K, T]{byTarget: make(map[K]*NodeAllocator[T])}
}

// For returns the allocator for the given target key, creating it on first use.
func (t *AllocatorTable[K, T]) For(target K) *NodeAllocator[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byTarget[target]
	if !ok {
		a = NewNodeAllocator[T]()
		t.byTarget[target] = a
	}
	return a
}

// SPSCBounded is a fixed-capacity ring buffer for exactly one producer and
// one consumer. Capacity must be a power of two. Used for the AIO command
// queue (§4.4): TryProduce fails (returns false) when the ring is full
// rather than blocking.
type SPSCBounded[T any] struct {
	mask    uint64
	buf     []T
	head    atomic.Uint64 // consumer-owned read cursor
	tail    atomic.Uint64 // producer-owned write cursor
}

// NewSPSCBounded creates a bounded SPSC queue. capacity is rounded up to the
// next power of two.
func NewSPSCBounded[T any](capacity int) *SPSCBounded[T] {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &SPSCBounded[T]{
		mask: uint64(n - 1),
		buf:  make([]T, n),
	}
}

// TryProduce appends an item. Returns false if the ring is full.
func (q *SPSCBounded[T]) TryProduce(item T) bool {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail-head >= uint64(len(q.buf)) {
		return false
	}
	q.buf[tail&q.mask] = item
	q.tail.Store(tail + 1)
	return true
}

// TryConsume pops the oldest item. Returns false if the ring is empty.
func (q *SPSCBounded[T]) TryConsume() (T, bool) {
	var zero T
	head := q.head.Load()
	tail := q.tail.Load()
	if head == tail {
		return zero, false
	}
	item := q.buf[head&q.mask]
	q.buf[head&q.mask] = zero
	q.head.Store(head + 1)
	return item, true
}

// Len returns the number of queued items. Approximate under concurrent use,
// exact when called from the single producer or single consumer goroutine.
func (q *SPSCBounded[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap returns the ring's fixed capacity.
func (q *SPSCBounded[T]) Cap() int { return len(q.buf) }

// SPSCUnbounded is an intrusive, node-based, unbounded single-producer
// single-consumer queue. Used for per-decoder AIO result delivery and for
// PIO-to-AIO interval delivery (§4.3, §4.5).
type SPSCUnbounded[T any] struct {
	head atomic.Pointer[Node[T]] // consumer end
	tail atomic.Pointer[Node[T]] // producer end
}

// NewSPSCUnbounded creates an empty unbounded SPSC queue with a dummy
// sentinel node, following the standard Michael & Scott layout.
func NewSPSCUnbounded[T any]() *SPSCUnbounded[T] {
	sentinel := &Node[T]{}
	q := &SPSCUnbounded[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Produce appends a node obtained from a NodeAllocator. The node must not be
// reused by the caller afterward.
func (q *SPSCUnbounded[T]) Produce(n *Node[T]) {
	n.next.Store(nil)
	prev := q.tail.Swap(n)
	prev.next.Store(n)
}

// Consume pops the oldest item, if any. The returned node's Release should
// be called once the caller is done reading Item, to recycle it back to the
// producer's allocator.
func (q *SPSCUnbounded[T]) Consume() (*Node[T], bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil, false
	}
	q.head.Store(next)
	return next, true
}

// MPSCUnbounded is a lock-free, unbounded, multi-producer single-consumer
// queue following the Michael & Scott algorithm. Used for every long-lived
// service's input queue: cache declarations/definitions/commands,
// the loader's request queue, and buffer return queues.
type MPSCUnbounded[T any] struct {
	head atomic.Pointer[Node[T]]
	tail atomic.Pointer[Node[T]]
}

// NewMPSCUnbounded creates an empty unbounded MPSC queue.
func NewMPSCUnbounded[T any]() *MPSCUnbounded[T] {
	sentinel := &Node[T]{}
	q := &MPSCUnbounded[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Produce appends a node. Safe to call concurrently from many producers.
func (q *MPSCUnbounded[T]) Produce(n *Node[T]) {
	n.next.Store(nil)
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				return
			}
		} else {
			// Tail lagged behind; help advance it before retrying.
			q.tail.CompareAndSwap(tail, next)
		}
	}
}

// Consume pops the oldest item. Only safe to call from a single consumer
// goroutine at a time (the service's own update tick).
func (q *MPSCUnbounded[T]) Consume() (*Node[T], bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil, false
	}
	q.head.Store(next)
	return next, true
}

// DrainFunc calls fn for every currently-queued item, releasing each node
// back to its origin allocator after fn returns. Stops early if fn returns
// false.
func (q *MPSCUnbounded[T]) DrainFunc(fn func(item T) bool) {
	for {
		n, ok := q.Consume()
		if !ok {
			return
		}
		keepGoing := fn(n.Item)
		n.Release()
		if !keepGoing {
			return
		}
	}
}
