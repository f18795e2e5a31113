package pio

// eligible is one entry in the priority heap: the index of a Stream in the
// driver's active slice plus the sort key copied out so the heap doesn't
// need to dereference the stream on every comparison.
type eligible struct {
	streamIdx    int
	basePriority int64
	openOrder    uint64
}

// priorityHeap orders eligible streams by (basePriority, openOrder) with
// ties broken by lower open order — the pair is the "priority key" of
// §4.5. It is rebuilt from scratch every tick rather than supporting
// arbitrary deletion, which trivially handles streams appearing/
// disappearing between ticks.
type priorityHeap []eligible

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].basePriority != h[j].basePriority {
		return h[i].basePriority < h[j].basePriority
	}
	return h[i].openOrder < h[j].openOrder
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) {
	*h = append(*h, x.(eligible))
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
