package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSPSCBoundedRoundTrip(t *testing.T) {
	q := NewSPSCBounded[int](4)
	require.Equal(t, 4, q.Cap())

	for i := 0; i < 4; i++ {
		require.True(t, q.TryProduce(i))
	}
	require.False(t, q.TryProduce(99), "ring should be full")

	for i := 0; i < 4; i++ {
		v, ok := q.TryConsume()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.TryConsume()
	require.False(t, ok, "ring should be empty")
}

func TestSPSCBoundedRoundsCapacityUpToPowerOfTwo(t *testing.T) {
	q := NewSPSCBounded[int](5)
	require.Equal(t, 8, q.Cap())
}

func TestSPSCUnboundedFIFO(t *testing.T) {
	alloc := NewNodeAllocator[string]()
	q := NewSPSCUnbounded[string]()

	for _, s := range []string{"a", "b", "c"} {
		n := alloc.Get()
		n.Item = s
		q.Produce(n)
	}

	for _, want := range []string{"a", "b", "c"} {
		n, ok := q.Consume()
		require.True(t, ok)
		require.Equal(t, want, n.Item)
		n.Release()
	}
	_, ok := q.Consume()
	require.False(t, ok)
}

func TestMPSCUnboundedConcurrentProducers(t *testing.T) {
	q := NewMPSCUnbounded[int]()
	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			alloc := NewNodeAllocator[int]()
			for i := 0; i < perProducer; i++ {
				n := alloc.Get()
				n.Item = base*perProducer + i
				q.Produce(n)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[int]bool, producers*perProducer)
	for {
		n, ok := q.Consume()
		if !ok {
			break
		}
		seen[n.Item] = true
		n.Release()
	}
	require.Len(t, seen, producers*perProducer)
}

func TestMPSCUnboundedDrainFunc(t *testing.T) {
	q := NewMPSCUnbounded[int]()
	alloc := NewNodeAllocator[int]()
	for i := 0; i < 5; i++ {
		n := alloc.Get()
		n.Item = i
		q.Produce(n)
	}

	var sum int
	q.DrainFunc(func(item int) bool {
		sum += item
		return true
	})
	require.Equal(t, 10, sum)

	_, ok := q.Consume()
	require.False(t, ok)
}

func TestAllocatorTableLazilyCreatesPerTarget(t *testing.T) {
	tbl := NewAllocatorTable[string, int]()
	a1 := tbl.For("queueA")
	a2 := tbl.For("queueA")
	a3 := tbl.For("queueB")

	require.Same(t, a1, a2)
	require.NotSame(t, a1, a3)
}

func TestNodeAllocatorReusesReleasedNodes(t *testing.T) {
	alloc := NewNodeAllocator[int]()
	n1 := alloc.Get()
	n1.Item = 42
	n1.Release()

	n2 := alloc.Get()
	require.Same(t, n1, n2, "expected the released node to be reused")
	require.Zero(t, n2.Item, "reused node should have its item cleared")
}
