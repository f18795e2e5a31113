package aio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chenbk85/imagepipe/internal/decoder"
	"github.com/chenbk85/imagepipe/internal/queue"
	"github.com/chenbk85/imagepipe/internal/testsupport"
	"github.com/chenbk85/imagepipe/internal/vfs"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	d, err := NewDriver(Config{QueueDepth: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newResultQueue() (*queue.SPSCUnbounded[decoder.Result], *queue.NodeAllocator[decoder.Result]) {
	return queue.NewSPSCUnbounded[decoder.Result](), queue.NewNodeAllocator[decoder.Result]()
}

func TestTickExecutesQueuedRead(t *testing.T) {
	d := newTestDriver(t)
	h := testsupport.NewMemHandleWithData("f", []byte("hello world"))
	results, alloc := newResultQueue()

	buf := make([]byte, 5)
	req := &Request{Command: CmdRead, Handle: h, Buffer: buf, FileOffset: 0, Results: results, ResultAlloc: alloc}
	require.True(t, d.TryProduce(req))

	d.Tick()

	node, ok := results.Consume()
	require.True(t, ok)
	require.NoError(t, node.Item.Err)
	require.Equal(t, uint32(5), node.Item.DataActual)
	require.Equal(t, "hello", string(node.Item.Buffer[:5]))
}

func TestTickReadPastEndOfStreamPostsEndOfStream(t *testing.T) {
	d := newTestDriver(t)
	h := testsupport.NewMemHandleWithData("f", []byte("short"))
	results, alloc := newResultQueue()

	buf := make([]byte, 16)
	req := &Request{Command: CmdRead, Handle: h, Buffer: buf, FileOffset: 0, Results: results, ResultAlloc: alloc}
	d.TryProduce(req)
	d.Tick()

	node, ok := results.Consume()
	require.True(t, ok)
	require.NoError(t, node.Item.Err)
	require.True(t, node.Item.EndOfStream)
	require.Equal(t, uint32(5), node.Item.DataActual)
}

func TestTickBinsByCommandTypeInOrder(t *testing.T) {
	d := newTestDriver(t)
	h := testsupport.NewMemHandleWithData("f", []byte("0123456789"))
	results, alloc := newResultQueue()

	var order []string
	observer := &recordingObserver{order: &order}
	d.observer = observer

	writeReq := &Request{Command: CmdWrite, Handle: h, Buffer: []byte("AB"), FileOffset: 0, Results: results, ResultAlloc: alloc}
	readReq := &Request{Command: CmdRead, Handle: h, Buffer: make([]byte, 2), FileOffset: 0, Results: results, ResultAlloc: alloc}
	flushReq := &Request{Command: CmdFlush, Handle: h, Results: results, ResultAlloc: alloc}

	d.TryProduce(writeReq)
	d.TryProduce(readReq)
	d.TryProduce(flushReq)
	d.Tick()

	require.Equal(t, []string{"read", "write", "flush"}, order)
}

type recordingObserver struct {
	order *[]string
}

func (r *recordingObserver) ObserveAIOComplete(op string, bytes uint64, latencyNs uint64, success bool) {
	*r.order = append(*r.order, op)
}

func TestCloseOnCompleteClosesHandle(t *testing.T) {
	d := newTestDriver(t)
	h := testsupport.NewMemHandleWithData("f", []byte("data"))
	results, alloc := newResultQueue()

	req := &Request{Command: CmdClose, Handle: h, Results: results, ResultAlloc: alloc}
	d.TryProduce(req)
	d.Tick()

	require.True(t, h.Closed())
}

func TestCloseOnErrorOnlyClosesWhenFailed(t *testing.T) {
	d := newTestDriver(t)
	h := testsupport.NewMemHandleWithData("f", []byte("0123456789"))
	results, alloc := newResultQueue()

	req := &Request{
		Command:    CmdWrite,
		Handle:     h,
		Buffer:     []byte("ok"),
		CloseFlags: CloseOnError,
		Results:    results,
		ResultAlloc: alloc,
	}
	d.TryProduce(req)
	d.Tick()

	require.False(t, h.Closed(), "successful write with CLOSE_ON_ERROR must not close")
}

func TestCloseAndRenameTruncatesAndCloses(t *testing.T) {
	d := newTestDriver(t)
	h := testsupport.NewMemHandleWithData("/tmp/source.tmp", make([]byte, 4096))
	results, alloc := newResultQueue()

	req := &Request{
		Command:     CmdCloseAndRename,
		Handle:      h,
		LogicalSize: 100,
		RenamePath:  "", // empty selects the delete path; the handle's name is not a real file, so only truncate and close are checked
		Results:     results,
		ResultAlloc: alloc,
	}
	d.TryProduce(req)
	d.Tick()

	node, ok := results.Consume()
	require.True(t, ok)
	_ = node
	require.Equal(t, int64(100), h.Len())
	require.True(t, h.Closed())
}

// delayedRing models a backend whose completions genuinely arrive on a
// later Tick instead of synchronously at Submit time: an op submitted
// while it holds tokens in pending only becomes visible once moved into
// ready by a later Poll call, one full Poll cycle after submission.
type delayedRing struct {
	pending []uint64
	ready   []uint64
}

func (r *delayedRing) SubmitRead(h vfs.Handle, buf []byte, offset int64, token uint64) error {
	r.pending = append(r.pending, token)
	return nil
}

func (r *delayedRing) SubmitWrite(h vfs.Handle, buf []byte, offset int64, token uint64) error {
	r.pending = append(r.pending, token)
	return nil
}

func (r *delayedRing) Poll(max int) []Completion {
	out := make([]Completion, 0, len(r.ready))
	for _, tok := range r.ready {
		out = append(out, Completion{Token: tok, N: 2})
	}
	r.ready = r.pending
	r.pending = nil
	return out
}

func (r *delayedRing) Close() error { return nil }

func TestActiveCountStaysBoundedAcrossTicks(t *testing.T) {
	d, err := NewDriver(Config{QueueDepth: 32, MaxActive: 2, Ring: &delayedRing{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	h := testsupport.NewMemHandleWithData("f", []byte("0123456789abcdef"))
	results, alloc := newResultQueue()

	for i := 0; i < 5; i++ {
		req := &Request{Command: CmdRead, Handle: h, Buffer: make([]byte, 2), FileOffset: int64(i * 2), Results: results, ResultAlloc: alloc}
		require.True(t, d.TryProduce(req))
	}

	d.Tick()
	require.Equal(t, 2, d.MaxActive())
	require.LessOrEqual(t, d.ActiveCount(), d.MaxActive())
	require.Equal(t, d.MaxActive(), d.ActiveCount()+len(d.freeList), "occupied+free must always equal MaxActive")
	require.NotEmpty(t, d.pendingReads, "reads beyond MaxActive must be carried over, not dropped")

	for i := 0; i < 20; i++ {
		d.Tick()
		require.LessOrEqual(t, d.ActiveCount(), d.MaxActive())
		require.Equal(t, d.MaxActive(), d.ActiveCount()+len(d.freeList))
	}

	delivered := 0
	for {
		_, ok := results.Consume()
		if !ok {
			break
		}
		delivered++
	}
	require.Equal(t, 5, delivered, "every carried-over read must eventually complete, none dropped")
	require.Empty(t, d.pendingReads)
}

func TestShutdownIdentifierStopsProcessing(t *testing.T) {
	d := newTestDriver(t)
	h := testsupport.NewMemHandleWithData("f", []byte("data"))
	results, alloc := newResultQueue()

	d.TryProduce(ShutdownRequest())
	d.TryProduce(&Request{Command: CmdRead, Handle: h, Buffer: make([]byte, 4), Results: results, ResultAlloc: alloc})

	d.Tick()
	require.True(t, d.ShuttingDown())

	_, ok := results.Consume()
	require.False(t, ok, "requests queued behind the shutdown identifier must not execute")
}
