package pio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chenbk85/imagepipe/internal/aio"
	"github.com/chenbk85/imagepipe/internal/decoder"
	"github.com/chenbk85/imagepipe/internal/iobuf"
	"github.com/chenbk85/imagepipe/internal/testsupport"
	"github.com/chenbk85/imagepipe/internal/vfs"
)

func newTestPio(t *testing.T, clock Clock) (*Driver, *iobuf.Pool) {
	t.Helper()
	pool, err := iobuf.NewPool(4096*8, 4096, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	aioDriver, err := aio.NewDriver(aio.Config{QueueDepth: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = aioDriver.Close() })

	return NewDriver(aioDriver, pool, clock, nil, nil), pool
}

func openStream(t *testing.T, d *Driver, id int64, data []byte, kind Kind, priority int64, interval time.Duration) *decoder.Decoder {
	t.Helper()
	h := testsupport.NewMemHandleWithData("stream", data)
	dec := decoder.New(nil)
	alloc := d.NewOpenAllocator()
	d.SubmitOpen(alloc, OpenRequest{
		StreamID: id,
		Source: &vfs.Source{
			Handle:     h,
			SectorSize: 512,
			BaseSize:   int64(len(data)),
		},
		Kind:         kind,
		BasePriority: priority,
		Interval:     interval,
		Decoder:      dec,
	})
	return dec
}

func TestAdmitAndDispatchSingleLoadOnceStream(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	d, _ := newTestPio(t, clock)

	data := make([]byte, 4096*2)
	for i := range data {
		data[i] = byte(i)
	}
	dec := openStream(t, d, 1, data, KindLoadOnce, 0, 0)

	d.Tick() // admits the stream, dispatches first read
	require.Equal(t, 1, d.StreamCount())

	res := dec.Refill()
	require.Equal(t, decoder.StatusStart, res)
	require.Equal(t, 4096, dec.Amount())

	dec.Advance(dec.Amount())
	require.Equal(t, decoder.StatusYield, dec.Refill(), "second buffer not dispatched until next tick")

	d.Tick() // dispatches the final (EOF) read
	require.Equal(t, decoder.StatusStart, dec.Refill())
	require.Equal(t, 4096, dec.Amount())
	dec.Advance(dec.Amount())

	d.Tick() // removes the now-closed stream
	require.Equal(t, 0, d.StreamCount())
}

func TestPriorityOrderingDispatchesLowerKeyFirst(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	d, pool := newTestPio(t, clock)

	data := make([]byte, 4096*2)
	openStream(t, d, 1, data, KindPersistent, 10, 0)
	openStream(t, d, 2, data, KindPersistent, 1, 0)

	// Drain the pool down to exactly one free buffer so only the
	// higher-priority stream can be served this tick.
	for i := 0; i < pool.Capacity()-1; i++ {
		_, ok := pool.GetBuffer()
		require.True(t, ok)
	}

	d.Tick()

	s2, ok := d.Stream(2)
	require.True(t, ok)
	require.Equal(t, int64(4096), s2.ReadOffset, "higher-priority (lower key) stream should get the one available buffer")
}

func TestPauseRemovesStreamFromEligibility(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	d, _ := newTestPio(t, clock)

	data := make([]byte, 4096)
	openStream(t, d, 1, data, KindPersistent, 0, 0)
	d.Tick()

	alloc := d.NewControlAllocator()
	d.SubmitControl(alloc, ControlRequest{StreamID: 1, Kind: CtrlPause})
	d.Tick()

	s, ok := d.Stream(1)
	require.True(t, ok)
	require.Equal(t, StatusPaused, s.Status)

	offsetBeforeTick := s.ReadOffset
	d.Tick()
	require.Equal(t, offsetBeforeTick, s.ReadOffset, "paused stream must not advance")
}

func TestSeekRoundsDownToSectorMultiple(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	d, pool := newTestPio(t, clock)

	data := make([]byte, 4096*4)
	openStream(t, d, 1, data, KindPersistent, 0, 0)
	d.Tick()

	// Drain the rest of the pool (the first tick's read still holds one
	// buffer) so this tick's read dispatch can't advance ReadOffset again,
	// isolating the seek's effect.
	for i := 0; i < pool.Capacity()-1; i++ {
		_, ok := pool.GetBuffer()
		require.True(t, ok)
	}

	alloc := d.NewControlAllocator()
	d.SubmitControl(alloc, ControlRequest{StreamID: 1, Kind: CtrlSeek, SeekOffset: 1000})
	d.Tick()

	s, ok := d.Stream(1)
	require.True(t, ok)
	require.Equal(t, int64(512), s.ReadOffset, "1000 rounds down to the nearest 512-byte sector")
}

func TestStopClosesStreamWithinOneTick(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	d, _ := newTestPio(t, clock)

	data := make([]byte, 4096)
	openStream(t, d, 1, data, KindPersistent, 0, 0)
	d.Tick()
	require.Equal(t, 1, d.StreamCount())

	alloc := d.NewControlAllocator()
	d.SubmitControl(alloc, ControlRequest{StreamID: 1, Kind: CtrlStop})
	d.Tick() // drains the STOP control request, sets CLOSE_PENDING
	d.Tick() // submits CLOSE and removes the now-CLOSED stream

	require.Equal(t, 0, d.StreamCount())
}

func TestPendingReadsCarryOverWhenAIOQueueFills(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))

	pool, err := iobuf.NewPool(4096*4, 4096, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	// A two-deep AIO input queue guarantees this tick's four dispatched
	// reads cannot all be submitted in one flush.
	aioDriver, err := aio.NewDriver(aio.Config{QueueDepth: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = aioDriver.Close() })

	d := NewDriver(aioDriver, pool, clock, nil, nil)

	data := make([]byte, 4096*2)
	var decs []*decoder.Decoder
	for i := int64(1); i <= 4; i++ {
		decs = append(decs, openStream(t, d, i, data, KindPersistent, i, 0))
	}

	d.Tick() // admits all four streams and dispatches reads; only 2 fit in the AIO queue
	require.NotEmpty(t, d.pendingReads, "reads beyond the AIO queue's capacity must carry over, not vanish")

	for i := 0; i < 10 && len(d.pendingReads) > 0; i++ {
		d.Tick()
	}
	require.Empty(t, d.pendingReads, "carried-over reads must eventually drain")

	delivered := 0
	for _, dec := range decs {
		if dec.Refill() == decoder.StatusStart {
			delivered++
		}
	}
	require.Equal(t, 4, delivered, "every admitted stream's first read must be delivered, none dropped by the backlog")
}

func TestIntervalPacingDelaysDeliveryUntilDeadline(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	d, _ := newTestPio(t, clock)

	data := make([]byte, 4096*2)
	dec := openStream(t, d, 1, data, KindPersistent, 0, time.Second)

	d.Tick() // dispatches first interval-paced read, posts to PIO's own queue
	require.Equal(t, decoder.StatusYield, dec.Refill(), "delivery gated behind the interval deadline")

	clock.Advance(2 * time.Second)
	d.Tick() // deadline passed: the buffered result should now reach the decoder

	require.Equal(t, decoder.StatusStart, dec.Refill())
}
