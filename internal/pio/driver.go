// Package pio implements the prioritized I/O driver (C5): it owns the AIO
// driver, mediates between it and many concurrent streams, paces
// interval-based deliveries through a per-stream ring, and dispatches the
// next read for whichever eligible stream has the highest priority.
package pio

import (
	"container/heap"
	"time"

	"github.com/chenbk85/imagepipe/internal/aio"
	"github.com/chenbk85/imagepipe/internal/decoder"
	"github.com/chenbk85/imagepipe/internal/iobuf"
	"github.com/chenbk85/imagepipe/internal/logging"
	"github.com/chenbk85/imagepipe/internal/queue"
)

// Clock abstracts time so tests can drive the tick-duration ring and
// delivery deadlines deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Observer receives per-dispatch telemetry. A nil Observer disables it.
type Observer interface {
	ObservePIODispatch(streamID int64, bytes uint64)
}

const tickRingSize = 8

// Driver is the PIO service described by §4.5.
type Driver struct {
	aio    *aio.Driver
	pool   *iobuf.Pool
	clock  Clock
	logger *logging.Logger
	observer Observer

	streams []*Stream
	byID    map[int64]int

	openIn *queue.MPSCUnbounded[OpenRequest]
	ctrlIn *queue.MPSCUnbounded[ControlRequest]

	// deliveryResults/deliveryAlloc is the single SPSC path AIO uses to post
	// completions for interval-paced streams back to PIO, instead of
	// straight to the owning decoder.
	deliveryResults *queue.SPSCUnbounded[decoder.Result]
	deliveryAlloc   *queue.NodeAllocator[decoder.Result]

	// directAllocs lazily creates one producer allocator per distinct
	// decoder PIO submits reads for — the allocator-table pattern of §4.1,
	// keyed here by destination decoder pointer.
	directAllocs *queue.AllocatorTable[*decoder.Decoder, decoder.Result]

	openOrderCounter uint64

	tickRing    [tickRingSize]time.Duration
	tickRingLen int
	tickRingPos int
	lastTick    time.Time

	pendingReads []*aio.Request
}

// NewDriver constructs a Driver over an already-constructed AIO driver and
// buffer pool. clock, logger and observer may be nil to use defaults.
func NewDriver(aioDriver *aio.Driver, pool *iobuf.Pool, clock Clock, logger *logging.Logger, observer Observer) *Driver {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Driver{
		aio:             aioDriver,
		pool:            pool,
		clock:           clock,
		logger:          logger,
		observer:        observer,
		byID:            make(map[int64]int),
		openIn:          queue.NewMPSCUnbounded[OpenRequest](),
		ctrlIn:          queue.NewMPSCUnbounded[ControlRequest](),
		deliveryResults: queue.NewSPSCUnbounded[decoder.Result](),
		deliveryAlloc:   queue.NewNodeAllocator[decoder.Result](),
		directAllocs:    queue.NewAllocatorTable[*decoder.Decoder, decoder.Result](),
		lastTick:        clock.Now(),
	}
}

// NewOpenAllocator returns a fresh per-producer allocator for open requests.
func (d *Driver) NewOpenAllocator() *queue.NodeAllocator[OpenRequest] {
	return queue.NewNodeAllocator[OpenRequest]()
}

// SubmitOpen enqueues an open request using the caller's own allocator.
func (d *Driver) SubmitOpen(alloc *queue.NodeAllocator[OpenRequest], req OpenRequest) {
	node := alloc.Get()
	node.Item = req
	d.openIn.Produce(node)
}

// NewControlAllocator returns a fresh per-producer allocator for control requests.
func (d *Driver) NewControlAllocator() *queue.NodeAllocator[ControlRequest] {
	return queue.NewNodeAllocator[ControlRequest]()
}

// SubmitControl enqueues a control request using the caller's own allocator.
func (d *Driver) SubmitControl(alloc *queue.NodeAllocator[ControlRequest], req ControlRequest) {
	node := alloc.Get()
	node.Item = req
	d.ctrlIn.Produce(node)
}

// StreamCount reports how many streams are currently tracked, for tests.
func (d *Driver) StreamCount() int { return len(d.streams) }

// Stream looks up a tracked stream by id, for tests/inspection.
func (d *Driver) Stream(id int64) (*Stream, bool) {
	idx, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	return d.streams[idx], true
}

func (d *Driver) pushTickDuration(elapsed time.Duration) {
	d.tickRing[d.tickRingPos] = elapsed
	d.tickRingPos = (d.tickRingPos + 1) % tickRingSize
	if d.tickRingLen < tickRingSize {
		d.tickRingLen++
	}
}

func (d *Driver) meanTickDuration() time.Duration {
	if d.tickRingLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < d.tickRingLen; i++ {
		sum += d.tickRing[i]
	}
	return sum / time.Duration(d.tickRingLen)
}

// Tick runs one iteration of the ten-step algorithm in §4.5, then drives
// the owned AIO driver's own Tick so everything queued this tick executes.
func (d *Driver) Tick() {
	now := d.clock.Now()
	elapsed := now.Sub(d.lastTick)
	d.lastTick = now
	d.pushTickDuration(elapsed)
	meanTick := d.meanTickDuration()

	d.routeIntervalResults()
	d.flushDueDeliveries(now, meanTick)
	d.submitPendingCloses()
	d.removeClosedStreams()
	d.drainOpenRequests(now)
	d.drainControlRequests()

	h := d.rebuildEligibleHeap()
	d.dispatchReads(&h)
	d.flushPendingReadsToAIO()

	d.aio.Tick()
}

// step 2
func (d *Driver) routeIntervalResults() {
	for {
		node, ok := d.deliveryResults.Consume()
		if !ok {
			return
		}
		res := node.Item
		node.Release()

		idx, found := d.byID[int64(res.Identifier)]
		if !found {
			continue
		}
		s := d.streams[idx]

		if res.Err == nil && !res.EndOfStream && !res.Restart && res.DataActual > 0 {
			if !s.ring.push(res) {
				_, _ = s.ring.pop()
				s.ring.push(res)
			}
			continue
		}
		// errors, EOFs and restarts bypass the ring entirely.
		d.deliverToDecoder(s, res)
	}
}

// step 3
func (d *Driver) flushDueDeliveries(now time.Time, meanTick time.Duration) {
	for _, s := range d.streams {
		if s.Interval <= 0 || s.ring.empty() {
			continue
		}
		if now.Add(meanTick).Before(s.NextDeadline) {
			continue
		}
		res, ok := s.ring.pop()
		if !ok {
			continue
		}
		d.deliverToDecoder(s, res)
		s.NextDeadline = s.NextDeadline.Add(s.Interval)
	}
}

// step 4
func (d *Driver) submitPendingCloses() {
	for _, s := range d.streams {
		if s.Status != StatusClosePending {
			continue
		}
		req := &aio.Request{
			Command:    aio.CmdClose,
			Handle:     s.Source.Handle,
			Identifier: uint64(s.ID),
		}
		if d.aio.TryProduce(req) {
			s.Status = StatusClosed
		}
	}
}

// step 5
func (d *Driver) removeClosedStreams() {
	kept := d.streams[:0]
	for _, s := range d.streams {
		if s.Status == StatusClosed {
			s.Decoder.Release()
			delete(d.byID, s.ID)
			continue
		}
		kept = append(kept, s)
	}
	d.streams = kept
	for i, s := range d.streams {
		d.byID[s.ID] = i
	}
}

// step 6
func (d *Driver) drainOpenRequests(now time.Time) {
	for {
		node, ok := d.openIn.Consume()
		if !ok {
			return
		}
		req := node.Item
		node.Release()
		d.admit(req, now)
	}
}

func (d *Driver) admit(req OpenRequest, now time.Time) {
	d.openOrderCounter++
	s := &Stream{
		ID:           req.StreamID,
		Status:       StatusNone,
		Decoder:      req.Decoder,
		Source:       req.Source,
		Kind:         req.Kind,
		BasePriority: req.BasePriority,
		OpenOrder:    d.openOrderCounter,
		ReadOffset:   0,
		Interval:     req.Interval,
	}
	if req.Interval > 0 {
		s.NextDeadline = now.Add(req.Interval)
	}
	s.Decoder.AddRef()
	d.byID[s.ID] = len(d.streams)
	d.streams = append(d.streams, s)
}

// step 7
func (d *Driver) drainControlRequests() {
	for {
		node, ok := d.ctrlIn.Consume()
		if !ok {
			return
		}
		ctrl := node.Item
		node.Release()
		d.applyControl(ctrl)
	}
}

func (d *Driver) applyControl(c ControlRequest) {
	idx, ok := d.byID[c.StreamID]
	if !ok {
		return
	}
	s := d.streams[idx]
	switch c.Kind {
	case CtrlPause:
		s.Status = StatusPaused
	case CtrlResume:
		if s.Status == StatusPaused {
			s.Status = StatusNone
		}
	case CtrlRewind:
		if s.Status == StatusPaused {
			s.Status = StatusNone
		}
		s.ReadOffset = 0
	case CtrlSeek:
		if s.Status == StatusPaused {
			s.Status = StatusNone
		}
		sector := s.Source.SectorSize
		if sector <= 0 {
			sector = 1
		}
		s.ReadOffset = (c.SeekOffset / sector) * sector
	case CtrlStop:
		s.Status = StatusClosePending
	}
}

// step 8
func (d *Driver) rebuildEligibleHeap() priorityHeap {
	h := make(priorityHeap, 0, len(d.streams))
	for i, s := range d.streams {
		if s.Status == StatusNone {
			h = append(h, eligible{streamIdx: i, basePriority: s.BasePriority, openOrder: s.OpenOrder})
		}
	}
	heap.Init(&h)
	return h
}

// step 9
func (d *Driver) dispatchReads(h *priorityHeap) {
	// A backlog here means a prior tick's flushPendingReadsToAIO hit a full
	// AIO queue and left requests unsubmitted — each one already holds a
	// buffer it popped from the pool and reflects a ReadOffset advance that
	// already happened, so it must be drained before any new read is built,
	// not discarded or rebuilt.
	if len(d.pendingReads) > 0 {
		return
	}
	for h.Len() > 0 {
		top := heap.Pop(h).(eligible)
		s := d.streams[top.streamIdx]

		buf, ok := d.pool.GetBuffer()
		if !ok {
			continue
		}

		offset := s.ReadOffset
		finalOffset := offset + int64(len(buf))

		var statusFlags aio.StatusFlag
		var closeFlags aio.CloseFlag
		if finalOffset < s.Source.BaseSize {
			s.ReadOffset = finalOffset
		} else if s.Kind == KindLoadOnce {
			s.Status = StatusClosed
			statusFlags |= aio.StatusEndOfStream
			closeFlags = aio.CloseOnComplete
		} else {
			statusFlags |= aio.StatusRestart
			s.ReadOffset = 0
		}

		req := d.buildReadRequest(s, buf, offset, statusFlags, closeFlags)
		d.pendingReads = append(d.pendingReads, req)
	}
}

func (d *Driver) buildReadRequest(s *Stream, buf []byte, offset int64, statusFlags aio.StatusFlag, closeFlags aio.CloseFlag) *aio.Request {
	s.Decoder.AddRef()

	var results *queue.SPSCUnbounded[decoder.Result]
	var alloc *queue.NodeAllocator[decoder.Result]
	if s.Interval > 0 {
		results = d.deliveryResults
		alloc = d.deliveryAlloc
	} else {
		results = s.Decoder.Results()
		alloc = d.directAllocs.For(s.Decoder)
	}

	return &aio.Request{
		Command:     aio.CmdRead,
		Handle:      s.Source.Handle,
		Buffer:      buf,
		FileOffset:  s.Source.BaseOffset + offset,
		Identifier:  uint64(s.ID),
		Priority:    s.BasePriority,
		StatusFlags: statusFlags,
		CloseFlags:  closeFlags,
		Results:     results,
		ResultAlloc: alloc,
	}
}

// step 10
func (d *Driver) flushPendingReadsToAIO() {
	i := 0
	for ; i < len(d.pendingReads); i++ {
		req := d.pendingReads[i]
		if !d.aio.TryProduce(req) {
			// AIO's bounded input queue is full. The remaining requests keep
			// their already-acquired buffers and already-advanced
			// ReadOffsets; they carry over to next tick's flush instead of
			// being dropped here, per §4.5 step 10.
			break
		}
		if d.observer != nil {
			d.observer.ObservePIODispatch(int64(req.Identifier), uint64(len(req.Buffer)))
		}
	}
	d.pendingReads = append(d.pendingReads[:0:0], d.pendingReads[i:]...)
}

func (d *Driver) deliverToDecoder(s *Stream, res decoder.Result) {
	alloc := d.directAllocs.For(s.Decoder)
	node := alloc.Get()
	node.Item = res
	s.Decoder.Results().Produce(node)
}
