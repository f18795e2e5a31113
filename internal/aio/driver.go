// Package aio implements the single-threaded AIO driver (C4): it owns a
// bounded SPSC request queue, bins each tick's requests by command type,
// submits reads and writes to a Ring backend as non-blocking overlapped
// operations bounded by MAX_ACTIVE in-flight slots, executes flushes,
// closes and close-and-renames inline, and posts results onto each
// request's own bundled result queue.
package aio

import (
	"io"
	"os"
	"time"

	"github.com/chenbk85/imagepipe/internal/constants"
	"github.com/chenbk85/imagepipe/internal/decoder"
	"github.com/chenbk85/imagepipe/internal/logging"
	"github.com/chenbk85/imagepipe/internal/queue"
)

// Observer receives per-completion telemetry. A nil Observer disables it.
type Observer interface {
	ObserveAIOComplete(op string, bytes uint64, latencyNs uint64, success bool)
}

// inflight tracks one overlapped read or write submitted to the Ring but
// not yet reported back by Poll. It occupies one of the driver's
// active_count slots until its Completion arrives.
type inflight struct {
	req     *Request
	isWrite bool
	start   time.Time
}

// Driver is the AIO service described by §4.4. Its input queue is bounded
// (queueDepth-deep); backpressure on a full queue is the caller's problem
// to handle (the PIO driver keeps any read it could not enqueue in its own
// backlog and retries it on a later tick).
//
// Reads and writes are overlapped operations: Tick submits them to the
// Ring without waiting for completion and tracks up to maxActive of them
// at once in active/freeList, carried across ticks. At all times
// len(freeList) + (occupied slots in active) == maxActive — the bounded
// concurrency invariant in §8. Flushes, closes and close-and-renames are
// synchronous commands; they execute and post their result inline within
// the tick that dequeued them, per §4.4 step 3.
type Driver struct {
	ring       Ring
	in         *queue.SPSCBounded[*Request]
	queueDepth int
	logger     *logging.Logger
	observer   Observer

	maxActive int
	active    []*inflight    // len == maxActive; nil entry == free slot
	freeList  []int          // stack of indices into active that are free
	tokenSlot map[uint64]int // submission token -> slot in active
	nextToken uint64

	pendingReads  []*Request // reads that have not yet found a free slot
	pendingWrites []*Request // writes that have not yet found a free slot

	shuttingDown bool
}

// Config configures a new Driver.
type Config struct {
	QueueDepth int // input queue depth, rounded up to a power of two by the queue
	MaxActive  int // N = MAX_ACTIVE, the bound on concurrently in-flight reads/writes; defaults to QueueDepth
	Ring       Ring
	Logger     *logging.Logger
	Observer   Observer
}

// NewDriver constructs a Driver. If cfg.Ring is nil, NewRing's default
// backend for this build is used.
func NewDriver(cfg Config) (*Driver, error) {
	ring := cfg.Ring
	if ring == nil {
		r, err := NewRing()
		if err != nil {
			return nil, err
		}
		ring = r
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = constants.AIOQueueDepth
	}
	maxActive := cfg.MaxActive
	if maxActive <= 0 {
		maxActive = depth
	}

	freeList := make([]int, maxActive)
	for i := range freeList {
		freeList[i] = maxActive - 1 - i
	}

	return &Driver{
		ring:       ring,
		in:         queue.NewSPSCBounded[*Request](depth),
		queueDepth: depth,
		logger:     logger,
		observer:   cfg.Observer,
		maxActive:  maxActive,
		active:     make([]*inflight, maxActive),
		freeList:   freeList,
	}, nil
}

// Requests returns the bounded input queue. Producers call TryProduce on it
// directly; the driver is the sole consumer.
func (d *Driver) Requests() *queue.SPSCBounded[*Request] { return d.in }

// TryProduce is a convenience wrapper around Requests().TryProduce.
func (d *Driver) TryProduce(req *Request) bool { return d.in.TryProduce(req) }

// ShuttingDown reports whether the shutdown identifier has been received.
func (d *Driver) ShuttingDown() bool { return d.shuttingDown }

// ActiveCount reports how many overlapped read/write slots are currently
// occupied. Always 0 <= ActiveCount() <= MaxActive(), and
// ActiveCount()+len(freeList) == MaxActive() at every point between Ticks.
func (d *Driver) ActiveCount() int { return d.maxActive - len(d.freeList) }

// MaxActive reports the configured bound on concurrently in-flight reads
// and writes (N in the spec's MAX_ACTIVE terminology).
func (d *Driver) MaxActive() int { return d.maxActive }

// Close releases the Ring backend. Call after the last Tick.
func (d *Driver) Close() error { return d.ring.Close() }

// Tick advances the driver by one step, per §4.4:
//
//  1. Poll completions for overlapped reads/writes submitted by a prior
//     Tick (or earlier in this one), freeing their slots.
//  2. Drain the input queue (up to queueDepth requests) and bin them by
//     command type.
//  3. Append this tick's reads/writes to the pending carryover queues
//     left over from any earlier tick that couldn't submit them, then
//     submit from those queues while active_count < MAX_ACTIVE. Anything
//     that still doesn't fit stays queued in pendingReads/pendingWrites
//     for the next Tick — it is never dropped.
//  4. Poll again so that a backend completing synchronously at submit
//     time (the portable stub) still reports its result within the same
//     Tick; a backend that genuinely completes asynchronously (io_uring)
//     simply reports nothing here and is picked up by a later Tick's
//     step 1.
//  5. Execute flushes, closes and close-and-renames inline — these are
//     synchronous commands and never occupy an active slot.
func (d *Driver) Tick() {
	if d.shuttingDown {
		return
	}

	d.pollCompletions()

	var flushes, closes, renames []*Request
	for i := 0; i < d.queueDepth; i++ {
		req, ok := d.in.TryConsume()
		if !ok {
			break
		}
		if req.Identifier == ShutdownIdentifier {
			d.shuttingDown = true
			return
		}
		switch req.Command {
		case CmdRead:
			d.pendingReads = append(d.pendingReads, req)
		case CmdWrite:
			d.pendingWrites = append(d.pendingWrites, req)
		case CmdFlush:
			flushes = append(flushes, req)
		case CmdClose:
			req.CloseFlags = CloseOnComplete
			closes = append(closes, req)
		case CmdCloseAndRename:
			renames = append(renames, req)
		}
	}

	d.submitPending()
	d.pollCompletions()

	for _, r := range flushes {
		d.execFlush(r)
	}
	for _, r := range closes {
		d.execClose(r)
	}
	for _, r := range renames {
		d.execCloseAndRename(r)
	}
}

// submitPending hands reads, then writes, from the pending carryover
// queues to the Ring while a free slot remains, per §4.4 step 3's
// reads-before-writes submission order. Anything left over stays in
// pendingReads/pendingWrites for the next Tick instead of being dropped.
func (d *Driver) submitPending() {
	d.pendingReads = d.submitFrom(d.pendingReads, false)
	d.pendingWrites = d.submitFrom(d.pendingWrites, true)
}

func (d *Driver) submitFrom(pending []*Request, isWrite bool) []*Request {
	i := 0
	for ; i < len(pending); i++ {
		if len(d.freeList) == 0 {
			break
		}
		req := pending[i]
		slot := d.freeList[len(d.freeList)-1]
		token := d.nextToken
		d.nextToken++

		var err error
		if isWrite {
			err = d.ring.SubmitWrite(req.Handle, req.Buffer, req.FileOffset, token)
		} else {
			err = d.ring.SubmitRead(req.Handle, req.Buffer, req.FileOffset, token)
		}
		if err != nil {
			// Submission rejected: post a synchronous error completion with
			// the submit error and go on with the next request; no slot is
			// taken.
			c := Completion{Token: token, Err: err}
			if isWrite {
				d.completeWrite(req, c, time.Now())
			} else {
				d.completeRead(req, c, time.Now())
			}
			continue
		}

		d.freeList = d.freeList[:len(d.freeList)-1]
		d.active[slot] = &inflight{req: req, isWrite: isWrite, start: time.Now()}
		d.activeByToken(token, slot)
	}
	return append(pending[:0:0], pending[i:]...)
}

// tokenSlots maps a submission token back to the active slot it occupies.
// Kept alongside active rather than folded into it so active can stay a
// plain fixed-size slice indexed by slot, matching iocb_list/iocb_free in
// spirit: a dense array of outstanding operations plus a free list.
func (d *Driver) activeByToken(token uint64, slot int) {
	if d.tokenSlot == nil {
		d.tokenSlot = make(map[uint64]int)
	}
	d.tokenSlot[token] = slot
}

func (d *Driver) pollCompletions() {
	completions := d.ring.Poll(0)
	for _, c := range completions {
		slot, ok := d.tokenSlot[c.Token]
		if !ok {
			continue
		}
		delete(d.tokenSlot, c.Token)
		op := d.active[slot]
		d.active[slot] = nil
		d.freeList = append(d.freeList, slot)

		if op.isWrite {
			d.completeWrite(op.req, c, op.start)
		} else {
			d.completeRead(op.req, c, op.start)
		}
	}
}

func (d *Driver) observe(op string, n uint64, start time.Time, success bool) {
	if d.observer == nil {
		return
	}
	d.observer.ObserveAIOComplete(op, n, uint64(time.Since(start).Nanoseconds()), success)
}

func (d *Driver) completeRead(req *Request, c Completion, start time.Time) {
	res := decoder.Result{
		Buffer:     req.Buffer,
		DataActual: uint32(c.N),
		FileOffset: req.FileOffset,
		Identifier: req.Identifier,
	}
	if req.StatusFlags&StatusEndOfStream != 0 {
		res.EndOfStream = true
	}
	if req.StatusFlags&StatusRestart != 0 {
		res.Restart = true
	}

	success := c.Err == nil
	if c.Err == io.EOF {
		// HANDLE_EOF: post a zero-byte success completion, not an error.
		success = true
		res.EndOfStream = true
	} else if c.Err != nil {
		res.Err = c.Err
	}

	postResult(req, res)
	d.observe("read", uint64(c.N), start, success)
	d.maybeClose(req, !success)
}

func (d *Driver) completeWrite(req *Request, c Completion, start time.Time) {
	res := decoder.Result{
		Buffer:     req.Buffer,
		DataActual: uint32(c.N),
		FileOffset: req.FileOffset,
		Err:        c.Err,
	}
	postResult(req, res)
	d.observe("write", uint64(c.N), start, c.Err == nil)
	d.maybeClose(req, c.Err != nil)
}

func (d *Driver) execFlush(req *Request) {
	start := time.Now()
	var err error
	if req.Handle != nil {
		err = req.Handle.Sync()
	}
	postResult(req, decoder.Result{Err: err})
	d.observe("flush", 0, start, err == nil)
	d.maybeClose(req, err != nil)
}

func (d *Driver) execClose(req *Request) {
	start := time.Now()
	var err error
	if req.Handle != nil {
		err = req.Handle.Close()
	}
	postResult(req, decoder.Result{Err: err})
	d.observe("close", 0, start, err == nil)
}

// execCloseAndRename flushes, truncates off any sector-aligned padding
// introduced by unbuffered writes, closes, then moves the file to its
// final path — or deletes it if RenamePath is empty.
func (d *Driver) execCloseAndRename(req *Request) {
	start := time.Now()
	var err error
	var name string

	if req.Handle != nil {
		name = req.Handle.Name()
		if syncErr := req.Handle.Sync(); syncErr != nil {
			err = syncErr
		}
		if err == nil && req.LogicalSize >= 0 {
			if truncErr := req.Handle.Truncate(req.LogicalSize); truncErr != nil {
				err = truncErr
			}
		}
		if closeErr := req.Handle.Close(); err == nil {
			err = closeErr
		}
	}

	if err == nil && name != "" {
		if req.RenamePath == "" {
			err = os.Remove(name)
		} else {
			err = os.Rename(name, req.RenamePath)
		}
	}

	postResult(req, decoder.Result{Err: err})
	d.observe("close_and_rename", 0, start, err == nil)
}

// maybeClose honors a request's close flag predicate after a READ/WRITE/
// FLUSH completion: CLOSE_ON_ERROR only closes when failed is true,
// CLOSE_ON_COMPLETE always closes.
func (d *Driver) maybeClose(req *Request, failed bool) {
	if req.Handle == nil {
		return
	}
	switch req.CloseFlags {
	case CloseOnError:
		if failed {
			_ = req.Handle.Close()
		}
	case CloseOnComplete:
		_ = req.Handle.Close()
	}
}
