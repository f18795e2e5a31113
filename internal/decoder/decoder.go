// Package decoder implements the pull-model stream decoder facade (C3): a
// consumer that receives completed AIO read buffers, exposes a contiguous
// decoded window over the most recently arrived buffer, and returns
// consumed buffers to the I/O buffer pool.
package decoder

import (
	"sync/atomic"

	"github.com/chenbk85/imagepipe/internal/queue"
)

// Status is the outcome of a Refill call.
type Status int

const (
	StatusStart Status = iota // a window of bytes is available to read
	StatusYield               // no completed result is queued yet; try again next tick
	StatusError               // the underlying stream failed; see LastError
)

// Result is what the AIO driver posts into a decoder's result queue: the
// completed read's buffer and bookkeeping flags. Identifier carries the
// originating request's identifier through for submitters (PIO) that
// route one shared result queue back to many owning streams.
type Result struct {
	Buffer      []byte
	DataActual  uint32
	FileOffset  int64
	Identifier  uint64
	EndOfStream bool
	Restart     bool
	Err         error
}

// Decoder is a pull-model facade over one logical stream. PIO increments
// its refcount when it admits the stream and again for every read request
// it builds; PIO releases once when it removes the stream, and the loader
// releases once when its parser completes or fails. Completed read
// requests do not release their reference, and nothing acts on the count
// reaching zero.
type Decoder struct {
	refcount atomic.Int32

	results     *queue.SPSCUnbounded[Result]
	returns     *queue.MPSCUnbounded[[]byte]
	returnAlloc *queue.NodeAllocator[[]byte]

	// CurBuf/FirstByte/FinalByte/ReadCursor bound the current decoded window.
	CurBuf     []byte
	FirstByte  int
	FinalByte  int
	ReadCursor int

	fileOffset   int64
	decodeOffset int64
	atEnd        bool
	lastErr      error
}

// New creates a decoder whose consumed buffers are returned to the pool via
// the given shared MPSC return queue (drained by whichever component owns
// the buffer pool; in the pipeline that is the loader, which drains it
// every tick).
func New(returns *queue.MPSCUnbounded[[]byte]) *Decoder {
	return &Decoder{
		results:     queue.NewSPSCUnbounded[Result](),
		returns:     returns,
		returnAlloc: queue.NewNodeAllocator[[]byte](),
	}
}

// Results returns the SPSC queue AIO posts completions into for this decoder.
func (d *Decoder) Results() *queue.SPSCUnbounded[Result] { return d.results }

// AddRef increments the reference count and returns the new value.
func (d *Decoder) AddRef() int32 { return d.refcount.Add(1) }

// Release decrements the reference count and returns the new value.
func (d *Decoder) Release() int32 { return d.refcount.Add(-1) }

// RefCount returns the current reference count.
func (d *Decoder) RefCount() int32 { return d.refcount.Load() }

// Amount returns the number of unread bytes in the current decoded window.
func (d *Decoder) Amount() int { return d.FinalByte - d.ReadCursor }

// Pos returns the logical (file_offset, decode_offset) of the first unread
// byte in the current window.
func (d *Decoder) Pos() (fileOffset, decodeOffset int64) {
	advanced := int64(d.ReadCursor - d.FirstByte)
	return d.fileOffset + advanced, d.decodeOffset + advanced
}

// AtEnd reports whether a read carrying EndOfStream has been fully consumed.
func (d *Decoder) AtEnd() bool { return d.atEnd && d.Amount() == 0 }

// LastError returns the error that caused the most recent Refill to report
// StatusError, if any.
func (d *Decoder) LastError() error { return d.lastErr }

// NextBuf pops the next queued AIO result and makes it the current window,
// returning the previous window's buffer (nil if none yet) so the caller
// can return it to the pool. ok is false if no result is queued yet.
func (d *Decoder) NextBuf() (prevBuf []byte, ok bool) {
	n, has := d.results.Consume()
	if !has {
		return nil, false
	}
	res := n.Item
	n.Release()

	prevBuf = d.CurBuf
	if res.Err != nil {
		d.lastErr = res.Err
		return prevBuf, true
	}

	if res.Restart {
		d.decodeOffset = 0
	} else {
		d.decodeOffset += int64(d.FinalByte - d.FirstByte)
	}

	d.CurBuf = res.Buffer
	d.FirstByte = 0
	d.FinalByte = int(res.DataActual)
	d.ReadCursor = 0
	d.fileOffset = res.FileOffset
	if res.EndOfStream {
		d.atEnd = true
	}
	return prevBuf, true
}

// ReturnBuffer enqueues buf on the shared MPSC return queue.
func (d *Decoder) ReturnBuffer(buf []byte) {
	if buf == nil || d.returns == nil {
		return
	}
	node := d.returnAlloc.Get()
	node.Item = buf
	d.returns.Produce(node)
}

// Refill is the "decode the next chunk" entry point. The base passthrough
// behavior simply swaps in the next queued buffer and returns the previous
// one to the pool; concrete container decoders may wrap Refill with
// decompression, but plain DDS pixel streaming needs no such layer.
func (d *Decoder) Refill() Status {
	if d.lastErr != nil {
		return StatusError
	}
	if d.Amount() > 0 {
		return StatusStart
	}
	if d.atEnd {
		return StatusStart
	}
	prev, ok := d.NextBuf()
	if prev != nil {
		d.ReturnBuffer(prev)
	}
	if !ok {
		return StatusYield
	}
	if d.lastErr != nil {
		return StatusError
	}
	return StatusStart
}

// Advance marks n bytes of the current window as consumed.
func (d *Decoder) Advance(n int) {
	d.ReadCursor += n
	if d.ReadCursor > d.FinalByte {
		d.ReadCursor = d.FinalByte
	}
}
