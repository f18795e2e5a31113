package pio

import (
	"time"

	"github.com/chenbk85/imagepipe/internal/decoder"
	"github.com/chenbk85/imagepipe/internal/vfs"
)

// Status is a stream-in's lifecycle state. Paused streams are simply not
// inserted into the priority heap each tick; they are never removed from
// the active set by pausing.
type Status int

const (
	StatusNone Status = iota
	StatusPaused
	StatusClosePending
	StatusClosed
)

// Kind distinguishes a stream-once load from a persistent, looping stream.
type Kind int

const (
	KindLoadOnce Kind = iota
	KindPersistent
)

// deliveryRing is the fixed capacity-4 ring buffer of data results awaiting
// their paced delivery deadline.
type deliveryRing struct {
	buf        [4]decoder.Result
	head, tail int
	count      int
}

func (r *deliveryRing) push(v decoder.Result) bool {
	if r.count == len(r.buf) {
		return false
	}
	r.buf[r.tail] = v
	r.tail = (r.tail + 1) % len(r.buf)
	r.count++
	return true
}

func (r *deliveryRing) pop() (decoder.Result, bool) {
	if r.count == 0 {
		return decoder.Result{}, false
	}
	v := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return v, true
}

func (r *deliveryRing) empty() bool { return r.count == 0 }

// Stream is one active stream-in. Go's array-of-structs stands in for the
// spec's parallel-array layout; the fields and invariants are the same.
type Stream struct {
	ID           int64
	Status       Status
	Decoder      *decoder.Decoder
	Source       *vfs.Source
	Kind         Kind
	BasePriority int64
	OpenOrder    uint64

	ReadOffset int64

	// Interval is the target spacing between deliveries to the decoder; 0
	// means deliver as soon as a read completes (no ring gating).
	Interval     time.Duration
	NextDeadline time.Time
	ring         deliveryRing
}

// OpenRequest asks the driver to begin streaming from Source.
type OpenRequest struct {
	StreamID     int64
	Source       *vfs.Source
	Kind         Kind
	BasePriority int64
	Interval     time.Duration
	Decoder      *decoder.Decoder
}

// ControlKind selects a ControlRequest's action.
type ControlKind int

const (
	CtrlPause ControlKind = iota
	CtrlResume
	CtrlRewind
	CtrlSeek
	CtrlStop
)

// ControlRequest mutates a running stream's pacing/position.
type ControlRequest struct {
	StreamID   int64
	Kind       ControlKind
	SeekOffset int64
}
