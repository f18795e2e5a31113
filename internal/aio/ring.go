package aio

import "github.com/chenbk85/imagepipe/internal/vfs"

// Ring is the overlapped I/O backend for READ and WRITE commands. Submit
// enqueues an operation and returns immediately without waiting for it to
// finish — the operation is IO_PENDING until a later Poll call reports it
// done. Poll never blocks: it reports whatever has completed so far, in
// whatever order the backend finished them, and nothing otherwise. This is
// what lets the driver keep more than one read/write outstanding at once
// and carry `active_count` in-flight operations across Tick calls instead
// of finishing each one inline.
//
// The default build (ring_stub.go) has no real kernel completion port to
// poll, so it executes each op synchronously at Submit time and queues the
// already-known Completion for the next Poll call; building with -tags
// giouring swaps in ring_uring.go, which submits a real io_uring SQE and
// polls its completion queue without waiting. This mirrors how the teacher
// repo selects its io_uring backend behind the same build tag.
type Ring interface {
	// SubmitRead and SubmitWrite enqueue one overlapped operation, tagged
	// with token so its eventual Completion can be matched back to the
	// in-flight slot that submitted it.
	SubmitRead(h vfs.Handle, buf []byte, offset int64, token uint64) error
	SubmitWrite(h vfs.Handle, buf []byte, offset int64, token uint64) error

	// Poll drains up to max completed operations without blocking (all of
	// them, if max <= 0).
	Poll(max int) []Completion

	Close() error
}

// Completion reports one finished overlapped operation, matched back to
// the Request that submitted it via Token.
type Completion struct {
	Token uint64
	N     int
	Err   error
}
