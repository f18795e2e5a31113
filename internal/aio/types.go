package aio

import (
	"github.com/chenbk85/imagepipe/internal/decoder"
	"github.com/chenbk85/imagepipe/internal/queue"
	"github.com/chenbk85/imagepipe/internal/vfs"
)

// CommandType selects which operation a Request performs.
type CommandType int

const (
	CmdRead CommandType = iota
	CmdWrite
	CmdFlush
	CmdClose
	CmdCloseAndRename
)

func (c CommandType) String() string {
	switch c {
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdFlush:
		return "flush"
	case CmdClose:
		return "close"
	case CmdCloseAndRename:
		return "close_and_rename"
	default:
		return "unknown"
	}
}

// CloseFlag controls whether a completed request's handle is closed.
type CloseFlag int

const (
	CloseNone CloseFlag = iota
	CloseOnError
	CloseOnComplete
)

// StatusFlag annotates a posted result with stream-level bookkeeping the
// decoder and PIO driver need but that AIO itself does not interpret.
type StatusFlag uint32

const (
	StatusNone        StatusFlag = 0
	StatusEndOfStream StatusFlag = 1 << 0
	StatusRestart     StatusFlag = 1 << 1
)

// ShutdownIdentifier is the distinguished identifier that signals driver
// shutdown: on receipt, Tick sets the shutdown flag and returns without
// processing the rest of the input queue for that tick.
const ShutdownIdentifier uint64 = ^uint64(0)

// Request is one command submitted to the AIO driver. READ and WRITE carry
// a destination/source buffer; FLUSH, CLOSE and CLOSE_AND_RENAME ignore it.
// Results and ResultAlloc are the request's own bundled SPSC result queue
// and allocator, per §4.1/§4.4 — AIO never owns a shared result queue.
type Request struct {
	Command     CommandType
	Handle      vfs.Handle
	Buffer      []byte
	FileOffset  int64
	Identifier  uint64
	Priority    int64
	CloseFlags  CloseFlag
	StatusFlags StatusFlag

	// RenamePath and LogicalSize apply only to CLOSE_AND_RENAME: the file is
	// flushed, truncated to LogicalSize (undoing any sector-aligned padding
	// introduced by unbuffered writes), closed, then moved to RenamePath —
	// or deleted if RenamePath is empty.
	RenamePath  string
	LogicalSize int64

	Results     *queue.SPSCUnbounded[decoder.Result]
	ResultAlloc *queue.NodeAllocator[decoder.Result]
}

// ShutdownRequest builds the distinguished request that stops the driver.
func ShutdownRequest() *Request {
	return &Request{Identifier: ShutdownIdentifier}
}

// postResult delivers res to req's own result queue, if it has one. A
// request built without Results/ResultAlloc still executes, but no
// completion record is posted for it.
func postResult(req *Request, res decoder.Result) {
	if req.Results == nil || req.ResultAlloc == nil {
		return
	}
	node := req.ResultAlloc.Get()
	node.Item = res
	req.Results.Produce(node)
}
