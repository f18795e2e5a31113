// Package iobuf implements the page-aligned, pinned, fixed-size I/O buffer
// pool (C2) that backs unbuffered overlapped reads and writes. It reserves
// one contiguous VM range up front, commits it entirely, and hands out
// fixed-size buffers from a free list.
package iobuf

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/chenbk85/imagepipe/internal/logging"
)

func roundUp(v, multiple int) int {
	if multiple <= 0 {
		return v
	}
	if r := v % multiple; r != 0 {
		return v + (multiple - r)
	}
	return v
}

// Pool is a free-list allocator over one mmap'd, page-aligned VM range.
// All buffers are the same fixed size, suitable for unbuffered (O_DIRECT
// style) overlapped I/O where both size and alignment matter.
type Pool struct {
	mu        sync.Mutex
	mem       []byte
	allocSize int
	free      [][]byte
	logger    *logging.Logger
}

// NewPool reserves and commits ceil(requestedTotal / allocSize) * allocSize
// bytes of VM, where allocSize is requestedAlloc rounded up to the page
// size. It then attempts to pin the range in physical memory; failure to
// pin is logged and is not fatal (the range is still perfectly usable, just
// subject to paging under memory pressure).
func NewPool(requestedTotal, requestedAlloc int, logger *logging.Logger) (*Pool, error) {
	if logger == nil {
		logger = logging.Default()
	}
	pageSize := os.Getpagesize()
	allocSize := roundUp(requestedAlloc, pageSize)
	if allocSize <= 0 {
		return nil, fmt.Errorf("iobuf: requested allocation size must be positive")
	}
	total := roundUp(requestedTotal, allocSize)
	if total <= 0 {
		total = allocSize
	}

	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("iobuf: mmap %d bytes: %w", total, err)
	}

	if err := unix.Mlock(mem); err != nil {
		logger.Warnf("iobuf: failed to pin %d byte buffer pool, continuing unpinned: %v", total, err)
	}

	p := &Pool{mem: mem, allocSize: allocSize, logger: logger}
	p.rebuildFreeList()
	return p, nil
}

func (p *Pool) rebuildFreeList() {
	n := len(p.mem) / p.allocSize
	p.free = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * p.allocSize
		p.free = append(p.free, p.mem[start:start+p.allocSize:start+p.allocSize])
	}
}

// BufferSize returns the fixed size of every buffer handed out by GetBuffer.
func (p *Pool) BufferSize() int { return p.allocSize }

// Capacity returns the total number of buffers the pool can hand out at once.
func (p *Pool) Capacity() int { return len(p.mem) / p.allocSize }

// GetBuffer pops one buffer from the free list. Returns ok=false if the pool
// is exhausted — per §7, this is backpressure, not an error: the caller
// (PIO) should skip the requesting stream for this tick and retry later.
func (p *Pool) GetBuffer() (buf []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, false
	}
	buf = p.free[n-1]
	p.free = p.free[:n-1]
	return buf, true
}

// PutBuffer returns a buffer obtained from GetBuffer to the free list.
func (p *Pool) PutBuffer(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, buf[:p.allocSize:p.allocSize])
}

// Flush rebuilds the free list from scratch. Valid only when the caller
// knows no buffers are currently checked out — calling it while buffers are
// in flight will hand out buffers that are still being written to.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebuildFreeList()
}

// Close releases the entire VM reservation. The pool must not be used
// afterward.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	p.free = nil
	return err
}
