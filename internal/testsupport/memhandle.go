// Package testsupport provides fake collaborators — an in-memory vfs.Handle
// and a manual clock — used across the pipeline's package tests so each
// package can exercise AIO/PIO timing and I/O paths without real files or
// real time.
package testsupport

import (
	"fmt"
	"io"
	"sync"
)

// ShardSize is the size of each memory shard. Sharded locking lets many
// concurrent readers/writers touch disjoint regions of the same handle
// without serializing on a single mutex.
const ShardSize = 64 * 1024

// MemHandle is a growable, sharded-lock in-memory vfs.Handle.
type MemHandle struct {
	mu     sync.Mutex // guards len growth and shard slice growth
	name   string
	data   []byte
	shards []sync.RWMutex
	closed bool
}

// NewMemHandle creates a zero-length in-memory handle named name.
func NewMemHandle(name string) *MemHandle {
	return &MemHandle{name: name}
}

// NewMemHandleWithData creates a handle pre-populated with data (copied).
func NewMemHandleWithData(name string, data []byte) *MemHandle {
	h := &MemHandle{name: name, data: make([]byte, len(data))}
	copy(h.data, data)
	h.growShards()
	return h
}

func (h *MemHandle) growShards() {
	need := (len(h.data) + ShardSize - 1) / ShardSize
	for len(h.shards) < need {
		h.shards = append(h.shards, sync.RWMutex{})
	}
}

func (h *MemHandle) shardRange(off, length int64) (start, end int) {
	if length <= 0 {
		length = 1
	}
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	return start, end
}

// ReadAt implements vfs.Handle. Reads past the current length return
// io.EOF along with any bytes available, matching os.File semantics.
func (h *MemHandle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, fmt.Errorf("testsupport: read on closed handle %s", h.name)
	}
	size := int64(len(h.data))
	h.mu.Unlock()

	if off >= size {
		return 0, io.EOF
	}
	available := size - off
	readLen := int64(len(p))
	atEOF := false
	if readLen > available {
		readLen = available
		atEOF = true
	}

	startShard, endShard := h.shardRange(off, readLen)
	for i := startShard; i <= endShard && i < len(h.shards); i++ {
		h.shards[i].RLock()
	}
	n := copy(p, h.data[off:off+readLen])
	for i := startShard; i <= endShard && i < len(h.shards); i++ {
		h.shards[i].RUnlock()
	}

	if atEOF {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements vfs.Handle, growing the backing slice as needed.
func (h *MemHandle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, fmt.Errorf("testsupport: write on closed handle %s", h.name)
	}
	need := off + int64(len(p))
	if need > int64(len(h.data)) {
		grown := make([]byte, need)
		copy(grown, h.data)
		h.data = grown
	}
	h.growShards()
	h.mu.Unlock()

	startShard, endShard := h.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard && i < len(h.shards); i++ {
		h.shards[i].Lock()
	}
	n := copy(h.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard && i < len(h.shards); i++ {
		h.shards[i].Unlock()
	}
	return n, nil
}

// Sync is a no-op; the backing store is already durable (in memory).
func (h *MemHandle) Sync() error { return nil }

// Truncate grows or shrinks the backing slice to size bytes.
func (h *MemHandle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size < 0 {
		return fmt.Errorf("testsupport: negative truncate size")
	}
	if int64(len(h.data)) == size {
		return nil
	}
	grown := make([]byte, size)
	copy(grown, h.data)
	h.data = grown
	h.growShards()
	return nil
}

// Close marks the handle unusable for further reads/writes.
func (h *MemHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Name returns the handle's logical name/path.
func (h *MemHandle) Name() string { return h.name }

// Len returns the current backing size, for test assertions.
func (h *MemHandle) Len() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.data))
}

// Bytes returns a copy of the current contents, for test assertions.
func (h *MemHandle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, len(h.data))
	copy(out, h.data)
	return out
}

// Closed reports whether Close has been called.
func (h *MemHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
