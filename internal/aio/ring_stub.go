//go:build !giouring

package aio

import "github.com/chenbk85/imagepipe/internal/vfs"

// stubRing is the default, portable backend. It has no real completion
// port to defer to, so it performs the ReadAt/WriteAt synchronously at
// Submit time and queues the resulting Completion for the next Poll call
// instead of returning it directly — Submit itself never reports a
// result, preserving the submit/poll split the driver relies on.
type stubRing struct {
	completed []Completion
}

// NewRing constructs the default Ring backend.
func NewRing() (Ring, error) { return &stubRing{}, nil }

func (r *stubRing) SubmitRead(h vfs.Handle, buf []byte, offset int64, token uint64) error {
	n, err := h.ReadAt(buf, offset)
	r.completed = append(r.completed, Completion{Token: token, N: n, Err: err})
	return nil
}

func (r *stubRing) SubmitWrite(h vfs.Handle, buf []byte, offset int64, token uint64) error {
	n, err := h.WriteAt(buf, offset)
	r.completed = append(r.completed, Completion{Token: token, N: n, Err: err})
	return nil
}

func (r *stubRing) Poll(max int) []Completion {
	if max <= 0 || max > len(r.completed) {
		max = len(r.completed)
	}
	out := r.completed[:max]
	r.completed = r.completed[max:]
	return out
}

func (r *stubRing) Close() error { return nil }
