// Package vfs defines the minimal collaborator interface the pipeline
// consumes from the (out-of-scope, per spec §1) virtual filesystem layer:
// an already-opened handle plus the sector size, base offset and base size
// of the data region within it. The core never resolves paths, enumerates
// files, or hashes them — that is the VFS mount layer's job.
package vfs

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FileHint mirrors the recognised file hints of spec §6.
type FileHint uint32

const (
	HintNone       FileHint = 0
	HintUnbuffered FileHint = 1 << 0
)

// Handle is the opened-file surface the AIO driver reads/writes through.
// An *os.File satisfies this directly; tests substitute an in-memory fake.
type Handle interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
	Name() string
}

// Source bundles a handle with the geometry the AIO/PIO stages need to
// honor sector alignment and know where the logical data ends.
type Source struct {
	Handle     Handle
	SectorSize int64
	BaseOffset int64
	BaseSize   int64
	Hints      FileHint
}

// Open opens path read-only for stream-in reads (a plain os.OpenFile, no
// O_DIRECT; Hints is HintNone). The VFS mount layer is out of scope; Open is
// the loader's default opener, Pipeline installs it explicitly, and tests
// substitute an in-memory opener through the loader's SetOpener.
//
// A brief ENOENT retry loop is kept here because the real VFS this is
// layered over (a virtual mount that can still be materializing a file
// backed by a slower device) can race a path's appearance with the request
// to open it; this mirrors the open-with-retry shape used elsewhere in the
// pipeline for transient "not ready yet" conditions.
func Open(path string) (*Source, error) {
	const maxRetries = 10
	const retryDelay = 10 * time.Millisecond

	var f *os.File
	var err error
	for i := 0; i < maxRetries; i++ {
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("vfs: open %s: %w", path, err)
		}
		time.Sleep(retryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("vfs: %s did not appear: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vfs: stat %s: %w", path, err)
	}

	sectorSize := int64(unix.Getpagesize())
	if sectorSize > 4096 {
		sectorSize = 4096
	}

	return &Source{
		Handle:     f,
		SectorSize: sectorSize,
		BaseOffset: 0,
		BaseSize:   info.Size(),
		Hints:      HintNone,
	}, nil
}
