package loader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chenbk85/imagepipe/internal/aio"
	"github.com/chenbk85/imagepipe/internal/immemory"
	"github.com/chenbk85/imagepipe/internal/iobuf"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
	"github.com/chenbk85/imagepipe/internal/pio"
	"github.com/chenbk85/imagepipe/internal/testsupport"
	"github.com/chenbk85/imagepipe/internal/vfs"
)

const (
	ddsMagicLE    = 0x20534444
	ddsHeaderSize = 124
	ddsdWidth     = 0x2
	ddsdHeight    = 0x4
)

func buildDDS(width, height uint32, pixels []byte) []byte {
	buf := make([]byte, 4+ddsHeaderSize+len(pixels))
	binary.LittleEndian.PutUint32(buf[0:4], ddsMagicLE)
	h := buf[4 : 4+ddsHeaderSize]
	binary.LittleEndian.PutUint32(h[0:4], 124)
	binary.LittleEndian.PutUint32(h[4:8], ddsdWidth|ddsdHeight)
	binary.LittleEndian.PutUint32(h[8:12], height)
	binary.LittleEndian.PutUint32(h[12:16], width)
	binary.LittleEndian.PutUint32(h[72:76], 32)
	binary.LittleEndian.PutUint32(h[84:88], 32) // RGBBitCount -> B8G8R8A8
	copy(buf[4+ddsHeaderSize:], pixels)
	return buf
}

func newTestLoader(t *testing.T) (*Loader, *pio.Driver) {
	t.Helper()
	pool, err := iobuf.NewPool(4096*8, 4096, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	aioDriver, err := aio.NewDriver(aio.Config{QueueDepth: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = aioDriver.Close() })

	pioDriver := pio.NewDriver(aioDriver, pool, nil, nil, nil)
	mem := immemory.NewManager(nil)
	l := New(pioDriver, pool, mem, nil)
	return l, pioDriver
}

func tickUntil(t *testing.T, l *Loader, pioDriver *pio.Driver, cond func() bool, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		pioDriver.Tick()
		l.Tick()
		if cond() {
			return
		}
	}
	t.Fatalf("condition not met after %d ticks", maxTicks)
}

func TestLoadSingleFileProducesDefinitionAndCompletes(t *testing.T) {
	l, pioDriver := newTestLoader(t)

	pixels := make([]byte, 16)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	data := buildDDS(2, 2, pixels)
	l.SetOpener(func(path string) (*vfs.Source, error) {
		h := testsupport.NewMemHandleWithData(path, data)
		return &vfs.Source{Handle: h, SectorSize: 512, BaseSize: int64(len(data))}, nil
	})

	alloc := l.NewRequestAllocator()
	l.Submit(alloc, Request{ImageID: 42, FilePath: "image.dds", FinalFrame: imgtypes.AllFrames})

	tickUntil(t, l, pioDriver, func() bool { return l.ActiveCount() == 0 }, 20)

	node, ok := l.Definitions().Consume()
	require.True(t, ok)
	require.Equal(t, uint64(42), node.Item.ImageID)
	require.Equal(t, 2, node.Item.Width)
}

func TestUnknownExtensionPostsNoParserError(t *testing.T) {
	l, _ := newTestLoader(t)
	alloc := l.NewRequestAllocator()
	l.Submit(alloc, Request{ImageID: 1, FilePath: "image.unknown"})

	l.Tick()

	node, ok := l.Errors().Consume()
	require.True(t, ok)
	require.Equal(t, imgtypes.ErrNoParser, node.Item.Code)
}

func TestUnopenableFilePostsFileAccessError(t *testing.T) {
	l, _ := newTestLoader(t)
	l.SetOpener(func(path string) (*vfs.Source, error) {
		return nil, require.AnError
	})

	alloc := l.NewRequestAllocator()
	l.Submit(alloc, Request{ImageID: 1, FilePath: "image.dds"})
	l.Tick()

	node, ok := l.Errors().Consume()
	require.True(t, ok)
	require.Equal(t, imgtypes.ErrFileAccess, node.Item.Code)
}
