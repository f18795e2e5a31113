package cache

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chenbk85/imagepipe/internal/aio"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
	"github.com/chenbk85/imagepipe/internal/immemory"
	"github.com/chenbk85/imagepipe/internal/iobuf"
	"github.com/chenbk85/imagepipe/internal/loader"
	"github.com/chenbk85/imagepipe/internal/pio"
	"github.com/chenbk85/imagepipe/internal/queue"
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

type harness struct {
	cache     *Cache
	ld        *loader.Loader
	pioDriver *pio.Driver
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	pool, err := iobuf.NewPool(4096*8, 4096, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	aioDriver, err := aio.NewDriver(aio.Config{QueueDepth: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = aioDriver.Close() })

	pioDriver := pio.NewDriver(aioDriver, pool, nil, nil, nil)
	mem := immemory.NewManager(nil)
	ld := loader.New(pioDriver, pool, mem, nil)
	c := New(mem, ld, cfg)
	return &harness{cache: c, ld: ld, pioDriver: pioDriver}
}

func (h *harness) tickUntil(t *testing.T, cond func() bool, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		h.pioDriver.Tick()
		h.ld.Tick()
		h.cache.Update()
		if cond() {
			return
		}
	}
	t.Fatalf("condition not met after %d ticks", maxTicks)
}

func declareSingleFile(h *harness, imageID uint64, path string) {
	alloc := h.cache.NewDeclarationAllocator()
	h.cache.Declare(alloc, Declaration{
		ImageID:    imageID,
		FilePath:   path,
		FirstFrame: 0,
		FinalFrame: imgtypes.AllFrames,
	})
}

func TestLockOnDeclaredImageCompletesAfterLoad(t *testing.T) {
	h := newHarness(t, Config{})

	pixels := make([]byte, 16)
	data := buildDDS(2, 2, pixels)
	h.ld.SetOpener(func(path string) (*vfs.Source, error) {
		hdl := testsupport.NewMemHandleWithData(path, data)
		return &vfs.Source{Handle: hdl, SectorSize: 512, BaseSize: int64(len(data))}, nil
	})

	declareSingleFile(h, 7, "image.dds")
	h.cache.Update() // drains the declaration before the lock is submitted

	results := queue.NewMPSCUnbounded[Result]()
	errs := queue.NewMPSCUnbounded[imgtypes.LoadError]()
	cmdAlloc := h.cache.NewCommandAllocator()
	h.cache.Submit(cmdAlloc, Command{
		Kind: CmdLock, ImageID: 7, FirstFrame: 0, FinalFrame: 0,
		Results: results, Errors: errs,
	})

	h.tickUntil(t, func() bool {
		_, ok := results.Consume()
		return ok
	}, 20)
}

func TestLockCoalescesConcurrentWaitersForSameFrame(t *testing.T) {
	h := newHarness(t, Config{})

	pixels := make([]byte, 16)
	data := buildDDS(2, 2, pixels)
	h.ld.SetOpener(func(path string) (*vfs.Source, error) {
		hdl := testsupport.NewMemHandleWithData(path, data)
		return &vfs.Source{Handle: hdl, SectorSize: 512, BaseSize: int64(len(data))}, nil
	})

	declareSingleFile(h, 9, "image.dds")
	h.cache.Update()

	resultsA := queue.NewMPSCUnbounded[Result]()
	resultsB := queue.NewMPSCUnbounded[Result]()
	cmdAlloc := h.cache.NewCommandAllocator()
	h.cache.Submit(cmdAlloc, Command{Kind: CmdLock, ImageID: 9, FirstFrame: 0, FinalFrame: 0, Results: resultsA})
	h.cache.Submit(cmdAlloc, Command{Kind: CmdLock, ImageID: 9, FirstFrame: 0, FinalFrame: 0, Results: resultsB})
	h.cache.Update()

	require.Len(t, h.cache.pending[9].waiters, 1, "two locks on the same frame coalesce into one waiter")
	require.Equal(t, 2, len(h.cache.pending[9].waiters[0].results), "both result sinks are registered on the shared waiter")

	h.tickUntil(t, func() bool {
		_, okA := resultsA.Consume()
		_, okB := resultsB.Consume()
		return okA && okB
	}, 20)
}

func TestUnlockWithEvictReclaimsFrame(t *testing.T) {
	h := newHarness(t, Config{})

	pixels := make([]byte, 16)
	data := buildDDS(2, 2, pixels)
	h.ld.SetOpener(func(path string) (*vfs.Source, error) {
		hdl := testsupport.NewMemHandleWithData(path, data)
		return &vfs.Source{Handle: hdl, SectorSize: 512, BaseSize: int64(len(data))}, nil
	})

	declareSingleFile(h, 3, "image.dds")
	h.cache.Update()

	results := queue.NewMPSCUnbounded[Result]()
	cmdAlloc := h.cache.NewCommandAllocator()
	h.cache.Submit(cmdAlloc, Command{Kind: CmdLock, ImageID: 3, FirstFrame: 0, FinalFrame: 0, Results: results})

	h.tickUntil(t, func() bool {
		_, ok := results.Consume()
		return ok
	}, 20)

	h.cache.Submit(cmdAlloc, Command{Kind: CmdUnlock, ImageID: 3, FirstFrame: 0, FinalFrame: 0, EvictOnUnlock: true})
	h.cache.Update()

	node, ok := h.cache.Evictions().Consume()
	require.True(t, ok)
	require.Equal(t, uint64(3), node.Item.ImageID)
	require.True(t, node.Item.Evicted)
}

func TestDropWithNoCachedFramesRemovesImageImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	declareSingleFile(h, 5, "image.dds")
	h.cache.Update()

	_, known := h.cache.Metadata(5)
	require.False(t, known, "no definition has arrived yet, only a file declaration")

	cmdAlloc := h.cache.NewCommandAllocator()
	h.cache.Submit(cmdAlloc, Command{Kind: CmdDrop, ImageID: 5, FinalFrame: imgtypes.AllFrames})
	h.cache.Update()

	_, ok := h.cache.entries[5]
	require.False(t, ok)
	_, ok = h.cache.metadata[5]
	require.False(t, ok, "the declaration-only image is removed from the metadata table")
}

func TestDeclarationSubsumedByExistingRangeIsNoOp(t *testing.T) {
	h := newHarness(t, Config{})
	alloc := h.cache.NewDeclarationAllocator()
	h.cache.Declare(alloc, Declaration{ImageID: 1, FilePath: "a.dds", FirstFrame: 0, FinalFrame: imgtypes.AllFrames})
	h.cache.Declare(alloc, Declaration{ImageID: 1, FilePath: "a.dds", FirstFrame: 2, FinalFrame: 4})
	h.cache.Update()

	m := h.cache.metadata[1]
	require.Len(t, m.files, 1, "the second declaration is fully covered by the first's ALL_FRAMES range")
}

func TestLockOnUnknownImagePostsNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	results := queue.NewMPSCUnbounded[Result]()
	cmdAlloc := h.cache.NewCommandAllocator()
	h.cache.Submit(cmdAlloc, Command{Kind: CmdLock, ImageID: 404, FirstFrame: 0, FinalFrame: 0, Results: results})
	h.cache.Update()

	node, ok := results.Consume()
	require.True(t, ok)
	require.Equal(t, ResultNotFound, node.Item.Code)
}

func TestClockCanBeInjected(t *testing.T) {
	h := newHarness(t, Config{Clock: testsupport.NewManualClock(time.Unix(0, 1000))})
	require.Equal(t, int64(1000), h.cache.now())
}
