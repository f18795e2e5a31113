// Package immemory implements per-image reserved-then-committed virtual
// memory (C6): one VM reservation per image, page-granular commit per
// element, and a streaming writer used by the encoder to fill committed
// pages as pixel data arrives.
package immemory

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/chenbk85/imagepipe/internal/logging"
	"github.com/chenbk85/imagepipe/internal/queue"
)

// Flag is one of the high-16-bits flags packed into an element's status word.
type Flag uint32

const (
	FlagCommitted Flag = 1 << 0
	FlagEvict     Flag = 1 << 1
	FlagDrop      Flag = 1 << 2
)

// status packs lock count (low 16 bits) and flags (high 16 bits) into one
// word, per §4.6.
type status uint32

func packStatus(lockCount uint16, flags Flag) status {
	return status(uint32(lockCount) | uint32(flags)<<16)
}
func (s status) lockCount() uint16 { return uint16(s) }
func (s status) flags() Flag       { return Flag(uint32(s) >> 16) }

// Def is the static definition of an image's element/level layout.
type Def struct {
	ElementCount int
	LevelCount   int
	Format       int
	Width        int
	Height       int
	ElementBytes int // per-element byte budget before page rounding
}

func (d Def) sameShape(o Def) bool {
	return d.ElementCount == o.ElementCount && d.LevelCount == o.LevelCount &&
		d.Format == o.Format && d.Width == o.Width && d.Height == o.Height
}

// LevelRecord is the (offset, size) of one committed level within its element.
type LevelRecord struct {
	Offset int64
	Size   int64
}

type element struct {
	mem            []byte // PROT_NONE-reserved, subslice of the image reservation
	st             status
	bytesUsed      int
	bytesCommitted int
	levelsEmitted  int
	levelOffset    int64
	levels         []LevelRecord
}

// Image is one reservation: element_count page-rounded elements laid out
// contiguously at a fixed stride.
type Image struct {
	mu       sync.Mutex
	mem      []byte
	def      Def
	stride   int
	elements []*element
	dropped  bool
}

// Location is posted to the manager's location queue whenever a streaming
// write finishes an element (mark_element_end), so downstream consumers
// learn where committed bytes live. The cache reuses the type, with Evicted
// set, on its own eviction queue when it reports a decommit.
type Location struct {
	ImageID        uint64
	Element        int
	BytesCommitted int
	Evicted        bool
}

// Manager owns every image's reservation and the shared location queue.
type Manager struct {
	mu       sync.Mutex
	images   map[uint64]*Image
	pageSize int
	logger   *logging.Logger

	locations *queue.SPSCUnbounded[Location]
	locAlloc  *queue.NodeAllocator[Location]
}

// NewManager constructs an empty Manager.
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		images:    make(map[uint64]*Image),
		pageSize:  os.Getpagesize(),
		logger:    logger,
		locations: queue.NewSPSCUnbounded[Location](),
		locAlloc:  queue.NewNodeAllocator[Location](),
	}
}

// Locations returns the queue placements are posted to. It is backed by an
// SPSC queue because this implementation has exactly one producer (the
// manager itself, called from whichever single thread drives the
// loader/parser tick); multiple logical writers all fold through the
// manager's own mutex-serialized calls first.
func (m *Manager) Locations() *queue.SPSCUnbounded[Location] { return m.locations }

func roundUpPage(v, page int) int {
	if r := v % page; r != 0 {
		return v + (page - r)
	}
	return v
}

// ReserveImage creates or validates an image's reservation. An identical
// existing definition is a no-op success; a conflicting one is an error.
func (m *Manager) ReserveImage(imageID uint64, def Def) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if img, ok := m.images[imageID]; ok {
		if img.def.sameShape(def) {
			return nil
		}
		return fmt.Errorf("immemory: image %d already reserved with a different definition", imageID)
	}

	stride := roundUpPage(def.ElementBytes, m.pageSize)
	total := stride * def.ElementCount
	if total <= 0 {
		return fmt.Errorf("immemory: invalid reservation size for image %d", imageID)
	}

	mem, err := unix.Mmap(-1, 0, total, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("immemory: reserve %d bytes for image %d: %w", total, imageID, err)
	}

	img := &Image{mem: mem, def: def, stride: stride, elements: make([]*element, def.ElementCount)}
	for i := range img.elements {
		img.elements[i] = &element{
			mem:    mem[i*stride : (i+1)*stride : (i+1)*stride],
			levels: make([]LevelRecord, def.LevelCount),
		}
	}
	m.images[imageID] = img
	return nil
}

func (m *Manager) image(imageID uint64) (*Image, error) {
	m.mu.Lock()
	img, ok := m.images[imageID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("immemory: unknown image %d", imageID)
	}
	return img, nil
}

func (img *Image) commit(e *element, bytes int) error {
	need := roundUpPage(bytes, os.Getpagesize())
	if need <= e.bytesCommitted {
		return nil
	}
	if need > len(e.mem) {
		need = len(e.mem)
	}
	if err := unix.Mprotect(e.mem[:need], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("immemory: commit %d bytes: %w", need, err)
	}
	e.bytesCommitted = need
	e.st = status(uint32(e.st) | uint32(FlagCommitted)<<16)
	return nil
}

func (img *Image) decommit(e *element) error {
	if e.bytesCommitted == 0 {
		return nil
	}
	if err := unix.Mprotect(e.mem[:e.bytesCommitted], unix.PROT_NONE); err != nil {
		return fmt.Errorf("immemory: decommit: %w", err)
	}
	e.bytesCommitted = 0
	e.bytesUsed = 0
	e.levelsEmitted = 0
	e.levelOffset = 0
	e.st = status(uint32(e.st) &^ (uint32(FlagCommitted) << 16))
	return nil
}

// LockElement commits the element if needed and increments its lock count
// by LevelCount, returning the element's backing slice.
func (m *Manager) LockElement(imageID uint64, elementIndex int) ([]byte, error) {
	img, err := m.image(imageID)
	if err != nil {
		return nil, err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if elementIndex < 0 || elementIndex >= len(img.elements) {
		return nil, fmt.Errorf("immemory: element %d out of range", elementIndex)
	}
	e := img.elements[elementIndex]
	if err := img.commit(e, e.bytesUsed); err != nil {
		return nil, err
	}
	e.st = status(uint32(e.st) + uint32(img.def.LevelCount))
	return e.mem[:e.bytesUsed], nil
}

// LockLevel is LockElement's single-level counterpart: lock count += 1.
func (m *Manager) LockLevel(imageID uint64, elementIndex, levelIndex int) (LevelRecord, []byte, error) {
	img, err := m.image(imageID)
	if err != nil {
		return LevelRecord{}, nil, err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if elementIndex < 0 || elementIndex >= len(img.elements) {
		return LevelRecord{}, nil, fmt.Errorf("immemory: element %d out of range", elementIndex)
	}
	e := img.elements[elementIndex]
	if levelIndex < 0 || levelIndex >= len(e.levels) {
		return LevelRecord{}, nil, fmt.Errorf("immemory: level %d out of range", levelIndex)
	}
	if err := img.commit(e, e.bytesUsed); err != nil {
		return LevelRecord{}, nil, err
	}
	e.st = status(uint32(e.st) + 1)
	rec := e.levels[levelIndex]
	return rec, e.mem[rec.Offset : rec.Offset+rec.Size], nil
}

// unlockBy decrements lock count by n (clamped at zero) and processes a
// pending evict if the count reached zero. Returns whether a decommit
// happened.
func (img *Image) unlockBy(e *element, n uint16) (decommitted bool, err error) {
	lc := e.st.lockCount()
	if n > lc {
		n = lc
	}
	e.st = status(uint32(e.st) - uint32(n))
	if e.st.lockCount() == 0 && e.st.flags()&FlagEvict != 0 {
		if err := img.decommit(e); err != nil {
			return false, err
		}
		e.st = status(uint32(e.st) &^ (uint32(FlagEvict) << 16))
		return true, nil
	}
	return false, nil
}

// UnlockElement decrements an element's lock count by LevelCount.
func (m *Manager) UnlockElement(imageID uint64, elementIndex int) (decommitted bool, err error) {
	img, err := m.image(imageID)
	if err != nil {
		return false, err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if elementIndex < 0 || elementIndex >= len(img.elements) {
		return false, fmt.Errorf("immemory: element %d out of range", elementIndex)
	}
	return img.unlockBy(img.elements[elementIndex], uint16(img.def.LevelCount))
}

// UnlockLevel decrements an element's lock count by 1.
func (m *Manager) UnlockLevel(imageID uint64, elementIndex int) (decommitted bool, err error) {
	img, err := m.image(imageID)
	if err != nil {
		return false, err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if elementIndex < 0 || elementIndex >= len(img.elements) {
		return false, fmt.Errorf("immemory: element %d out of range", elementIndex)
	}
	return img.unlockBy(img.elements[elementIndex], 1)
}

// EvictElement sets the EVICT flag and, if lock count is already zero,
// decommits immediately.
func (m *Manager) EvictElement(imageID uint64, elementIndex int) (decommitted bool, err error) {
	img, err := m.image(imageID)
	if err != nil {
		return false, err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if elementIndex < 0 || elementIndex >= len(img.elements) {
		return false, fmt.Errorf("immemory: element %d out of range", elementIndex)
	}
	e := img.elements[elementIndex]
	e.st = status(uint32(e.st) | uint32(FlagEvict)<<16)
	if e.st.lockCount() == 0 {
		if err := img.decommit(e); err != nil {
			return false, err
		}
		e.st = status(uint32(e.st) &^ (uint32(FlagEvict) << 16))
		return true, nil
	}
	return false, nil
}

// EvictImage evicts every element of an image.
func (m *Manager) EvictImage(imageID uint64) (anyDecommitted bool, err error) {
	img, err := m.image(imageID)
	if err != nil {
		return false, err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	for _, e := range img.elements {
		e.st = status(uint32(e.st) | uint32(FlagEvict)<<16)
		if e.st.lockCount() == 0 {
			if err := img.decommit(e); err != nil {
				return anyDecommitted, err
			}
			e.st = status(uint32(e.st) &^ (uint32(FlagEvict) << 16))
			anyDecommitted = true
		}
	}
	return anyDecommitted, nil
}

// DropImage marks an image DROP. With force, the reservation is released
// immediately regardless of outstanding locks; otherwise every element is
// marked EVICT and the reservation is released once all are decommitted
// (callers unlock the remaining locks and call DropImage again; it reports
// dropped=true once the reservation has been released).
func (m *Manager) DropImage(imageID uint64, force bool) (dropped bool, err error) {
	img, err := m.image(imageID)
	if err != nil {
		return false, err
	}
	img.mu.Lock()
	img.dropped = true
	if force {
		mem := img.mem
		img.mu.Unlock()
		m.mu.Lock()
		delete(m.images, imageID)
		m.mu.Unlock()
		if mem != nil {
			_ = unix.Munmap(mem)
		}
		return true, nil
	}

	allDecommitted := true
	for _, e := range img.elements {
		e.st = status(uint32(e.st) | uint32(FlagEvict)<<16)
		if e.st.lockCount() == 0 {
			if derr := img.decommit(e); derr != nil {
				img.mu.Unlock()
				return false, derr
			}
			e.st = status(uint32(e.st) &^ (uint32(FlagEvict) << 16))
		} else {
			allDecommitted = false
		}
	}
	img.mu.Unlock()

	if allDecommitted {
		m.mu.Lock()
		delete(m.images, imageID)
		m.mu.Unlock()
		if img.mem != nil {
			_ = unix.Munmap(img.mem)
		}
		return true, nil
	}
	return false, nil
}

// ResetElementStorage decommits an element, clearing it for a fresh write.
func (m *Manager) ResetElementStorage(imageID uint64, elementIndex int) error {
	img, err := m.image(imageID)
	if err != nil {
		return err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if elementIndex < 0 || elementIndex >= len(img.elements) {
		return fmt.Errorf("immemory: element %d out of range", elementIndex)
	}
	return img.decommit(img.elements[elementIndex])
}

// IncreaseCommit grows an element's committed range to cover at least n
// more bytes past its current usage.
func (m *Manager) IncreaseCommit(imageID uint64, elementIndex int, n int) error {
	img, err := m.image(imageID)
	if err != nil {
		return err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if elementIndex < 0 || elementIndex >= len(img.elements) {
		return fmt.Errorf("immemory: element %d out of range", elementIndex)
	}
	e := img.elements[elementIndex]
	return img.commit(e, e.bytesUsed+n)
}

// Write copies p into the element's committed storage starting at
// bytes_used, growing the commit first if needed, and advances bytes_used.
func (m *Manager) Write(imageID uint64, elementIndex int, p []byte) (int, error) {
	img, err := m.image(imageID)
	if err != nil {
		return 0, err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if elementIndex < 0 || elementIndex >= len(img.elements) {
		return 0, fmt.Errorf("immemory: element %d out of range", elementIndex)
	}
	e := img.elements[elementIndex]
	need := e.bytesUsed + len(p)
	if need > e.bytesCommitted {
		if err := img.commit(e, need); err != nil {
			return 0, err
		}
	}
	n := copy(e.mem[e.bytesUsed:e.bytesCommitted], p)
	e.bytesUsed += n
	return n, nil
}

// MarkLevelEnd records (level_offset, level_size) for levelIndex and
// advances level_offset by level_size.
func (m *Manager) MarkLevelEnd(imageID uint64, elementIndex, levelIndex int, levelSize int64) error {
	img, err := m.image(imageID)
	if err != nil {
		return err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if elementIndex < 0 || elementIndex >= len(img.elements) {
		return fmt.Errorf("immemory: element %d out of range", elementIndex)
	}
	e := img.elements[elementIndex]
	if levelIndex < 0 || levelIndex >= len(e.levels) {
		return fmt.Errorf("immemory: level %d out of range", levelIndex)
	}
	e.levels[levelIndex] = LevelRecord{Offset: e.levelOffset, Size: levelSize}
	e.levelOffset += levelSize
	e.levelsEmitted++
	return nil
}

// ElementBytesUsed returns the number of bytes written to an element so far.
func (m *Manager) ElementBytesUsed(imageID uint64, elementIndex int) (int, error) {
	img, err := m.image(imageID)
	if err != nil {
		return 0, err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if elementIndex < 0 || elementIndex >= len(img.elements) {
		return 0, fmt.Errorf("immemory: element %d out of range", elementIndex)
	}
	return img.elements[elementIndex].bytesUsed, nil
}

// MarkElementEnd trims trailing uncommitted pages down to bytes_used's
// page boundary and posts a placement Location.
func (m *Manager) MarkElementEnd(imageID uint64, elementIndex int) error {
	img, err := m.image(imageID)
	if err != nil {
		return err
	}
	img.mu.Lock()
	e := img.elements[elementIndex]
	trimmed := roundUpPage(e.bytesUsed, os.Getpagesize())
	if trimmed < e.bytesCommitted {
		if err := unix.Mprotect(e.mem[trimmed:e.bytesCommitted], unix.PROT_NONE); err != nil {
			img.mu.Unlock()
			return fmt.Errorf("immemory: trim trailing pages: %w", err)
		}
		e.bytesCommitted = trimmed
	}
	bytesCommitted := e.bytesCommitted
	img.mu.Unlock()

	node := m.locAlloc.Get()
	node.Item = Location{ImageID: imageID, Element: elementIndex, BytesCommitted: bytesCommitted}
	m.locations.Produce(node)
	return nil
}
