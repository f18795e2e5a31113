// Package cache implements the image cache (C10): the top-level policy
// layer that turns LOCK/UNLOCK/EVICT/DROP commands into loader requests and
// image-memory operations, coalescing concurrent loads of the same frame
// and evicting committed frames under a pluggable policy once bytes_used
// exceeds bytes_limit.
package cache

import (
	"sync"
	"time"

	"github.com/chenbk85/imagepipe/internal/immemory"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
	"github.com/chenbk85/imagepipe/internal/loader"
	"github.com/chenbk85/imagepipe/internal/logging"
	"github.com/chenbk85/imagepipe/internal/queue"
)

// Clock abstracts time so tests can stamp requests deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Observer receives per-command telemetry. A nil Observer disables it.
type Observer interface {
	ObserveCacheLock(hit bool)
	ObserveEvict(imageID uint64, bytesReclaimed uint64)
}

type declaredFile struct {
	filePath       string
	fileOffset     int64
	firstFrame     int
	finalFrame     int // imgtypes.AllFrames allowed
	srcCompression imgtypes.Compression
	srcEncoding    imgtypes.Encoding
	dstCompression imgtypes.Compression
	dstEncoding    imgtypes.Encoding
}

func (f declaredFile) covers(other declaredFile) bool {
	if f.filePath != other.filePath || f.firstFrame > other.firstFrame {
		return false
	}
	if f.finalFrame == imgtypes.AllFrames {
		return true
	}
	if other.finalFrame == imgtypes.AllFrames {
		return false
	}
	return f.finalFrame >= other.finalFrame
}

func (f declaredFile) containsFrame(frame int) bool {
	if frame < f.firstFrame {
		return false
	}
	return f.finalFrame == imgtypes.AllFrames || frame <= f.finalFrame
}

// imageMeta is the read-heavy metadata record: declared file ranges plus
// static shape, once known from a definition.
type imageMeta struct {
	imageID    uint64
	files      []declaredFile
	definition *imgtypes.Definition
}

func (m *imageMeta) elementCount() int {
	if m.definition == nil {
		return 0
	}
	return m.definition.ElementCount
}

func (m *imageMeta) fileFor(frame int) (declaredFile, bool) {
	for _, f := range m.files {
		if f.containsFrame(frame) {
			return f, true
		}
	}
	return declaredFile{}, false
}

type frameRecord struct {
	lockCount      int
	evict          bool
	lastUsedNs     int64
	timeToLoadNs   int64
	bytesCommitted int
}

// cacheEntry is an image with at least one frame resident in cache.
type cacheEntry struct {
	imageID         uint64
	frames          map[int]*frameRecord
	drop            bool
	lastRequestedNs int64
}

func (e *cacheEntry) hasEvictableFrame() bool {
	for _, fr := range e.frames {
		if fr.lockCount == 0 && !fr.evict {
			return true
		}
	}
	return false
}

// waiter is one client's interest in a frame still being loaded.
type waiter struct {
	frameIndex    int
	requestTimeNs int64
	results       map[*queue.MPSCUnbounded[Result]]struct{}
	errors        map[*queue.MPSCUnbounded[imgtypes.LoadError]]struct{}
}

func newWaiter(frameIndex int, requestTimeNs int64, results *queue.MPSCUnbounded[Result], errs *queue.MPSCUnbounded[imgtypes.LoadError]) *waiter {
	w := &waiter{
		frameIndex:    frameIndex,
		requestTimeNs: requestTimeNs,
		results:       make(map[*queue.MPSCUnbounded[Result]]struct{}),
		errors:        make(map[*queue.MPSCUnbounded[imgtypes.LoadError]]struct{}),
	}
	w.add(results, errs)
	return w
}

func (w *waiter) add(results *queue.MPSCUnbounded[Result], errs *queue.MPSCUnbounded[imgtypes.LoadError]) {
	if results != nil {
		w.results[results] = struct{}{}
	}
	if errs != nil {
		w.errors[errs] = struct{}{}
	}
}

// pendingLoad coalesces concurrent locks of the same image's frames.
type pendingLoad struct {
	imageID uint64
	waiters map[int]*waiter // key is a frame index, or imgtypes.AllFrames
}

// Cache is the C10 policy layer.
type Cache struct {
	mu       sync.RWMutex // guards metadata only; read-heavy client queries
	metadata map[uint64]*imageMeta

	entries map[uint64]*cacheEntry
	pending map[uint64]*pendingLoad

	attrMu     sync.Mutex
	bytesLimit uint64
	bytesUsed  uint64
	policy     EvictionPolicy

	mem      *immemory.Manager
	loader   *loader.Loader
	logger   *logging.Logger
	observer Observer
	clock    Clock

	declarations *queue.MPSCUnbounded[Declaration]
	commands     *queue.MPSCUnbounded[Command]

	loadAlloc    *queue.NodeAllocator[loader.Request]
	resultAllocs *queue.AllocatorTable[*queue.MPSCUnbounded[Result], Result]
	errorAllocs  *queue.AllocatorTable[*queue.MPSCUnbounded[imgtypes.LoadError], imgtypes.LoadError]

	evictions  *queue.SPSCUnbounded[immemory.Location]
	evictAlloc *queue.NodeAllocator[immemory.Location]
}

// Config configures a Cache instance.
type Config struct {
	BytesLimit uint64
	Policy     EvictionPolicy // nil defaults to Manual
	Clock      Clock
	Logger     *logging.Logger
	Observer   Observer
}

// New constructs a Cache driving loads through ld and storage through mem.
func New(mem *immemory.Manager, ld *loader.Loader, cfg Config) *Cache {
	if cfg.Policy == nil {
		cfg.Policy = Manual{}
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Cache{
		metadata:     make(map[uint64]*imageMeta),
		entries:      make(map[uint64]*cacheEntry),
		pending:      make(map[uint64]*pendingLoad),
		bytesLimit:   cfg.BytesLimit,
		policy:       cfg.Policy,
		mem:          mem,
		loader:       ld,
		logger:       cfg.Logger,
		observer:     cfg.Observer,
		clock:        cfg.Clock,
		declarations: queue.NewMPSCUnbounded[Declaration](),
		commands:     queue.NewMPSCUnbounded[Command](),
		loadAlloc:    ld.NewRequestAllocator(),
		resultAllocs: queue.NewAllocatorTable[*queue.MPSCUnbounded[Result], Result](),
		errorAllocs:  queue.NewAllocatorTable[*queue.MPSCUnbounded[imgtypes.LoadError], imgtypes.LoadError](),
		evictions:    queue.NewSPSCUnbounded[immemory.Location](),
		evictAlloc:   queue.NewNodeAllocator[immemory.Location](),
	}
}

// NewDeclarationAllocator returns a fresh per-producer allocator for
// declarations.
func (c *Cache) NewDeclarationAllocator() *queue.NodeAllocator[Declaration] {
	return queue.NewNodeAllocator[Declaration]()
}

// Declare enqueues a declaration using the caller's own allocator.
func (c *Cache) Declare(alloc *queue.NodeAllocator[Declaration], d Declaration) {
	node := alloc.Get()
	node.Item = d
	c.declarations.Produce(node)
}

// NewCommandAllocator returns a fresh per-producer allocator for commands.
func (c *Cache) NewCommandAllocator() *queue.NodeAllocator[Command] {
	return queue.NewNodeAllocator[Command]()
}

// Submit enqueues a command using the caller's own allocator.
func (c *Cache) Submit(alloc *queue.NodeAllocator[Command], cmd Command) {
	node := alloc.Get()
	node.Item = cmd
	c.commands.Produce(node)
}

// Evictions returns the queue eviction notifications are posted to.
func (c *Cache) Evictions() *queue.SPSCUnbounded[immemory.Location] { return c.evictions }

// Metadata returns an image's static definition, if known. Safe to call
// from any goroutine.
func (c *Cache) Metadata(imageID uint64) (imgtypes.Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metadata[imageID]
	if !ok || m.definition == nil {
		return imgtypes.Definition{}, false
	}
	return *m.definition, true
}

func (c *Cache) now() int64 { return c.clock.Now().UnixNano() }

func (c *Cache) postResult(q *queue.MPSCUnbounded[Result], r Result) {
	alloc := c.resultAllocs.For(q)
	node := alloc.Get()
	node.Item = r
	q.Produce(node)
}

func (c *Cache) postLoadError(q *queue.MPSCUnbounded[imgtypes.LoadError], e imgtypes.LoadError) {
	alloc := c.errorAllocs.For(q)
	node := alloc.Get()
	node.Item = e
	q.Produce(node)
}

// Update drains every input queue once, in the order required by §4.10:
// declarations, definitions, locations, loader errors, then commands.
func (c *Cache) Update() {
	c.drainDeclarations()
	c.drainDefinitions()
	c.drainLocations()
	c.drainLoaderErrors()
	c.drainCommands()
}

func (c *Cache) metaFor(imageID uint64) *imageMeta {
	m, ok := c.metadata[imageID]
	if !ok {
		m = &imageMeta{imageID: imageID}
		c.metadata[imageID] = m
	}
	return m
}

func (c *Cache) drainDeclarations() {
	for {
		node, ok := c.declarations.Consume()
		if !ok {
			return
		}
		d := node.Item
		node.Release()

		c.mu.Lock()
		m := c.metaFor(d.ImageID)
		f := declaredFile{
			filePath:       d.FilePath,
			fileOffset:     d.FileOffset,
			firstFrame:     d.FirstFrame,
			finalFrame:     d.FinalFrame,
			srcCompression: d.SrcCompression,
			srcEncoding:    d.SrcEncoding,
			dstCompression: d.DstCompression,
			dstEncoding:    d.DstEncoding,
		}
		subsumed := false
		for _, existing := range m.files {
			if existing.covers(f) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			m.files = append(m.files, f)
		}
		c.mu.Unlock()
	}
}

func (c *Cache) drainDefinitions() {
	for {
		node, ok := c.loader.Definitions().Consume()
		if !ok {
			return
		}
		def := node.Item
		node.Release()

		c.mu.Lock()
		m := c.metaFor(def.ImageID)
		if m.definition == nil {
			d := def
			m.definition = &d
		} else if def.ElementCount > m.definition.ElementCount {
			m.definition.ElementCount = def.ElementCount
			m.definition.Levels = append(m.definition.Levels, def.Levels...)
		}
		c.mu.Unlock()
	}
}

func (c *Cache) expandAllFramesWaiter(imageID uint64, elementCount int) {
	pl, ok := c.pending[imageID]
	if !ok {
		return
	}
	w, ok := pl.waiters[imgtypes.AllFrames]
	if !ok {
		return
	}
	delete(pl.waiters, imgtypes.AllFrames)
	for frame := 0; frame < elementCount; frame++ {
		if existing, ok := pl.waiters[frame]; ok {
			for q := range w.results {
				existing.results[q] = struct{}{}
			}
			for q := range w.errors {
				existing.errors[q] = struct{}{}
			}
			continue
		}
		nw := &waiter{
			frameIndex:    frame,
			requestTimeNs: w.requestTimeNs,
			results:       make(map[*queue.MPSCUnbounded[Result]]struct{}, len(w.results)),
			errors:        make(map[*queue.MPSCUnbounded[imgtypes.LoadError]]struct{}, len(w.errors)),
		}
		for q := range w.results {
			nw.results[q] = struct{}{}
		}
		for q := range w.errors {
			nw.errors[q] = struct{}{}
		}
		pl.waiters[frame] = nw
	}
}

func (c *Cache) drainLocations() {
	for {
		node, ok := c.mem.Locations().Consume()
		if !ok {
			return
		}
		loc := node.Item
		node.Release()
		c.handleLocation(loc)
	}
}

func (c *Cache) handleLocation(loc immemory.Location) {
	now := c.now()

	c.mu.RLock()
	m := c.metadata[loc.ImageID]
	c.mu.RUnlock()
	if m != nil && m.definition != nil {
		c.expandAllFramesWaiter(loc.ImageID, m.definition.ElementCount)
	}

	requestTimeNs := now
	if pl, ok := c.pending[loc.ImageID]; ok {
		if w, ok := pl.waiters[loc.Element]; ok {
			requestTimeNs = w.requestTimeNs
			def := imgtypes.Definition{}
			if m != nil && m.definition != nil {
				def = *m.definition
			}
			for q := range w.results {
				c.postResult(q, Result{
					ImageID:      loc.ImageID,
					FrameIndex:   loc.Element,
					Code:         ResultOK,
					Definition:   def,
					TimeToLoadNs: now - w.requestTimeNs,
				})
			}
			delete(pl.waiters, loc.Element)
			if len(pl.waiters) == 0 {
				delete(c.pending, loc.ImageID)
			}
		}
	}

	entry, ok := c.entries[loc.ImageID]
	if !ok {
		entry = &cacheEntry{imageID: loc.ImageID, frames: make(map[int]*frameRecord)}
		c.entries[loc.ImageID] = entry
	}
	entry.lastRequestedNs = now

	fr, existed := entry.frames[loc.Element]
	if !existed {
		fr = &frameRecord{}
		entry.frames[loc.Element] = fr
		if entry.drop {
			fr.evict = true
		}
	}
	fr.lastUsedNs = now
	fr.bytesCommitted = loc.BytesCommitted
	if !existed {
		fr.lockCount++
		fr.timeToLoadNs = now - requestTimeNs

		c.attrMu.Lock()
		c.bytesUsed += uint64(loc.BytesCommitted)
		overLimit := c.bytesLimit > 0 && c.bytesUsed > c.bytesLimit
		c.attrMu.Unlock()

		if overLimit {
			c.consultPolicy()
		}
	}
}

func (c *Cache) consultPolicy() {
	for {
		c.attrMu.Lock()
		over := c.bytesLimit > 0 && c.bytesUsed > c.bytesLimit
		c.attrMu.Unlock()
		if !over {
			return
		}
		v, ok := c.policy.SelectVictim(c.entries)
		if !ok {
			return
		}
		entry := c.entries[v.ImageID]
		fr := entry.frames[v.FrameIndex]
		fr.evict = true
		c.processEviction(entry, v.FrameIndex)
	}
}

func (c *Cache) drainLoaderErrors() {
	for {
		node, ok := c.loader.Errors().Consume()
		if !ok {
			return
		}
		le := node.Item
		node.Release()

		pl, ok := c.pending[le.ImageID]
		if !ok {
			continue
		}
		for frame, w := range pl.waiters {
			for q := range w.errors {
				c.postLoadError(q, le)
			}
			delete(pl.waiters, frame)
		}
		delete(c.pending, le.ImageID)
	}
}

// processEviction decommits and removes a frame if it is unlocked and
// marked for eviction; otherwise it is a no-op until the next unlock.
func (c *Cache) processEviction(entry *cacheEntry, frame int) {
	fr, ok := entry.frames[frame]
	if !ok || !fr.evict || fr.lockCount > 0 {
		return
	}
	decommitted, err := c.mem.EvictElement(entry.imageID, frame)
	if err != nil {
		c.logger.Error("cache: evict element", "image", entry.imageID, "frame", frame, "err", err)
		return
	}
	if !decommitted {
		return
	}

	c.attrMu.Lock()
	if uint64(fr.bytesCommitted) > c.bytesUsed {
		c.bytesUsed = 0
	} else {
		c.bytesUsed -= uint64(fr.bytesCommitted)
	}
	c.attrMu.Unlock()

	if c.observer != nil {
		c.observer.ObserveEvict(entry.imageID, uint64(fr.bytesCommitted))
	}

	node := c.evictAlloc.Get()
	node.Item = immemory.Location{ImageID: entry.imageID, Element: frame, BytesCommitted: fr.bytesCommitted, Evicted: true}
	c.evictions.Produce(node)

	delete(entry.frames, frame)
	c.dropEntryIfEmpty(entry)
}

func (c *Cache) dropEntryIfEmpty(entry *cacheEntry) {
	if !entry.drop || len(entry.frames) != 0 {
		return
	}
	delete(c.entries, entry.imageID)
	_, _ = c.mem.DropImage(entry.imageID, false)
	c.mu.Lock()
	delete(c.metadata, entry.imageID)
	c.mu.Unlock()
}

func (c *Cache) drainCommands() {
	for {
		node, ok := c.commands.Consume()
		if !ok {
			return
		}
		cmd := node.Item
		node.Release()
		c.handleCommand(cmd)
	}
}

func (c *Cache) handleCommand(cmd Command) {
	switch cmd.Kind {
	case CmdLock:
		c.handleLock(cmd)
	case CmdUnlock:
		c.handleUnlock(cmd)
	case CmdEvict:
		c.handleEvict(cmd)
	case CmdDrop:
		c.handleDrop(cmd)
	}
}

func (c *Cache) handleLock(cmd Command) {
	c.mu.RLock()
	m, known := c.metadata[cmd.ImageID]
	c.mu.RUnlock()
	if !known {
		if cmd.Results != nil {
			c.postResult(cmd.Results, Result{ImageID: cmd.ImageID, FrameIndex: cmd.FirstFrame, Code: ResultNotFound})
		}
		return
	}

	now := cmd.RequestTimeNs
	if now == 0 {
		now = c.now()
	}

	final := cmd.FinalFrame
	elementCount := m.elementCount()
	if final == imgtypes.AllFrames && elementCount > 0 {
		final = elementCount - 1
	}

	if final == imgtypes.AllFrames {
		c.lockAllFramesUnknownCount(cmd, now)
		return
	}

	def := imgtypes.Definition{}
	if m.definition != nil {
		def = *m.definition
	}

	entry := c.entries[cmd.ImageID]
	for frame := cmd.FirstFrame; frame <= final; frame++ {
		if entry != nil {
			if fr, ok := entry.frames[frame]; ok {
				fr.lockCount++
				fr.lastUsedNs = now
				entry.lastRequestedNs = now
				if _, err := c.mem.LockElement(cmd.ImageID, frame); err != nil {
					c.logger.Error("cache: lock element", "image", cmd.ImageID, "frame", frame, "err", err)
				}
				if c.observer != nil {
					c.observer.ObserveCacheLock(true)
				}
				if cmd.Results != nil {
					c.postResult(cmd.Results, Result{
						ImageID:    cmd.ImageID,
						FrameIndex: frame,
						Code:       ResultOK,
						Definition: def,
					})
				}
				continue
			}
		}
		if c.observer != nil {
			c.observer.ObserveCacheLock(false)
		}
		c.submitSingleFrameLoad(cmd, m, frame, now)
	}
}

func (c *Cache) lockAllFramesUnknownCount(cmd Command, now int64) {
	if c.observer != nil {
		c.observer.ObserveCacheLock(false)
	}
	pl, ok := c.pending[cmd.ImageID]
	if !ok {
		pl = &pendingLoad{imageID: cmd.ImageID, waiters: make(map[int]*waiter)}
		c.pending[cmd.ImageID] = pl
	}
	if w, ok := pl.waiters[imgtypes.AllFrames]; ok {
		w.add(cmd.Results, cmd.Errors)
		return
	}
	pl.waiters[imgtypes.AllFrames] = newWaiter(imgtypes.AllFrames, now, cmd.Results, cmd.Errors)

	c.mu.RLock()
	m := c.metadata[cmd.ImageID]
	c.mu.RUnlock()
	file, hasFile := m.fileFor(cmd.FirstFrame)
	if !hasFile {
		return
	}
	c.submitLoadRequest(cmd.ImageID, file, cmd.FirstFrame, imgtypes.AllFrames, m)
}

func (c *Cache) submitSingleFrameLoad(cmd Command, m *imageMeta, frame int, now int64) {
	pl, ok := c.pending[cmd.ImageID]
	if !ok {
		pl = &pendingLoad{imageID: cmd.ImageID, waiters: make(map[int]*waiter)}
		c.pending[cmd.ImageID] = pl
	}
	if w, ok := pl.waiters[frame]; ok {
		w.add(cmd.Results, cmd.Errors)
		return
	}
	pl.waiters[frame] = newWaiter(frame, now, cmd.Results, cmd.Errors)

	file, hasFile := m.fileFor(frame)
	if !hasFile {
		delete(pl.waiters, frame)
		if len(pl.waiters) == 0 {
			delete(c.pending, cmd.ImageID)
		}
		if cmd.Results != nil {
			c.postResult(cmd.Results, Result{ImageID: cmd.ImageID, FrameIndex: frame, Code: ResultNotFound})
		}
		return
	}
	c.submitLoadRequest(cmd.ImageID, file, frame, frame, m)
}

func (c *Cache) submitLoadRequest(imageID uint64, file declaredFile, firstFrame, finalFrame int, m *imageMeta) {
	req := loader.Request{
		ImageID:        imageID,
		FilePath:       file.filePath,
		FirstFrame:     firstFrame,
		FinalFrame:     finalFrame,
		FileOffset:     file.fileOffset,
		KnownMetadata:  m.definition,
		SrcCompression: file.srcCompression,
		SrcEncoding:    file.srcEncoding,
		DstCompression: file.dstCompression,
		DstEncoding:    file.dstEncoding,
	}
	c.loader.Submit(c.loadAlloc, req)
}

func (c *Cache) handleUnlock(cmd Command) {
	entry, ok := c.entries[cmd.ImageID]
	if !ok {
		return
	}
	final := cmd.FinalFrame
	if final == imgtypes.AllFrames {
		for frame := range entry.frames {
			c.unlockFrame(entry, frame, cmd.EvictOnUnlock)
		}
		return
	}
	for frame := cmd.FirstFrame; frame <= final; frame++ {
		c.unlockFrame(entry, frame, cmd.EvictOnUnlock)
	}
}

func (c *Cache) unlockFrame(entry *cacheEntry, frame int, evictOption bool) {
	fr, ok := entry.frames[frame]
	if !ok {
		return
	}
	if evictOption || entry.drop {
		fr.evict = true
	}
	if fr.lockCount > 0 {
		fr.lockCount--
	}
	if _, err := c.mem.UnlockElement(entry.imageID, frame); err != nil {
		c.logger.Error("cache: unlock element", "image", entry.imageID, "frame", frame, "err", err)
	}
	if fr.evict {
		c.processEviction(entry, frame)
	}
	c.dropEntryIfEmpty(entry)
}

func (c *Cache) handleEvict(cmd Command) {
	entry, ok := c.entries[cmd.ImageID]
	if !ok {
		return
	}
	final := cmd.FinalFrame
	if final == imgtypes.AllFrames {
		for frame, fr := range entry.frames {
			fr.evict = true
			c.processEviction(entry, frame)
		}
		return
	}
	for frame := cmd.FirstFrame; frame <= final; frame++ {
		if fr, ok := entry.frames[frame]; ok {
			fr.evict = true
			c.processEviction(entry, frame)
		}
	}
}

func (c *Cache) handleDrop(cmd Command) {
	entry, ok := c.entries[cmd.ImageID]
	if !ok {
		c.mu.Lock()
		delete(c.metadata, cmd.ImageID)
		c.mu.Unlock()
		return
	}
	entry.drop = true
	for frame, fr := range entry.frames {
		fr.evict = true
		c.processEviction(entry, frame)
	}
	c.dropEntryIfEmpty(entry)
}
