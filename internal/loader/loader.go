// Package loader implements the image loader (C9): it owns one active-parser
// list per recognised container format, accepts load requests on an MPSC
// queue, drives each active parser forward one step per tick, and retires
// parsers on completion or error.
package loader

import (
	"path/filepath"
	"strings"

	"github.com/chenbk85/imagepipe/internal/dds"
	"github.com/chenbk85/imagepipe/internal/decoder"
	"github.com/chenbk85/imagepipe/internal/encoder"
	"github.com/chenbk85/imagepipe/internal/iobuf"
	"github.com/chenbk85/imagepipe/internal/immemory"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
	"github.com/chenbk85/imagepipe/internal/logging"
	"github.com/chenbk85/imagepipe/internal/pio"
	"github.com/chenbk85/imagepipe/internal/queue"
	"github.com/chenbk85/imagepipe/internal/vfs"
)

// Request asks the loader to begin reading one image from one file.
type Request struct {
	ImageID        uint64
	FilePath       string
	FirstFrame     int
	FinalFrame     int // imgtypes.AllFrames means "to the end, count unknown yet"
	FileOffset     int64
	KnownMetadata  *imgtypes.Definition
	SrcCompression imgtypes.Compression
	SrcEncoding    imgtypes.Encoding
	DstCompression imgtypes.Compression
	DstEncoding    imgtypes.Encoding
}

// activeParser is one in-flight streaming parse.
type activeParser struct {
	req     Request
	decoder *decoder.Decoder
	parser  *dds.Parser
	enc     *definitionPostingEncoder
}

// definitionPostingEncoder wraps a concrete Encoder so that, in addition to
// reserving image memory, the first DefineImage call also publishes the
// parsed metadata to the loader's own definition queue for the cache to
// consume.
type definitionPostingEncoder struct {
	inner encoder.Encoder
	defs  *queue.MPSCUnbounded[imgtypes.Definition]
	alloc *queue.NodeAllocator[imgtypes.Definition]
}

func (e *definitionPostingEncoder) DefineImage(def imgtypes.Definition) error {
	if err := e.inner.DefineImage(def); err != nil {
		return err
	}
	node := e.alloc.Get()
	node.Item = def
	e.defs.Produce(node)
	return nil
}
func (e *definitionPostingEncoder) ResetElement(i int) error        { return e.inner.ResetElement(i) }
func (e *definitionPostingEncoder) Encode(i int, p []byte) (int, error) { return e.inner.Encode(i, p) }
func (e *definitionPostingEncoder) MarkLevel(i int) error           { return e.inner.MarkLevel(i) }
func (e *definitionPostingEncoder) MarkElement(i int) error         { return e.inner.MarkElement(i) }

// Loader owns the active-parser lists and shared I/O collaborators.
type Loader struct {
	pio      *pio.Driver
	pool     *iobuf.Pool
	mem      *immemory.Manager
	registry *encoder.Registry
	logger   *logging.Logger

	extFormats map[string]string // file extension -> container format name

	requests *queue.MPSCUnbounded[Request]

	definitions *queue.MPSCUnbounded[imgtypes.Definition]
	defAlloc    *queue.NodeAllocator[imgtypes.Definition]
	errors      *queue.MPSCUnbounded[imgtypes.LoadError]
	errAlloc    *queue.NodeAllocator[imgtypes.LoadError]

	bufReturns *queue.MPSCUnbounded[[]byte]

	active map[string][]*activeParser

	nextStreamID int64

	// open resolves a file path to a vfs.Source. Defaults to vfs.Open;
	// overridable in tests to substitute an in-memory handle.
	open func(path string) (*vfs.Source, error)
}

// New constructs a loader driving parsers through pioDriver/pool/mem.
func New(pioDriver *pio.Driver, pool *iobuf.Pool, mem *immemory.Manager, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loader{
		pio:         pioDriver,
		pool:        pool,
		mem:         mem,
		registry:    encoder.NewRegistry(),
		logger:      logger,
		extFormats:  map[string]string{".dds": "dds"},
		requests:    queue.NewMPSCUnbounded[Request](),
		definitions: queue.NewMPSCUnbounded[imgtypes.Definition](),
		defAlloc:    queue.NewNodeAllocator[imgtypes.Definition](),
		errors:      queue.NewMPSCUnbounded[imgtypes.LoadError](),
		errAlloc:    queue.NewNodeAllocator[imgtypes.LoadError](),
		bufReturns:  queue.NewMPSCUnbounded[[]byte](),
		active:      make(map[string][]*activeParser),
		open:        vfs.Open,
	}
}

// SetOpener overrides how file paths are resolved to sources; used by tests
// to substitute an in-memory handle for a real file.
func (l *Loader) SetOpener(open func(path string) (*vfs.Source, error)) {
	l.open = open
}

// NewRequestAllocator returns a fresh per-producer allocator for requests.
func (l *Loader) NewRequestAllocator() *queue.NodeAllocator[Request] {
	return queue.NewNodeAllocator[Request]()
}

// Submit enqueues a load request using the caller's own allocator.
func (l *Loader) Submit(alloc *queue.NodeAllocator[Request], req Request) {
	node := alloc.Get()
	node.Item = req
	l.requests.Produce(node)
}

// Definitions returns the queue parsed metadata is posted to.
func (l *Loader) Definitions() *queue.MPSCUnbounded[imgtypes.Definition] { return l.definitions }

// Errors returns the queue failed-load records are posted to.
func (l *Loader) Errors() *queue.MPSCUnbounded[imgtypes.LoadError] { return l.errors }

func inferFormat(extFormats map[string]string, path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	format, ok := extFormats[ext]
	return format, ok
}

func (l *Loader) postError(req Request, code imgtypes.ErrorCode, osErr error) {
	node := l.errAlloc.Get()
	node.Item = imgtypes.LoadError{
		ImageID:        req.ImageID,
		FilePath:       req.FilePath,
		FirstFrame:     req.FirstFrame,
		FinalFrame:     req.FinalFrame,
		SrcCompression: req.SrcCompression,
		SrcEncoding:    req.SrcEncoding,
		DstCompression: req.DstCompression,
		DstEncoding:    req.DstEncoding,
		Code:           code,
		OSError:        osErr,
	}
	l.errors.Produce(node)
}

func (l *Loader) beginLoad(req Request) {
	format, ok := inferFormat(l.extFormats, req.FilePath)
	if !ok {
		l.postError(req, imgtypes.ErrNoParser, nil)
		return
	}

	ctor, err := l.registry.Resolve(req.SrcCompression, req.SrcEncoding, req.DstCompression, req.DstEncoding)
	if err != nil {
		l.postError(req, imgtypes.ErrNoEncoder, err)
		return
	}

	source, err := l.open(req.FilePath)
	if err != nil {
		l.postError(req, imgtypes.ErrFileAccess, err)
		return
	}

	dec := decoder.New(l.bufReturns)
	l.nextStreamID++
	openAlloc := l.pio.NewOpenAllocator()
	l.pio.SubmitOpen(openAlloc, pio.OpenRequest{
		StreamID:     l.nextStreamID,
		Source:       source,
		Kind:         pio.KindLoadOnce,
		BasePriority: 0,
		Decoder:      dec,
	})

	if req.FileOffset != 0 {
		ctrlAlloc := l.pio.NewControlAllocator()
		l.pio.SubmitControl(ctrlAlloc, pio.ControlRequest{
			StreamID:   l.nextStreamID,
			Kind:       pio.CtrlSeek,
			SeekOffset: req.FileOffset,
		})
	}

	// KnownMetadata is carried through for the cache's benefit (it can
	// answer LOCK queries before the header is re-read) but this parser
	// always re-reads the container header itself: skipping straight to
	// pixel data would require seeking to a precomputed byte offset that
	// only the original header parse produces.
	flags := dds.FlagReadPixels | dds.FlagReadMetadata

	finalFrame := req.FinalFrame
	if finalFrame == imgtypes.AllFrames {
		finalFrame = 0
	}

	innerEnc := ctor(l.mem, req.ImageID)
	ap := &activeParser{
		req:     req,
		decoder: dec,
		parser: dds.NewParser(dds.Config{
			ImageID:     req.ImageID,
			ParseFlags:  flags,
			StartOffset: req.FileOffset,
			FirstFrame:  req.FirstFrame,
			FinalFrame:  finalFrame,
		}),
		enc: &definitionPostingEncoder{inner: innerEnc, defs: l.definitions, alloc: l.defAlloc},
	}
	l.active[format] = append(l.active[format], ap)
}

func (l *Loader) drainRequests() {
	for {
		node, ok := l.requests.Consume()
		if !ok {
			return
		}
		req := node.Item
		node.Release()
		l.beginLoad(req)
	}
}

func (l *Loader) drainBufferReturns() {
	for {
		node, ok := l.bufReturns.Consume()
		if !ok {
			return
		}
		buf := node.Item
		node.Release()
		l.pool.PutBuffer(buf)
	}
}

func (l *Loader) advanceFormat(format string) {
	list := l.active[format]
	kept := list[:0]
	for _, ap := range list {
		switch ap.parser.Update(ap.decoder, ap.enc) {
		case dds.ResultContinue:
			kept = append(kept, ap)
		case dds.ResultComplete:
			ap.decoder.Release()
		case dds.ResultError:
			l.postError(ap.req, classifyError(ap.parser.Err()), ap.parser.Err())
			ap.decoder.Release()
		}
	}
	l.active[format] = kept
}

func classifyError(err error) imgtypes.ErrorCode {
	if err == nil {
		return imgtypes.ErrBadData
	}
	return imgtypes.ErrBadData
}

// Tick drains new requests, recycles returned buffers, and advances every
// active parser by one step.
func (l *Loader) Tick() {
	l.drainRequests()
	l.drainBufferReturns()
	for format := range l.active {
		l.advanceFormat(format)
	}
}

// ActiveCount reports the number of in-flight parses, for tests/metrics.
func (l *Loader) ActiveCount() int {
	n := 0
	for _, list := range l.active {
		n += len(list)
	}
	return n
}
