package imagepipe

import (
	"context"
	"fmt"
	"time"

	"github.com/chenbk85/imagepipe/internal/aio"
	"github.com/chenbk85/imagepipe/internal/cache"
	"github.com/chenbk85/imagepipe/internal/imgtypes"
	"github.com/chenbk85/imagepipe/internal/immemory"
	"github.com/chenbk85/imagepipe/internal/iobuf"
	"github.com/chenbk85/imagepipe/internal/loader"
	"github.com/chenbk85/imagepipe/internal/logging"
	"github.com/chenbk85/imagepipe/internal/pio"
	"github.com/chenbk85/imagepipe/internal/queue"
	"github.com/chenbk85/imagepipe/internal/vfs"
)

// Params configures a Pipeline at construction time. Zero values pick the
// same defaults DefaultParams documents.
type Params struct {
	// PoolTotalBytes/PoolAllocBytes size the shared I/O buffer pool (C2).
	PoolTotalBytes int
	PoolAllocBytes int

	// AIOQueueDepth bounds the AIO driver's command queue; rounded up to a
	// power of two.
	AIOQueueDepth int

	// AIOMaxActive bounds how many reads/writes the AIO driver keeps
	// outstanding on the Ring at once (MAX_ACTIVE). Defaults to
	// MaxActive.
	AIOMaxActive int

	// CacheBytesLimit is bytes_limit for the image cache (C10). Zero means
	// no budget is enforced.
	CacheBytesLimit uint64

	// CachePolicy selects which frame to evict when bytes_used exceeds
	// CacheBytesLimit. Defaults to ImageLRUFrameMRU.
	CachePolicy cache.EvictionPolicy

	// TickInterval paces the background Run loop. Defaults to 2ms.
	TickInterval time.Duration

	Logger   *logging.Logger
	Observer Observer
	Metrics  *Metrics
}

// DefaultParams returns sensible defaults for a Pipeline serving local
// files off a fast disk.
func DefaultParams() Params {
	return Params{
		PoolTotalBytes:  64 << 20,
		PoolAllocBytes:  PageSize,
		AIOQueueDepth:   AIOQueueDepth,
		AIOMaxActive:    MaxActive,
		CachePolicy:     cache.ImageLRUFrameMRU{},
		TickInterval:    2 * time.Millisecond,
	}
}

// Pipeline wires together the AIO, PIO, loader, image-memory and cache
// subsystems into the single asset pipeline described by spec §1-§10, and
// drives them from one background goroutine.
type Pipeline struct {
	pool   *iobuf.Pool
	aio    *aio.Driver
	pio    *pio.Driver
	mem    *immemory.Manager
	loader *loader.Loader
	cache  *cache.Cache

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger

	tickInterval time.Duration
	cancel       context.CancelFunc
	done         chan struct{}
}

// New assembles a Pipeline. The returned Pipeline is not yet running; call
// Run to start its background tick loop.
func New(params Params) (*Pipeline, error) {
	d := DefaultParams()
	if params.PoolTotalBytes == 0 {
		params.PoolTotalBytes = d.PoolTotalBytes
	}
	if params.PoolAllocBytes == 0 {
		params.PoolAllocBytes = d.PoolAllocBytes
	}
	if params.AIOQueueDepth == 0 {
		params.AIOQueueDepth = AIOQueueDepth
	}
	if params.AIOMaxActive == 0 {
		params.AIOMaxActive = d.AIOMaxActive
	}
	if params.CachePolicy == nil {
		params.CachePolicy = cache.ImageLRUFrameMRU{}
	}
	if params.TickInterval == 0 {
		params.TickInterval = 2 * time.Millisecond
	}

	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := params.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	var observer Observer = params.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	pool, err := iobuf.NewPool(params.PoolTotalBytes, params.PoolAllocBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("imagepipe: allocate buffer pool: %w", err)
	}

	aioDriver, err := aio.NewDriver(aio.Config{
		QueueDepth: params.AIOQueueDepth,
		MaxActive:  params.AIOMaxActive,
		Logger:     logger,
		Observer:   observer,
	})
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("imagepipe: create aio driver: %w", err)
	}

	pioDriver := pio.NewDriver(aioDriver, pool, nil, logger, observer)
	mem := immemory.NewManager(logger)
	ld := loader.New(pioDriver, pool, mem, logger)
	ld.SetOpener(vfs.Open)

	c := cache.New(mem, ld, cache.Config{
		BytesLimit: params.CacheBytesLimit,
		Policy:     params.CachePolicy,
		Logger:     logger,
		Observer:   observer,
	})

	return &Pipeline{
		pool:         pool,
		aio:          aioDriver,
		pio:          pioDriver,
		mem:          mem,
		loader:       ld,
		cache:        c,
		metrics:      metrics,
		observer:     observer,
		logger:       logger,
		tickInterval: params.TickInterval,
	}, nil
}

// Run starts the background goroutine that ticks PIO (which ticks its
// owned AIO driver), the loader and the cache once per tick interval. It
// returns immediately; Close stops the loop.
func (p *Pipeline) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Tick()
			}
		}
	}()
}

// Tick runs one iteration of the pipeline's drivers synchronously. Exposed
// directly so tests and single-threaded callers can drive the pipeline
// deterministically instead of through the background Run loop.
func (p *Pipeline) Tick() {
	p.pio.Tick()
	p.loader.Tick()
	p.cache.Update()
}

// Close stops the background Run loop, if started, and releases the
// buffer pool's reserved memory. It does not block waiting for in-flight
// loads to drain.
func (p *Pipeline) Close() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return p.pool.Close()
}

// Declare registers (or extends) the file-backed source range for an
// image, per §4.10's DECLARE operation. alloc must come from
// NewDeclarationAllocator and is reusable across calls from the same
// producer goroutine.
func (p *Pipeline) Declare(alloc *queue.NodeAllocator[cache.Declaration], d cache.Declaration) {
	p.cache.Declare(alloc, d)
}

// NewDeclarationAllocator returns a per-producer allocator for Declare.
func (p *Pipeline) NewDeclarationAllocator() *queue.NodeAllocator[cache.Declaration] {
	return p.cache.NewDeclarationAllocator()
}

// NewCommandAllocator returns a per-producer allocator for Submit.
func (p *Pipeline) NewCommandAllocator() *queue.NodeAllocator[cache.Command] {
	return p.cache.NewCommandAllocator()
}

// Submit issues a LOCK/UNLOCK/EVICT/DROP command against the cache. alloc
// must come from NewCommandAllocator.
func (p *Pipeline) Submit(alloc *queue.NodeAllocator[cache.Command], cmd cache.Command) {
	p.cache.Submit(alloc, cmd)
}

// Evictions returns the queue the cache posts a Location onto every time it
// reclaims a frame's backing memory, whether client-driven (EVICT, DROP, or
// UNLOCK with evict_on_unlock) or policy-driven.
func (p *Pipeline) Evictions() *queue.SPSCUnbounded[immemory.Location] {
	return p.cache.Evictions()
}

// Metadata returns the image's parsed Definition, if a source file for it
// has been drained and parsed far enough to know one.
func (p *Pipeline) Metadata(imageID uint64) (imgtypes.Definition, bool) {
	return p.cache.Metadata(imageID)
}

// Metrics returns the pipeline's metrics, for scraping or logging.
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}
