package imagepipe

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one pipeline
// instance. Every field is safe for concurrent access.
type Metrics struct {
	// AIO counters.
	ReadOps, WriteOps, FlushOps, CloseOps atomic.Uint64
	ReadBytes, WriteBytes                 atomic.Uint64
	ReadErrors, WriteErrors               atomic.Uint64

	// PIO counters.
	StreamsOpened, StreamsClosed atomic.Uint64
	DeliveryRingDrops            atomic.Uint64 // buffer pool exhaustion skips

	// Cache counters.
	CacheHits, CacheMisses atomic.Uint64
	LocksCompleted         atomic.Uint64
	Evictions              atomic.Uint64

	// Latency histogram: bucket[i] counts ops with latency <= LatencyBuckets[i].
	LoadLatencyBuckets [numLatencyBuckets]atomic.Uint64
	TotalLatencyNs      atomic.Uint64
	LoadCount           atomic.Uint64
}

// NewMetrics creates a zero-valued Metrics instance.
func NewMetrics() *Metrics { return &Metrics{} }

// ObserveLoad records one completed image-frame load's latency.
func (m *Metrics) ObserveLoad(latencyNs uint64) {
	m.LoadCount.Add(1)
	m.TotalLatencyNs.Add(latencyNs)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LoadLatencyBuckets[i].Add(1)
		}
	}
}

// Observer is the metrics hook threaded through every driver tick. A nil
// Observer is valid everywhere it's accepted; callers that don't care about
// metrics simply don't set one.
type Observer interface {
	ObserveAIOComplete(op string, bytes uint64, latencyNs uint64, success bool)
	ObservePIODispatch(streamID int64, bytes uint64)
	ObserveCacheLock(hit bool)
	ObserveEvict(imageID uint64, bytesReclaimed uint64)
}

// MetricsObserver adapts a *Metrics into the Observer interface used by the
// aio/pio/cache drivers.
type MetricsObserver struct{ M *Metrics }

func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{M: m} }

func (o *MetricsObserver) ObserveAIOComplete(op string, bytes uint64, latencyNs uint64, success bool) {
	switch op {
	case "read":
		o.M.ReadOps.Add(1)
		o.M.ReadBytes.Add(bytes)
		if !success {
			o.M.ReadErrors.Add(1)
		}
	case "write":
		o.M.WriteOps.Add(1)
		o.M.WriteBytes.Add(bytes)
		if !success {
			o.M.WriteErrors.Add(1)
		}
	case "flush":
		o.M.FlushOps.Add(1)
	case "close":
		o.M.CloseOps.Add(1)
	}
}

func (o *MetricsObserver) ObservePIODispatch(streamID int64, bytes uint64) {
	_ = streamID
}

func (o *MetricsObserver) ObserveCacheLock(hit bool) {
	if hit {
		o.M.CacheHits.Add(1)
	} else {
		o.M.CacheMisses.Add(1)
	}
	o.M.LocksCompleted.Add(1)
}

func (o *MetricsObserver) ObserveEvict(imageID uint64, bytesReclaimed uint64) {
	_ = imageID
	o.M.Evictions.Add(1)
}

// PrometheusCollector exposes a *Metrics snapshot as a prometheus.Collector,
// the way asicamera2's camera metrics adapt an atomic counter set onto the
// Prometheus client library.
type PrometheusCollector struct {
	m *Metrics

	readOps, writeOps, flushOps, closeOps   *prometheus.Desc
	readBytes, writeBytes                   *prometheus.Desc
	readErrors, writeErrors                 *prometheus.Desc
	streamsOpened, streamsClosed            *prometheus.Desc
	cacheHits, cacheMisses, evictions       *prometheus.Desc
	loadLatencyAvgNs                        *prometheus.Desc
}

// NewPrometheusCollector wraps m for registration with a prometheus.Registry.
func NewPrometheusCollector(m *Metrics) *PrometheusCollector {
	ns := "imagepipe"
	return &PrometheusCollector{
		m:             m,
		readOps:       prometheus.NewDesc(ns+"_read_ops_total", "Total AIO read operations", nil, nil),
		writeOps:      prometheus.NewDesc(ns+"_write_ops_total", "Total AIO write operations", nil, nil),
		flushOps:      prometheus.NewDesc(ns+"_flush_ops_total", "Total AIO flush operations", nil, nil),
		closeOps:      prometheus.NewDesc(ns+"_close_ops_total", "Total AIO close operations", nil, nil),
		readBytes:     prometheus.NewDesc(ns+"_read_bytes_total", "Total bytes read", nil, nil),
		writeBytes:    prometheus.NewDesc(ns+"_write_bytes_total", "Total bytes written", nil, nil),
		readErrors:    prometheus.NewDesc(ns+"_read_errors_total", "Total read errors", nil, nil),
		writeErrors:   prometheus.NewDesc(ns+"_write_errors_total", "Total write errors", nil, nil),
		streamsOpened: prometheus.NewDesc(ns+"_streams_opened_total", "Total stream-ins opened", nil, nil),
		streamsClosed: prometheus.NewDesc(ns+"_streams_closed_total", "Total stream-ins closed", nil, nil),
		cacheHits:     prometheus.NewDesc(ns+"_cache_hits_total", "Total cache lock hits", nil, nil),
		cacheMisses:   prometheus.NewDesc(ns+"_cache_misses_total", "Total cache lock misses", nil, nil),
		evictions:     prometheus.NewDesc(ns+"_evictions_total", "Total frame evictions", nil, nil),
		loadLatencyAvgNs: prometheus.NewDesc(ns+"_load_latency_avg_ns", "Average load latency in nanoseconds", nil, nil),
	}
}

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readOps
	ch <- c.writeOps
	ch <- c.flushOps
	ch <- c.closeOps
	ch <- c.readBytes
	ch <- c.writeBytes
	ch <- c.readErrors
	ch <- c.writeErrors
	ch <- c.streamsOpened
	ch <- c.streamsClosed
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.evictions
	ch <- c.loadLatencyAvgNs
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.m
	emit := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	emit(c.readOps, m.ReadOps.Load())
	emit(c.writeOps, m.WriteOps.Load())
	emit(c.flushOps, m.FlushOps.Load())
	emit(c.closeOps, m.CloseOps.Load())
	emit(c.readBytes, m.ReadBytes.Load())
	emit(c.writeBytes, m.WriteBytes.Load())
	emit(c.readErrors, m.ReadErrors.Load())
	emit(c.writeErrors, m.WriteErrors.Load())
	emit(c.streamsOpened, m.StreamsOpened.Load())
	emit(c.streamsClosed, m.StreamsClosed.Load())
	emit(c.cacheHits, m.CacheHits.Load())
	emit(c.cacheMisses, m.CacheMisses.Load())
	emit(c.evictions, m.Evictions.Load())

	var avg float64
	if n := m.LoadCount.Load(); n > 0 {
		avg = float64(m.TotalLatencyNs.Load()) / float64(n)
	}
	ch <- prometheus.MustNewConstMetric(c.loadLatencyAvgNs, prometheus.GaugeValue, avg)
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
