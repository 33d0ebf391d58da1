package rttlink

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/stat"
)

const defaultLatencySamples = 4096

// LinkMetrics tracks traffic through one bridge
type LinkMetrics struct {
	// Receive path
	FramesIn  atomic.Uint64
	BytesIn   atomic.Uint64
	Malformed atomic.Uint64
	Overflows atomic.Uint64

	// Transmit path
	FramesOut     atomic.Uint64
	BytesOut      atomic.Uint64
	PartialWrites atomic.Uint64
	Stalls        atomic.Uint64

	// Queues
	InboundBlocked atomic.Uint64 // pushes that had to wait for the consumer
	InboundDepth   atomic.Int32
	OutboundDepth  atomic.Int32

	// Transmit latency, submit to last byte written
	latencyMu  sync.Mutex
	latencies  []float64 // seconds, ring of the most recent samples
	latencyPos int
	maxSamples int
}

// NewLinkMetrics creates a new metrics tracker
func NewLinkMetrics() *LinkMetrics {
	return &LinkMetrics{
		maxSamples: defaultLatencySamples,
		latencies:  make([]float64, 0, defaultLatencySamples),
	}
}

// RecordLatency records how long one frame took to write
func (m *LinkMetrics) RecordLatency(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	if len(m.latencies) < m.maxSamples {
		m.latencies = append(m.latencies, d.Seconds())
		return
	}
	m.latencies[m.latencyPos] = d.Seconds()
	m.latencyPos = (m.latencyPos + 1) % m.maxSamples
}

// latencyStats returns the mean and the requested quantiles (0..1) of the
// retained samples.
func (m *LinkMetrics) latencyStats(qs ...float64) (mean float64, out []float64) {
	m.latencyMu.Lock()
	sorted := slices.Clone(m.latencies)
	m.latencyMu.Unlock()

	out = make([]float64, len(qs))
	if len(sorted) == 0 {
		return 0, out
	}
	slices.Sort(sorted)
	for i, q := range qs {
		out[i] = stat.Quantile(q, stat.Empirical, sorted, nil)
	}
	return stat.Mean(sorted, nil), out
}

// GetLatencyPercentile returns the given percentile (0..100) of recent
// transmit latencies
func (m *LinkMetrics) GetLatencyPercentile(percentile float64) time.Duration {
	_, qs := m.latencyStats(percentile / 100)
	return seconds(qs[0])
}

// MetricsSnapshot represents a point-in-time metrics snapshot
type MetricsSnapshot struct {
	FramesIn  uint64
	BytesIn   uint64
	Malformed uint64
	Overflows uint64

	FramesOut     uint64
	BytesOut      uint64
	PartialWrites uint64
	Stalls        uint64

	InboundBlocked uint64
	InboundDepth   int32
	OutboundDepth  int32

	LatencyMean time.Duration
	LatencyP50  time.Duration
	LatencyP95  time.Duration
	LatencyP99  time.Duration

	Timestamp time.Time
}

// Snapshot returns the current values
func (m *LinkMetrics) Snapshot() MetricsSnapshot {
	mean, qs := m.latencyStats(0.50, 0.95, 0.99)
	return MetricsSnapshot{
		FramesIn:       m.FramesIn.Load(),
		BytesIn:        m.BytesIn.Load(),
		Malformed:      m.Malformed.Load(),
		Overflows:      m.Overflows.Load(),
		FramesOut:      m.FramesOut.Load(),
		BytesOut:       m.BytesOut.Load(),
		PartialWrites:  m.PartialWrites.Load(),
		Stalls:         m.Stalls.Load(),
		InboundBlocked: m.InboundBlocked.Load(),
		InboundDepth:   m.InboundDepth.Load(),
		OutboundDepth:  m.OutboundDepth.Load(),
		LatencyMean:    seconds(mean),
		LatencyP50:     seconds(qs[0]),
		LatencyP95:     seconds(qs[1]),
		LatencyP99:     seconds(qs[2]),
		Timestamp:      time.Now(),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// Collector exposes the metrics to Prometheus under the rttlink namespace.
// channel is attached as a constant label.
func (m *LinkMetrics) Collector(channel string) prometheus.Collector {
	labels := prometheus.Labels{"channel": channel}
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("rttlink", subsystem, name), help, nil, labels)
	}
	return &linkCollector{
		m:              m,
		framesIn:       desc("rx", "frames_total", "Frames decoded from the channel."),
		bytesIn:        desc("rx", "bytes_total", "Raw bytes read from the channel."),
		malformed:      desc("rx", "malformed_frames_total", "Frames dropped as malformed."),
		overflows:      desc("rx", "overflow_frames_total", "Frames dropped for exceeding the staging buffer."),
		framesOut:      desc("tx", "frames_total", "Frames fully written to the channel."),
		bytesOut:       desc("tx", "bytes_total", "Encoded bytes written to the channel."),
		partialWrites:  desc("tx", "partial_writes_total", "Write attempts that accepted part of a frame."),
		stalls:         desc("tx", "stalls_total", "Write attempts that accepted nothing."),
		inboundBlocked: desc("queue", "inbound_blocked_total", "Inbound pushes that waited for the consumer."),
		inboundDepth:   desc("queue", "inbound_depth", "Messages waiting in the inbound queue."),
		outboundDepth:  desc("queue", "outbound_depth", "Messages waiting in the outbound queue."),
		latency: prometheus.NewDesc(prometheus.BuildFQName("rttlink", "tx", "latency_seconds"),
			"Frame write latency over recent frames.", nil, labels),
	}
}

type linkCollector struct {
	m *LinkMetrics

	framesIn, bytesIn, malformed, overflows     *prometheus.Desc
	framesOut, bytesOut, partialWrites, stalls  *prometheus.Desc
	inboundBlocked, inboundDepth, outboundDepth *prometheus.Desc
	latency                                     *prometheus.Desc
}

func (c *linkCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.framesIn, c.bytesIn, c.malformed, c.overflows,
		c.framesOut, c.bytesOut, c.partialWrites, c.stalls,
		c.inboundBlocked, c.inboundDepth, c.outboundDepth, c.latency,
	} {
		ch <- d
	}
}

func (c *linkCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.m
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int32) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	counter(c.framesIn, m.FramesIn.Load())
	counter(c.bytesIn, m.BytesIn.Load())
	counter(c.malformed, m.Malformed.Load())
	counter(c.overflows, m.Overflows.Load())
	counter(c.framesOut, m.FramesOut.Load())
	counter(c.bytesOut, m.BytesOut.Load())
	counter(c.partialWrites, m.PartialWrites.Load())
	counter(c.stalls, m.Stalls.Load())
	counter(c.inboundBlocked, m.InboundBlocked.Load())
	gauge(c.inboundDepth, m.InboundDepth.Load())
	gauge(c.outboundDepth, m.OutboundDepth.Load())

	m.latencyMu.Lock()
	count := uint64(len(m.latencies))
	m.latencyMu.Unlock()
	mean, qs := m.latencyStats(0.5, 0.95, 0.99)
	ch <- prometheus.MustNewConstSummary(c.latency, count, mean*float64(count),
		map[float64]float64{0.5: qs[0], 0.95: qs[1], 0.99: qs[2]})
}
