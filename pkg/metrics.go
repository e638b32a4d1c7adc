package chunkstore

// metrics.go is a thin abstraction over Prometheus so that chunkstore can
// be used with or without metrics. When the caller passes a
// *prometheus.Registry via WithMetrics, labeled collectors are created and
// registered; otherwise a no-op sink is used and the write/read path does
// not pay for metric updates.
//
// All metrics are shard-level; aggregation (e.g. total writes across all
// shards) is left to Prometheus query time via sum()/rate().
//
// ┌──────────────────────────────────────┬───────┬────────┐
// │ Metric                                │ Type  │ Labels │
// ├────────────────────────────────────────┼───────┼────────┤
// │ chunkstore_chunks_written_total        │ Ctr   │ shard  │
// │ chunkstore_chunks_duplicate_total      │ Ctr   │ shard  │
// │ chunkstore_chunks_located_total        │ Ctr   │ shard  │
// │ chunkstore_bytes_written_total         │ Ctr   │ shard  │
// │ chunkstore_packs_sealed_total          │ Ctr   │ shard  │
// │ chunkstore_active_pack_bytes           │ Gge   │ shard  │
// └──────────────────────────────────────┴───────┴────────┘
//
// © 2025 chunkstore authors. MIT License.

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink is an internal interface abstracting away the concrete
// backend (Prometheus vs noop). It is not exposed outside the package.
type metricsSink interface {
	incWritten(shard byte)
	incDuplicate(shard byte)
	incLocated(shard byte)
	addBytesWritten(shard byte, delta int64)
	incPackSealed(shard byte)
	setActivePackBytes(shard byte, value int64)
}

type noopMetrics struct{}

func (noopMetrics) incWritten(byte)             {}
func (noopMetrics) incDuplicate(byte)           {}
func (noopMetrics) incLocated(byte)             {}
func (noopMetrics) addBytesWritten(byte, int64) {}
func (noopMetrics) incPackSealed(byte)          {}
func (noopMetrics) setActivePackBytes(byte, int64) {}

type promMetrics struct {
	written        *prometheus.CounterVec
	duplicate      *prometheus.CounterVec
	located        *prometheus.CounterVec
	bytesWritten   *prometheus.CounterVec
	packsSealed    *prometheus.CounterVec
	activePackSize *prometheus.GaugeVec
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	label := []string{"shard"}
	pm := &promMetrics{
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkstore",
			Name:      "chunks_written_total",
			Help:      "Number of new chunks appended to a pack.",
		}, label),
		duplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkstore",
			Name:      "chunks_duplicate_total",
			Help:      "Number of writes short-circuited because the hash already existed.",
		}, label),
		located: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkstore",
			Name:      "chunks_located_total",
			Help:      "Number of successful LocateChunk/ReadChunk lookups.",
		}, label),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkstore",
			Name:      "bytes_written_total",
			Help:      "Payload bytes appended to packs, post-compression.",
		}, label),
		packsSealed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkstore",
			Name:      "packs_sealed_total",
			Help:      "Number of packs transitioned to sealed.",
		}, label),
		activePackSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chunkstore",
			Name:      "active_pack_bytes",
			Help:      "Size in bytes of the shard's current active pack.",
		}, label),
	}
	reg.MustRegister(pm.written, pm.duplicate, pm.located, pm.bytesWritten, pm.packsSealed, pm.activePackSize)
	return pm
}

func shardLabel(shard byte) string { return strconv.Itoa(int(shard)) }

func (m *promMetrics) incWritten(shard byte)   { m.written.WithLabelValues(shardLabel(shard)).Inc() }
func (m *promMetrics) incDuplicate(shard byte) { m.duplicate.WithLabelValues(shardLabel(shard)).Inc() }
func (m *promMetrics) incLocated(shard byte)   { m.located.WithLabelValues(shardLabel(shard)).Inc() }
func (m *promMetrics) addBytesWritten(shard byte, delta int64) {
	m.bytesWritten.WithLabelValues(shardLabel(shard)).Add(float64(delta))
}
func (m *promMetrics) incPackSealed(shard byte) {
	m.packsSealed.WithLabelValues(shardLabel(shard)).Inc()
}
func (m *promMetrics) setActivePackBytes(shard byte, value int64) {
	m.activePackSize.WithLabelValues(shardLabel(shard)).Set(float64(value))
}

// newMetricsSink decides which implementation to use. Passing a nil
// registry disables metrics entirely.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
