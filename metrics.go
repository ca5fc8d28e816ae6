package dsaq

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/dsaq/internal/desc"
)

// LatencyBuckets defines the submit-to-completion latency histogram
// buckets in nanoseconds, logarithmically spaced from 1us to 10s.
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

const numOpcodes = int(desc.OpDIFStrip) + 1

// Metrics tracks per-opcode submission counts, byte throughput, and
// completion latency for one channel.
type Metrics struct {
	OpCounts  [numOpcodes]atomic.Uint64 // submissions per opcode
	OpErrors  [numOpcodes]atomic.Uint64 // device/integrity failures per opcode
	BytesMoved atomic.Uint64            // cumulative transfer-size field across all submissions

	PoolExhaustedCount  atomic.Uint64 // PrepareSingle/BatchPool.Get backpressure events
	BatchExhaustedCount atomic.Uint64 // Batch.Prepare on a full batch

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a fresh metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records one descriptor submission of the given opcode and
// transfer size.
func (m *Metrics) RecordSubmit(op desc.Opcode, bytes uint32) {
	if int(op) < numOpcodes {
		m.OpCounts[op].Add(1)
	}
	m.BytesMoved.Add(uint64(bytes))
}

// RecordCompletion records a completion's latency and whether it succeeded.
func (m *Metrics) RecordCompletion(op desc.Opcode, latencyNs uint64, success bool) {
	if !success && int(op) < numOpcodes {
		m.OpErrors[op].Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordPoolExhausted records one PrepareSingle/BatchPool.Get backpressure
// event.
func (m *Metrics) RecordPoolExhausted() { m.PoolExhaustedCount.Add(1) }

// RecordBatchExhausted records one Batch.Prepare call on a full batch.
func (m *Metrics) RecordBatchExhausted() { m.BatchExhaustedCount.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the channel as torn down.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics suitable for logging
// or export without holding onto the live atomics.
type MetricsSnapshot struct {
	OpCounts   [numOpcodes]uint64
	OpErrors   [numOpcodes]uint64
	BytesMoved uint64

	PoolExhaustedCount  uint64
	BatchExhaustedCount uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64
}

// Snapshot computes a MetricsSnapshot from the live counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		BytesMoved:          m.BytesMoved.Load(),
		PoolExhaustedCount:  m.PoolExhaustedCount.Load(),
		BatchExhaustedCount: m.BatchExhaustedCount.Load(),
	}

	var totalErrors uint64
	for i := 0; i < numOpcodes; i++ {
		snap.OpCounts[i] = m.OpCounts[i].Load()
		snap.OpErrors[i] = m.OpErrors[i].Load()
		snap.TotalOps += snap.OpCounts[i]
		totalErrors += snap.OpErrors[i]
	}
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters, for test isolation between cases sharing a
// channel.
func (m *Metrics) Reset() {
	for i := 0; i < numOpcodes; i++ {
		m.OpCounts[i].Store(0)
		m.OpErrors[i].Store(0)
	}
	m.BytesMoved.Store(0)
	m.PoolExhaustedCount.Store(0)
	m.BatchExhaustedCount.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer lets callers plug in their own metrics sink instead of (or in
// addition to) the built-in Metrics.
type Observer interface {
	ObserveSubmit(op desc.Opcode, bytes uint32)
	ObserveCompletion(op desc.Opcode, latencyNs uint64, success bool)
	ObservePoolExhausted()
	ObserveBatchExhausted()
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(desc.Opcode, uint32)            {}
func (NoOpObserver) ObserveCompletion(desc.Opcode, uint64, bool) {}
func (NoOpObserver) ObservePoolExhausted()                        {}
func (NoOpObserver) ObserveBatchExhausted()                       {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer recording into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(op desc.Opcode, bytes uint32) {
	o.metrics.RecordSubmit(op, bytes)
}

func (o *MetricsObserver) ObserveCompletion(op desc.Opcode, latencyNs uint64, success bool) {
	o.metrics.RecordCompletion(op, latencyNs, success)
}

func (o *MetricsObserver) ObservePoolExhausted() { o.metrics.RecordPoolExhausted() }
func (o *MetricsObserver) ObserveBatchExhausted() { o.metrics.RecordBatchExhausted() }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
