package tracer

import (
	"sync/atomic"
	"time"
)

// Metrics tracks process-wide tracing statistics: how many records made
// it out, how many were lost, and how the shmem ring churned.
type Metrics struct {
	EntriesRecorded atomic.Uint64
	ExitsRecorded   atomic.Uint64
	RecordsLost     atomic.Uint64
	BufferRotations atomic.Uint64
	BuffersShrunk   atomic.Uint64
	Forks           atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a zeroed metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop marks the metrics instance as stopped, fixing UptimeNs in Snapshot.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to log or export.
type MetricsSnapshot struct {
	EntriesRecorded uint64
	ExitsRecorded   uint64
	RecordsLost     uint64
	BufferRotations uint64
	BuffersShrunk   uint64
	Forks           uint64
	UptimeNs        uint64
}

// Snapshot returns a point-in-time copy of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		EntriesRecorded: m.EntriesRecorded.Load(),
		ExitsRecorded:   m.ExitsRecorded.Load(),
		RecordsLost:     m.RecordsLost.Load(),
		BufferRotations: m.BufferRotations.Load(),
		BuffersShrunk:   m.BuffersShrunk.Load(),
		Forks:           m.Forks.Load(),
	}
	start := m.StartTime.Load()
	if stop := m.StopTime.Load(); stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	return snap
}

// Observer receives tracing events as they happen. Implementations must be
// safe to call from the hot entry/exit path of arbitrary traced functions.
type Observer interface {
	ObserveRecord(isEntry bool)
	ObserveLost(count uint64)
	ObserveRotate()
	ObserveFork()
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRecord(bool)   {}
func (NoOpObserver) ObserveLost(uint64)   {}
func (NoOpObserver) ObserveRotate()       {}
func (NoOpObserver) ObserveFork()         {}

// MetricsObserver implements Observer by recording into a *Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver builds an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRecord(isEntry bool) {
	if isEntry {
		o.metrics.EntriesRecorded.Add(1)
	} else {
		o.metrics.ExitsRecorded.Add(1)
	}
}

func (o *MetricsObserver) ObserveLost(count uint64) {
	o.metrics.RecordsLost.Add(count)
}

func (o *MetricsObserver) ObserveRotate() {
	o.metrics.BufferRotations.Add(1)
}

func (o *MetricsObserver) ObserveFork() {
	o.metrics.Forks.Add(1)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
