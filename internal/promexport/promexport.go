// Package promexport exposes a tracer's Metrics as a prometheus.Collector,
// the way the pack's storage-engine WAL implementations surface their own
// counters and gauges through promauto-registered instruments.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fntrace/tracer"
)

// Collector adapts a *tracer.Metrics into a prometheus.Collector without
// requiring the hot entry/exit path to touch prometheus types directly;
// every value is read fresh from Metrics.Snapshot() on each Collect.
type Collector struct {
	metrics *tracer.Metrics

	entriesDesc   *prometheus.Desc
	exitsDesc     *prometheus.Desc
	lostDesc      *prometheus.Desc
	rotationsDesc *prometheus.Desc
	shrunkDesc    *prometheus.Desc
	forksDesc     *prometheus.Desc
	uptimeDesc    *prometheus.Desc
}

// New builds a Collector over m. Register it with a prometheus.Registerer
// the way any other Collector is registered; no per-metric registration is
// needed.
func New(m *tracer.Metrics) *Collector {
	ns := "fntrace"
	return &Collector{
		metrics: m,
		entriesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "entries_recorded_total"),
			"Function entry records written to the shmem ring.", nil, nil),
		exitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "exits_recorded_total"),
			"Function exit records written to the shmem ring.", nil, nil),
		lostDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "records_lost_total"),
			"Records dropped because no buffer space could be found.", nil, nil),
		rotationsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "buffer_rotations_total"),
			"Shmem buffer rotations across every attached thread.", nil, nil),
		shrunkDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "buffers_shrunk_total"),
			"Rotations that reduced a ring's buffer count.", nil, nil),
		forksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "forks_total"),
			"Completed fork handoffs to a new session id.", nil, nil),
		uptimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "uptime_seconds"),
			"Seconds since the tracer started, frozen at Stop.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entriesDesc
	ch <- c.exitsDesc
	ch <- c.lostDesc
	ch <- c.rotationsDesc
	ch <- c.shrunkDesc
	ch <- c.forksDesc
	ch <- c.uptimeDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.entriesDesc, prometheus.CounterValue, float64(snap.EntriesRecorded))
	ch <- prometheus.MustNewConstMetric(c.exitsDesc, prometheus.CounterValue, float64(snap.ExitsRecorded))
	ch <- prometheus.MustNewConstMetric(c.lostDesc, prometheus.CounterValue, float64(snap.RecordsLost))
	ch <- prometheus.MustNewConstMetric(c.rotationsDesc, prometheus.CounterValue, float64(snap.BufferRotations))
	ch <- prometheus.MustNewConstMetric(c.shrunkDesc, prometheus.CounterValue, float64(snap.BuffersShrunk))
	ch <- prometheus.MustNewConstMetric(c.forksDesc, prometheus.CounterValue, float64(snap.Forks))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, float64(snap.UptimeNs)/1e9)
}

var _ prometheus.Collector = (*Collector)(nil)
