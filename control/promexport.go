// control/promexport.go
// Author: momentics <momentics@gmail.com>
//
// Exports MetricsRegistry and AsyncComm collaborator state through
// Prometheus collectors (SPEC_FULL.md §3 "Metrics"): reactor wait-loop
// latency, handler counts, request-cache size, timer-heap size, and
// decommission/proxy-map-generation counters.

package control

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sizers is the minimal surface promexport needs from the reactor pool
// and handler map collaborators, kept here rather than importing those
// packages directly so control stays a leaf package with no AsyncComm
// dependency (matches the teacher's own control/config.go, which never
// imports its sibling transport packages).
type Sizers struct {
	// HandlerCount reports the live handler count (handlermap.HandlerMap.Len).
	HandlerCount func() int
	// RequestCacheSize reports pending-request count per I/O reactor, summed.
	RequestCacheSize func() int
	// TimerHeapSize reports the dedicated timer reactor's heap size.
	TimerHeapSize func() int
}

// Exporter adapts MetricsRegistry plus a Sizers snapshot into a
// prometheus.Collector, registered once at process startup by
// cmd/asynccommd.
type Exporter struct {
	registry *MetricsRegistry
	sizers   Sizers

	waitLatency   prometheus.Histogram
	handlerGauge  prometheus.Gauge
	reqCacheGauge prometheus.Gauge
	timerGauge    prometheus.Gauge
	decommissions prometheus.Counter
	proxyGen      prometheus.Counter
}

// NewExporter builds an Exporter reading live counts through sizers
// and wait-loop samples fed by ObserveWaitLatency.
func NewExporter(registry *MetricsRegistry, sizers Sizers) *Exporter {
	return &Exporter{
		registry: registry,
		sizers:   sizers,
		waitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "asynccomm",
			Subsystem: "reactor",
			Name:      "poll_wait_seconds",
			Help:      "Observed duration of a single PollBackend.Wait call.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		handlerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asynccomm",
			Subsystem: "handlermap",
			Name:      "handlers",
			Help:      "Current number of live (non-decommissioned) handlers.",
		}),
		reqCacheGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asynccomm",
			Subsystem: "reqcache",
			Name:      "pending_requests",
			Help:      "Current number of pending requests across all reactor RequestCaches.",
		}),
		timerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asynccomm",
			Subsystem: "timerheap",
			Name:      "pending_timers",
			Help:      "Current number of pending entries in the dedicated timer reactor's heap.",
		}),
		decommissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "asynccomm",
			Subsystem: "handlermap",
			Name:      "decommissions_total",
			Help:      "Total number of handlers decommissioned since startup.",
		}),
		proxyGen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "asynccomm",
			Subsystem: "proxymap",
			Name:      "updates_total",
			Help:      "Total number of proxy-map generations applied (local or gossiped).",
		}),
	}
}

// ObserveWaitLatency records one PollBackend.Wait duration. Called by
// the reactor loop after each wait returns (a cheap, non-blocking
// histogram observation, safe to call from the reactor's own thread).
func (e *Exporter) ObserveWaitLatency(d time.Duration) {
	e.waitLatency.Observe(d.Seconds())
}

// IncDecommission records one handler decommission.
func (e *Exporter) IncDecommission() { e.decommissions.Inc() }

// IncProxyMapUpdate records one proxy-map generation change.
func (e *Exporter) IncProxyMapUpdate() { e.proxyGen.Inc() }

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	e.waitLatency.Describe(ch)
	e.handlerGauge.Describe(ch)
	e.reqCacheGauge.Describe(ch)
	e.timerGauge.Describe(ch)
	e.decommissions.Describe(ch)
	e.proxyGen.Describe(ch)
}

// Collect implements prometheus.Collector, refreshing the live gauges
// from Sizers just before each scrape.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	if e.sizers.HandlerCount != nil {
		e.handlerGauge.Set(float64(e.sizers.HandlerCount()))
	}
	if e.sizers.RequestCacheSize != nil {
		e.reqCacheGauge.Set(float64(e.sizers.RequestCacheSize()))
	}
	if e.sizers.TimerHeapSize != nil {
		e.timerGauge.Set(float64(e.sizers.TimerHeapSize()))
	}
	e.waitLatency.Collect(ch)
	e.handlerGauge.Collect(ch)
	e.reqCacheGauge.Collect(ch)
	e.timerGauge.Collect(ch)
	e.decommissions.Collect(ch)
	e.proxyGen.Collect(ch)
}
