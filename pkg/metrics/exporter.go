// Package metrics exposes the node's operational metrics in Prometheus
// format: live workers, bundle cache occupancy, and dispatch counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gauges supplies the current values sampled at scrape time.
type Gauges struct {
	WorkersRunning func() float64
	BundleCount    func() float64
	BundleBytes    func() float64
}

// Exporter registers and serves the node metrics.
type Exporter struct {
	registry *prometheus.Registry

	workersSpawned  prometheus.Counter
	workersExited   prometheus.Counter
	bundlesUploaded prometheus.Counter
	eventsWritten   prometheus.Counter
}

// NewExporter creates an exporter with its own registry.
func NewExporter(g Gauges) *Exporter {
	reg := prometheus.NewRegistry()

	e := &Exporter{
		registry: reg,
		workersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workernodes_workers_spawned_total",
			Help: "Total number of workers created on this node",
		}),
		workersExited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workernodes_workers_exited_total",
			Help: "Total number of workers that reached a terminal state",
		}),
		bundlesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workernodes_bundles_uploaded_total",
			Help: "Total number of bundle artifacts uploaded",
		}),
		eventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workernodes_events_written_total",
			Help: "Total number of event records written to readers",
		}),
	}

	reg.MustRegister(e.workersSpawned, e.workersExited, e.bundlesUploaded, e.eventsWritten)

	if g.WorkersRunning != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "workernodes_workers_running",
			Help: "Number of live workers on this node",
		}, g.WorkersRunning))
	}
	if g.BundleCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "workernodes_bundle_cache_entries",
			Help: "Number of complete bundle artifacts cached",
		}, g.BundleCount))
	}
	if g.BundleBytes != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "workernodes_bundle_cache_bytes",
			Help: "Total size of cached bundle artifacts in bytes",
		}, g.BundleBytes))
	}

	return e
}

// Handler returns the scrape handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// WorkerSpawned records a worker creation. Nil-safe.
func (e *Exporter) WorkerSpawned() {
	if e != nil {
		e.workersSpawned.Inc()
	}
}

// WorkerExited records a terminal worker event. Nil-safe.
func (e *Exporter) WorkerExited() {
	if e != nil {
		e.workersExited.Inc()
	}
}

// BundleUploaded records a completed bundle upload. Nil-safe.
func (e *Exporter) BundleUploaded() {
	if e != nil {
		e.bundlesUploaded.Inc()
	}
}

// EventWritten records one event record written to a reader. Nil-safe.
func (e *Exporter) EventWritten() {
	if e != nil {
		e.eventsWritten.Inc()
	}
}
