// Package metrics exposes scan activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eargollo/sift/internal/scan"
)

const namespace = "sift"

// Metrics holds the scan collectors on a private registry so tests and
// multiple servers in one process do not collide.
type Metrics struct {
	reg *prometheus.Registry

	scans            *prometheus.CounterVec
	files            *prometheus.CounterVec
	bytes            prometheus.Counter
	duration         prometheus.Histogram
	active           prometheus.Gauge
	duplicateGroups  prometheus.Gauge
	reclaimableBytes prometheus.Gauge
}

// New registers the scan collectors plus the Go runtime and process
// collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		// Labels: status (completed, incomplete, failed)
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "runs_total",
			Help:      "Finished scans by final status",
		}, []string{"status"}),
		// Labels: outcome (success, failure, skipped, cancelled)
		files: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "files_total",
			Help:      "Files processed by outcome",
		}, []string{"outcome"}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "bytes_read_total",
			Help:      "Bytes read by the digest engine",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Wall time of finished scans",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "active",
			Help:      "1 while a scan is running",
		}),
		duplicateGroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "duplicate_groups",
			Help:      "Duplicate groups in the last finished scan",
		}),
		reclaimableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "reclaimable_bytes",
			Help:      "Bytes held by redundant copies in the last finished scan",
		}),
	}
}

// ScanStarted implements scan.Recorder.
func (m *Metrics) ScanStarted() {
	m.active.Set(1)
}

// ScanFinished implements scan.Recorder. A nil report with an error counts
// as a failed scan.
func (m *Metrics) ScanFinished(r *scan.Report, err error) {
	m.active.Set(0)
	if err != nil || r == nil {
		m.scans.WithLabelValues(scan.StatusFailed).Inc()
		return
	}
	m.scans.WithLabelValues(r.Status()).Inc()
	m.files.WithLabelValues(scan.OutcomeSuccess.String()).Add(float64(r.Succeeded))
	m.files.WithLabelValues(scan.OutcomeFailure.String()).Add(float64(r.Failed))
	m.files.WithLabelValues(scan.OutcomeSkipped.String()).Add(float64(r.Skipped))
	m.files.WithLabelValues(scan.OutcomeCancelled.String()).Add(float64(r.Cancelled))
	m.bytes.Add(float64(r.TotalBytes))
	m.duration.Observe(r.Duration.Seconds())
	m.duplicateGroups.Set(float64(len(r.Groups)))
	m.reclaimableBytes.Set(float64(r.ReclaimableBytes()))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
