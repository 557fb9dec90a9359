package mesh

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "sotonmesh"

// Metrics collects per-run counters on a private registry so a batch run can
// write them to a node_exporter textfile.
type Metrics struct {
	registry       *prometheus.Registry
	diagnostics    *prometheus.CounterVec
	collectionSize *prometheus.GaugeVec
	routeBreaks    prometheus.Counter
	runDuration    prometheus.Gauge
	lastSuccess    prometheus.Gauge
}

// NewMetrics registers the run metrics on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		diagnostics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "diagnostics_total",
			Help:      "Diagnostic records by severity and category",
		}, []string{"severity", "category"}),
		collectionSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "collection_features",
			Help:      "Features written per output collection",
		}, []string{"collection"}),
		routeBreaks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "route_breaks_total",
			Help:      "Discontinuities found while stitching routes",
		}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last fusion run",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last fusion run completed",
		}),
	}
}

// Registry exposes the registry for serving or testing
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveDiagnostic counts one diagnostic record. Suitable as a
// DiagnosticsSink hook.
func (m *Metrics) ObserveDiagnostic(rec DiagnosticRecord) {
	m.diagnostics.WithLabelValues(rec.Severity.String(), rec.Category).Inc()
	if rec.Category == CategoryGeometryBreak {
		m.routeBreaks.Inc()
	}
}

// SetCollectionSize records the feature count of an output collection
func (m *Metrics) SetCollectionSize(collection string, n int) {
	m.collectionSize.WithLabelValues(collection).Set(float64(n))
}

// ObserveRun records a completed run
func (m *Metrics) ObserveRun(d time.Duration, finished time.Time) {
	m.runDuration.Set(d.Seconds())
	m.lastSuccess.Set(float64(finished.Unix()))
}

// WriteTextfile writes the metrics in text exposition format
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
