// Package metrics provides Prometheus metrics collection for the
// orchestrator's subcommands.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the orchestrator records against.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	ModulesDeployed        prometheus.Gauge
	ModulesAttested        prometheus.Gauge
	ConnectionsEstablished prometheus.Gauge
	EventsRegistered       prometheus.Gauge

	EntrypointFirings *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// or unregistered if registerer is nil (as tests want, to avoid colliding
// with other packages' collectors under the default registry).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactive_tools_operations_total",
				Help: "Total number of orchestrator subcommand invocations",
			},
			[]string{"operation", "target", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reactive_tools_operation_duration_seconds",
				Help:    "Orchestrator subcommand duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation", "target"},
		),
		ModulesDeployed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactive_tools_modules_deployed",
			Help: "Number of modules currently marked deployed",
		}),
		ModulesAttested: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactive_tools_modules_attested",
			Help: "Number of modules currently marked attested",
		}),
		ConnectionsEstablished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactive_tools_connections_established",
			Help: "Number of connections currently marked established",
		}),
		EventsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactive_tools_periodic_events_registered",
			Help: "Number of periodic events currently marked established",
		}),
		EntrypointFirings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactive_tools_entrypoint_firings_total",
				Help: "Total number of periodic entrypoint firings observed",
			},
			[]string{"module", "entry"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.OperationsTotal,
			m.OperationDuration,
			m.ModulesDeployed,
			m.ModulesAttested,
			m.ConnectionsEstablished,
			m.EventsRegistered,
			m.EntrypointFirings,
		)
	}

	return m
}

// RecordOperation records one subcommand invocation's outcome and duration.
// status is "ok" or "error".
func (m *Metrics) RecordOperation(operation, target, status string, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(operation, target, status).Inc()
	m.OperationDuration.WithLabelValues(operation, target).Observe(duration.Seconds())
}

// RecordFiring records one simulated or real periodic entrypoint firing.
func (m *Metrics) RecordFiring(module, entry string) {
	m.EntrypointFirings.WithLabelValues(module, entry).Inc()
}

// Handler exposes the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Global metrics instance, lazily constructed so commands that never touch
// metrics (e.g. `call`/`output`/`request`) don't pay for it.
var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init initializes (or returns the already-initialized) global Metrics.
func Init() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New()
	}
	return global
}

// Global returns the global Metrics, initializing it if necessary.
func Global() *Metrics {
	return Init()
}
