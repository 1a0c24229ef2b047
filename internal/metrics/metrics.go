package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for the service launcher.
type Metrics struct {
	registry             *prometheus.Registry
	runnersTotal         *prometheus.GaugeVec
	restartsTotal        *prometheus.CounterVec
	registryEventsTotal  *prometheus.CounterVec
	lastTransitionGauge  prometheus.Gauge
	serviceUptimeSeconds *prometheus.GaugeVec
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		runnersTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tcs_launcher_runners_total",
			Help: "Supervised runners by state.",
		}, []string{"state"}),
		restartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcs_launcher_restarts_total",
			Help: "Total restarts performed per service.",
		}, []string{"service"}),
		registryEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcs_launcher_registry_events_total",
			Help: "Supervisor-originated registry events by type.",
		}, []string{"event"}),
		lastTransitionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcs_launcher_last_transition_timestamp",
			Help: "Unix timestamp of the last runner state transition.",
		}),
		serviceUptimeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tcs_launcher_service_uptime_seconds",
			Help: "Uptime of running supervised services.",
		}, []string{"service"}),
	}

	registry.MustRegister(
		m.runnersTotal,
		m.restartsTotal,
		m.registryEventsTotal,
		m.lastTransitionGauge,
		m.serviceUptimeSeconds,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetRunnersTotal sets the runner gauge for a state.
func (m *Metrics) SetRunnersTotal(state string, value int) {
	if m == nil {
		return
	}
	m.runnersTotal.WithLabelValues(state).Set(float64(value))
}

// IncRestarts increments the restart counter for a service.
func (m *Metrics) IncRestarts(service string) {
	if m == nil {
		return
	}
	m.restartsTotal.WithLabelValues(service).Inc()
}

// IncRegistryEvent counts a supervisor-originated registry event.
func (m *Metrics) IncRegistryEvent(event string) {
	if m == nil {
		return
	}
	m.registryEventsTotal.WithLabelValues(event).Inc()
}

// SetLastTransitionTimestamp records the time of the latest transition.
func (m *Metrics) SetLastTransitionTimestamp(t time.Time) {
	if m == nil {
		return
	}
	m.lastTransitionGauge.Set(float64(t.Unix()))
}

// SetServiceUptime publishes the uptime of a running service.
func (m *Metrics) SetServiceUptime(service string, uptime time.Duration) {
	if m == nil {
		return
	}
	m.serviceUptimeSeconds.WithLabelValues(service).Set(uptime.Seconds())
}
