package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "rename_milter"

// Metrics holds all Prometheus metrics for the milter
type Metrics struct {
	// Connection counters/gauges
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge

	// Message counters
	MessagesTotal         prometheus.Counter
	HeadersTotal          prometheus.Counter
	RelocationsTotal      *prometheus.CounterVec
	MutationFailuresTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of MTA connections",
			},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Number of currently open MTA connections",
			},
		),

		MessagesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of messages that reached end of message",
			},
		),
		HeadersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "headers_total",
				Help:      "Total number of header fields inspected",
			},
		),
		RelocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relocations_total",
				Help:      "Total number of header occurrences renamed, per rule",
			},
			[]string{"rule"},
		),
		MutationFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutation_failures_total",
				Help:      "Total number of header changes the MTA rejected",
			},
			[]string{"op"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Seconds since the milter started",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines",
				Help:      "Number of running goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "storage_used_bytes",
				Help:      "Size of the counters database in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.MessagesTotal,
		m.HeadersTotal,
		m.RelocationsTotal,
		m.MutationFailuresTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
