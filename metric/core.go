package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds gateway-wide metrics that do not belong to one component.
type Metrics struct {
	BuildInfo      *prometheus.GaugeVec
	HealthStatus   *prometheus.GaugeVec
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the gateway-wide metrics. They are registered by
// NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "build_info",
				Help:      "Build information, value is always 1",
			},
			[]string{"version", "instance"},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Component health (0=unhealthy, 0.5=degraded, 1=healthy)",
			},
			[]string{"component"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{c.BuildInfo, c.HealthStatus, c.NATSConnected, c.NATSReconnects}
}

// RecordBuildInfo publishes the running version.
func (c *Metrics) RecordBuildInfo(version, instance string) {
	c.BuildInfo.WithLabelValues(version, instance).Set(1)
}

// RecordHealthStatus records a component health level.
func (c *Metrics) RecordHealthStatus(component string, level float64) {
	c.HealthStatus.WithLabelValues(component).Set(level)
}

// RecordNATSStatus updates the NATS connection gauge.
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect counts a NATS reconnection.
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
