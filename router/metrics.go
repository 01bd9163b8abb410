package router

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/metric"
)

type routerMetrics struct {
	receivedTotal *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec
}

func newRouterMetrics(reg *metric.MetricsRegistry, logger *slog.Logger) *routerMetrics {
	if reg == nil {
		return nil
	}
	m := &routerMetrics{
		receivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages decoded, by type",
		}, []string{"type"}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "messages_rejected_total",
			Help:      "Inbound messages and commands rejected, by error code",
		}, []string{"code"}),
	}
	if err := reg.RegisterCounterVec("router", "messages_received_total", m.receivedTotal); err != nil {
		logger.Warn("register router metric", "error", err)
	}
	if err := reg.RegisterCounterVec("router", "messages_rejected_total", m.rejectedTotal); err != nil {
		logger.Warn("register router metric", "error", err)
	}
	return m
}

// received counts a decoded message. Unknown types share one label value.
func (m *routerMetrics) received(t message.Type) {
	if m == nil {
		return
	}
	label := t.String()
	if !t.Inbound() {
		label = "unknown"
	}
	m.receivedTotal.WithLabelValues(label).Inc()
}

func (m *routerMetrics) rejected(code string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(code).Inc()
}
