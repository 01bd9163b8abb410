package metric

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicegate/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())

	names := gatheredNames(t, registry)
	assert.True(t, names["go_goroutines"], "go collector registered")
	assert.True(t, names["devicegate_nats_connected"])
	assert.True(t, names["devicegate_nats_reconnects_total"])
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	tests := []struct {
		name     string
		register func() error
		family   string
	}{
		{
			name: "counter",
			register: func() error {
				c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "frames_total", Help: "h"})
				c.Inc()
				return registry.RegisterCounter("transport", "frames_total", c)
			},
			family: "devicegate_frames_total",
		},
		{
			name: "gauge",
			register: func() error {
				g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Name: "bound", Help: "h"})
				return registry.RegisterGauge("arbiter", "bound", g)
			},
			family: "devicegate_bound",
		},
		{
			name: "histogram",
			register: func() error {
				h := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: Namespace, Name: "fanout_seconds", Help: "h"})
				h.Observe(0.01)
				return registry.RegisterHistogram("broadcast", "fanout_seconds", h)
			},
			family: "devicegate_fanout_seconds",
		},
		{
			name: "counter vec",
			register: func() error {
				v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Name: "rejected_total", Help: "h"}, []string{"code"})
				v.WithLabelValues("validation_failed").Inc()
				return registry.RegisterCounterVec("router", "rejected_total", v)
			},
			family: "devicegate_rejected_total",
		},
		{
			name: "gauge vec",
			register: func() error {
				v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Name: "roles", Help: "h"}, []string{"role"})
				v.WithLabelValues("monitor").Set(2)
				return registry.RegisterGaugeVec("registry", "roles", v)
			},
			family: "devicegate_roles",
		},
		{
			name: "histogram vec",
			register: func() error {
				v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Name: "handle_seconds", Help: "h"}, []string{"type"})
				v.WithLabelValues("sensor_data").Observe(0.001)
				return registry.RegisterHistogramVec("router", "handle_seconds", v)
			},
			family: "devicegate_handle_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.register())
			assert.True(t, gatheredNames(t, registry)[tt.family])
		})
	}
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "h"})
	require.NoError(t, registry.RegisterCounter("svc", "dup_total", first))

	again := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "h"})
	err := registry.RegisterCounter("svc", "dup_total", again)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same collector name under a different service key collides in prometheus.
	err = registry.RegisterCounter("other", "dup_total", again)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_total", Help: "h"})
	counter.Inc()
	require.NoError(t, registry.RegisterCounter("svc", "gone_total", counter))
	assert.True(t, gatheredNames(t, registry)["gone_total"])

	assert.True(t, registry.Unregister("svc", "gone_total"))
	assert.False(t, registry.Unregister("svc", "gone_total"))
	assert.False(t, gatheredNames(t, registry)["gone_total"])

	// The name is free again.
	require.NoError(t, registry.RegisterCounter("svc", "gone_total",
		prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_total", Help: "h"})))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	const n = 10

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_counter_%d", id)
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "h"})
			c.Inc()
			assert.NoError(t, registry.RegisterCounter("svc", name, c))
		}(i)
	}
	wg.Wait()

	count := 0
	for name := range gatheredNames(t, registry) {
		if strings.HasPrefix(name, "concurrent_counter_") {
			count++
		}
	}
	assert.Equal(t, n, count)
}

func TestMetricsRegistrar_Interface(t *testing.T) {
	var registrar MetricsRegistrar = NewMetricsRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "iface_total", Help: "h"})
	require.NoError(t, registrar.RegisterCounter("svc", "iface_total", c))
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.RecordBuildInfo("1.2.3", "gw-1")
	core.RecordHealthStatus("device", 1)
	core.RecordNATSStatus(true)
	core.RecordNATSReconnect()
	core.RecordNATSReconnect()

	assert.Equal(t, 1.0, testutil.ToFloat64(core.BuildInfo.WithLabelValues("1.2.3", "gw-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.HealthStatus.WithLabelValues("device")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(core.NATSReconnects))

	core.RecordNATSStatus(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(core.NATSConnected))
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordNATSReconnect()

	srv := httptest.NewServer(registry.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "devicegate_nats_reconnects_total 1")
}
