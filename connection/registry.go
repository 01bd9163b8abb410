package connection

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/metric"
)

// UnregisterFunc observes connections leaving the registry. cause is nil for
// a clean close.
type UnregisterFunc func(c *Connection, cause error)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics registers connection metrics. A nil registry disables them.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(r *Registry) { r.metricsRegistry = reg }
}

// WithClock overrides the time source for connection timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry holds every live connection. A connection appears at most once
// and Unregister is idempotent.
type Registry struct {
	mu    sync.RWMutex
	conns map[ID]*Connection

	nextID atomic.Uint64

	listenersMu sync.RWMutex
	listeners   []UnregisterFunc

	logger          *slog.Logger
	metrics         *registryMetrics
	metricsRegistry *metric.MetricsRegistry
	now             func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[ID]*Connection),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = newRegistryMetrics(r.metricsRegistry, r.logger)
	return r
}

// NextID reserves a fresh connection ID.
func (r *Registry) NextID() ID {
	return ID(r.nextID.Add(1))
}

// Open wraps t in a new unassigned connection and registers it.
func (r *Registry) Open(t Transport) *Connection {
	c := New(r.NextID(), t, r.now())
	// A fresh ID cannot collide.
	_ = r.Register(c)
	return c
}

// Register adds c. Registering an ID twice is an error.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	if _, exists := r.conns[c.ID()]; exists {
		r.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("connection %s already registered", c.ID()),
			"Registry", "Register", "add connection")
	}
	r.conns[c.ID()] = c
	active := len(r.conns)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.total.Inc()
		r.metrics.active.Set(float64(active))
	}
	r.logger.Debug("connection registered", "conn_id", uint64(c.ID()), "active", active)
	return nil
}

// OnUnregister adds a listener called after a connection is removed. Listeners
// run outside the registry lock, in registration order.
func (r *Registry) OnUnregister(fn UnregisterFunc) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Unregister removes the connection with id. It reports whether the
// connection was present; repeated calls are no-ops.
func (r *Registry) Unregister(id ID, cause error) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	active := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}

	if r.metrics != nil {
		r.metrics.active.Set(float64(active))
		r.metrics.disconnections.WithLabelValues(disconnectReason(cause)).Inc()
	}
	r.logger.Debug("connection unregistered",
		"conn_id", uint64(id), "role", c.Role().String(), "active", active, "cause", cause)

	r.listenersMu.RLock()
	listeners := append([]UnregisterFunc(nil), r.listeners...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(c, cause)
	}
	return true
}

// Prune unregisters the connection and closes its transport.
func (r *Registry) Prune(id ID, cause error) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	removed := r.Unregister(id, cause)
	if err := c.Transport().Close(); err != nil {
		r.logger.Debug("close pruned transport", "conn_id", uint64(id), "error", err)
	}
	return removed
}

// Get returns the connection with id.
func (r *Registry) Get(id ID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ForEachOpen calls fn for every connection whose transport is open, in ID
// order. Connections found closed are removed instead. fn runs outside the
// registry lock and may unregister connections.
func (r *Registry) ForEachOpen(fn func(*Connection)) {
	for _, c := range r.snapshot() {
		if c.transport.Closed() {
			r.Unregister(c.ID(), nil)
			continue
		}
		fn(c)
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByRole returns the number of registered connections holding role.
func (r *Registry) CountByRole(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		if c.Role() == role {
			n++
		}
	}
	return n
}

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func disconnectReason(cause error) string {
	switch {
	case cause == nil:
		return "closed"
	case stderrors.Is(cause, errors.ErrSendBufferFull):
		return "send_buffer_full"
	case stderrors.Is(cause, errors.ErrTransport):
		return "transport_error"
	case stderrors.Is(cause, errors.ErrShuttingDown):
		return "shutdown"
	default:
		return "other"
	}
}

type registryMetrics struct {
	active         prometheus.Gauge
	total          prometheus.Counter
	disconnections *prometheus.CounterVec
}

func newRegistryMetrics(reg *metric.MetricsRegistry, logger *slog.Logger) *registryMetrics {
	if reg == nil {
		return nil
	}
	m := &registryMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Name:      "connections_active",
			Help:      "Connections currently registered",
		}),
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "connections_total",
			Help:      "Connections accepted since start",
		}),
		disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "disconnections_total",
			Help:      "Connections removed, by reason",
		}, []string{"reason"}),
	}

	if err := reg.RegisterGauge("connection", "connections_active", m.active); err != nil {
		logger.Warn("register connection metric", "error", err)
	}
	if err := reg.RegisterCounter("connection", "connections_total", m.total); err != nil {
		logger.Warn("register connection metric", "error", err)
	}
	if err := reg.RegisterCounterVec("connection", "disconnections_total", m.disconnections); err != nil {
		logger.Warn("register connection metric", "error", err)
	}
	return m
}
