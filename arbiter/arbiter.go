// Package arbiter decides which single connection, if any, is the device.
//
// The device slot moves Empty -> Bound(conn, deviceID) -> Empty. Binding a
// new connection demotes the previous holder to unassigned without closing
// it, so a stale socket left over from a device reboot never blocks the
// reconnect.
package arbiter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicegate/connection"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/state"
)

// Binding describes the occupied slot.
type Binding struct {
	ConnID   connection.ID
	DeviceID string
	BoundAt  time.Time
}

// BindResult reports what a Bind changed.
type BindResult struct {
	Binding Binding
	// Changed is true when the slot moved to a different connection or was
	// empty before.
	Changed bool
	// IdentityChanged is true when the device ID differs from the previous
	// binding.
	IdentityChanged bool
	// Demoted is the connection that lost the slot, valid when HadDemotion.
	Demoted     connection.ID
	HadDemotion bool
}

// Release is emitted when the bound connection leaves the registry.
type Release struct {
	Binding Binding
	Cause   error
}

// ReleaseFunc observes releases of the device slot.
type ReleaseFunc func(Release)

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics registers slot metrics. A nil registry disables them.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(a *Arbiter) { a.metricsRegistry = reg }
}

// WithClock overrides the time source for BoundAt.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) {
		if now != nil {
			a.now = now
		}
	}
}

// Arbiter owns the device slot.
type Arbiter struct {
	registry *connection.Registry
	store    *state.Store

	mu   sync.Mutex
	slot *Binding
	conn *connection.Connection

	listenersMu sync.RWMutex
	listeners   []ReleaseFunc

	logger          *slog.Logger
	metrics         *arbiterMetrics
	metricsRegistry *metric.MetricsRegistry
	now             func() time.Time
}

// New creates an arbiter with an empty slot and subscribes it to registry
// removals.
func New(registry *connection.Registry, store *state.Store, opts ...Option) *Arbiter {
	a := &Arbiter{
		registry: registry,
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.metrics = newArbiterMetrics(a.metricsRegistry, a.logger)
	registry.OnUnregister(a.handleUnregister)
	return a
}

// Bind gives the slot to connID. A different previous holder is demoted to
// unassigned, never closed. Rebinding the current holder refreshes the
// device identity. An empty deviceID keeps the current identity. The device
// status becomes online.
func (a *Arbiter) Bind(connID connection.ID, deviceID string) (BindResult, error) {
	conn, ok := a.registry.Get(connID)
	if !ok {
		return BindResult{}, errors.Wrap(
			fmt.Errorf("%w: %s", errors.ErrUnknownConnection, connID),
			"Arbiter", "Bind", "look up connection")
	}
	if _, err := a.store.SetStatus(state.StatusOnline); err != nil {
		return BindResult{}, errors.Wrap(err, "Arbiter", "Bind", "mark device online")
	}

	a.mu.Lock()
	var res BindResult
	prev := a.slot
	prevConn := a.conn

	switch {
	case prev == nil:
		res.Changed = true
		res.IdentityChanged = deviceID != ""
	case prev.ConnID != connID:
		res.Changed = true
		res.IdentityChanged = deviceID != prev.DeviceID
		res.Demoted = prev.ConnID
		res.HadDemotion = true
	default:
		if deviceID == "" {
			deviceID = prev.DeviceID
		}
		res.IdentityChanged = deviceID != prev.DeviceID
	}

	b := Binding{ConnID: connID, DeviceID: deviceID, BoundAt: a.now()}
	if prev != nil && !res.Changed {
		b.BoundAt = prev.BoundAt
	}
	a.slot = &b
	a.conn = conn
	res.Binding = b

	if res.HadDemotion && prevConn != nil && prevConn.Role() == connection.RoleDevice {
		prevConn.SetRole(connection.RoleUnassigned)
	}
	conn.SetRole(connection.RoleDevice)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.bound.Set(1)
		if res.Changed {
			a.metrics.binds.Inc()
		}
		if res.HadDemotion {
			a.metrics.demotions.Inc()
		}
	}
	if res.HadDemotion {
		a.logger.Warn("device slot taken over, previous connection demoted",
			"conn_id", uint64(connID), "demoted_conn_id", uint64(res.Demoted), "device_id", deviceID)
	} else if res.Changed || res.IdentityChanged {
		a.logger.Info("device bound", "conn_id", uint64(connID), "device_id", deviceID)
	}
	return res, nil
}

// Unbind empties the slot if connID holds it. The connection is demoted to
// unassigned. It reports whether the slot changed.
func (a *Arbiter) Unbind(connID connection.ID) bool {
	a.mu.Lock()
	if a.slot == nil || a.slot.ConnID != connID {
		a.mu.Unlock()
		return false
	}
	a.clearLocked()
	a.mu.Unlock()

	a.markEmpty()
	a.logger.Info("device unbound", "conn_id", uint64(connID))
	return true
}

// Clear empties the slot whoever holds it and returns the previous binding.
func (a *Arbiter) Clear() (Binding, bool) {
	a.mu.Lock()
	if a.slot == nil {
		a.mu.Unlock()
		return Binding{}, false
	}
	prev := a.clearLocked()
	a.mu.Unlock()

	a.markEmpty()
	return prev, true
}

// IsBoundConnection reports whether connID holds the slot.
func (a *Arbiter) IsBoundConnection(connID connection.ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slot != nil && a.slot.ConnID == connID
}

// CurrentDeviceID returns the bound device ID.
func (a *Arbiter) CurrentDeviceID() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.slot == nil {
		return "", false
	}
	return a.slot.DeviceID, true
}

// Current returns the binding, if any.
func (a *Arbiter) Current() (Binding, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.slot == nil {
		return Binding{}, false
	}
	return *a.slot, true
}

// CurrentConnection returns the bound connection, if any.
func (a *Arbiter) CurrentConnection() (*connection.Connection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, false
	}
	return a.conn, true
}

// OnRelease registers fn to run when the bound connection leaves the
// registry. fn runs outside the arbiter lock.
func (a *Arbiter) OnRelease(fn ReleaseFunc) {
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, fn)
	a.listenersMu.Unlock()
}

func (a *Arbiter) handleUnregister(c *connection.Connection, cause error) {
	a.mu.Lock()
	if a.slot == nil || a.slot.ConnID != c.ID() {
		a.mu.Unlock()
		return
	}
	prev := a.clearLocked()
	a.mu.Unlock()

	a.markEmpty()
	a.logger.Info("device connection released", "conn_id", uint64(c.ID()), "device_id", prev.DeviceID, "cause", cause)

	a.listenersMu.RLock()
	listeners := append([]ReleaseFunc(nil), a.listeners...)
	a.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(Release{Binding: prev, Cause: cause})
	}
}

// clearLocked empties the slot. a.mu must be held.
func (a *Arbiter) clearLocked() Binding {
	prev := *a.slot
	if a.conn != nil && a.conn.Role() == connection.RoleDevice {
		a.conn.SetRole(connection.RoleUnassigned)
	}
	a.slot = nil
	a.conn = nil
	return prev
}

func (a *Arbiter) markEmpty() {
	if a.metrics != nil {
		a.metrics.bound.Set(0)
	}
}

type arbiterMetrics struct {
	bound     prometheus.Gauge
	binds     prometheus.Counter
	demotions prometheus.Counter
}

func newArbiterMetrics(reg *metric.MetricsRegistry, logger *slog.Logger) *arbiterMetrics {
	if reg == nil {
		return nil
	}
	m := &arbiterMetrics{
		bound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Name:      "device_bound",
			Help:      "1 while a connection holds the device slot",
		}),
		binds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "device_binds_total",
			Help:      "Times the device slot moved to a new connection",
		}),
		demotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "device_demotions_total",
			Help:      "Device connections demoted by a newer bind",
		}),
	}
	if err := reg.RegisterGauge("arbiter", "device_bound", m.bound); err != nil {
		logger.Warn("register arbiter metric", "error", err)
	}
	if err := reg.RegisterCounter("arbiter", "device_binds_total", m.binds); err != nil {
		logger.Warn("register arbiter metric", "error", err)
	}
	if err := reg.RegisterCounter("arbiter", "device_demotions_total", m.demotions); err != nil {
		logger.Warn("register arbiter metric", "error", err)
	}
	return m
}
