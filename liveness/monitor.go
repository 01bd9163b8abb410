// Package liveness declares the device offline when it stops reporting.
//
// Each tick compares the store's LastUpdate against the staleness threshold.
// A stale device that is not already offline is marked offline, loses the
// device slot, and monitors receive one device_status broadcast carrying the
// last time the device was heard from. Later ticks are no-ops until the
// device reports again.
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicegate/arbiter"
	"github.com/c360/devicegate/broadcast"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/state"
)

// Defaults used when the configuration leaves them unset.
const (
	DefaultInterval  = 10 * time.Second
	DefaultThreshold = 30 * time.Second
)

// Config holds the tick interval and the staleness threshold.
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
}

// Validate requires a positive interval and a threshold of at least twice the
// interval, so scheduling jitter cannot flap the device offline.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("interval must be positive, got %s", c.Interval),
			"Config", "Validate", "check interval")
	}
	if c.Threshold < 2*c.Interval {
		return errors.WrapInvalid(
			fmt.Errorf("threshold %s must be at least twice the interval %s", c.Threshold, c.Interval),
			"Config", "Validate", "check threshold")
	}
	return nil
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics registers the offline transition counter.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(m *Monitor) { m.metricsRegistry = reg }
}

// WithClock overrides the time source used by Run.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// Monitor runs the staleness check.
type Monitor struct {
	cfg     Config
	store   *state.Store
	arbiter *arbiter.Arbiter
	engine  *broadcast.Engine

	logger          *slog.Logger
	offline         prometheus.Counter
	metricsRegistry *metric.MetricsRegistry
	now             func() time.Time
}

// New creates a monitor. Zero config fields take the defaults.
func New(cfg Config, store *state.Store, arb *arbiter.Arbiter, engine *broadcast.Engine, opts ...Option) (*Monitor, error) {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:     cfg,
		store:   store,
		arbiter: arb,
		engine:  engine,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metricsRegistry != nil {
		m.offline = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "device_offline_transitions_total",
			Help:      "Times the device was declared offline after going quiet",
		})
		if err := m.metricsRegistry.RegisterCounter("liveness", "device_offline_transitions_total", m.offline); err != nil {
			m.logger.Warn("register liveness metric", "error", err)
		}
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Tick runs one check at now and reports whether the device went offline.
func (m *Monitor) Tick(now time.Time) bool {
	snap := m.store.Read()
	if snap.DeviceStatus == state.StatusOffline {
		return false
	}
	silence := now.Sub(snap.LastUpdate)
	if silence <= m.cfg.Threshold {
		return false
	}

	if _, err := m.store.SetStatus(state.StatusOffline); err != nil {
		m.logger.Error("mark device offline", "error", err)
		return false
	}
	m.arbiter.Clear()

	lastSeen := snap.LastUpdate
	m.engine.ToMonitors(message.Outbound{Type: message.TypeDeviceStatus, Data: message.DeviceStatus{
		Status:     state.StatusOffline,
		DeviceID:   snap.DeviceID,
		DeviceName: snap.DeviceName,
		LastSeen:   &lastSeen,
	}})

	if m.offline != nil {
		m.offline.Inc()
	}
	m.logger.Warn("device offline, no update within threshold",
		"device_id", snap.DeviceID, "silence", silence.Round(time.Millisecond), "threshold", m.cfg.Threshold)
	return true
}

// Run ticks every interval until ctx is done. post schedules each check on
// the caller's event loop so it is serialised with message handling; a nil
// post runs the check on Run's goroutine.
func (m *Monitor) Run(ctx context.Context, post func(func())) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started", "interval", m.cfg.Interval, "threshold", m.cfg.Threshold)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			check := func() { m.Tick(m.now()) }
			if post == nil {
				check()
				continue
			}
			post(check)
		}
	}
}
