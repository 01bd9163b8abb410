package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/devicegate/arbiter"
	"github.com/c360/devicegate/broadcast"
	"github.com/c360/devicegate/connection"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/health"
	"github.com/c360/devicegate/liveness"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/router"
	"github.com/c360/devicegate/state"
)

// Health component names.
const (
	ComponentGateway = "gateway"
	ComponentDevice  = "device"
)

const defaultQueueSize = 256

// Config holds the core settings.
type Config struct {
	Limits    state.Limits
	Liveness  liveness.Config
	QueueSize int
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger. Components log with a component attribute.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics instruments every component.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(h *Hub) { h.metricsRegistry = reg }
}

// WithHealth reports gateway and device health to m.
func WithHealth(m *health.Monitor) Option {
	return func(h *Hub) { h.health = m }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// Hub is the serialised gateway core.
type Hub struct {
	store    *state.Store
	registry *connection.Registry
	arbiter  *arbiter.Arbiter
	engine   *broadcast.Engine
	router   *router.Router
	liveness *liveness.Monitor

	events  chan func()
	stopped chan struct{}
	runOnce sync.Once

	deviceHealth state.DeviceStatus

	logger          *slog.Logger
	health          *health.Monitor
	metricsRegistry *metric.MetricsRegistry
	now             func() time.Time
}

// New builds the core. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) (*Hub, error) {
	h := &Hub{
		stopped: make(chan struct{}),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.health == nil {
		h.health = health.NewMonitor(nil)
	}

	if cfg.Limits == (state.Limits{}) {
		cfg.Limits = state.DefaultLimits()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	h.events = make(chan func(), cfg.QueueSize)

	validator, err := message.NewValidator()
	if err != nil {
		return nil, errors.Wrap(err, "Hub", "New", "build payload validator")
	}

	reg := h.metricsRegistry
	millis := func() int64 { return h.now().UnixMilli() }

	h.store = state.NewStore(state.WithLimits(cfg.Limits), state.WithClock(h.now))
	h.registry = connection.NewRegistry(
		connection.WithLogger(h.logger.With("component", "registry")),
		connection.WithMetrics(reg),
		connection.WithClock(h.now))
	h.arbiter = arbiter.New(h.registry, h.store,
		arbiter.WithLogger(h.logger.With("component", "arbiter")),
		arbiter.WithMetrics(reg),
		arbiter.WithClock(h.now))
	h.engine = broadcast.New(h.registry, h.arbiter,
		broadcast.WithLogger(h.logger.With("component", "broadcast")),
		broadcast.WithMetrics(reg),
		broadcast.WithClock(millis))
	h.router = router.New(h.store, h.registry, h.arbiter, h.engine, validator,
		router.WithLogger(h.logger.With("component", "router")),
		router.WithMetrics(reg),
		router.WithClock(h.now))

	h.liveness, err = liveness.New(cfg.Liveness, h.store, h.arbiter, h.engine,
		liveness.WithLogger(h.logger.With("component", "liveness")),
		liveness.WithMetrics(reg),
		liveness.WithClock(h.now))
	if err != nil {
		return nil, errors.Wrap(err, "Hub", "New", "build liveness monitor")
	}

	h.arbiter.OnRelease(h.handleRelease)
	h.syncDeviceHealth()
	return h, nil
}

// AddSink mirrors monitor broadcasts to s. Call before Run.
func (h *Hub) AddSink(s broadcast.Sink) {
	h.engine.AddSink(s)
}

// Run processes tasks and liveness ticks until ctx is done. Open transports
// are closed on the way out. Run may be called once.
func (h *Hub) Run(ctx context.Context) error {
	started := false
	h.runOnce.Do(func() { started = true })
	if !started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Hub", "Run", "start event loop")
	}

	h.health.UpdateHealthy(ComponentGateway, "event loop running")
	h.logger.Info("gateway hub started", "liveness_interval", h.liveness.Config().Interval,
		"offline_timeout", h.liveness.Config().Threshold)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.loop(gctx) })
	g.Go(func() error {
		return h.liveness.Run(gctx, func(fn func()) { h.post(gctx, fn) })
	})

	err := g.Wait()
	close(h.stopped)
	h.closeAll()
	h.health.UpdateUnhealthy(ComponentGateway, "event loop stopped")

	if err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (h *Hub) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-h.events:
			h.run(task)
		}
	}
}

// run executes one task. A panicking task is logged; the loop survives.
func (h *Hub) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("gateway task panicked", "panic", fmt.Sprint(r))
		}
		h.syncDeviceHealth()
	}()
	task()
}

// post queues fn without waiting for it. It is how liveness ticks join the
// loop. A full queue after ctx is done drops fn, since the loop no longer
// drains it.
func (h *Hub) post(ctx context.Context, fn func()) {
	select {
	case h.events <- fn:
	case <-ctx.Done():
	case <-h.stopped:
	}
}

// do queues fn and waits until it has run.
func (h *Hub) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case h.events <- task:
	case <-h.stopped:
		return errors.WrapTransient(errors.ErrShuttingDown, "Hub", "do", "queue task")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-h.stopped:
		return errors.WrapTransient(errors.ErrShuttingDown, "Hub", "do", "wait for task")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach registers a freshly accepted transport and sends it the current
// snapshot before anything else.
func (h *Hub) Attach(ctx context.Context, t connection.Transport) (*connection.Connection, error) {
	var conn *connection.Connection
	err := h.do(ctx, func() {
		conn = h.registry.Open(t)
		if err := h.router.SendSnapshot(conn.ID()); err != nil {
			h.logger.Debug("initial snapshot not delivered", "conn_id", uint64(conn.ID()), "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Deliver routes one inbound frame from id. The returned error is the
// rejection already reported to the peer, if any.
func (h *Hub) Deliver(ctx context.Context, id connection.ID, frame []byte) error {
	var routeErr error
	if err := h.do(ctx, func() { routeErr = h.router.Route(id, frame) }); err != nil {
		return err
	}
	return routeErr
}

// Reject reports a message the transport refused before routing, such as a
// rate-limited frame, to the peer.
func (h *Hub) Reject(ctx context.Context, id connection.ID, cause error) error {
	return h.do(ctx, func() {
		payload := message.Error{Code: errors.Code(cause), Message: cause.Error()}
		if err := h.engine.ToOne(id, message.Outbound{Type: message.TypeError, Data: payload}); err != nil {
			h.logger.Debug("rejection not delivered", "conn_id", uint64(id), "error", err)
		}
	})
}

// Detach removes id. cause is nil for a clean close and wraps
// errors.ErrTransport for a failure.
func (h *Hub) Detach(ctx context.Context, id connection.ID, cause error) error {
	return h.do(ctx, func() { h.registry.Unregister(id, cause) })
}

// Execute runs a fan_control, threshold_update or mode_change command with
// monitor semantics.
func (h *Hub) Execute(ctx context.Context, t message.Type, data json.RawMessage) (state.SensorState, error) {
	var (
		snap    state.SensorState
		execErr error
	)
	if err := h.do(ctx, func() { snap, execErr = h.router.Execute(t, data) }); err != nil {
		return state.SensorState{}, err
	}
	return snap, execErr
}

// Ingest applies a device report received over HTTP.
func (h *Hub) Ingest(ctx context.Context, report message.DeviceReport) (state.SensorState, error) {
	var (
		snap      state.SensorState
		ingestErr error
	)
	if err := h.do(ctx, func() { snap, ingestErr = h.router.IngestDeviceUpdate(report) }); err != nil {
		return state.SensorState{}, err
	}
	return snap, ingestErr
}

// Snapshot returns the current state.
func (h *Hub) Snapshot() state.SensorState {
	return h.store.Read()
}

// Status returns the request_status view.
func (h *Hub) Status() message.StatusResponse {
	return h.router.Status()
}

// Health returns the aggregate health.
func (h *Hub) Health() health.Status {
	return h.health.AggregateHealth("devicegate")
}

// handleRelease runs when the bound device connection leaves the registry.
// A transport failure marks the device in error, a clean close offline.
func (h *Hub) handleRelease(rel arbiter.Release) {
	status := state.StatusOffline
	if stderrors.Is(rel.Cause, errors.ErrTransport) {
		status = state.StatusError
	}
	snap, err := h.store.SetStatus(status)
	if err != nil {
		h.logger.Error("record device release", "error", err)
		return
	}

	lastSeen := snap.LastUpdate
	h.engine.ToMonitors(message.Outbound{Type: message.TypeDeviceStatus, Data: message.DeviceStatus{
		Status:     status,
		DeviceID:   rel.Binding.DeviceID,
		DeviceName: snap.DeviceName,
		LastSeen:   &lastSeen,
	}})
	h.logger.Info("device disconnected", "device_id", rel.Binding.DeviceID, "status", string(status))
}

// syncDeviceHealth mirrors the device status into the health monitor when it
// changes.
func (h *Hub) syncDeviceHealth() {
	status := h.store.Read().DeviceStatus
	if status == h.deviceHealth {
		return
	}
	h.deviceHealth = status

	switch status {
	case state.StatusOnline:
		h.health.UpdateHealthy(ComponentDevice, "device online")
	case state.StatusError:
		h.health.UpdateUnhealthy(ComponentDevice, "device connection failed")
	default:
		h.health.UpdateDegraded(ComponentDevice, "device offline")
	}
}

func (h *Hub) closeAll() {
	n := 0
	h.registry.ForEachOpen(func(c *connection.Connection) {
		_ = c.Transport().Close()
		n++
	})
	h.logger.Info("gateway hub stopped", "closed_connections", n)
}
