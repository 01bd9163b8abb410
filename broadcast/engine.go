// Package broadcast fans outbound messages out to an audience: the monitors,
// the device, everyone, or one connection.
//
// Delivery is best effort. A failed send prunes that connection from the
// registry and delivery continues to the rest of the audience. Each call
// encodes its message once, stamping the delivery timestamp at that point.
package broadcast

import (
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicegate/connection"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/pkg/timestamp"
)

// Audience labels used in metrics and logs.
const (
	AudienceMonitors = "monitors"
	AudienceDevice   = "device"
	AudienceAll      = "all"
	AudienceOne      = "one"
)

// SlotReader exposes the connection holding the device slot.
type SlotReader interface {
	CurrentConnection() (*connection.Connection, bool)
}

// Sink receives a copy of every frame delivered to the monitor audience.
// Mirror must not block.
type Sink interface {
	Mirror(msgType message.Type, frame []byte)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics registers broadcast metrics. A nil registry disables them.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(e *Engine) { e.metricsRegistry = reg }
}

// WithClock overrides the delivery timestamp source.
func WithClock(c timestamp.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithSink adds a monitor-audience mirror.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sinks = append(e.sinks, s)
		}
	}
}

// Engine delivers outbound messages.
type Engine struct {
	registry *connection.Registry
	slot     SlotReader
	clock    timestamp.Clock
	sinks    []Sink

	logger          *slog.Logger
	metrics         *engineMetrics
	metricsRegistry *metric.MetricsRegistry
}

// New creates an engine over registry. slot identifies the device.
func New(registry *connection.Registry, slot SlotReader, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		slot:     slot,
		clock:    timestamp.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newEngineMetrics(e.metricsRegistry, e.logger)
	return e
}

// AddSink adds a monitor-audience mirror after construction.
func (e *Engine) AddSink(s Sink) {
	if s != nil {
		e.sinks = append(e.sinks, s)
	}
}

// ToMonitors delivers out to every open connection except the bound device
// and returns the number of successful sends.
func (e *Engine) ToMonitors(out message.Outbound) int {
	frame, ok := e.encode(out, AudienceMonitors)
	if !ok {
		return 0
	}

	var device connection.ID
	dc, bound := e.slot.CurrentConnection()
	if bound {
		device = dc.ID()
	}

	sent := 0
	e.registry.ForEachOpen(func(c *connection.Connection) {
		if bound && c.ID() == device {
			return
		}
		if e.send(c, frame, AudienceMonitors) == nil {
			sent++
		}
	})
	e.mirror(out.Type, frame)
	return sent
}

// ToDevice delivers out to the bound device. With no device bound the
// message is dropped and false is returned; commands are never queued.
func (e *Engine) ToDevice(out message.Outbound) bool {
	dc, bound := e.slot.CurrentConnection()
	if !bound {
		e.logger.Info("no device bound, command dropped", "type", out.Type.String())
		if e.metrics != nil {
			e.metrics.dropped.Inc()
		}
		return false
	}

	frame, ok := e.encode(out, AudienceDevice)
	if !ok {
		return false
	}
	return e.send(dc, frame, AudienceDevice) == nil
}

// ToAll delivers out to every open connection, device included.
func (e *Engine) ToAll(out message.Outbound) int {
	frame, ok := e.encode(out, AudienceAll)
	if !ok {
		return 0
	}

	sent := 0
	e.registry.ForEachOpen(func(c *connection.Connection) {
		if e.send(c, frame, AudienceAll) == nil {
			sent++
		}
	})
	e.mirror(out.Type, frame)
	return sent
}

// ToOne delivers out to a single connection.
func (e *Engine) ToOne(id connection.ID, out message.Outbound) error {
	c, ok := e.registry.Get(id)
	if !ok {
		return errors.Wrap(fmt.Errorf("%w: %s", errors.ErrUnknownConnection, id), "Engine", "ToOne", "look up connection")
	}

	frame, ok := e.encode(out, AudienceOne)
	if !ok {
		return errors.Wrap(fmt.Errorf("cannot encode %s", out.Type), "Engine", "ToOne", "encode")
	}
	return e.send(c, frame, AudienceOne)
}

func (e *Engine) encode(out message.Outbound, audience string) ([]byte, bool) {
	frame, err := message.Encode(out, e.clock())
	if err != nil {
		e.logger.Error("encode outbound message", "type", out.Type.String(), "audience", audience, "error", err)
		return nil, false
	}
	return frame, true
}

// send delivers one frame and prunes the connection if the transport fails.
func (e *Engine) send(c *connection.Connection, frame []byte, audience string) error {
	if err := c.Transport().Send(frame); err != nil {
		cause := err
		if !stderrors.Is(err, errors.ErrTransport) {
			cause = fmt.Errorf("%w: %w", errors.ErrTransport, err)
		}
		e.logger.Warn("send failed, pruning connection",
			"conn_id", uint64(c.ID()), "role", c.Role().String(), "audience", audience, "error", err)
		e.registry.Prune(c.ID(), cause)
		if e.metrics != nil {
			e.metrics.pruned.Inc()
		}
		return cause
	}

	if e.metrics != nil {
		e.metrics.sent.WithLabelValues(audience).Inc()
		e.metrics.bytes.Add(float64(len(frame)))
	}
	return nil
}

func (e *Engine) mirror(t message.Type, frame []byte) {
	for _, s := range e.sinks {
		s.Mirror(t, frame)
	}
}

type engineMetrics struct {
	sent    *prometheus.CounterVec
	pruned  prometheus.Counter
	bytes   prometheus.Counter
	dropped prometheus.Counter
}

func newEngineMetrics(reg *metric.MetricsRegistry, logger *slog.Logger) *engineMetrics {
	if reg == nil {
		return nil
	}
	m := &engineMetrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broadcast",
			Name:      "sent_total",
			Help:      "Frames delivered, by audience",
		}, []string{"audience"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broadcast",
			Name:      "pruned_total",
			Help:      "Connections pruned after a failed send",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broadcast",
			Name:      "bytes_total",
			Help:      "Bytes delivered",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broadcast",
			Name:      "device_dropped_total",
			Help:      "Device-bound messages dropped because no device was bound",
		}),
	}
	for name, err := range map[string]error{
		"sent_total":           reg.RegisterCounterVec("broadcast", "sent_total", m.sent),
		"pruned_total":         reg.RegisterCounter("broadcast", "pruned_total", m.pruned),
		"bytes_total":          reg.RegisterCounter("broadcast", "bytes_total", m.bytes),
		"device_dropped_total": reg.RegisterCounter("broadcast", "device_dropped_total", m.dropped),
	} {
		if err != nil {
			logger.Warn("register broadcast metric", "metric", name, "error", err)
		}
	}
	return m
}
