// Package natsbridge mirrors monitor events to NATS and accepts remote
// commands from it.
//
// Every frame the broadcast engine delivers to monitors is republished on
// <prefix>.events.<type> with the instance id and a unique event id added to
// the envelope. Publishing happens on a worker pool, so Mirror never blocks
// the gateway loop; when the queue is full the event is dropped and counted.
//
// With AcceptCommands set, the bridge subscribes to
// <prefix>.commands.<type> for fan_control, threshold_update and mode_change.
// The message body is the command payload, handled with monitor semantics.
package natsbridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/pkg/worker"
	"github.com/c360/devicegate/state"
)

// Client is the NATS surface the bridge needs. natsclient.Client satisfies
// it.
type Client interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Commander executes remote commands.
type Commander interface {
	Execute(ctx context.Context, t message.Type, data json.RawMessage) (state.SensorState, error)
}

// Config holds the bridge settings.
type Config struct {
	Prefix         string
	InstanceID     string
	AcceptCommands bool
	Workers        int
	QueueSize      int
	StopTimeout    time.Duration
}

// Event is the payload published on <prefix>.events.<type>.
type Event struct {
	ID         string          `json:"eventId"`
	InstanceID string          `json:"instanceId"`
	Type       message.Type    `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
}

type mirrored struct {
	msgType message.Type
	frame   []byte
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics registers bridge and worker pool metrics.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(b *Bridge) { b.metricsRegistry = reg }
}

// Bridge connects the broadcast engine and the command surface to NATS.
type Bridge struct {
	client    Client
	commander Commander
	config    Config
	pool      *worker.Pool[mirrored]

	logger          *slog.Logger
	metrics         *bridgeMetrics
	metricsRegistry *metric.MetricsRegistry
}

// New creates a bridge. Run must be called before events are published.
func New(client Client, commander Commander, cfg Config, opts ...Option) (*Bridge, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "New", "NATS client is required")
	}
	if cfg.AcceptCommands && commander == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "New", "commands need a commander")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "devicegate"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	b := &Bridge{
		client:    client,
		commander: commander,
		config:    cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = newBridgeMetrics(b.metricsRegistry, b.logger)

	pool, err := worker.NewPool(cfg.Workers, cfg.QueueSize, b.publish,
		worker.WithMetricsRegistry[mirrored](b.metricsRegistry, metric.Namespace+"_natsbridge"),
		worker.WithLogger[mirrored](b.logger),
	)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Bridge", "New", "create worker pool")
	}
	b.pool = pool
	return b, nil
}

// EventSubject returns the subject events of type t are published on.
func (b *Bridge) EventSubject(t message.Type) string {
	return fmt.Sprintf("%s.events.%s", b.config.Prefix, t)
}

// CommandSubject returns the subject commands of type t are accepted on.
func (b *Bridge) CommandSubject(t message.Type) string {
	return fmt.Sprintf("%s.commands.%s", b.config.Prefix, t)
}

// Run starts publishing and, if enabled, subscribes to commands. It blocks
// until ctx is done and then drains queued events.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Bridge", "Run", "start worker pool")
	}

	if b.config.AcceptCommands {
		for _, t := range message.Commands {
			if err := b.client.Subscribe(ctx, b.CommandSubject(t), b.commandHandler(t)); err != nil {
				_ = b.pool.Stop(b.config.StopTimeout)
				return errors.Wrap(err, "Bridge", "Run", "subscribe "+b.CommandSubject(t))
			}
		}
	}
	b.logger.Info("NATS bridge running",
		"prefix", b.config.Prefix,
		"accept_commands", b.config.AcceptCommands)

	<-ctx.Done()
	if err := b.pool.Stop(b.config.StopTimeout); err != nil {
		b.logger.Warn("NATS bridge stop", "error", err)
	}
	return nil
}

// Mirror queues a monitor frame for publishing. It never blocks.
func (b *Bridge) Mirror(t message.Type, frame []byte) {
	if err := b.pool.Submit(mirrored{msgType: t, frame: frame}); err != nil {
		b.metrics.drop()
		if stderrors.Is(err, worker.ErrQueueFull) {
			b.logger.Warn("NATS event dropped, queue full", "type", t.String())
		}
	}
}

func (b *Bridge) publish(ctx context.Context, m mirrored) error {
	var wire struct {
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(m.frame, &wire); err != nil {
		return errors.Wrap(err, "Bridge", "publish", "decode frame")
	}

	payload, err := json.Marshal(Event{
		ID:         uuid.NewString(),
		InstanceID: b.config.InstanceID,
		Type:       m.msgType,
		Data:       wire.Data,
		Timestamp:  wire.Timestamp,
	})
	if err != nil {
		return errors.Wrap(err, "Bridge", "publish", "encode event")
	}

	if err := b.client.Publish(ctx, b.EventSubject(m.msgType), payload); err != nil {
		return errors.Wrap(err, "Bridge", "publish", string(m.msgType))
	}
	b.metrics.published(m.msgType)
	return nil
}

func (b *Bridge) commandHandler(t message.Type) func(context.Context, []byte) {
	return func(ctx context.Context, data []byte) {
		if len(data) > 0 && !json.Valid(data) {
			b.metrics.command(t, errors.CodeMalformedMessage)
			b.logger.Warn("NATS command rejected", "type", t.String(), "code", errors.CodeMalformedMessage)
			return
		}
		if _, err := b.commander.Execute(ctx, t, data); err != nil {
			code := errors.Code(err)
			b.metrics.command(t, code)
			b.logger.Warn("NATS command rejected", "type", t.String(), "code", code, "error", err)
			return
		}
		b.metrics.command(t, "ok")
		b.logger.Debug("NATS command applied", "type", t.String())
	}
}

type bridgeMetrics struct {
	events   *prometheus.CounterVec
	dropped  prometheus.Counter
	commands *prometheus.CounterVec
}

func newBridgeMetrics(reg *metric.MetricsRegistry, logger *slog.Logger) *bridgeMetrics {
	if reg == nil {
		return nil
	}
	m := &bridgeMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "natsbridge",
			Name:      "events_published_total",
			Help:      "Monitor events published to NATS by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "natsbridge",
			Name:      "events_dropped_total",
			Help:      "Monitor events not queued for publishing",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "natsbridge",
			Name:      "commands_total",
			Help:      "Commands received over NATS by type and result",
		}, []string{"type", "result"}),
	}
	for name, err := range map[string]error{
		"events_published_total": reg.RegisterCounterVec("natsbridge", "events_published_total", m.events),
		"events_dropped_total":   reg.RegisterCounter("natsbridge", "events_dropped_total", m.dropped),
		"commands_total":         reg.RegisterCounterVec("natsbridge", "commands_total", m.commands),
	} {
		if err != nil {
			logger.Warn("register natsbridge metric", "metric", name, "error", err)
		}
	}
	return m
}

func (m *bridgeMetrics) published(t message.Type) {
	if m != nil {
		m.events.WithLabelValues(string(t)).Inc()
	}
}

func (m *bridgeMetrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *bridgeMetrics) command(t message.Type, result string) {
	if m != nil {
		m.commands.WithLabelValues(string(t), result).Inc()
	}
}
