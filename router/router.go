// Package router dispatches inbound envelopes by message type and sender
// role.
//
// The sender role is resolved from the arbiter on every message: a
// connection that held the device slot for the previous message may have
// been demoted since. Each handler mutates the state store and then hands
// the post-mutation snapshot to the broadcast engine, so a broadcast never
// carries state older than the mutation that produced it.
//
// Rejected messages never change state and never broadcast. The sender gets
// an error message with a code from errors.Code.
//
// The router is not itself synchronised. The gateway hub calls it from a
// single goroutine.
package router

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/devicegate/arbiter"
	"github.com/c360/devicegate/broadcast"
	"github.com/c360/devicegate/connection"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/state"
)

// WelcomeMessage is the greeting carried by every welcome.
const WelcomeMessage = "Connected to device gateway"

// malformedText is the peer-facing text for frames that cannot be decoded.
const malformedText = "Invalid message format"

// Sender is the role a message is routed under.
type Sender int

const (
	// FromMonitor covers every connection not holding the device slot.
	FromMonitor Sender = iota
	// FromDevice is the connection holding the device slot.
	FromDevice
)

func (s Sender) String() string {
	if s == FromDevice {
		return "device"
	}
	return "monitor"
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics registers router metrics. A nil registry disables them.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(r *Router) { r.metricsRegistry = reg }
}

// WithClock overrides the time source used to mark device activity.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Router routes inbound messages and implements the command surface shared
// by REST and NATS.
type Router struct {
	store     *state.Store
	registry  *connection.Registry
	arbiter   *arbiter.Arbiter
	engine    *broadcast.Engine
	validator *message.Validator

	logger          *slog.Logger
	metrics         *routerMetrics
	metricsRegistry *metric.MetricsRegistry
	now             func() time.Time
}

// New creates a router.
func New(
	store *state.Store,
	registry *connection.Registry,
	arb *arbiter.Arbiter,
	engine *broadcast.Engine,
	validator *message.Validator,
	opts ...Option,
) *Router {
	r := &Router{
		store:     store,
		registry:  registry,
		arbiter:   arb,
		engine:    engine,
		validator: validator,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = newRouterMetrics(r.metricsRegistry, r.logger)
	return r
}

// Route decodes one inbound frame from id and dispatches it. A rejected
// message is answered with an error message and the cause is returned.
func (r *Router) Route(id connection.ID, frame []byte) error {
	conn, ok := r.registry.Get(id)
	if !ok {
		return errors.Wrap(fmt.Errorf("%w: %s", errors.ErrUnknownConnection, id), "Router", "Route", "look up sender")
	}

	env, err := message.Decode(frame, id)
	if err != nil {
		r.reject(conn, "", err)
		return err
	}
	r.metrics.received(env.Type)

	if !env.Type.Inbound() {
		err := fmt.Errorf("%w: %s", errors.ErrUnknownMessageType, env.Type)
		r.reject(conn, env.Type, err)
		return err
	}

	sender := r.senderOf(id)
	if sender == FromDevice {
		conn.Touch(r.now())
	}

	if err := r.dispatch(conn, sender, env); err != nil {
		r.reject(conn, env.Type, err)
		return err
	}
	return nil
}

func (r *Router) senderOf(id connection.ID) Sender {
	if r.arbiter.IsBoundConnection(id) {
		return FromDevice
	}
	return FromMonitor
}

func (r *Router) dispatch(conn *connection.Connection, sender Sender, env message.Envelope) error {
	switch env.Type {
	case message.TypeSensorData:
		return r.handleSensorData(conn, sender, env)
	case message.TypeDeviceInfo:
		return r.handleDeviceInfo(conn, sender, env)
	case message.TypeFanControl:
		return r.handleFanControl(sender, env)
	case message.TypeThresholdUpdate:
		return r.handleThresholdUpdate(sender, env)
	case message.TypeModeChange:
		return r.handleModeChange(sender, env)
	case message.TypeRequestStatus:
		return r.handleRequestStatus(conn)
	case message.TypeClientConnected:
		return r.handleClientConnected(conn, sender, env)
	default:
		return fmt.Errorf("%w: %s", errors.ErrUnknownMessageType, env.Type)
	}
}

// reject answers the sender with an error message. Rejections are scoped to
// the one message; nothing else happens.
func (r *Router) reject(conn *connection.Connection, t message.Type, cause error) {
	code := errors.Code(cause)
	payload := message.Error{Code: code, Message: peerText(cause)}
	if ve, ok := errors.AsValidationError(cause); ok {
		payload.Field = ve.Field
	}

	r.logger.Warn("message rejected",
		"conn_id", uint64(conn.ID()), "type", t.String(), "code", code, "error", cause)
	r.metrics.rejected(code)

	if conn.Transport().Closed() {
		return
	}
	if err := r.engine.ToOne(conn.ID(), message.Outbound{Type: message.TypeError, Data: payload}); err != nil {
		r.logger.Debug("error reply not delivered", "conn_id", uint64(conn.ID()), "error", err)
	}
}

func peerText(err error) string {
	if ve, ok := errors.AsValidationError(err); ok {
		return ve.Error()
	}
	if errors.Code(err) == errors.CodeMalformedMessage {
		return malformedText
	}
	return err.Error()
}
