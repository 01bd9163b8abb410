// Package websocket accepts WebSocket sessions and feeds them to the gateway
// core.
//
// Each session has a bounded outbound queue drained by a write pump. Send
// never blocks: a full queue means the peer is stuck and Send fails with
// errors.ErrSendBufferFull, which makes the core prune the connection. The
// read pump enforces the frame size limit, the read deadline refreshed by
// pongs, and a per-session token bucket; frames over the rate are answered
// with a rate_limited error and dropped.
package websocket

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/devicegate/connection"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/metric"
)

// Core is the part of the gateway a session talks to.
type Core interface {
	Attach(ctx context.Context, t connection.Transport) (*connection.Connection, error)
	Deliver(ctx context.Context, id connection.ID, frame []byte) error
	Reject(ctx context.Context, id connection.ID, cause error) error
	Detach(ctx context.Context, id connection.ID, cause error) error
}

// Config holds the session limits.
type Config struct {
	PingInterval   time.Duration
	ClientTimeout  time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// AllowedOrigins lists accepted Origin headers; "*" accepts any. An empty
	// Origin is always accepted. An empty list accepts same-host origins only.
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
}

// DefaultConfig returns the default session limits.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		ClientTimeout:  60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
		RateLimit:      20,
		RateBurst:      40,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = d.ClientTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics registers transport metrics.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(s *Server) { s.metricsRegistry = reg }
}

// Server is an http.Handler that upgrades requests to sessions.
type Server struct {
	core     Core
	cfg      Config
	upgrader websocket.Upgrader
	wg       sync.WaitGroup

	logger          *slog.Logger
	metrics         *transportMetrics
	metricsRegistry *metric.MetricsRegistry
}

// NewServer creates a server feeding core.
func NewServer(core Core, cfg Config, opts ...Option) *Server {
	s := &Server{
		core:   core,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newTransportMetrics(s.metricsRegistry, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Config returns the effective limits.
func (s *Server) Config() Config { return s.cfg }

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "error", err)
		s.metrics.upgradeFailed()
		return
	}

	sess := newSession(ws, s.cfg)
	ctx := r.Context()
	conn, err := s.core.Attach(ctx, sess)
	if err != nil {
		s.logger.Warn("gateway refused session", "remote", r.RemoteAddr, "error", err)
		_ = sess.Close()
		sess.writePump()
		return
	}
	s.logger.Debug("websocket session opened", "conn_id", uint64(conn.ID()), "remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.writePump()
	}()
	s.readPump(ctx, sess, conn.ID())
}

// Wait blocks until every write pump has exited.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) readPump(ctx context.Context, sess *session, id connection.ID) {
	ws := sess.ws
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ClientTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.ClientTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	var cause error
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			cause = sess.readCause(err)
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ClientTimeout))
		s.metrics.frameReceived()

		if !limiter.Allow() {
			s.metrics.rateLimited()
			if err := s.core.Reject(ctx, id, errors.ErrRateLimited); err != nil {
				break
			}
			continue
		}
		if err := s.core.Deliver(ctx, id, frame); err != nil && stopped(ctx, err) {
			break
		}
	}

	_ = sess.Close()
	if err := s.core.Detach(ctx, id, cause); err != nil && !stderrors.Is(err, errors.ErrShuttingDown) {
		s.logger.Warn("detach session", "conn_id", uint64(id), "error", err)
	}
	if cause != nil {
		s.logger.Info("websocket session failed", "conn_id", uint64(id), "error", cause)
	} else {
		s.logger.Debug("websocket session closed", "conn_id", uint64(id))
	}
}

// stopped reports whether a Deliver error means the core is gone rather
// than that the message was rejected.
func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil || stderrors.Is(err, errors.ErrShuttingDown)
}

type transportMetrics struct {
	received       prometheus.Counter
	limited        prometheus.Counter
	upgradeFailure prometheus.Counter
}

func newTransportMetrics(reg *metric.MetricsRegistry, logger *slog.Logger) *transportMetrics {
	if reg == nil {
		return nil
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      name,
			Help:      help,
		})
		if err := reg.RegisterCounter("websocket", name, c); err != nil {
			logger.Warn("register websocket metric", "metric", name, "error", err)
		}
		return c
	}
	return &transportMetrics{
		received:       counter("frames_received_total", "Inbound frames read"),
		limited:        counter("rate_limited_total", "Inbound frames dropped by the rate limiter"),
		upgradeFailure: counter("upgrade_failures_total", "Requests that failed the WebSocket upgrade"),
	}
}

func (m *transportMetrics) frameReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *transportMetrics) rateLimited() {
	if m != nil {
		m.limited.Inc()
	}
}

func (m *transportMetrics) upgradeFailed() {
	if m != nil {
		m.upgradeFailure.Inc()
	}
}
