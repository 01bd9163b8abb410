package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error values
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrClosed       = stderrors.New("client is closed")
)

// Client manages one NATS connection for the gateway.
type Client struct {
	url    string
	status atomic.Int32
	logger *slog.Logger

	conn *nats.Conn
	subs []*nats.Subscription

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	handlerTime   time.Duration

	username   string
	password   string
	token      string
	clientName string
	tlsConfig  *tls.Config

	metrics        *metric.Metrics
	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client for url. It does not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
		handlerTime:   30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.setStatus(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	return ConnectionStatus(m.status.Load())
}

// IsHealthy returns true if the connection is up
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// setStatus stores status and mirrors it into metrics and the health
// callback when connectivity flips.
func (m *Client) setStatus(status ConnectionStatus) {
	prev := ConnectionStatus(m.status.Swap(int32(status)))
	was, now := prev == StatusConnected, status == StatusConnected
	if was == now {
		return
	}
	if m.metrics != nil {
		m.metrics.RecordNATSStatus(now)
	}
	m.mu.RLock()
	fn := m.onHealthChange
	m.mu.RUnlock()
	if fn != nil {
		fn(now)
	}
}

func (m *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}
	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	if m.tlsConfig != nil {
		opts = append(opts, nats.Secure(m.tlsConfig))
	}
	return opts
}

// Connect makes one connection attempt bounded by ctx.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapFatal(ErrClosed, "Client", "Connect", "connect")
	}
	m.setStatus(StatusConnecting)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.connectionOptions()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}
		m.mu.Lock()
		m.conn = r.conn
		m.mu.Unlock()
	case <-ctx.Done():
		// A late success must not leak the connection.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		m.setStatus(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.logger.Info("connected to NATS", "url", m.url)
	return nil
}

// ConnectWithRetry calls Connect until it succeeds, cfg gives up, or ctx
// ends. Each attempt is bounded by the client timeout.
func (m *Client) ConnectWithRetry(ctx context.Context, cfg retry.Config) error {
	if cfg.Retryable == nil {
		cfg.Retryable = errors.IsTransient
	}
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			m.logger.Warn("NATS connect failed, retrying",
				"url", m.url, "attempt", attempt, "delay", delay, "error", err)
		}
	}
	return retry.Do(ctx, cfg, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return m.Connect(attemptCtx)
	})
}

// Close unsubscribes and drains the connection. It is safe to call more
// than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	conn, subs := m.conn, m.subs
	m.conn, m.subs = nil, nil
	m.username, m.password, m.token = "", "", ""
	m.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}

	if conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(context.DeadlineExceeded, "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
		}
		conn.Close()
	}

	m.setStatus(StatusClosed)
	return stderrors.Join(errs...)
}

// Subscribe delivers messages on subject to handler. Each call gets a
// context derived from ctx that expires after the handler timeout.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, m.handlerTime)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	m.subs = append(m.subs, sub)
	return nil
}

// Publish publishes data on subject.
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// RTT returns the round-trip time to the server.
func (m *Client) RTT() (time.Duration, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	m.logger.Warn("NATS disconnected", "url", m.url, "error", err)
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	if m.metrics != nil {
		m.metrics.RecordNATSReconnect()
	}
	m.logger.Info("NATS reconnected", "url", m.url)
}

func (m *Client) handleClosed(_ *nats.Conn) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusDisconnected)
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS async error", "error", err)
}
