package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/pkg/retry"
)

// unreachable refuses connections immediately.
const unreachable = "nats://127.0.0.1:1"

func TestNewClient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
}

func TestNewClient_InvalidOption(t *testing.T) {
	tests := []struct {
		name string
		opt  ClientOption
	}{
		{"zero timeout", WithTimeout(0)},
		{"negative reconnect wait", WithReconnectWait(-time.Second)},
		{"zero handler timeout", WithHandlerTimeout(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(unreachable, tt.opt)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusClosed, "closed"},
		{ConnectionStatus(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestConnectionOptions(t *testing.T) {
	c, err := NewClient(unreachable,
		WithName("gw"),
		WithCredentials("user", "pass"),
		WithToken("tok"),
	)
	require.NoError(t, err)
	// 9 base options plus name, user info and token
	assert.Len(t, c.connectionOptions(), 12)

	secure, err := NewClient(unreachable, WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	require.NoError(t, err)
	assert.Len(t, secure.connectionOptions(), 10)
}

func TestConnect_Unreachable(t *testing.T) {
	c, err := NewClient(unreachable, WithTimeout(500*time.Millisecond))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnectWithRetry_GivesUp(t *testing.T) {
	c, err := NewClient(unreachable, WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	var retries atomic.Int32
	cfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		OnRetry:      func(int, error, time.Duration) { retries.Add(1) },
	}
	err = c.ConnectWithRetry(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, int32(2), retries.Load())
}

func TestConnectWithRetry_StopsOnCancel(t *testing.T) {
	c, err := NewClient(unreachable, WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 1000
	cfg.InitialDelay = 10 * time.Millisecond

	start := time.Now()
	err = c.ConnectWithRetry(ctx, cfg)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnect_AfterClose(t *testing.T) {
	c, err := NewClient(unreachable)
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()), "close is idempotent")

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, StatusClosed, c.Status())
}

func TestNotConnected(t *testing.T) {
	c, err := NewClient(unreachable)
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "a.b", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(ctx, "a.b", func(context.Context, []byte) {}), ErrNotConnected)
	_, err = c.RTT()
	assert.True(t, stderrors.Is(err, ErrNotConnected))
}

func TestStatus_MetricsAndHealthCallback(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	var changes []bool
	c, err := NewClient(unreachable,
		WithMetrics(reg.CoreMetrics()),
		WithHealthChangeCallback(func(h bool) { changes = append(changes, h) }),
	)
	require.NoError(t, err)

	c.setStatus(StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.CoreMetrics().NATSConnected))

	c.setStatus(StatusConnected)
	c.handleDisconnect(nil, nil)
	assert.Equal(t, StatusReconnecting, c.Status())
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.CoreMetrics().NATSConnected))

	c.handleReconnect(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.CoreMetrics().NATSReconnects))
	assert.Equal(t, []bool{true, false, true}, changes, "only connectivity flips are reported")
}
