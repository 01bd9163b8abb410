package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicegate/connection"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/health"
	"github.com/c360/devicegate/liveness"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/state"
	tu "github.com/c360/devicegate/testutil"
)

func startHub(t *testing.T, cfg Config, opts ...Option) (*Hub, context.CancelFunc) {
	t.Helper()
	hub, err := New(cfg, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return hub, cancel
}

func attach(t *testing.T, hub *Hub) (*connection.Connection, *tu.RecordingTransport) {
	t.Helper()
	tr := tu.NewRecordingTransport()
	c, err := hub.Attach(context.Background(), tr)
	require.NoError(t, err)
	return c, tr
}

func deliver(t *testing.T, hub *Hub, c *connection.Connection, typ string, data any) error {
	t.Helper()
	frame, err := json.Marshal(map[string]any{"type": typ, "data": data})
	require.NoError(t, err)
	return hub.Deliver(context.Background(), c.ID(), frame)
}

func TestHub_AttachSendsSnapshotFirst(t *testing.T) {
	hub, _ := startHub(t, Config{})
	_, tr := attach(t, hub)

	types := tr.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, "sensor_data", types[0])

	var snap state.SensorState
	require.NoError(t, tr.Frames()[0].DecodeData(&snap))
	assert.Equal(t, state.DefaultThreshold, snap.Threshold)
	assert.Equal(t, state.StatusOffline, snap.DeviceStatus)
}

func TestHub_DeviceLifecycle(t *testing.T) {
	tests := []struct {
		name   string
		cause  error
		status state.DeviceStatus
	}{
		{"clean close", nil, state.StatusOffline},
		{"transport failure", fmt.Errorf("%w: read: connection reset", errors.ErrTransport), state.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, _ := startHub(t, Config{})
			mon, monTr := attach(t, hub)
			require.NoError(t, deliver(t, hub, mon, "client_connected", nil))
			dev, _ := attach(t, hub)
			require.NoError(t, deliver(t, hub, dev, "device_info", map[string]any{"deviceId": "esp-1"}))
			assert.Equal(t, state.StatusOnline, hub.Snapshot().DeviceStatus)
			monTr.Reset()

			require.NoError(t, hub.Detach(context.Background(), dev.ID(), tt.cause))

			assert.Equal(t, tt.status, hub.Snapshot().DeviceStatus)
			assert.False(t, hub.Status().DeviceConnected)

			frames := monTr.OfType("device_status")
			require.Len(t, frames, 1)
			var ds message.DeviceStatus
			require.NoError(t, frames[0].DecodeData(&ds))
			assert.Equal(t, tt.status, ds.Status)
			assert.Equal(t, "esp-1", ds.DeviceID)
			assert.NotNil(t, ds.LastSeen)
		})
	}
}

func TestHub_DetachMonitorDoesNotTouchDevice(t *testing.T) {
	hub, _ := startHub(t, Config{})
	dev, _ := attach(t, hub)
	require.NoError(t, deliver(t, hub, dev, "device_info", map[string]any{"deviceId": "esp-1"}))
	mon, _ := attach(t, hub)

	require.NoError(t, hub.Detach(context.Background(), mon.ID(), nil))
	assert.Equal(t, state.StatusOnline, hub.Snapshot().DeviceStatus)
	assert.True(t, hub.Status().DeviceConnected)
}

func TestHub_Execute(t *testing.T) {
	hub, _ := startHub(t, Config{})
	dev, devTr := attach(t, hub)
	require.NoError(t, deliver(t, hub, dev, "device_info", map[string]any{"deviceId": "esp-1"}))
	devTr.Reset()

	snap, err := hub.Execute(context.Background(), message.TypeThresholdUpdate, json.RawMessage(`{"threshold":22.5}`))
	require.NoError(t, err)
	assert.Equal(t, 22.5, snap.Threshold)
	assert.Len(t, devTr.OfType("threshold_update"), 1)

	_, err = hub.Execute(context.Background(), message.TypeModeChange, json.RawMessage(`{"autoMode":true,"manualMode":true}`))
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = hub.Execute(context.Background(), message.TypeSensorData, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errors.ErrUnknownMessageType)
}

func TestHub_Ingest(t *testing.T) {
	hub, _ := startHub(t, Config{})
	_, monTr := attach(t, hub)
	monTr.Reset()

	temp, hum := 24.0, 55.0
	snap, err := hub.Ingest(context.Background(), message.DeviceReport{DeviceID: "esp-http", Temperature: &temp, Humidity: &hum})
	require.NoError(t, err)
	assert.Equal(t, "esp-http", snap.DeviceID)
	assert.Equal(t, state.StatusOnline, snap.DeviceStatus)
	assert.Len(t, monTr.OfType("sensor_data"), 1)

	_, err = hub.Ingest(context.Background(), message.DeviceReport{Temperature: &temp, Humidity: &hum})
	ve, ok := errors.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "deviceId", ve.Field)
}

func TestHub_Reject(t *testing.T) {
	hub, _ := startHub(t, Config{})
	c, tr := attach(t, hub)

	require.NoError(t, hub.Reject(context.Background(), c.ID(), errors.ErrRateLimited))
	frames := tr.OfType("error")
	require.Len(t, frames, 1)
	var e message.Error
	require.NoError(t, frames[0].DecodeData(&e))
	assert.Equal(t, errors.CodeRateLimited, e.Code)
}

func TestHub_LivenessRunsOnLoop(t *testing.T) {
	hub, _ := startHub(t, Config{Liveness: liveness.Config{Interval: 5 * time.Millisecond, Threshold: 20 * time.Millisecond}})
	mon, monTr := attach(t, hub)
	require.NoError(t, deliver(t, hub, mon, "client_connected", nil))
	dev, _ := attach(t, hub)
	require.NoError(t, deliver(t, hub, dev, "device_info", map[string]any{"deviceId": "esp-1"}))

	assert.Eventually(t, func() bool {
		return hub.Snapshot().DeviceStatus == state.StatusOffline
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return len(monTr.OfType("device_status")) == 2 }, time.Second, 5*time.Millisecond,
		"one online, one offline")
	assert.False(t, hub.Status().DeviceConnected)
}

func TestHub_Health(t *testing.T) {
	mon := health.NewMonitor(nil)
	hub, _ := startHub(t, Config{}, WithHealth(mon))

	assert.Eventually(t, func() bool {
		s, ok := mon.Get(ComponentGateway)
		return ok && s.IsHealthy()
	}, time.Second, 5*time.Millisecond)
	assert.True(t, hub.Health().IsDegraded(), "device starts offline")

	dev, _ := attach(t, hub)
	require.NoError(t, deliver(t, hub, dev, "device_info", map[string]any{"deviceId": "esp-1"}))
	assert.True(t, hub.Health().IsHealthy())

	require.NoError(t, hub.Detach(context.Background(), dev.ID(), errors.ErrSendBufferFull))
	assert.True(t, hub.Health().IsUnhealthy())
}

func TestHub_ShutdownClosesTransports(t *testing.T) {
	hub, err := New(Config{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	c, tr := attach(t, hub)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, tr.Closed())
	err = hub.Detach(context.Background(), c.ID(), nil)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.Error(t, hub.Run(context.Background()), "Run is single use")
}

func TestHub_DoRespectsContext(t *testing.T) {
	hub, err := New(Config{QueueSize: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = hub.Attach(ctx, tu.NewRecordingTransport())
	assert.ErrorIs(t, err, context.DeadlineExceeded, "loop not running, task never completes")
}

func TestHub_StopsWithFullQueueAndPendingTick(t *testing.T) {
	for i := 0; i < 20; i++ {
		hub, err := New(Config{
			QueueSize: 1,
			Liveness:  liveness.Config{Interval: 2 * time.Millisecond, Threshold: 4 * time.Millisecond},
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- hub.Run(ctx) }()

		// Occupy the loop.
		busy, release := make(chan struct{}), make(chan struct{})
		go func() {
			_ = hub.do(context.Background(), func() {
				close(busy)
				<-release
			})
		}()
		<-busy

		// Fill the queue, then let liveness ticks block on it.
		attached := make(chan struct{})
		go func() {
			_, _ = hub.Attach(context.Background(), tu.NewRecordingTransport())
			close(attached)
		}()
		time.Sleep(10 * time.Millisecond)

		cancel()
		close(release)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d: hub did not stop", i)
		}
		select {
		case <-attached:
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d: queued attach never returned", i)
		}
	}
}
