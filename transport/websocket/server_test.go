package websocket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/gateway"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/state"
	tu "github.com/c360/devicegate/testutil"
	wstransport "github.com/c360/devicegate/transport/websocket"
)

func startServer(t *testing.T, cfg wstransport.Config) (*gateway.Hub, string) {
	t.Helper()
	hub, err := gateway.New(gateway.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(wstransport.NewServer(hub, cfg))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, typ string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"type": typ, "data": data}))
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) tu.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f tu.Frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func TestServer_SnapshotThenWelcome(t *testing.T) {
	_, url := startServer(t, wstransport.DefaultConfig())
	ws := dial(t, url, nil)

	var first tu.Frame
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&first))
	assert.Equal(t, "sensor_data", first.Type)
	assert.NotZero(t, first.Timestamp)

	sendJSON(t, ws, "client_connected", map[string]any{"clientType": "dashboard"})
	f := readUntil(t, ws, "welcome")
	var w message.Welcome
	require.NoError(t, f.DecodeData(&w))
	assert.False(t, w.DeviceConnected)
	assert.Equal(t, 1, w.Stats.TotalConnections)
}

func TestServer_DeviceAndMonitor(t *testing.T) {
	hub, url := startServer(t, wstransport.DefaultConfig())
	mon := dial(t, url, http.Header{"Origin": []string{"http://dashboard.local"}})
	sendJSON(t, mon, "client_connected", nil)
	readUntil(t, mon, "welcome")

	dev := dial(t, url, nil)
	sendJSON(t, dev, "device_info", map[string]any{"deviceId": "esp-1"})
	readUntil(t, dev, "welcome")
	readUntil(t, mon, "device_status")

	sendJSON(t, mon, "threshold_update", map[string]any{"threshold": 22.5})
	f := readUntil(t, dev, "threshold_update")
	assert.JSONEq(t, `{"threshold":22.5}`, string(f.Data))
	f = readUntil(t, mon, "threshold_updated")
	assert.JSONEq(t, `{"threshold":22.5}`, string(f.Data))

	require.NoError(t, dev.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	f = readUntil(t, mon, "device_status")
	var ds message.DeviceStatus
	require.NoError(t, f.DecodeData(&ds))
	assert.Equal(t, state.StatusOffline, ds.Status)
	assert.Equal(t, state.StatusOffline, hub.Snapshot().DeviceStatus)
}

func TestServer_AbruptDeviceLossIsError(t *testing.T) {
	hub, url := startServer(t, wstransport.DefaultConfig())
	mon := dial(t, url, nil)
	dev := dial(t, url, nil)
	sendJSON(t, dev, "device_info", map[string]any{"deviceId": "esp-1"})
	readUntil(t, dev, "welcome")

	require.NoError(t, dev.UnderlyingConn().Close())

	f := readUntil(t, mon, "device_status")
	var ds message.DeviceStatus
	require.NoError(t, f.DecodeData(&ds))
	if ds.Status == state.StatusOnline {
		f = readUntil(t, mon, "device_status")
		require.NoError(t, f.DecodeData(&ds))
	}
	assert.Equal(t, state.StatusError, ds.Status)
	assert.Equal(t, state.StatusError, hub.Snapshot().DeviceStatus)
}

func TestServer_MalformedFrame(t *testing.T) {
	_, url := startServer(t, wstransport.DefaultConfig())
	ws := dial(t, url, nil)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readUntil(t, ws, "error")
	var e message.Error
	require.NoError(t, f.DecodeData(&e))
	assert.Equal(t, errors.CodeMalformedMessage, e.Code)
	assert.Equal(t, "Invalid message format", e.Message)

	sendJSON(t, ws, "request_status", nil)
	readUntil(t, ws, "status_response")
}

func TestServer_OriginCheck(t *testing.T) {
	cfg := wstransport.DefaultConfig()
	cfg.AllowedOrigins = []string{"https://ok.example"}
	_, url := startServer(t, cfg)

	dial(t, url, nil)
	dial(t, url, http.Header{"Origin": []string{"https://ok.example"}})

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_RateLimit(t *testing.T) {
	cfg := wstransport.DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	_, url := startServer(t, cfg)
	ws := dial(t, url, nil)

	sendJSON(t, ws, "request_status", nil)
	readUntil(t, ws, "status_response")

	sendJSON(t, ws, "request_status", nil)
	f := readUntil(t, ws, "error")
	var e message.Error
	require.NoError(t, f.DecodeData(&e))
	assert.Equal(t, errors.CodeRateLimited, e.Code)
}

func TestServer_OversizedFrameCloses(t *testing.T) {
	cfg := wstransport.DefaultConfig()
	cfg.MaxMessageSize = 128
	hub, url := startServer(t, cfg)
	ws := dial(t, url, nil)
	readUntil(t, ws, "sensor_data")

	big, err := json.Marshal(map[string]any{"type": "request_status", "data": map[string]string{"pad": strings.Repeat("x", 512)}})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, big))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	assert.Eventually(t, func() bool { return hub.Status().Stats.TotalConnections == 0 }, time.Second, 10*time.Millisecond)
}
