package natsbridge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicegate/gateway"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/natsbridge"
	"github.com/c360/devicegate/natsclient"
)

var sharedNATS *natsclient.TestClient

func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		os.Exit(m.Run())
	}
	var err error
	sharedNATS, err = natsclient.NewSharedTestClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start NATS: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	_ = sharedNATS.Terminate()
	os.Exit(code)
}

func TestIntegration_EventsAndCommands(t *testing.T) {
	if sharedNATS == nil {
		t.Skip("set INTEGRATION_TESTS=1 to run against a NATS container")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub, err := gateway.New(gateway.Config{})
	require.NoError(t, err)

	bridgeClient, err := sharedNATS.NewClient(ctx)
	require.NoError(t, err)
	defer bridgeClient.Close(context.Background())

	bridge, err := natsbridge.New(bridgeClient, hub, natsbridge.Config{
		Prefix:         "it",
		InstanceID:     "gw-it",
		AcceptCommands: true,
	})
	require.NoError(t, err)
	hub.AddSink(bridge)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = hub.Run(runCtx) }()
	go func() { _ = bridge.Run(runCtx) }()

	events := make(chan natsbridge.Event, 4)
	require.NoError(t, sharedNATS.Client.Subscribe(ctx, "it.events.mode_updated", func(_ context.Context, data []byte) {
		var ev natsbridge.Event
		if json.Unmarshal(data, &ev) == nil {
			events <- ev
		}
	}))

	// the bridge subscribes asynchronously; retry the command until it lands
	cmd := []byte(`{"autoMode":false,"manualMode":true}`)
	require.Eventually(t, func() bool {
		_ = sharedNATS.Client.Publish(ctx, "it.commands.mode_change", cmd)
		return hub.Snapshot().ManualMode()
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case ev := <-events:
		assert.Equal(t, "gw-it", ev.InstanceID)
		assert.Equal(t, message.TypeModeUpdated, ev.Type)
		assert.JSONEq(t, `{"autoMode":false,"manualMode":true}`, string(ev.Data))
	case <-ctx.Done():
		t.Fatal("mode_updated event not received")
	}
}
