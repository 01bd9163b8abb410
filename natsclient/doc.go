// Package natsclient manages the gateway's NATS connection.
//
// The client wraps nats.go with status tracking, slog logging and the
// gateway metrics. Connect makes a single attempt; ConnectWithRetry repeats
// it with exponential backoff from pkg/retry while errors are transient.
// Once connected, nats.go handles reconnection itself and the client mirrors
// the transitions into its status, the nats_connected gauge and an optional
// health callback.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(reg.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.ConnectWithRetry(ctx, retry.DefaultConfig()); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	err = client.Subscribe(ctx, "devicegate.commands.*", func(msgCtx context.Context, data []byte) {
//	    // msgCtx expires after the handler timeout (30s by default)
//	})
//
// Publish and Subscribe fail with ErrNotConnected while the connection is
// down; callers decide whether to drop or retry. TestClient starts a real
// server in a container for integration tests.
package natsclient
