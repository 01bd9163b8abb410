package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestClient runs a NATS server in a container with a connected Client.
type TestClient struct {
	container testcontainers.Container
	Client    *Client
	URL       string
}

type testConfig struct {
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures a TestClient.
type TestOption func(*testConfig)

// WithNATSVersion selects the nats image tag.
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) { cfg.natsVersion = version }
}

// WithStartTimeout bounds container startup.
func WithStartTimeout(timeout time.Duration) TestOption {
	return func(cfg *testConfig) { cfg.startTimeout = timeout }
}

// NewSharedTestClient starts a container for use from TestMain.
func NewSharedTestClient(opts ...TestOption) (*TestClient, error) {
	cfg := &testConfig{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:" + cfg.natsVersion,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--port", "4222", "--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start NATS container: %w", err)
	}

	fail := func(err error) (*TestClient, error) {
		_ = container.Terminate(ctx)
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return fail(fmt.Errorf("container host: %w", err))
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		return fail(fmt.Errorf("mapped port: %w", err))
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url, WithTimeout(cfg.timeout), WithMaxReconnects(0))
	if err != nil {
		return fail(fmt.Errorf("create NATS client: %w", err))
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fail(fmt.Errorf("connect to NATS: %w", err))
	}

	return &TestClient{container: container, Client: client, URL: url}, nil
}

// NewTestClient starts a container and terminates it when t ends.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()
	tc, err := NewSharedTestClient(opts...)
	if err != nil {
		t.Fatalf("NATS test client: %v", err)
	}
	t.Cleanup(func() { _ = tc.Terminate() })
	return tc
}

// NewClient returns another connected client for the same server.
func (tc *TestClient) NewClient(ctx context.Context, opts ...ClientOption) (*Client, error) {
	c, err := NewClient(tc.URL, append([]ClientOption{WithMaxReconnects(0)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Terminate closes the client and removes the container.
func (tc *TestClient) Terminate() error {
	ctx := context.Background()
	_ = tc.Client.Close(ctx)
	return tc.container.Terminate(ctx)
}
