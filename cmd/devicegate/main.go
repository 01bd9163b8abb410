// Package main runs the device gateway: one sensor device and any number of
// monitoring dashboards over WebSocket, a REST command surface, Prometheus
// metrics and an optional NATS bridge, all on one HTTP listener.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/devicegate/config"
	"github.com/c360/devicegate/gateway"
	gwhttp "github.com/c360/devicegate/gateway/http"
	"github.com/c360/devicegate/health"
	"github.com/c360/devicegate/metric"
	wstransport "github.com/c360/devicegate/transport/websocket"
)

// Build information, set with -ldflags at release time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "devicegate"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string, stdout io.Writer) error {
	cliCfg, err := parseFlags(args, getenv)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp(stdout)
		return nil
	}

	logger := setupLogger(stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger.Info("Starting device gateway",
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"instance_id", cfg.InstanceID)
	logger.Debug("Effective configuration", "config", cfg.String())

	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln, err := listen(cfg)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}
	return serve(ctx, cfg, ln, logger)
}

// loadConfig layers the optional file over the defaults, applies the
// environment and the command-line overrides, and validates the result.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Port > 0 {
		cfg.Server.Port = cliCfg.Port
	}
	if cliCfg.ShutdownTimeout > 0 {
		cfg.Server.ShutdownTimeout = config.Duration(cliCfg.ShutdownTimeout)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serve runs the gateway on ln until ctx is done or a part fails, then shuts
// everything down within the configured timeout.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener, logger *slog.Logger) error {
	reg := metric.NewMetricsRegistry()
	reg.CoreMetrics().RecordBuildInfo(Version, cfg.InstanceID)
	healthMon := health.NewMonitor(reg.CoreMetrics())

	hub, err := gateway.New(hubConfig(cfg),
		gateway.WithLogger(logger),
		gateway.WithMetrics(reg),
		gateway.WithHealth(healthMon))
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	natsClient, bridge := setupNATS(ctx, cfg, hub, reg, healthMon, logger)
	if natsClient != nil {
		defer closeNATS(natsClient, cfg.Server.ShutdownTimeout.D(), logger)
	}
	if bridge != nil {
		hub.AddSink(bridge)
	}

	wsServer := wstransport.NewServer(hub, websocketConfig(cfg),
		wstransport.WithLogger(logger.With("component", "websocket")),
		wstransport.WithMetrics(reg))
	api := gwhttp.NewGateway(hub, restConfig(cfg),
		gwhttp.WithLogger(logger.With("component", "http")),
		gwhttp.WithMetrics(reg))

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.WebSocketPath, wsServer)
	api.RegisterHTTPHandlers(mux)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, reg.Handler())
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening",
			"addr", ln.Addr().String(),
			"websocket_path", cfg.Server.WebSocketPath,
			"api_prefix", cfg.Server.APIPrefix,
			"metrics", cfg.Metrics.Enabled,
			"tls", cfg.Server.TLS.Enabled)
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "timeout", cfg.Server.ShutdownTimeout.D())
		return shutdown(srv, wsServer, cfg.Server.ShutdownTimeout.D())
	})
	if bridge != nil {
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Device gateway stopped")
	return nil
}

// shutdown stops accepting requests and waits for open WebSocket sessions,
// which the hub closes as it stops, to finish writing.
func shutdown(srv *http.Server, ws *wstransport.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	done := make(chan struct{})
	go func() {
		ws.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket sessions still open after %s", timeout)
	}
}
