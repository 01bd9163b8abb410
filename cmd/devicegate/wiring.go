package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/c360/devicegate/config"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/gateway"
	gwhttp "github.com/c360/devicegate/gateway/http"
	"github.com/c360/devicegate/health"
	"github.com/c360/devicegate/liveness"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/natsbridge"
	"github.com/c360/devicegate/natsclient"
	"github.com/c360/devicegate/pkg/tlsutil"
	"github.com/c360/devicegate/state"
	wstransport "github.com/c360/devicegate/transport/websocket"
)

// componentNATS is the health entry for the NATS connection.
const componentNATS = "nats"

func hubConfig(cfg *config.Config) gateway.Config {
	d := cfg.Device
	return gateway.Config{
		Limits: state.Limits{
			Threshold:   state.Range{Min: d.ThresholdMin, Max: d.ThresholdMax},
			Temperature: state.Range{Min: d.TemperatureMin, Max: d.TemperatureMax},
			Humidity:    state.Range{Min: d.HumidityMin, Max: d.HumidityMax},
		},
		Liveness: liveness.Config{
			Interval:  d.StatusCheckInterval.D(),
			Threshold: d.OfflineTimeout.D(),
		},
	}
}

func websocketConfig(cfg *config.Config) wstransport.Config {
	ws := cfg.WebSocket
	return wstransport.Config{
		PingInterval:   ws.PingInterval.D(),
		ClientTimeout:  ws.ClientTimeout.D(),
		WriteTimeout:   ws.WriteTimeout.D(),
		SendBuffer:     ws.SendBuffer,
		MaxMessageSize: ws.MaxMessageSize,
		AllowedOrigins: ws.AllowedOrigins,
		RateLimit:      ws.RateLimit,
		RateBurst:      ws.RateBurst,
	}
}

func restConfig(cfg *config.Config) gwhttp.Config {
	s := cfg.Server
	return gwhttp.Config{
		APIPrefix:      s.APIPrefix,
		EnableCORS:     s.EnableCORS,
		CORSOrigins:    s.CORSOrigins,
		MaxRequestSize: s.MaxRequestSize,
		RequestTimeout: s.RequestTimeout.D(),
	}
}

func bridgeConfig(cfg *config.Config) natsbridge.Config {
	n := cfg.NATS
	return natsbridge.Config{
		Prefix:         n.SubjectPrefix,
		InstanceID:     cfg.InstanceID,
		AcceptCommands: n.AcceptCommands,
		Workers:        n.Workers,
		QueueSize:      n.QueueSize,
		StopTimeout:    cfg.Server.ShutdownTimeout.D(),
	}
}

func natsOptions(cfg *config.Config, logger *slog.Logger, reg *metric.MetricsRegistry, mon *health.Monitor) ([]natsclient.ClientOption, error) {
	n := cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.Name + "-" + cfg.InstanceID),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait.D()),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(reg.CoreMetrics()),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				mon.UpdateHealthy(componentNATS, "connected")
			} else {
				mon.UpdateDegraded(componentNATS, "disconnected, reconnecting")
			}
		}),
	}
	if n.ConnectTimeout > 0 {
		opts = append(opts, natsclient.WithTimeout(n.ConnectTimeout.D()))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.TLS.Enabled {
		tlsCfg, err := tlsutil.LoadClientTLSConfig(tlsutil.ClientConfig{
			CAFiles:            n.TLS.CAFiles,
			CertFile:           n.TLS.CertFile,
			KeyFile:            n.TLS.KeyFile,
			InsecureSkipVerify: n.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsCfg))
	}
	return opts, nil
}

// listen opens the gateway listener, wrapped in TLS when configured.
func listen(cfg *config.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return nil, err
	}
	t := cfg.Server.TLS
	if !t.Enabled {
		return ln, nil
	}

	tlsCfg, err := tlsutil.LoadServerTLSConfig(tlsutil.ServerConfig{
		CertFile:          t.CertFile,
		KeyFile:           t.KeyFile,
		MinVersion:        t.MinVersion,
		ClientCAFiles:     t.ClientCAFiles,
		RequireClientCert: t.RequireClientCert,
		AllowedClientCNs:  t.AllowedClientCNs,
	})
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// setupNATS connects to NATS and builds the bridge. Any failure is logged
// and reported as unhealthy under "nats"; the gateway then runs without the
// bridge and both return values are nil.
func setupNATS(
	ctx context.Context,
	cfg *config.Config,
	hub *gateway.Hub,
	reg *metric.MetricsRegistry,
	mon *health.Monitor,
	logger *slog.Logger,
) (*natsclient.Client, *natsbridge.Bridge) {
	if !cfg.NATS.Enabled {
		return nil, nil
	}
	logger = logger.With("component", "nats")

	opts, err := natsOptions(cfg, logger, reg, mon)
	if err != nil {
		logger.Error("NATS TLS configuration rejected, continuing without bridge", "error", err)
		mon.UpdateUnhealthy(componentNATS, "invalid TLS configuration")
		return nil, nil
	}
	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		logger.Error("NATS client configuration rejected, continuing without bridge", "error", err)
		mon.UpdateUnhealthy(componentNATS, "invalid client configuration")
		return nil, nil
	}

	mon.UpdateDegraded(componentNATS, "connecting")
	if err := client.ConnectWithRetry(ctx, errors.DefaultRetryConfig().ToRetryConfig()); err != nil {
		logger.Error("NATS unavailable, continuing without bridge", "urls", cfg.NATS.URLs, "error", err)
		mon.UpdateUnhealthy(componentNATS, "connect failed")
		return nil, nil
	}
	mon.UpdateHealthy(componentNATS, "connected")

	bridge, err := natsbridge.New(client, hub, bridgeConfig(cfg),
		natsbridge.WithLogger(logger.With("component", "natsbridge")),
		natsbridge.WithMetrics(reg))
	if err != nil {
		logger.Error("NATS bridge rejected, continuing without bridge", "error", err)
		closeNATS(client, cfg.Server.ShutdownTimeout.D(), logger)
		mon.UpdateUnhealthy(componentNATS, "bridge configuration rejected")
		return nil, nil
	}
	return client, bridge
}

func closeNATS(client *natsclient.Client, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		logger.Warn("NATS close", "error", err)
	}
}
