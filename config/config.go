package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/pkg/tlsutil"
)

// Duration is a time.Duration that reads Go duration strings ("10s") and
// plain nanosecond numbers, and writes strings.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s" or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x))
	case nil:
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Config is the complete gateway configuration.
type Config struct {
	InstanceID string          `json:"instance_id"`
	Name       string          `json:"name"`
	Server     ServerConfig    `json:"server"`
	WebSocket  WebSocketConfig `json:"websocket"`
	Device     DeviceConfig    `json:"device"`
	NATS       NATSConfig      `json:"nats"`
	Metrics    MetricsConfig   `json:"metrics"`
}

// ServerConfig configures the HTTP listener and REST surface.
type ServerConfig struct {
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	WebSocketPath   string    `json:"websocket_path"`
	APIPrefix       string    `json:"api_prefix"`
	EnableCORS      bool      `json:"enable_cors"`
	CORSOrigins     []string  `json:"cors_origins"`
	MaxRequestSize  int64     `json:"max_request_size"`
	RequestTimeout  Duration  `json:"request_timeout"`
	ShutdownTimeout Duration  `json:"shutdown_timeout"`
	TLS             TLSConfig `json:"tls"`
}

// TLSConfig enables HTTPS and WSS on the listener. ClientCAFiles turns on
// client certificate verification.
type TLSConfig struct {
	Enabled           bool     `json:"enabled"`
	CertFile          string   `json:"cert_file,omitempty"`
	KeyFile           string   `json:"key_file,omitempty"`
	MinVersion        string   `json:"min_version,omitempty"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WebSocketConfig configures sessions.
type WebSocketConfig struct {
	PingInterval   Duration `json:"ping_interval"`
	ClientTimeout  Duration `json:"client_timeout"`
	WriteTimeout   Duration `json:"write_timeout"`
	SendBuffer     int      `json:"send_buffer"`
	MaxMessageSize int64    `json:"max_message_size"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimit      float64  `json:"rate_limit"`
	RateBurst      int      `json:"rate_burst"`
}

// DeviceConfig configures liveness and value ranges.
type DeviceConfig struct {
	OfflineTimeout      Duration `json:"offline_timeout"`
	StatusCheckInterval Duration `json:"status_check_interval"`
	ThresholdMin        float64  `json:"threshold_min"`
	ThresholdMax        float64  `json:"threshold_max"`
	TemperatureMin      float64  `json:"temperature_min"`
	TemperatureMax      float64  `json:"temperature_max"`
	HumidityMin         float64  `json:"humidity_min"`
	HumidityMax         float64  `json:"humidity_max"`
}

// NATSConfig configures the optional NATS bridge.
type NATSConfig struct {
	Enabled        bool          `json:"enabled"`
	URLs           []string      `json:"urls"`
	SubjectPrefix  string        `json:"subject_prefix"`
	AcceptCommands bool          `json:"accept_commands"`
	MaxReconnects  int           `json:"max_reconnects"`
	ReconnectWait  Duration      `json:"reconnect_wait"`
	ConnectTimeout Duration      `json:"connect_timeout"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	Token          string        `json:"token,omitempty"`
	Workers        int           `json:"workers"`
	QueueSize      int           `json:"queue_size"`
	TLS            NATSTLSConfig `json:"tls"`
}

// NATSTLSConfig secures the NATS connection. The system CA pool is always
// trusted; CAFiles are added to it.
type NATSTLSConfig struct {
	Enabled            bool     `json:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Default returns the built-in configuration. InstanceID is left empty and
// filled by the Loader.
func Default() *Config {
	return &Config{
		Name: "devicegate",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3001,
			WebSocketPath:   "/ws",
			APIPrefix:       "/api",
			EnableCORS:      true,
			CORSOrigins:     []string{"*"},
			MaxRequestSize:  1 << 20,
			RequestTimeout:  Duration(5 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		WebSocket: WebSocketConfig{
			PingInterval:   Duration(30 * time.Second),
			ClientTimeout:  Duration(60 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
			SendBuffer:     64,
			MaxMessageSize: 64 << 10,
			AllowedOrigins: []string{"*"},
			RateLimit:      20,
			RateBurst:      40,
		},
		Device: DeviceConfig{
			OfflineTimeout:      Duration(30 * time.Second),
			StatusCheckInterval: Duration(10 * time.Second),
			ThresholdMin:        0,
			ThresholdMax:        100,
			TemperatureMin:      -50,
			TemperatureMax:      100,
			HumidityMin:         0,
			HumidityMax:         100,
		},
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			SubjectPrefix:  "devicegate",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
			Workers:        2,
			QueueSize:      256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration. Every problem is reported as a
// ValidationError naming the offending key.
func (c *Config) Validate() error {
	invalid := func(field string, value any, reason string) error {
		return errors.WrapInvalid(errors.NewValidationError(field, value, reason), "Config", "Validate", "check "+field)
	}

	if c.InstanceID == "" {
		return invalid("instance_id", c.InstanceID, "is required")
	}

	s := c.Server
	if s.Port < 1 || s.Port > 65535 {
		return invalid("server.port", s.Port, "must be in 1..65535")
	}
	for field, p := range map[string]string{
		"server.websocket_path": s.WebSocketPath,
		"server.api_prefix":     s.APIPrefix,
	} {
		if !strings.HasPrefix(p, "/") {
			return invalid(field, p, "must start with /")
		}
	}
	if s.MaxRequestSize <= 0 {
		return invalid("server.max_request_size", s.MaxRequestSize, "must be positive")
	}
	if s.ShutdownTimeout <= 0 {
		return invalid("server.shutdown_timeout", s.ShutdownTimeout.D().String(), "must be positive")
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" || s.TLS.KeyFile == "" {
			return invalid("server.tls.cert_file", s.TLS.CertFile, "cert_file and key_file are required when TLS is enabled")
		}
		if !tlsutil.ValidVersion(s.TLS.MinVersion) {
			return invalid("server.tls.min_version", s.TLS.MinVersion, "must be 1.2 or 1.3")
		}
		if (s.TLS.RequireClientCert || len(s.TLS.AllowedClientCNs) > 0) && len(s.TLS.ClientCAFiles) == 0 {
			return invalid("server.tls.client_ca_files", s.TLS.ClientCAFiles, "are required to verify client certificates")
		}
	}

	ws := c.WebSocket
	switch {
	case ws.PingInterval <= 0:
		return invalid("websocket.ping_interval", ws.PingInterval.D().String(), "must be positive")
	case ws.ClientTimeout <= ws.PingInterval:
		return invalid("websocket.client_timeout", ws.ClientTimeout.D().String(), "must exceed ping_interval")
	case ws.WriteTimeout <= 0:
		return invalid("websocket.write_timeout", ws.WriteTimeout.D().String(), "must be positive")
	case ws.SendBuffer <= 0:
		return invalid("websocket.send_buffer", ws.SendBuffer, "must be positive")
	case ws.MaxMessageSize <= 0:
		return invalid("websocket.max_message_size", ws.MaxMessageSize, "must be positive")
	case ws.RateLimit <= 0:
		return invalid("websocket.rate_limit", ws.RateLimit, "must be positive")
	case ws.RateBurst <= 0:
		return invalid("websocket.rate_burst", ws.RateBurst, "must be positive")
	}

	d := c.Device
	if d.StatusCheckInterval <= 0 {
		return invalid("device.status_check_interval", d.StatusCheckInterval.D().String(), "must be positive")
	}
	if d.OfflineTimeout < 2*d.StatusCheckInterval {
		return invalid("device.offline_timeout", d.OfflineTimeout.D().String(),
			"must be at least twice status_check_interval")
	}
	for _, r := range []struct {
		name     string
		min, max float64
	}{
		{"threshold", d.ThresholdMin, d.ThresholdMax},
		{"temperature", d.TemperatureMin, d.TemperatureMax},
		{"humidity", d.HumidityMin, d.HumidityMax},
	} {
		if r.min >= r.max {
			return invalid("device."+r.name+"_min", r.min, fmt.Sprintf("must be below %s_max", r.name))
		}
	}

	n := c.NATS
	if n.Enabled {
		if len(n.URLs) == 0 {
			return invalid("nats.urls", n.URLs, "is required when NATS is enabled")
		}
		if !isValidSubjectToken(n.SubjectPrefix) {
			return invalid("nats.subject_prefix", n.SubjectPrefix,
				"must be alphanumeric with dots, dashes or underscores")
		}
		if n.Workers <= 0 {
			return invalid("nats.workers", n.Workers, "must be positive")
		}
		if n.QueueSize <= 0 {
			return invalid("nats.queue_size", n.QueueSize, "must be positive")
		}
		if (n.TLS.CertFile == "") != (n.TLS.KeyFile == "") {
			return invalid("nats.tls.cert_file", n.TLS.CertFile, "cert_file and key_file must be set together")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path", c.Metrics.Path, "must start with /")
	}
	return nil
}

// isValidSubjectToken reports whether s can prefix NATS subjects. Wildcards
// and whitespace are rejected, as are empty tokens between dots.
func isValidSubjectToken(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// String renders the configuration as indented JSON with credentials
// masked.
func (c *Config) String() string {
	clone := *c
	for _, p := range []*string{&clone.NATS.Password, &clone.NATS.Token} {
		if *p != "" {
			*p = "****"
		}
	}
	data, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
