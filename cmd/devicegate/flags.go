package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	Port            int
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// parseFlags parses args with environment fallbacks read through getenv.
func parseFlags(args []string, getenv func(string) string) (*CLIConfig, error) {
	env := envReader(getenv)
	cfg := &CLIConfig{}

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configDefault := env.str("DEVICEGATE_CONFIG", "")
	fs.StringVar(&cfg.ConfigPath, "config", configDefault,
		"Path to a JSON or YAML configuration file, empty for defaults (env: DEVICEGATE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", configDefault,
		"Path to a JSON or YAML configuration file (env: DEVICEGATE_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		env.str("DEVICEGATE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: DEVICEGATE_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		env.str("DEVICEGATE_LOG_FORMAT", "json"),
		"Log format: json, text (env: DEVICEGATE_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		env.boolean("DEVICEGATE_DEBUG", false),
		"Enable debug logging (env: DEVICEGATE_DEBUG)")

	fs.IntVar(&cfg.Port, "port", 0,
		"Listen port, overrides server.port when set")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		env.duration("DEVICEGATE_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, overrides server.shutdown_timeout when set (env: DEVICEGATE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			cfg.ShowHelp = true
			return cfg, nil
		}
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printHelp(w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - sensor device gateway

Usage: %s [options]

Options:
  -config, -c path        JSON or YAML configuration file (env: DEVICEGATE_CONFIG)
  -log-level level        debug, info, warn, error (env: DEVICEGATE_LOG_LEVEL)
  -log-format format      json, text (env: DEVICEGATE_LOG_FORMAT)
  -debug                  debug logging (env: DEVICEGATE_DEBUG)
  -port n                 listen port, overrides server.port
  -shutdown-timeout d     graceful shutdown timeout (env: DEVICEGATE_SHUTDOWN_TIMEOUT)
  -validate               validate configuration and exit
  -version, -v            show version
  -help, -h               show this help

Examples:
  # Run on defaults, overriding the port
  %s -port=8080

  # Layer a config file and enable the NATS bridge from the environment
  export DEVICEGATE_NATS_ENABLED=true
  export DEVICEGATE_NATS_URLS=nats://localhost:4222
  %s -config=configs/gateway.yaml -log-format=text

  # Validate configuration only
  %s -config=configs/gateway.yaml -validate

Version: %s
Build: %s
`, appName, appName, appName, appName, appName, Version, BuildTime)
}

// envReader reads typed fallbacks. Unparsable values fall back to the
// default.
type envReader func(string) string

func (e envReader) str(key, defaultValue string) string {
	if value := e(key); value != "" {
		return value
	}
	return defaultValue
}

func (e envReader) boolean(key string, defaultValue bool) bool {
	if value := e(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (e envReader) duration(key string, defaultValue time.Duration) time.Duration {
	if value := e(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
