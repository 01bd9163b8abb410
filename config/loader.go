package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/c360/devicegate/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEVICEGATE"

// Loader builds a Config from defaults, file layers and the environment.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader reading the process environment.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load run Config.Validate.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// WithEnv replaces the environment lookup, for tests.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load merges defaults, layers and environment overrides, fills a random
// instance id if none was given, and validates when enabled.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		layer, err := l.loadLayer(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, layer)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged layers")
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode configuration")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadLayer reads one JSON or YAML file into a generic map.
func (l *Loader) loadLayer(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps merges override into base. Nested maps merge key by key;
// any other override value, lists included, replaces the base value. Nil
// overrides are ignored.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// envBinding maps one environment variable onto a config field.
type envBinding struct {
	key   string
	apply func(cfg *Config, val string) error
}

func envString(get func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		*get(cfg) = val
		return nil
	}
}

func envList(get func(*Config) *[]string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*get(cfg) = out
		return nil
	}
}

func envInt(get func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*get(cfg) = n
		return nil
	}
}

func envBool(get func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*get(cfg) = b
		return nil
	}
}

func envDuration(get func(*Config) *Duration) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*get(cfg) = Duration(d)
		return nil
	}
}

var envBindings = []envBinding{
	{"INSTANCE_ID", envString(func(c *Config) *string { return &c.InstanceID })},
	{"NAME", envString(func(c *Config) *string { return &c.Name })},
	{"SERVER_HOST", envString(func(c *Config) *string { return &c.Server.Host })},
	{"SERVER_PORT", envInt(func(c *Config) *int { return &c.Server.Port })},
	{"SERVER_ENABLE_CORS", envBool(func(c *Config) *bool { return &c.Server.EnableCORS })},
	{"SERVER_CORS_ORIGINS", envList(func(c *Config) *[]string { return &c.Server.CORSOrigins })},
	{"SERVER_SHUTDOWN_TIMEOUT", envDuration(func(c *Config) *Duration { return &c.Server.ShutdownTimeout })},
	{"WEBSOCKET_ALLOWED_ORIGINS", envList(func(c *Config) *[]string { return &c.WebSocket.AllowedOrigins })},
	{"DEVICE_OFFLINE_TIMEOUT", envDuration(func(c *Config) *Duration { return &c.Device.OfflineTimeout })},
	{"DEVICE_STATUS_CHECK_INTERVAL", envDuration(func(c *Config) *Duration { return &c.Device.StatusCheckInterval })},
	{"NATS_ENABLED", envBool(func(c *Config) *bool { return &c.NATS.Enabled })},
	{"NATS_URLS", envList(func(c *Config) *[]string { return &c.NATS.URLs })},
	{"NATS_SUBJECT_PREFIX", envString(func(c *Config) *string { return &c.NATS.SubjectPrefix })},
	{"NATS_ACCEPT_COMMANDS", envBool(func(c *Config) *bool { return &c.NATS.AcceptCommands })},
	{"NATS_USERNAME", envString(func(c *Config) *string { return &c.NATS.Username })},
	{"NATS_PASSWORD", envString(func(c *Config) *string { return &c.NATS.Password })},
	{"NATS_TOKEN", envString(func(c *Config) *string { return &c.NATS.Token })},
	{"METRICS_ENABLED", envBool(func(c *Config) *bool { return &c.Metrics.Enabled })},
}

// applyEnvOverrides applies <prefix>_<KEY> variables. Empty values are
// ignored; unparsable values are errors.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, b := range envBindings {
		key := l.envPrefix + "_" + b.key
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		if err := b.apply(cfg, val); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
