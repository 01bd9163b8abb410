// Package config loads the gateway configuration.
//
// Configuration is built in layers. The built-in defaults come first, then
// each file added with AddLayer (JSON or YAML, chosen by extension), then
// DEVICEGATE_* environment variables. Files merge key by key with last-wins
// semantics; lists are replaced rather than appended.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Given
//
//	base.yaml:       {server: {port: 3001, host: 0.0.0.0}}
//	production.json: {"server": {"port": 8080}}
//
// the result listens on 0.0.0.0:8080.
//
// # Environment Overrides
//
//	export DEVICEGATE_SERVER_PORT=8080
//	export DEVICEGATE_NATS_ENABLED=true
//	export DEVICEGATE_NATS_URLS="nats://a:4222,nats://b:4222"
//	export DEVICEGATE_DEVICE_OFFLINE_TIMEOUT=45s
//
// Empty variables are ignored. A value that does not parse for its field is
// an error rather than a silent fallback.
//
// # Durations
//
// Duration fields accept Go duration strings ("30s", "1m30s") or plain
// nanosecond numbers, and are written back as strings.
//
// # Validation
//
// Validate returns the first problem found as an errors.ValidationError
// carrying the dotted key, for example "websocket.client_timeout". Relative
// config paths must stay inside the working directory; files are limited in
// size and JSON nesting depth.
package config
