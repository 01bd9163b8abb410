// Package http serves the REST command surface of the gateway.
//
// Every response is a JSON envelope {success, message, data, error,
// timestamp} and carries an X-Request-ID header, propagated from the request
// or generated. Commands go through the same core as WebSocket monitor
// commands, so validation and broadcasts are identical.
package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/gateway"
	"github.com/c360/devicegate/health"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/state"
)

// Core is the part of the gateway the REST routes use.
type Core interface {
	Snapshot() state.SensorState
	Status() message.StatusResponse
	Health() health.Status
	Execute(ctx context.Context, t message.Type, data json.RawMessage) (state.SensorState, error)
	Ingest(ctx context.Context, report message.DeviceReport) (state.SensorState, error)
}

// Config holds the REST surface settings.
type Config struct {
	APIPrefix      string
	EnableCORS     bool
	CORSOrigins    []string
	MaxRequestSize int64
	RequestTimeout time.Duration
}

// DefaultConfig returns the default REST settings.
func DefaultConfig() Config {
	return Config{
		APIPrefix:      "/api",
		EnableCORS:     true,
		CORSOrigins:    []string{"*"},
		MaxRequestSize: 1 << 20,
		RequestTimeout: 5 * time.Second,
	}
}

// Response is the envelope of every REST reply.
type Response struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthData is the data of GET /health.
type HealthData struct {
	Status          string          `json:"status"`
	Connections     int             `json:"connections"`
	DeviceConnected bool            `json:"deviceConnected"`
	DeviceOnline    bool            `json:"deviceOnline"`
	Components      []health.Status `json:"components,omitempty"`
}

// IngestReply tells a device posting over HTTP what to do next. FanControl
// is set only in manual mode.
type IngestReply struct {
	FanControl           *bool   `json:"fanControl,omitempty"`
	AutoMode             bool    `json:"autoMode"`
	TemperatureThreshold float64 `json:"temperatureThreshold"`
}

type fanReply struct {
	FanState bool              `json:"fanState"`
	Mode     state.ControlMode `json:"mode"`
	Pending  bool              `json:"pending"`
}

type thresholdReply struct {
	TemperatureThreshold float64 `json:"temperatureThreshold"`
}

type modeReply struct {
	AutoMode   bool `json:"autoMode"`
	ManualMode bool `json:"manualMode"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics registers request metrics.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(g *Gateway) { g.metricsRegistry = reg }
}

// WithClock overrides the response timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway serves the REST routes.
type Gateway struct {
	core            Core
	config          Config
	logger          *slog.Logger
	now             func() time.Time
	metrics         *httpMetrics
	metricsRegistry *metric.MetricsRegistry
}

// NewGateway creates the REST surface over core. Zero config fields take
// their defaults.
func NewGateway(core Core, cfg Config, opts ...Option) *Gateway {
	def := DefaultConfig()
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = def.APIPrefix
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = def.MaxRequestSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	g := &Gateway{
		core:   core,
		config: cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.metrics = newHTTPMetrics(g.metricsRegistry, g.logger)
	return g
}

type route struct {
	path    string
	methods map[string]http.HandlerFunc
}

func (g *Gateway) routes() []route {
	return []route{
		{"/health", map[string]http.HandlerFunc{http.MethodGet: g.handleHealth}},
		{"/sensor-data", map[string]http.HandlerFunc{
			http.MethodGet:  g.handleGetSensorData,
			http.MethodPost: g.handlePostSensorData,
		}},
		{"/fan-control", map[string]http.HandlerFunc{http.MethodPost: g.command(message.TypeFanControl, "Fan control updated")}},
		{"/threshold", map[string]http.HandlerFunc{http.MethodPost: g.command(message.TypeThresholdUpdate, "Threshold updated")}},
		{"/mode", map[string]http.HandlerFunc{http.MethodPost: g.command(message.TypeModeChange, "Mode updated")}},
	}
}

// RegisterHTTPHandlers mounts the routes on mux under the API prefix.
// Unknown paths under the prefix answer 404 in the response envelope.
func (g *Gateway) RegisterHTTPHandlers(mux *http.ServeMux) {
	prefix := "/" + strings.Trim(g.config.APIPrefix, "/")
	for _, rt := range g.routes() {
		path := prefix + rt.path
		mux.Handle(path, g.wrap(path, rt.methods))
	}
	mux.Handle(prefix+"/", g.wrap("unknown", nil))
}

// wrap applies the request ID, CORS and method dispatch shared by every
// route.
func (g *Gateway) wrap(name string, methods map[string]http.HandlerFunc) http.Handler {
	allowed := make([]string, 0, len(methods)+1)
	for m := range methods {
		allowed = append(allowed, m)
	}
	sort.Strings(allowed)
	allowed = append(allowed, http.MethodOptions)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		requestID := requestIDOf(r)
		rec.Header().Set("X-Request-ID", requestID)

		defer func() {
			g.metrics.request(name, rec.status)
			g.logger.Debug("http request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status)
		}()

		if g.config.EnableCORS {
			g.applyCORS(rec, r, allowed)
			if r.Method == http.MethodOptions {
				rec.WriteHeader(http.StatusNoContent)
				return
			}
		}

		if methods == nil {
			g.writeError(rec, http.StatusNotFound, "Route not found", nil)
			return
		}
		h, ok := methods[r.Method]
		if !ok {
			rec.Header().Set("Allow", strings.Join(allowed, ", "))
			g.writeError(rec, http.StatusMethodNotAllowed, fmt.Sprintf("Method %s not allowed", r.Method), nil)
			return
		}
		h(rec, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	agg := g.core.Health()
	status := g.core.Status()

	// A failed device is reported in the body; the gateway itself still
	// serves, so the code stays 200 unless the hub loop is down.
	code := http.StatusOK
	if !g.gatewayRunning(agg) {
		code = http.StatusServiceUnavailable
	}
	g.write(w, code, Response{
		Success: code == http.StatusOK,
		Data: HealthData{
			Status:          agg.Status,
			Connections:     status.Stats.TotalConnections,
			DeviceConnected: status.DeviceConnected,
			DeviceOnline:    status.DeviceOnline,
			Components:      agg.SubStatuses,
		},
	})
}

func (g *Gateway) gatewayRunning(agg health.Status) bool {
	for _, c := range agg.SubStatuses {
		if c.Component == gateway.ComponentGateway {
			return !c.IsUnhealthy()
		}
	}
	return true
}

func (g *Gateway) handleGetSensorData(w http.ResponseWriter, _ *http.Request) {
	g.write(w, http.StatusOK, Response{Success: true, Data: g.core.Snapshot()})
}

func (g *Gateway) handlePostSensorData(w http.ResponseWriter, r *http.Request) {
	body, ok := g.readBody(w, r)
	if !ok {
		return
	}
	var report message.DeviceReport
	if err := json.Unmarshal(body, &report); err != nil {
		g.writeError(w, http.StatusBadRequest, "Invalid message format", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.config.RequestTimeout)
	defer cancel()

	snap, err := g.core.Ingest(ctx, report)
	if err != nil {
		g.fail(w, r, "Missing or invalid fields", err)
		return
	}

	reply := IngestReply{AutoMode: snap.AutoMode(), TemperatureThreshold: snap.Threshold}
	if snap.ManualMode() {
		on := snap.ActuatorOn
		reply.FanControl = &on
	}
	g.write(w, http.StatusOK, Response{Success: true, Message: "Data received successfully", Data: reply})
}

// command runs a monitor command with the request body as payload.
func (g *Gateway) command(t message.Type, okMessage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := g.readBody(w, r)
		if !ok {
			return
		}
		if len(body) > 0 && !json.Valid(body) {
			g.writeError(w, http.StatusBadRequest, "Invalid message format", nil)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), g.config.RequestTimeout)
		defer cancel()

		snap, err := g.core.Execute(ctx, t, body)
		if err != nil {
			g.fail(w, r, "Command rejected", err)
			return
		}

		var data any
		switch t {
		case message.TypeFanControl:
			data = fanReply{FanState: snap.ActuatorOn, Mode: snap.Mode, Pending: snap.ActuatorPending}
		case message.TypeThresholdUpdate:
			data = thresholdReply{TemperatureThreshold: snap.Threshold}
		case message.TypeModeChange:
			data = modeReply{AutoMode: snap.AutoMode(), ManualMode: snap.ManualMode()}
		}
		g.write(w, http.StatusOK, Response{Success: true, Message: okMessage, Data: data})
	}
}

// readBody reads at most MaxRequestSize bytes. It writes the error response
// itself and reports false when the body is unusable.
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, g.config.MaxRequestSize+1))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "Failed to read request body", nil)
		return nil, false
	}
	if int64(len(body)) > g.config.MaxRequestSize {
		g.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", g.config.MaxRequestSize), nil)
		return nil, false
	}
	return body, true
}

// fail maps a core error to a status code. Validation and role errors carry
// their text to the caller; anything else is logged and sanitized.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			"request_id", w.Header().Get("X-Request-ID"),
			"path", r.URL.Path,
			"error", err)
	}
	g.writeError(w, code, msg, err)
}

func statusOf(err error) int {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, errors.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request, methods []string) {
	origin := r.Header.Get("Origin")
	for _, o := range g.config.CORSOrigins {
		if o != "*" && o != origin {
			continue
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")
		return
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, code int, msg string, err error) {
	resp := Response{Success: false, Message: msg}
	if err != nil && code < http.StatusInternalServerError {
		resp.Error = err.Error()
	}
	g.write(w, code, resp)
}

func (g *Gateway) write(w http.ResponseWriter, code int, resp Response) {
	resp.Timestamp = g.now().UTC()
	data, err := json.Marshal(resp)
	if err != nil {
		g.logger.Error("encode response", "error", err)
		http.Error(w, `{"success":false}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		g.logger.Debug("write response", "error", err)
	}
}

// requestIDOf propagates X-Request-ID or generates one.
func requestIDOf(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

type httpMetrics struct {
	requests *prometheus.CounterVec
}

func newHTTPMetrics(reg *metric.MetricsRegistry, logger *slog.Logger) *httpMetrics {
	if reg == nil {
		return nil
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metric.Namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "REST requests by route and status code",
	}, []string{"route", "code"})
	if err := reg.RegisterCounterVec("http", "requests_total", requests); err != nil {
		logger.Warn("register http metric", "metric", "requests_total", "error", err)
	}
	return &httpMetrics{requests: requests}
}

func (m *httpMetrics) request(route string, code int) {
	if m != nil {
		m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}
