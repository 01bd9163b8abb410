// Package health aggregates the health of the gateway's parts for
// /api/health.
//
// Each part reports a Status: healthy, degraded or unhealthy. The aggregate
// is unhealthy if any part is, degraded if any part is, healthy otherwise.
// Messages built from errors are sanitised before they leave the process.
package health

import (
	"regexp"
	"strings"
	"time"
)

// Status values.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one part, or of the whole gateway when
// SubStatuses is set.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are optional counters attached to a Status.
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == StateHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StateDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// Level maps the status to the value exported on the health gauge:
// 1 healthy, 0.5 degraded, 0 unhealthy.
func (s Status) Level() float64 {
	switch s.Status {
	case StateHealthy:
		return 1
	case StateDegraded:
		return 0.5
	default:
		return 0
	}
}

// WithMetrics returns a copy of s carrying m.
func (s Status) WithMetrics(m *Metrics) Status {
	s.Metrics = m
	return s
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// FromError creates an unhealthy status whose message is err with URLs,
// paths, addresses and credentials removed.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, sanitize(err.Error()))
}

// Aggregate combines parts into one status named component. The parts are
// copied into SubStatuses.
func Aggregate(component string, parts []Status) Status {
	if len(parts) == 0 {
		return NewHealthy(component, "No components registered")
	}

	var unhealthy, degraded bool
	for _, p := range parts {
		switch {
		case p.IsUnhealthy():
			unhealthy = true
		case p.IsDegraded():
			degraded = true
		}
	}

	var s Status
	switch {
	case unhealthy:
		s = NewUnhealthy(component, "One or more components are unhealthy")
	case degraded:
		s = NewDegraded(component, "One or more components are degraded")
	default:
		s = NewHealthy(component, "All components are healthy")
	}
	s.SubStatuses = append([]Status(nil), parts...)
	return s
}

func sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	out := urlRegex.ReplaceAllString(msg, "[URL]")
	out = unixPathRegex.ReplaceAllString(out, "[PATH]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = portRegex.ReplaceAllString(out, "[PORT]")

	lower := strings.ToLower(out)
	for _, word := range []string{"password", "token", "secret", "credential"} {
		if strings.Contains(lower, word) {
			return credentialRegex.ReplaceAllString(out, "[REDACTED]")
		}
	}
	return out
}
