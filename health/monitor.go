package health

import (
	"sort"
	"sync"
	"time"

	"github.com/c360/devicegate/metric"
)

// Monitor holds the latest Status of each named part. It is safe for
// concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	metrics  *metric.Metrics
}

// NewMonitor creates an empty monitor. A non-nil metrics receives every
// update on the health gauge.
func NewMonitor(metrics *metric.Metrics) *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		metrics:  metrics,
	}
}

// Update records status for name. The component name is forced to name and a
// zero timestamp is set to now.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordHealthStatus(name, status.Level())
	}
}

func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Get returns the status of name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Remove stops tracking name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Count returns the number of tracked parts.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}

// AggregateHealth combines every tracked part, ordered by name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	parts := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		parts = append(parts, s)
	}
	m.mu.RUnlock()

	sort.Slice(parts, func(i, j int) bool { return parts[i].Component < parts[j].Component })
	return Aggregate(systemName, parts)
}
