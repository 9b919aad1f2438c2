package health

import (
	"sort"
	"sync"
	"time"
)

// Monitor tracks the health of named services and dependencies.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
	}
}

// Update stores the status of name. When the status carries Metrics, the
// consecutive failure count and last success time are carried over from the
// previous status.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	if status.Metrics != nil {
		metrics := *status.Metrics
		var prev *Metrics
		if old, ok := m.statuses[name]; ok {
			prev = old.Metrics
		}
		if status.IsHealthy() {
			metrics.ConsecutiveFailures = 0
			metrics.LastSuccess = status.Timestamp
		} else if prev != nil {
			metrics.ConsecutiveFailures = prev.ConsecutiveFailures + 1
			metrics.LastSuccess = prev.LastSuccess
		} else {
			metrics.ConsecutiveFailures = 1
		}
		status.Metrics = &metrics
	}

	m.statuses[name] = status
}

// UpdateHealthy is a convenience method to update a component as healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy is a convenience method to update a component as unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// GetAll returns a copy of all current health statuses
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		result[name] = status
	}
	return result
}

// Remove stops tracking name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}

// Retain drops every tracked name not in keep, except the names in pinned.
func (m *Monitor) Retain(keep []string, pinned ...string) {
	allowed := make(map[string]struct{}, len(keep)+len(pinned))
	for _, n := range keep {
		allowed[n] = struct{}{}
	}
	for _, n := range pinned {
		allowed[n] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.statuses {
		if _, ok := allowed[name]; !ok {
			delete(m.statuses, name)
		}
	}
}

// AggregateHealth rolls every tracked status into one, ordered by name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		subStatuses = append(subStatuses, m.statuses[name])
	}
	m.mu.RUnlock()

	return Aggregate(systemName, subStatuses)
}

// ListComponents returns the tracked names, sorted.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses)
}
