package health

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Check reports the current health of one subsystem. Checks run on every
// probe, so they must be cheap.
type Check func() Status

// Monitor aggregates subsystem health. Subsystems either register a Check,
// evaluated on demand, or push statuses with Update.
type Monitor struct {
	mu       sync.RWMutex
	checks   map[string]Check
	statuses map[string]Status
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{
		checks:   make(map[string]Check),
		statuses: make(map[string]Status),
	}
}

// Register adds a pull-based check for a named subsystem
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Update pushes a status for a named subsystem
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Remove drops a subsystem from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
	delete(m.statuses, name)
}

// Collect evaluates every check, merges pushed statuses and returns the
// result ordered by component name.
func (m *Monitor) Collect() []Status {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	statuses := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		statuses[name] = status
	}
	m.mu.RUnlock()

	// Checks run outside the lock; a check may call back into the monitor
	for name, check := range checks {
		status := check()
		status.Component = name
		if status.Timestamp.IsZero() {
			status.Timestamp = time.Now()
		}
		statuses[name] = status
	}

	out := make([]Status, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Aggregate folds all subsystem statuses into one system status: unhealthy
// dominates degraded, degraded dominates healthy.
func (m *Monitor) Aggregate(systemName string) Status {
	statuses := m.Collect()
	if len(statuses) == 0 {
		return NewHealthy(systemName, "no subsystems registered")
	}

	state := StateHealthy
	var failing []string
	for _, s := range statuses {
		switch s.Status {
		case StateUnhealthy:
			state = StateUnhealthy
			failing = append(failing, s.Component)
		case StateDegraded:
			if state == StateHealthy {
				state = StateDegraded
			}
			failing = append(failing, s.Component)
		}
	}

	switch state {
	case StateUnhealthy:
		return NewUnhealthy(systemName, "unhealthy: "+strings.Join(failing, ", "))
	case StateDegraded:
		return NewDegraded(systemName, "degraded: "+strings.Join(failing, ", "))
	default:
		return NewHealthy(systemName, "")
	}
}
