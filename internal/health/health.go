// Package health tracks the agent's internal components so the health
// endpoint can report more than "process is up".
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/fleetscope/winops/internal/logging"
)

var log = logging.L("health")

// Status grades a component. Unknown means nothing has reported yet and
// ranks worst: a component that never checked in cannot be trusted.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// IsValid reports whether s is one of the defined grades.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check is the latest report for one component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor aggregates component checks.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Update records the latest status for a component. A status outside the
// defined grades is treated as Unhealthy. Only transitions are logged, so
// a component stuck in one state cannot flood the log.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}

	m.mu.Lock()
	prev, seen := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	if seen && prev.Status == status {
		return
	}
	switch {
	case status != Healthy:
		log.Warn("component health changed",
			"component", name, "status", string(status), "message", message)
	case seen:
		log.Info("component recovered", "component", name)
	}
}

// Get returns the latest check for a component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all components, or Unknown when
// nothing has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns the current checks sorted by component name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Summary returns a JSON-friendly view for the health endpoint. Overall
// status and the component map come from a single snapshot so they can
// never disagree.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	overall := Unknown
	if len(m.checks) > 0 {
		overall = Healthy
	}
	components := make(map[string]string, len(m.checks))
	for _, c := range m.checks {
		components[c.Name] = string(c.Status)
		if statusRank(c.Status) > statusRank(overall) {
			overall = c.Status
		}
	}
	m.mu.RUnlock()

	return map[string]any{
		"status":     string(overall),
		"components": components,
	}
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
