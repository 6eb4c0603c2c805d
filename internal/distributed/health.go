package distributed

import "time"

// HealthMonitor demotes workers through the health ladder as their
// heartbeats go stale, ultimately flagging them Failed.
type HealthMonitor struct {
	registry *Registry
	// Thresholds, ascending: a worker missing its heartbeat longer than
	// Degraded demotes to Degraded, longer than Failing demotes further,
	// and longer than Failed is considered dead.
	DegradedAfter time.Duration
	FailingAfter  time.Duration
	FailedAfter   time.Duration
}

// NewHealthMonitor constructs a HealthMonitor with the given thresholds.
func NewHealthMonitor(registry *Registry, degraded, failing, failed time.Duration) *HealthMonitor {
	return &HealthMonitor{
		registry:      registry,
		DegradedAfter: degraded,
		FailingAfter:  failing,
		FailedAfter:   failed,
	}
}

// Sweep checks every registered worker's heartbeat age against now and
// demotes any that have gone stale. It returns the IDs newly transitioned
// to Failed this sweep, so the caller can trigger CoordinatorRecovery for
// each.
func (m *HealthMonitor) Sweep(now time.Time) []string {
	var newlyFailed []string
	for _, w := range m.registry.All() {
		if w.State == Failed {
			continue
		}
		age := now.Sub(w.LastHeartbeat)
		switch {
		case age >= m.FailedAfter:
			m.registry.SetState(w.ID, Failed)
			newlyFailed = append(newlyFailed, w.ID)
		case age >= m.FailingAfter:
			m.registry.SetState(w.ID, Failing)
		case age >= m.DegradedAfter:
			m.registry.SetState(w.ID, Degraded)
		}
	}
	return newlyFailed
}
