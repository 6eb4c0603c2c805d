package distributed

// Policy selects how the DistributedScheduler picks a worker for an action.
type Policy int

const (
	RoundRobin Policy = iota
	LeastLoaded
	Affinity
	Priority
)

// Scheduler assigns actions to workers from a Registry according to Policy.
type Scheduler struct {
	registry *Registry
	policy   Policy

	rrNext int
}

// NewScheduler constructs a Scheduler over registry using policy.
func NewScheduler(registry *Registry, policy Policy) *Scheduler {
	return &Scheduler{registry: registry, policy: policy}
}

// healthScore implements spec §4.6's Priority policy scoring: health state
// contributes a fixed amount, free capacity and completion rate scale
// linearly.
func healthScore(w WorkerInfo) float64 {
	var stateScore float64
	switch w.State {
	case Healthy:
		stateScore = 100
	case Degraded:
		stateScore = 50
	case Recovering:
		stateScore = 40
	case Failing:
		stateScore = 25
	case Failed:
		stateScore = 0
	default:
		stateScore = 0
	}
	capacityScore := 50 * (1 - w.Load)
	completionScore := 50 * w.successRate()
	return stateScore + capacityScore + completionScore
}

// eligible reports whether a worker may receive new work at all: Failed
// workers never get picked regardless of policy.
func eligible(w WorkerInfo) bool {
	return w.State != Failed
}

// Pick selects one worker to run the next action, affinityID optionally
// pins the choice for the Affinity policy (e.g. the worker that built this
// target's cache entry last time).
func (s *Scheduler) Pick(affinityID string) (string, bool) {
	workers := s.registry.All()
	var candidates []WorkerInfo
	for _, w := range workers {
		if eligible(w) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	switch s.policy {
	case RoundRobin:
		s.rrNext = s.rrNext % len(candidates)
		picked := candidates[s.rrNext].ID
		s.rrNext++
		return picked, true

	case LeastLoaded:
		best := candidates[0]
		for _, w := range candidates[1:] {
			if w.Load < best.Load {
				best = w
			}
		}
		return best.ID, true

	case Affinity:
		if affinityID != "" {
			for _, w := range candidates {
				if w.ID == affinityID {
					return w.ID, true
				}
			}
		}
		// Fall through to least-loaded when the affinity target is
		// unavailable or unspecified.
		best := candidates[0]
		for _, w := range candidates[1:] {
			if w.Load < best.Load {
				best = w
			}
		}
		return best.ID, true

	case Priority:
		best := candidates[0]
		bestScore := healthScore(best)
		for _, w := range candidates[1:] {
			if score := healthScore(w); score > bestScore {
				best, bestScore = w, score
			}
		}
		return best.ID, true
	}
	return "", false
}
