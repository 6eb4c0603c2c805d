// Package distributed implements the coordinator side of multi-host builds
// (spec §4.6): a worker registry, scheduling policies, health monitoring,
// and failure recovery.
//
// Grounded on internal/batch/batch.go's scheduler, which already tracks a
// fixed worker pool's in-progress job set and status; generalized here from
// in-process goroutine workers to remote worker processes tracked through
// heartbeats instead of direct function calls.
package distributed

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HealthState is a worker's position on the health ladder.
type HealthState int

const (
	Starting HealthState = iota
	Healthy
	Degraded
	Failing
	Failed
	Recovering
)

func (s HealthState) String() string {
	names := [...]string{"Starting", "Healthy", "Degraded", "Failing", "Failed", "Recovering"}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// WorkerInfo is the registry's record of one worker.
type WorkerInfo struct {
	ID              string
	State           HealthState
	Load            float64 // 0..1, fraction of capacity in use
	InProgress      map[string]bool
	LastHeartbeat   time.Time
	CompletedTotal  int
	CompletedOK     int
}

func (w WorkerInfo) successRate() float64 {
	if w.CompletedTotal == 0 {
		return 1
	}
	return float64(w.CompletedOK) / float64(w.CompletedTotal)
}

// Registry tracks the set of known workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*WorkerInfo
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*WorkerInfo)}
}

// Join registers a new worker, or re-registers an existing one, in the
// Starting state.
func (r *Registry) Join(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[id] = &WorkerInfo{
		ID:            id,
		State:         Starting,
		InProgress:    make(map[string]bool),
		LastHeartbeat: time.Now(),
	}
}

// JoinNew registers a new worker under a freshly generated id (for workers
// that connect without a pre-assigned, stable identity of their own) and
// returns that id.
func (r *Registry) JoinNew() string {
	id := uuid.NewString()
	r.Join(id)
	return id
}

// Heartbeat records a liveness ping and, if the worker was not Failed,
// promotes it to Healthy.
func (r *Registry) Heartbeat(id string, load float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.LastHeartbeat = time.Now()
	w.Load = load
	if w.State != Failed {
		w.State = Healthy
	}
	return true
}

// AssignAction records that id is now working on actionID.
func (r *Registry) AssignAction(id, actionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.InProgress[actionID] = true
	}
}

// CompleteAction records the outcome of one action for a worker, updating
// its running completion rate.
func (r *Registry) CompleteAction(id, actionID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	delete(w.InProgress, actionID)
	w.CompletedTotal++
	if success {
		w.CompletedOK++
	}
}

// Get returns a copy of the worker's current info.
func (r *Registry) Get(id string) (WorkerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return WorkerInfo{}, false
	}
	return *w, true
}

// All returns a snapshot of every registered worker.
func (r *Registry) All() []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// SetState forcibly transitions a worker's health state, used by
// HealthMonitor and CoordinatorRecovery.
func (r *Registry) SetState(id string, state HealthState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.State = state
	}
}

// InProgressActions returns the set of ActionIds a worker was working on,
// used by CoordinatorRecovery to decide what needs reassignment.
func (r *Registry) InProgressActions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(w.InProgress))
	for a := range w.InProgress {
		out = append(out, a)
	}
	return out
}

// ClearInProgress empties a worker's in-progress set, after its actions
// have been reassigned elsewhere.
func (r *Registry) ClearInProgress(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.InProgress = make(map[string]bool)
	}
}
