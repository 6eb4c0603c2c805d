// Package recovery implements the worker-side failure handling spec §4.6
// describes: peer connection health tracking and a priority-aware retry
// orchestrator.
//
// Grounded on the general retry-with-backoff idiom github.com/cenkalti/backoff/v4
// exists for; distri has no peer-to-peer worker protocol to generalize
// from, so the per-priority policy table itself comes directly from spec
// §4.6's table rather than from teacher code.
package recovery

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PeerState is one peer connection's health, from the worker's point of
// view.
type PeerState int

const (
	PeerHealthy PeerState = iota
	PeerDegraded
	PeerFailed
)

// PeerHealth tracks per-peer connection health for one worker.
type PeerHealth struct {
	mu    sync.Mutex
	state map[string]PeerState
}

// NewPeerHealth constructs an empty PeerHealth tracker.
func NewPeerHealth() *PeerHealth {
	return &PeerHealth{state: make(map[string]PeerState)}
}

// FailureKind distinguishes a network-level failure (connection reset,
// dial failure) from a timeout, since spec §4.6 asks WorkerRecovery to
// classify which kind of failure it is observing.
type FailureKind int

const (
	NetworkFailure FailureKind = iota
	TimeoutFailure
)

// RecordFailure demotes a peer's health state by one step per occurrence
// (Healthy -> Degraded -> Failed), regardless of FailureKind — both kinds
// count toward the same ladder, but the kind is exposed to callers that
// want to log or alert differently on the two.
func (p *PeerHealth) RecordFailure(peer string, kind FailureKind) PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state[peer] {
	case PeerHealthy:
		p.state[peer] = PeerDegraded
	default:
		p.state[peer] = PeerFailed
	}
	return p.state[peer]
}

// RecordSuccess restores a peer directly to Healthy.
func (p *PeerHealth) RecordSuccess(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[peer] = PeerHealthy
}

// State returns a peer's current health, defaulting to Healthy for an
// unseen peer.
func (p *PeerHealth) State(peer string) PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state[peer]
}

// Priority selects a RetryOrchestrator policy row from spec §4.6's table.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

type policy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

var policies = map[Priority]policy{
	Critical: {maxAttempts: 5, initialDelay: 100 * time.Millisecond, maxDelay: 5 * time.Second, multiplier: 1.5},
	High:     {maxAttempts: 4, initialDelay: 200 * time.Millisecond, maxDelay: 10 * time.Second, multiplier: 2.0},
	Normal:   {maxAttempts: 3, initialDelay: 500 * time.Millisecond, maxDelay: 30 * time.Second, multiplier: 2.0},
	Low:      {maxAttempts: 2, initialDelay: 1 * time.Second, maxDelay: 60 * time.Second, multiplier: 2.0},
}

// RetryOrchestrator runs fn with retries according to a Priority's policy
// row, applying backoff.ExponentialBackOff per attempt with ±15% jitter
// and a deterministic attempt cap (ExponentialBackOff alone only bounds
// per-step delay, not attempt count, so MaxAttempts is enforced here).
type RetryOrchestrator struct{}

// NewRetryOrchestrator constructs a RetryOrchestrator. It holds no state of
// its own; policies are looked up per call from the fixed table above.
func NewRetryOrchestrator() *RetryOrchestrator {
	return &RetryOrchestrator{}
}

// Do runs fn up to the priority's maxAttempts times, waiting between
// attempts per the policy's backoff curve, and returns fn's last error if
// every attempt failed.
func (o *RetryOrchestrator) Do(p Priority, fn func(attempt int) error) error {
	pol := policies[p]
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pol.initialDelay
	bo.MaxInterval = pol.maxDelay
	bo.Multiplier = pol.multiplier
	bo.RandomizationFactor = 0.15
	bo.MaxElapsedTime = 0 // attempt count is the cap, not elapsed time

	var lastErr error
	for attempt := 1; attempt <= pol.maxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == pol.maxAttempts {
			break
		}
		time.Sleep(bo.NextBackOff())
	}
	return lastErr
}

// Delay computes the nth retry's delay per spec §4.6's closed-form formula
// (min(maxDelay, initialDelay*multiplier^(attempt-1)) with jitter), exposed
// separately from Do for tests and telemetry that want the value without
// actually sleeping.
func Delay(p Priority, attempt int, jitter func() float64) time.Duration {
	pol := policies[p]
	d := float64(pol.initialDelay)
	for i := 1; i < attempt; i++ {
		d *= pol.multiplier
	}
	capped := d
	if max := float64(pol.maxDelay); capped > max {
		capped = max
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	// ±15% jitter: scale by a factor in [0.85, 1.15].
	factor := 0.85 + 0.30*jitter()
	return time.Duration(capped * factor)
}
