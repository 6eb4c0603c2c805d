// Package cache implements the multi-tier cache coordinator (spec §4.5):
// a target cache (fingerprint -> last-known status), an action cache
// (ActionID -> recorded inputs/outputs), and a CAS-backed artifact store,
// with at most one concurrent build per fingerprint.
//
// Grounded on internal/repo/reader.go's on-disk HTTP cache (If-Modified-
// Since + a local cache file keyed by repo path) for the general shape of
// "check local first, fall through to a slower tier", generalized from one
// HTTP-backed tier to the target/action/CAS tier stack spec §4.5 describes.
// The at-most-one-concurrent-build guarantee is new structure the teacher
// never needed (distri never dedups concurrent builds of the same
// fingerprint within one process) and is built with
// golang.org/x/sync/singleflight, the idiomatic library for exactly this.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/forgebuild/forge/internal/cas"
	"github.com/forgebuild/forge/internal/fingerprint"
)

// TargetEntry is the target cache's record of a fingerprint's last build.
type TargetEntry struct {
	Fingerprint fingerprint.Fingerprint
	OutputHash  cas.Digest
	Success     bool
	// RecordedAt is the metadata timestamp spec §6.1's target cache index
	// persists alongside each entry.
	RecordedAt time.Time
}

// ActionEntry is the action cache's record of one executed action.
type ActionEntry struct {
	ActionID          fingerprint.ActionID
	OrderedInputHash  []cas.Digest
	OrderedOutputHash []cas.Digest
	Metadata          map[string]string
	Success           bool
	RecordedAt        time.Time
}

// Coordinator ties the target cache, action cache, and CAS together, and
// ensures at most one build runs concurrently for a given fingerprint.
type Coordinator struct {
	CAS *cas.Store

	mu      sync.RWMutex
	targets map[fingerprint.Fingerprint]TargetEntry
	actions map[fingerprint.ActionID]ActionEntry

	group singleflight.Group
}

// New constructs a Coordinator backed by store.
func New(store *cas.Store) *Coordinator {
	return &Coordinator{
		CAS:     store,
		targets: make(map[fingerprint.Fingerprint]TargetEntry),
		actions: make(map[fingerprint.ActionID]ActionEntry),
	}
}

// LookupTarget returns the cached entry for fp, if any.
func (c *Coordinator) LookupTarget(fp fingerprint.Fingerprint) (TargetEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.targets[fp]
	return e, ok
}

// RecordTarget stores (or overwrites) the entry for a fingerprint.
func (c *Coordinator) RecordTarget(e TargetEntry) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[e.Fingerprint] = e
}

// LookupAction returns the cached entry for an ActionID, if any.
func (c *Coordinator) LookupAction(id fingerprint.ActionID) (ActionEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.actions[id]
	return e, ok
}

// RecordAction stores (or overwrites) an action cache entry.
func (c *Coordinator) RecordAction(e ActionEntry) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[e.ActionID] = e
}

// BuildOnce ensures only one build for fp is in flight at a time: a second
// caller requesting the same fingerprint while a build is running blocks
// and receives the first caller's result instead of starting a redundant
// build. build is only ever invoked by the first caller to arrive for a
// given fingerprint key.
func (c *Coordinator) BuildOnce(fp fingerprint.Fingerprint, build func() (TargetEntry, error)) (TargetEntry, error, bool) {
	v, err, shared := c.group.Do(string(fp), func() (interface{}, error) {
		entry, err := build()
		if err == nil {
			c.RecordTarget(entry)
		}
		return entry, err
	})
	if err != nil {
		return TargetEntry{}, err, shared
	}
	return v.(TargetEntry), nil, shared
}

// Stats reports the current size of each in-memory tier, for diagnostics
// and GC decisions.
type Stats struct {
	Targets int
	Actions int
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Targets: len(c.targets), Actions: len(c.actions)}
}

// GC removes target and action entries whose fingerprint/ActionID is not in
// keep, and returns the count of entries removed from each tier. It does
// not touch the CAS store itself — CAS blob collection is driven
// separately from the set of digests still referenced by surviving
// entries, since a blob can be shared across many cache entries.
func (c *Coordinator) GC(keepTargets map[fingerprint.Fingerprint]bool, keepActions map[fingerprint.ActionID]bool) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removedTargets, removedActions int
	for fp := range c.targets {
		if !keepTargets[fp] {
			delete(c.targets, fp)
			removedTargets++
		}
	}
	for id := range c.actions {
		if !keepActions[id] {
			delete(c.actions, id)
			removedActions++
		}
	}
	return removedTargets, removedActions
}
