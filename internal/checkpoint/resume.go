package checkpoint

import (
	"github.com/forgebuild/forge/internal/fingerprint"
	"github.com/forgebuild/forge/internal/graph"
)

// ResumePlanner validates a Checkpoint against the graph about to be built
// and, if it's still valid, applies the checkpoint's completed work back
// onto that graph.
type ResumePlanner struct{}

// NewResumePlanner constructs a ResumePlanner.
func NewResumePlanner() *ResumePlanner { return &ResumePlanner{} }

// Validate checks spec §4.7's conditions: the checkpoint's target set
// matches the graph's, the graph's edges are a superset of what was
// recorded, and every node the checkpoint considers complete still has the
// same fingerprint in currentFingerprints. Any mismatch is an
// ErrStaleCheckpoint naming the first reason found.
func (p *ResumePlanner) Validate(cp Checkpoint, g *graph.BuildGraph, currentFingerprints map[string]fingerprint.Fingerprint) error {
	graphNodes := map[string]bool{}
	for _, n := range g.All() {
		graphNodes[n.Target.ID] = true
	}
	for id := range cp.NodeStatus {
		if !graphNodes[id] {
			return ErrStaleCheckpoint{Reason: "checkpoint references target " + id + " no longer in the graph"}
		}
	}
	for id := range graphNodes {
		if _, ok := cp.NodeStatus[id]; !ok {
			return ErrStaleCheckpoint{Reason: "graph has new target " + id + " not present in the checkpoint"}
		}
	}

	for _, e := range cp.Edges {
		n, ok := g.Node(e.Dependent)
		if !ok {
			return ErrStaleCheckpoint{Reason: "checkpoint edge references target " + e.Dependent + " no longer in the graph"}
		}
		var found bool
		for _, dep := range n.Deps() {
			if dep == e.Dependency {
				found = true
				break
			}
		}
		if !found {
			return ErrStaleCheckpoint{Reason: "current graph is missing edge " + e.Dependent + " -> " + e.Dependency + " present in the checkpoint"}
		}
	}

	for id, status := range cp.NodeStatus {
		if status != graph.Success && status != graph.Cached {
			continue
		}
		want, ok := currentFingerprints[id]
		if !ok {
			continue
		}
		if cp.NodeFingerprints[id] != want {
			return ErrStaleCheckpoint{Reason: "source fingerprint for completed target " + id + " has changed since the checkpoint"}
		}
	}
	return nil
}

// Apply marks every Succeeded/Cached node from cp onto g, leaving
// Pending/Failed/Skipped nodes untouched so the scheduler re-queues them
// naturally.
func (p *ResumePlanner) Apply(cp Checkpoint, g *graph.BuildGraph) {
	for id, status := range cp.NodeStatus {
		if status != graph.Success && status != graph.Cached {
			continue
		}
		if n, ok := g.Node(id); ok {
			n.SetStatus(status)
		}
	}
}
