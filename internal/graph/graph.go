// Package graph implements the dependency graph and topological scheduler
// (spec §4.1): node lifecycle, cycle detection, and readiness queries atop
// gonum's directed graph and topological-sort primitives, the way
// internal/batch's scheduler builds its package DAG.
package graph

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/forgebuild/forge/internal/result"
)

// Status is a BuildNode's lifecycle state. Transitions are monotonic per
// attempt: Pending -> Ready -> Running -> {Success|Cached|Failed|Skipped}.
// Reset to Pending is permitted only when resuming from a checkpoint.
type Status int32

const (
	Pending Status = iota
	Analyzing
	Ready
	Running
	Success
	Cached
	Failed
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Analyzing:
		return "Analyzing"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Success:
		return "Success"
	case Cached:
		return "Cached"
	case Failed:
		return "Failed"
	case Skipped:
		return "Skipped"
	default:
		return "Unknown"
	}
}

// Kind is the Target.kind field.
type Kind int

const (
	Executable Kind = iota
	Library
	Test
	Custom
)

// Target is the declarative build unit handed to the graph by the (external)
// workspace loader.
type Target struct {
	ID         string // namespaced, e.g. //path:name
	Kind       Kind
	Language   string
	Sources    []string
	Deps       []string
	Opts       map[string]string
	Flags      []string
	OutputPath string
	LangConfig []byte // opaque per-handler JSON
}

// BuildNode is the graph-resident runtime projection of a Target.
type BuildNode struct {
	id     int64 // gonum node id, stable for the lifetime of the graph
	Target *Target

	status int32 // atomic, see Status

	depth int // longest path from a root; set by ComputeDepths

	fingerprint atomic.Value // string, set once computed
	outputHash  atomic.Value // string, set on successful execution

	out []string // dependency ids (outbound edges)
	in  []string // dependent ids (inbound edges)
}

func (n *BuildNode) ID() int64 { return n.id }

func (n *BuildNode) Status() Status { return Status(atomic.LoadInt32(&n.status)) }

// SetStatus performs a release-store of the new status. Callers are
// responsible for only making monotonic transitions (enforced by BuildGraph
// helpers, not by BuildNode itself, which stays a dumb projection).
func (n *BuildNode) SetStatus(s Status) { atomic.StoreInt32(&n.status, int32(s)) }

// claimReady atomically transitions n from Pending to Ready and reports
// whether this call won the race. Used by ReadyNodes so two concurrent
// callers observing the same Pending node with satisfied deps can never
// both claim it.
func (n *BuildNode) claimReady() bool {
	return atomic.CompareAndSwapInt32(&n.status, int32(Pending), int32(Ready))
}

func (n *BuildNode) Depth() int { return n.depth }

func (n *BuildNode) Fingerprint() (string, bool) {
	v := n.fingerprint.Load()
	if v == nil {
		return "", false
	}
	return v.(string), true
}

func (n *BuildNode) SetFingerprint(fp string) { n.fingerprint.Store(fp) }

func (n *BuildNode) OutputHash() (string, bool) {
	v := n.outputHash.Load()
	if v == nil {
		return "", false
	}
	return v.(string), true
}

func (n *BuildNode) SetOutputHash(h string) { n.outputHash.Store(h) }

// Deps returns the ids this node depends on (outbound edges).
func (n *BuildNode) Deps() []string { return n.out }

// Dependents returns the ids that depend on this node (inbound edges).
func (n *BuildNode) Dependents() []string { return n.in }

// BuildGraph owns its BuildNodes; edges are id lookups, never raw pointers,
// so the structure stays an arena of nodes keyed by stable id (spec §9's
// redesign note against cyclic back-references between nodes).
type BuildGraph struct {
	g     *simple.DirectedGraph
	nodes map[string]*BuildNode
	idSeq int64
}

// New constructs an empty graph.
func New() *BuildGraph {
	return &BuildGraph{
		g:     simple.NewDirectedGraph(),
		nodes: make(map[string]*BuildNode),
	}
}

// AddTarget registers a Target as a BuildNode. It does not yet link edges —
// call AddEdge once all targets in a batch are known.
func (bg *BuildGraph) AddTarget(t *Target) (*BuildNode, error) {
	if _, exists := bg.nodes[t.ID]; exists {
		return nil, result.New(result.GraphInvalid, "duplicate target id %q", t.ID)
	}
	n := &BuildNode{id: bg.idSeq, Target: t}
	bg.idSeq++
	bg.g.AddNode(n)
	bg.nodes[t.ID] = n
	return n, nil
}

// Node looks up a node by id.
func (bg *BuildGraph) Node(id string) (*BuildNode, bool) {
	n, ok := bg.nodes[id]
	return n, ok
}

// AddEdge links u (dependent) -> v (dependency). Self-edges are rejected.
// Adding an edge that would introduce a cycle is rejected with
// CircularDependency, listing the offending path; the graph is left
// unchanged on rejection (no partial mutation is observable). Redundant
// edges (already present) are accepted idempotently.
func (bg *BuildGraph) AddEdge(u, v string) error {
	un, ok := bg.nodes[u]
	if !ok {
		return result.New(result.NodeNotFound, "unknown node %q", u)
	}
	vn, ok := bg.nodes[v]
	if !ok {
		return result.New(result.NodeNotFound, "unknown node %q", v)
	}
	if u == v {
		return result.New(result.EdgeInvalid, "self-edge on %q", u)
	}
	if bg.g.HasEdgeFromTo(un.id, vn.id) {
		return nil // idempotent
	}
	// Reject the edge if v can already reach u: adding u->v would close a
	// cycle. Check before mutating so no partial graph is ever observable.
	if path := bg.reachablePath(vn, un); path != nil {
		names := make([]string, len(path))
		for i, p := range path {
			names[i] = p.Target.ID
		}
		return result.New(result.CircularDependency, "cycle: %v", append([]string{u}, names...))
	}
	bg.g.SetEdge(bg.g.NewEdge(un, vn))
	un.out = append(un.out, v)
	vn.in = append(vn.in, u)
	return nil
}

// reachablePath returns a path from start to target if one exists (DFS),
// or nil if target is unreachable from start. Used for cycle pre-checks.
func (bg *BuildGraph) reachablePath(start, target *BuildNode) []*BuildNode {
	visited := make(map[int64]bool)
	var path []*BuildNode
	var dfs func(n *BuildNode) bool
	dfs = func(n *BuildNode) bool {
		if visited[n.id] {
			return false
		}
		visited[n.id] = true
		path = append(path, n)
		if n.id == target.id {
			return true
		}
		to := bg.g.From(n.id)
		for to.Next() {
			if dfs(to.Node().(*BuildNode)) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if dfs(start) {
		return path
	}
	return nil
}

// ComputeDepths assigns depth to every node (0 for roots, 1+max(dep.depth)
// otherwise) via a topological walk. Must be called after all edges for a
// build have been added and before scheduling begins.
func (bg *BuildGraph) ComputeDepths() error {
	order, err := topo.Sort(bg.g)
	if err != nil {
		return bg.cycleError(err)
	}
	// order is dependents-before-dependencies (topo.Sort puts the from-node
	// of every u->v edge, the dependent, before its to-node), so we walk it
	// in reverse: every dependency's depth is final before its dependents
	// are computed.
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i].(*BuildNode)
		max := -1
		for _, depID := range n.out {
			dn := bg.nodes[depID]
			if dn.depth > max {
				max = dn.depth
			}
		}
		n.depth = max + 1
	}
	return nil
}

func (bg *BuildGraph) cycleError(err error) error {
	if uo, ok := err.(topo.Unorderable); ok {
		var names []string
		for _, comp := range uo {
			for _, n := range comp {
				names = append(names, n.(*BuildNode).Target.ID)
			}
		}
		return result.New(result.CircularDependency, "cycle among: %v", names)
	}
	return result.New(result.GraphInvalid, "%v", err)
}

// TopologicalOrder returns target ids such that every edge (u->v, u depends
// on v) has index(v) < index(u) — dependencies before dependents.
func (bg *BuildGraph) TopologicalOrder() ([]string, error) {
	order, err := topo.Sort(bg.g)
	if err != nil {
		return nil, bg.cycleError(err)
	}
	ids := make([]string, len(order))
	for i, n := range order {
		ids[i] = n.(*BuildNode).Target.ID
	}
	// topo.Sort puts the from-node of every u->v edge (the dependent) before
	// its to-node; reversing that order puts dependencies before dependents.
	slices.Reverse(ids)
	return ids, nil
}

// ReadyNodes returns nodes with status Pending whose every dependency has
// status Success or Cached, claiming each one (transitioning it to Ready)
// before returning it. The claim is a compare-and-swap on the node's own
// status, so two goroutines calling ReadyNodes concurrently (e.g. the two
// parents of a diamond completing at nearly the same time) can never both
// receive the same node: a node appears in at most one caller's result.
func (bg *BuildGraph) ReadyNodes() []*BuildNode {
	var ready []*BuildNode
	for _, n := range bg.nodes {
		if n.Status() != Pending {
			continue
		}
		if !bg.depsSatisfied(n) {
			continue
		}
		if n.claimReady() {
			ready = append(ready, n)
		}
	}
	return ready
}

func (bg *BuildGraph) depsSatisfied(n *BuildNode) bool {
	for _, depID := range n.out {
		dn := bg.nodes[depID]
		st := dn.Status()
		if st != Success && st != Cached {
			return false
		}
	}
	return true
}

// MarkFailed transitions n to Failed and recursively marks every transitive
// dependent as Skipped, without touching sibling branches (spec §4.1
// failure semantics).
func (bg *BuildGraph) MarkFailed(id string) {
	n, ok := bg.nodes[id]
	if !ok {
		return
	}
	n.SetStatus(Failed)
	bg.skipDependents(n, make(map[string]bool))
}

func (bg *BuildGraph) skipDependents(n *BuildNode, visited map[string]bool) {
	for _, depID := range n.in {
		if visited[depID] {
			continue
		}
		visited[depID] = true
		dn := bg.nodes[depID]
		if dn.Status() == Pending || dn.Status() == Ready {
			dn.SetStatus(Skipped)
			bg.skipDependents(dn, visited)
		}
	}
}

// Stats summarizes the graph for tuning and reporting.
type Stats struct {
	TotalNodes  int
	TotalEdges  int
	MaxDepth    int
	Parallelism int // width of the widest antichain
}

// Stats computes graph statistics. Parallelism is approximated as the
// largest group of nodes sharing a depth — an upper bound on achievable
// concurrency, sufficient for scheduler tuning (spec §4.1).
func (bg *BuildGraph) Stats() Stats {
	byDepth := make(map[int]int)
	maxDepth := 0
	edges := 0
	for _, n := range bg.nodes {
		byDepth[n.depth]++
		if n.depth > maxDepth {
			maxDepth = n.depth
		}
		edges += len(n.out)
	}
	widest := 0
	for _, count := range byDepth {
		if count > widest {
			widest = count
		}
	}
	return Stats{
		TotalNodes:  len(bg.nodes),
		TotalEdges:  edges,
		MaxDepth:    maxDepth,
		Parallelism: widest,
	}
}

// Roots returns nodes with no outbound dependencies.
func (bg *BuildGraph) Roots() []*BuildNode {
	var roots []*BuildNode
	for _, n := range bg.nodes {
		if len(n.out) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// All returns every node, for iteration by callers such as the checkpoint
// manager that need a full snapshot.
func (bg *BuildGraph) All() []*BuildNode {
	out := make([]*BuildNode, 0, len(bg.nodes))
	for _, n := range bg.nodes {
		out = append(out, n)
	}
	return out
}

func (bg *BuildGraph) String() string {
	st := bg.Stats()
	return fmt.Sprintf("BuildGraph{nodes=%d edges=%d maxDepth=%d parallelism=%d}",
		st.TotalNodes, st.TotalEdges, st.MaxDepth, st.Parallelism)
}

var _ graph.Node = (*BuildNode)(nil)
