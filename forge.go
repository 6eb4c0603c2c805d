// Package forge ties every subsystem together into the programmatic API
// spec.md §6.4 describes (build/resume/clean/graph), the same role
// distri's top-level context.go/distri.go play for that tool: a small root
// package gluing independently-testable internal packages into one
// entry point, instead of a God object that reaches into every package's
// internals directly.
package forge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/cas"
	"github.com/forgebuild/forge/internal/checkpoint"
	"github.com/forgebuild/forge/internal/distributed"
	"github.com/forgebuild/forge/internal/engine"
	"github.com/forgebuild/forge/internal/env"
	"github.com/forgebuild/forge/internal/events"
	"github.com/forgebuild/forge/internal/fingerprint"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/handler"
	"github.com/forgebuild/forge/internal/lifecycle"
	"github.com/forgebuild/forge/internal/pool"
	"github.com/forgebuild/forge/internal/recovery"
	"github.com/forgebuild/forge/internal/remotecache"
)

// CoreServices wires every subsystem together for one workspace. Unlike
// distri's package-level DistriRoot/atExit/onInterrupt globals, every field
// here is an explicit value constructed once by New and threaded through —
// nothing is read from package state (spec §9 redesign note).
type CoreServices struct {
	Env      env.Config
	Hooks    *lifecycle.Hooks
	Bus      *events.Bus
	CAS      *cas.Store
	Cache    *cache.Coordinator
	Handlers *handler.Registry

	// Remote is nil when Env.RemoteCacheURL is empty: the remote cache tier
	// is optional, and CoreServices works purely off the local tiers
	// without one configured.
	Remote *remotecache.Client

	Registry  *distributed.Registry
	Scheduler *distributed.Scheduler
	Health    *distributed.HealthMonitor
	Recovery  *distributed.Recovery
	Retry     *recovery.RetryOrchestrator

	Checkpoints *checkpoint.ResumePlanner

	// trace, when non-nil, receives a Chrome Trace Event Format JSON
	// rendering of every build via EnableTrace. traceDone closes once the
	// sink has drained every event published before Hooks.Shutdown ran.
	trace     *events.TraceSink
	traceDone chan struct{}

	// stopCacheFlush stops the Cache's periodic on-disk index flush started
	// by New/Clean.
	stopCacheFlush func()

	// WorkDir is the root directory CoreServices keeps its on-disk state
	// under: WorkDir/cas for blobs, WorkDir/checkpoint.bin for the last
	// checkpoint.
	WorkDir string

	graph *graph.BuildGraph
}

// cacheFlushInterval is how often the target/action cache tiers are flushed
// to disk (spec §4.4: target cache is "memory-resident with periodic
// flush"), matching the magnitude of the distributed health monitor's own
// polling intervals below.
const cacheFlushInterval = 30 * time.Second

// New constructs a CoreServices rooted at workDir, with configuration read
// from the process environment per env.Load.
func New(workDir string) (*CoreServices, error) {
	cfg := env.Load()

	store, err := cas.Open(filepath.Join(workDir, "cas"))
	if err != nil {
		return nil, fmt.Errorf("forge: %w", err)
	}

	reg := handler.NewRegistry()
	reg.Register(handler.GenericHandler{})
	reg.Register(handler.GoHandler{})
	reg.Register(handler.CMakeHandler{Jobs: 1})

	workerRegistry := distributed.NewRegistry()

	cs := &CoreServices{
		Env:         cfg,
		Hooks:       lifecycle.New(),
		Bus:         events.New(),
		CAS:         store,
		Cache:       cache.New(store),
		Handlers:    reg,
		Registry:    workerRegistry,
		Scheduler:   distributed.NewScheduler(workerRegistry, distributed.LeastLoaded),
		Retry:       recovery.NewRetryOrchestrator(),
		Checkpoints: checkpoint.NewResumePlanner(),
		WorkDir:     workDir,
	}
	cs.Health = distributed.NewHealthMonitor(workerRegistry, 10*time.Second, 30*time.Second, 60*time.Second)
	cs.Recovery = distributed.NewRecovery(workerRegistry, cs.reassign)

	if cfg.RemoteCacheURL != "" {
		cs.Remote = remotecache.NewClient(cfg.RemoteCacheURL, cfg.RemoteCacheToken, cfg.RemoteCacheCompression)
	}

	if err := cs.Cache.LoadTargets(cs.targetIndexPath()); err != nil {
		return nil, fmt.Errorf("forge: %w", err)
	}
	if err := cs.Cache.LoadActions(cs.actionIndexPath()); err != nil {
		return nil, fmt.Errorf("forge: %w", err)
	}
	cs.stopCacheFlush = cs.Cache.StartAutoFlush(cs.targetIndexPath(), cs.actionIndexPath(), cacheFlushInterval)
	cs.Hooks.Register(cs.stopCacheFlush)

	return cs, nil
}

// targetIndexPath and actionIndexPath are where CoreServices persists the
// two cache tiers' on-disk indexes (spec §6.1).
func (cs *CoreServices) targetIndexPath() string {
	return filepath.Join(cs.WorkDir, "cache", "targets.idx")
}

func (cs *CoreServices) actionIndexPath() string {
	return filepath.Join(cs.WorkDir, "cache", "actions.idx")
}

// EnableTrace attaches a Chrome Trace Event Format sink to every subsequent
// build's TargetStarted/TargetCompleted/TargetFailed events, writing JSON to
// w as they occur (spec §6.4's programmatic API has no direct analog, but
// every CLI build tool in the pack offers some way to inspect what ran
// concurrently and for how long).
func (cs *CoreServices) EnableTrace(w io.Writer) {
	sink := events.NewTraceSink(w)
	sub := cs.Bus.Subscribe(0)
	done := make(chan struct{})
	go func() {
		sink.Run(sub)
		close(done)
	}()
	cs.trace = sink
	cs.traceDone = done
	cs.Hooks.Register(sub.Unsubscribe)
}

// reassign is CoreServices' distributed.Recovery callback: in this
// in-process configuration there is no separate scheduling queue to push
// back onto, so a reassigned action is simply republished as a
// Reassignment event for an operator/dashboard to observe (spec §4.6 only
// requires that reassignment happen, not a specific target for it in a
// single-process deployment).
func (cs *CoreServices) reassign(actionID string) {
	cs.Bus.Publish(events.Event{Kind: events.Reassignment, Payload: map[string]interface{}{
		"action_id": actionID,
	}})
}

// checkpointPath is where CoreServices persists its most recent checkpoint.
func (cs *CoreServices) checkpointPath() string {
	return filepath.Join(cs.WorkDir, "checkpoint.bin")
}

// LoadTargets replaces the current build graph with one built from targets,
// linking edges from each Target.Deps entry.
func (cs *CoreServices) LoadTargets(targets []*graph.Target) error {
	g := graph.New()
	for _, t := range targets {
		if _, err := g.AddTarget(t); err != nil {
			return fmt.Errorf("forge: %w", err)
		}
	}
	for _, t := range targets {
		for _, dep := range t.Deps {
			if err := g.AddEdge(t.ID, dep); err != nil {
				return fmt.Errorf("forge: %w", err)
			}
		}
	}
	if err := g.ComputeDepths(); err != nil {
		return fmt.Errorf("forge: %w", err)
	}
	cs.graph = g
	return nil
}

// Report is the outcome of one Build or Resume call.
type Report struct {
	Results []engine.Result
	Stats   graph.Stats
}

// Build runs every loaded target to completion (or, if target is non-empty,
// just that target and its transitive dependencies), per spec §6.4's
// `build(target?) -> Result`.
func (cs *CoreServices) Build(ctx context.Context, target string) (Report, error) {
	if cs.graph == nil {
		return Report{}, fmt.Errorf("forge: no targets loaded (call LoadTargets first)")
	}
	g := cs.graph
	if target != "" {
		sub, err := subgraph(g, target)
		if err != nil {
			return Report{}, err
		}
		g = sub
	}

	pl := pool.New(0, pool.OwnerPush)
	eng := engine.New(g, cs.Handlers, cs.Cache, cs.Bus, pl)
	defer pl.Shutdown()
	// Registered in addition to the deferred Shutdown above so an
	// interrupt delivered through a caller-owned cs.Hooks.InterruptibleContext
	// drains this pool too, not just whichever one happens to be on the
	// call stack when the signal arrives.
	cs.Hooks.Register(pl.Shutdown)

	results, err := eng.Run(ctx)
	if err != nil {
		return Report{Results: results, Stats: g.Stats()}, err
	}
	if werr := cs.writeCheckpoint(g); werr != nil {
		cs.Bus.Publish(events.Event{Kind: events.CASStats, Payload: map[string]interface{}{
			"checkpoint_write_error": werr.Error(),
		}})
	}
	return Report{Results: results, Stats: g.Stats()}, nil
}

// Resume validates the last checkpoint against the currently loaded graph
// and, if it is still applicable, restores completed node statuses before
// building the remainder — spec §6.4's `resume() -> Result`.
func (cs *CoreServices) Resume(ctx context.Context) (Report, error) {
	if cs.graph == nil {
		return Report{}, fmt.Errorf("forge: no targets loaded (call LoadTargets first)")
	}
	f, err := os.Open(cs.checkpointPath())
	if err != nil {
		return Report{}, fmt.Errorf("forge: resume: %w", err)
	}
	defer f.Close()

	cp, err := checkpoint.Read(f)
	if err != nil {
		return Report{}, fmt.Errorf("forge: resume: %w", err)
	}

	// Recompute every node's fingerprint from its current source content so
	// Validate compares the checkpoint against what the workspace actually
	// looks like now, not against whatever the checkpoint itself recorded.
	probe := engine.New(cs.graph, cs.Handlers, cs.Cache, cs.Bus, nil)
	fps, err := probe.Fingerprints()
	if err != nil {
		return Report{}, fmt.Errorf("forge: resume: %w", err)
	}
	if err := cs.Checkpoints.Validate(cp, cs.graph, fps); err != nil {
		return Report{}, err
	}
	cs.Checkpoints.Apply(cp, cs.graph)
	return cs.Build(ctx, "")
}

// Clean removes the CAS, cache index, and checkpoint state under WorkDir,
// per spec §6.4's `clean()`.
func (cs *CoreServices) Clean() error {
	if cs.stopCacheFlush != nil {
		cs.stopCacheFlush()
	}
	if err := os.RemoveAll(filepath.Join(cs.WorkDir, "cas")); err != nil {
		return fmt.Errorf("forge: clean: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(cs.WorkDir, "cache")); err != nil {
		return fmt.Errorf("forge: clean: %w", err)
	}
	if err := os.Remove(cs.checkpointPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("forge: clean: %w", err)
	}
	store, err := cas.Open(filepath.Join(cs.WorkDir, "cas"))
	if err != nil {
		return fmt.Errorf("forge: clean: %w", err)
	}
	cs.CAS = store
	cs.Cache = cache.New(store)
	cs.stopCacheFlush = cs.Cache.StartAutoFlush(cs.targetIndexPath(), cs.actionIndexPath(), cacheFlushInterval)
	cs.Hooks.Register(cs.stopCacheFlush)
	return nil
}

// Graph reports statistics for the currently loaded graph, or the subgraph
// rooted at target, per spec §6.4's `graph(target?) -> GraphStats`.
func (cs *CoreServices) Graph(target string) (graph.Stats, error) {
	if cs.graph == nil {
		return graph.Stats{}, fmt.Errorf("forge: no targets loaded (call LoadTargets first)")
	}
	if target == "" {
		return cs.graph.Stats(), nil
	}
	sub, err := subgraph(cs.graph, target)
	if err != nil {
		return graph.Stats{}, err
	}
	return sub.Stats(), nil
}

// writeCheckpoint snapshots g's current node statuses/fingerprints to
// WorkDir/checkpoint.bin.
func (cs *CoreServices) writeCheckpoint(g *graph.BuildGraph) error {
	cp := checkpoint.Checkpoint{
		NodeStatus:       make(map[string]graph.Status),
		NodeFingerprints: make(map[string]fingerprint.Fingerprint),
	}
	var failed []string
	for _, n := range g.All() {
		cp.TotalTargets++
		cp.NodeStatus[n.Target.ID] = n.Status()
		if fp, ok := n.Fingerprint(); ok {
			cp.NodeFingerprints[n.Target.ID] = fingerprint.Fingerprint(fp)
		}
		switch n.Status() {
		case graph.Success, graph.Cached:
			cp.CompletedTargets++
		case graph.Failed:
			failed = append(failed, n.Target.ID)
		}
		for _, dep := range n.Deps() {
			cp.Edges = append(cp.Edges, checkpoint.Edge{Dependent: n.Target.ID, Dependency: dep})
		}
	}
	cp.FailedTargetIDs = failed
	cp.WorkspaceDigest = workspaceDigest(cp.NodeFingerprints)

	if err := os.MkdirAll(cs.WorkDir, 0755); err != nil {
		return err
	}
	f, err := os.Create(cs.checkpointPath())
	if err != nil {
		return err
	}
	defer f.Close()
	return checkpoint.Write(f, cp)
}

// workspaceDigest summarizes an entire graph's fingerprints into one value,
// so a checkpoint carries a single quick "has anything at all changed"
// signal alongside its per-node detail.
func workspaceDigest(fps map[string]fingerprint.Fingerprint) fingerprint.Fingerprint {
	ids := make([]string, 0, len(fps))
	for id := range fps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var blob []byte
	for _, id := range ids {
		blob = append(blob, []byte(id)...)
		blob = append(blob, ':')
		blob = append(blob, []byte(fps[id])...)
		blob = append(blob, ';')
	}
	return fingerprint.OfBytes(blob)
}

// subgraph returns a fresh BuildGraph containing target and its transitive
// dependencies only, sharing no state with the source graph beyond copied
// Target values (statuses start fresh Pending).
func subgraph(g *graph.BuildGraph, target string) (*graph.BuildGraph, error) {
	root, ok := g.Node(target)
	if !ok {
		return nil, fmt.Errorf("forge: unknown target %q", target)
	}
	include := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if include[id] {
			return
		}
		include[id] = true
		n, ok := g.Node(id)
		if !ok {
			return
		}
		for _, dep := range n.Deps() {
			walk(dep)
		}
	}
	walk(root.Target.ID)

	sub := graph.New()
	for id := range include {
		n, _ := g.Node(id)
		if _, err := sub.AddTarget(n.Target); err != nil {
			return nil, fmt.Errorf("forge: %w", err)
		}
	}
	for id := range include {
		n, _ := g.Node(id)
		for _, dep := range n.Deps() {
			if err := sub.AddEdge(id, dep); err != nil {
				return nil, fmt.Errorf("forge: %w", err)
			}
		}
	}
	if err := sub.ComputeDepths(); err != nil {
		return nil, fmt.Errorf("forge: %w", err)
	}
	return sub, nil
}
