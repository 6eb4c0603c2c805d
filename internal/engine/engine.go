// Package engine drives one build end to end: it walks a BuildGraph in
// topological layers, dispatches each ready node's actions through a
// LanguageHandler into the sandbox, consults the cache coordinator before
// doing any work and records into it afterward, and publishes progress
// onto the event bus as it goes (spec §4 Execution Engine).
//
// Grounded on internal/batch.Ctx.Build's errgroup-plus-channel worker loop
// and internal/build.Ctx.Build's single-target build-or-fetch-from-cache
// sequence, generalized from batch's flat goroutine-per-ready-node fan-out
// to submission through the work-stealing pool in internal/pool, and from
// build's hardcoded seccomp/build-step pipeline to a handler-dispatched
// Plan executed inside internal/sandbox.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/events"
	"github.com/forgebuild/forge/internal/fingerprint"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/handler"
	"github.com/forgebuild/forge/internal/pool"
	"github.com/forgebuild/forge/internal/sandbox"
)

// Engine orchestrates one build of a BuildGraph.
type Engine struct {
	Graph    *graph.BuildGraph
	Handlers *handler.Registry
	Cache    *cache.Coordinator
	Bus      *events.Bus
	Pool     *pool.Pool
}

// New constructs an Engine. pl may be nil, in which case a pool sized to
// GOMAXPROCS with OwnerPush policy is created and owned by the Engine.
func New(g *graph.BuildGraph, handlers *handler.Registry, c *cache.Coordinator, bus *events.Bus, pl *pool.Pool) *Engine {
	if pl == nil {
		pl = pool.New(0, pool.OwnerPush)
	}
	return &Engine{Graph: g, Handlers: handlers, Cache: c, Bus: bus, Pool: pl}
}

// Result is the terminal per-target outcome of one Run.
type Result struct {
	TargetID string
	Status   graph.Status
	Err      error
}

// Run builds every node in g reachable from its roots, respecting
// dependency order, and returns once every node has reached a terminal
// status (Success, Cached, Failed, or Skipped) or ctx is canceled.
func (e *Engine) Run(ctx context.Context) ([]Result, error) {
	e.Pool.Start(ctx)

	var (
		mu        sync.Mutex
		recorded  = make(map[string]bool, len(e.Graph.All()))
		results   []Result
		done      = make(chan struct{})
		closeDone sync.Once
	)
	if len(e.Graph.All()) == 0 {
		return nil, nil
	}

	var submit func(n *graph.BuildNode)
	var complete func(n *graph.BuildNode, status graph.Status, err error)
	// reconcile scans the whole graph for nodes that reached a terminal
	// status without going through complete() directly — MarkFailed walks
	// failed dependents straight to Skipped, so that propagation must be
	// folded back into the result set and the completion count here.
	reconcile := func() {
		mu.Lock()
		for _, n := range e.Graph.All() {
			if recorded[n.Target.ID] {
				continue
			}
			st := n.Status()
			if st != graph.Success && st != graph.Cached && st != graph.Failed && st != graph.Skipped {
				continue
			}
			recorded[n.Target.ID] = true
			results = append(results, Result{TargetID: n.Target.ID, Status: st})
		}
		finished := len(recorded) >= len(e.Graph.All())
		newlyReady := e.Graph.ReadyNodes()
		mu.Unlock()

		for _, rn := range newlyReady {
			submit(rn)
		}
		if finished {
			closeDone.Do(func() { close(done) })
		}
	}

	// submit is only ever called with a node graph.ReadyNodes has already
	// atomically claimed (Pending -> Ready), so there is nothing left to
	// claim here — this just hands the claimed node to the pool.
	submit = func(n *graph.BuildNode) {
		e.Pool.Submit(pool.Task{
			Depth: n.Depth(),
			Run: func(taskCtx context.Context) {
				status, err := e.runNode(taskCtx, n)
				complete(n, status, err)
			},
		})
	}

	complete = func(n *graph.BuildNode, status graph.Status, err error) {
		n.SetStatus(status)
		if status == graph.Failed {
			e.Graph.MarkFailed(n.Target.ID)
			e.Bus.Publish(events.Event{Kind: events.TargetFailed, TargetID: n.Target.ID})
		} else {
			e.Bus.Publish(events.Event{Kind: events.TargetCompleted, TargetID: n.Target.ID})
		}
		if err != nil {
			mu.Lock()
			recorded[n.Target.ID] = true
			results = append(results, Result{TargetID: n.Target.ID, Status: status, Err: err})
			mu.Unlock()
			reconcile()
			return
		}
		reconcile()
	}

	reconcile()

	select {
	case <-done:
	case <-ctx.Done():
		return results, ctx.Err()
	}
	return results, nil
}

// runNode resolves fingerprints and cache state for n, then either reuses a
// cached output or dispatches n's handler Plan through the sandbox.
func (e *Engine) runNode(ctx context.Context, n *graph.BuildNode) (graph.Status, error) {
	e.Bus.Publish(events.Event{Kind: events.TargetStarted, TargetID: n.Target.ID})

	depOutputs := make(map[string]string, len(n.Deps()))
	for _, depID := range n.Deps() {
		dn, ok := e.Graph.Node(depID)
		if !ok {
			continue
		}
		if out, ok := dn.OutputHash(); ok {
			depOutputs[depID] = out
		}
	}

	fp, err := e.computeFingerprint(n)
	if err != nil {
		return graph.Failed, err
	}
	n.SetFingerprint(string(fp))

	if cached, ok := e.Cache.LookupTarget(fp); ok && cached.Success {
		n.SetOutputHash(string(cached.OutputHash))
		e.Bus.Publish(events.Event{Kind: events.CacheHit, TargetID: n.Target.ID})
		return graph.Cached, nil
	}
	e.Bus.Publish(events.Event{Kind: events.CacheMiss, TargetID: n.Target.ID})

	entry, err, _ := e.Cache.BuildOnce(fp, func() (cache.TargetEntry, error) {
		return e.build(ctx, n, depOutputs)
	})
	if err != nil {
		return graph.Failed, err
	}
	n.SetOutputHash(string(entry.OutputHash))
	if !entry.Success {
		return graph.Failed, fmt.Errorf("engine: target %s failed", n.Target.ID)
	}
	return graph.Success, nil
}

// computeFingerprint hashes n's current source file contents and its
// dependencies' fingerprints into n's Fingerprint (spec §3). Dependency
// fingerprints are read from the graph rather than recomputed, so a node's
// fingerprint is only ever valid once every dependency's has been set —
// callers must walk the graph in dependency order (Run does, via
// ReadyNodes; Fingerprints does, via TopologicalOrder).
func (e *Engine) computeFingerprint(n *graph.BuildNode) (fingerprint.Fingerprint, error) {
	srcHashes, err := hashSources(n.Target.Sources)
	if err != nil {
		return "", fmt.Errorf("engine: %s: %w", n.Target.ID, err)
	}

	depFPs := make([]fingerprint.Fingerprint, 0, len(n.Deps()))
	for _, depID := range n.Deps() {
		dn, ok := e.Graph.Node(depID)
		if !ok {
			continue
		}
		if fp, ok := dn.Fingerprint(); ok {
			depFPs = append(depFPs, fingerprint.Fingerprint(fp))
		}
	}

	return fingerprint.Compute(fingerprint.TargetInput{
		TargetID:        n.Target.ID,
		SourceHashes:    srcHashes,
		DepFingerprints: depFPs,
		Opts:            n.Target.Opts,
	}), nil
}

// hashSources reads and content-hashes every source path so a target's
// fingerprint changes whenever its source content does, not merely when its
// id or options do.
func hashSources(paths []string) (map[string]fingerprint.Fingerprint, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make(map[string]fingerprint.Fingerprint, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read source %s: %w", p, err)
		}
		out[p] = fingerprint.OfBytes(b)
	}
	return out, nil
}

// Fingerprints computes every node's current Fingerprint from its current
// source content and dependencies, in dependency order, without running any
// builds or consulting the cache — used by forge.Resume to compare a
// checkpoint's recorded fingerprints against the workspace's present state.
func (e *Engine) Fingerprints() (map[string]fingerprint.Fingerprint, error) {
	order, err := e.Graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	out := make(map[string]fingerprint.Fingerprint, len(order))
	for _, id := range order {
		n, ok := e.Graph.Node(id)
		if !ok {
			continue
		}
		fp, err := e.computeFingerprint(n)
		if err != nil {
			return nil, err
		}
		n.SetFingerprint(string(fp))
		out[id] = fp
	}
	return out, nil
}

// build derives n's Plan from its registered handler, runs every action
// inside the sandbox in sequence (each carrying the target's declared
// inputs/outputs, resource limits, and determinism option), then persists
// every produced output into the CAS and records the resulting manifest
// digest as the target cache entry's OutputHash.
func (e *Engine) build(ctx context.Context, n *graph.BuildNode, depOutputs map[string]string) (cache.TargetEntry, error) {
	h, ok := e.Handlers.Lookup(n.Target.Language)
	if !ok {
		return cache.TargetEntry{}, fmt.Errorf("engine: no handler registered for language %q (target %s)", n.Target.Language, n.Target.ID)
	}
	plan, err := h.Plan(ctx, n.Target, depOutputs)
	if err != nil {
		return cache.TargetEntry{}, err
	}

	inputs := make(sandbox.PathSet, 0, len(n.Target.Sources)+len(depOutputs))
	inputs = append(inputs, n.Target.Sources...)
	for _, out := range depOutputs {
		inputs = append(inputs, out)
	}
	outputs := sandbox.PathSet(plan.Outputs)
	resources := resourcesFromOpts(n.Target.Opts)
	determinism := determinismFromOpts(n.Target.Opts)

	var warnings []sandbox.NondeterminismWarning
	for _, action := range plan.Actions {
		res, err := sandbox.Run(ctx, sandbox.Spec{
			Argv:        action.Argv,
			Env:         action.Env,
			Dir:         action.Dir,
			Network:     action.Network,
			Inputs:      inputs,
			Outputs:     outputs,
			Resources:   resources,
			Determinism: determinism,
		})
		if err != nil {
			return cache.TargetEntry{Success: false}, err
		}
		if res.ExitCode != 0 {
			return cache.TargetEntry{Success: false}, fmt.Errorf("engine: action %v exited %d", action.Argv, res.ExitCode)
		}
		warnings = append(warnings, res.NondeterminismWarnings...)
	}
	for _, w := range warnings {
		e.Bus.Publish(events.Event{
			Kind:     events.CASStats,
			TargetID: n.Target.ID,
			Payload:  map[string]interface{}{"nondeterminism_warning": w.String()},
		})
	}

	outputHash, err := storeOutputs(e.Cache.CAS, plan.Outputs)
	if err != nil {
		return cache.TargetEntry{Success: false}, err
	}

	outFp, ok := n.Fingerprint()
	if !ok {
		outFp = n.Target.ID
	}
	entry := cache.TargetEntry{
		Fingerprint: fingerprint.Fingerprint(outFp),
		OutputHash:  outputHash,
		Success:     true,
	}
	return entry, nil
}
