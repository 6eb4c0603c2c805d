package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/cas"
	"github.com/forgebuild/forge/internal/events"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/handler"
)

// noopHandler never touches the sandbox: its Plan has zero actions, so
// Engine.build's action loop is a no-op and the target is recorded as a
// successful build. This keeps the tests free of any dependency on Linux
// namespace support in the environment running them.
type noopHandler struct{ language string }

func (h noopHandler) Language() string { return h.language }

func (h noopHandler) Plan(ctx context.Context, t *graph.Target, depOutputs map[string]string) (handler.Plan, error) {
	return handler.Plan{Outputs: []string{t.OutputPath}}, nil
}

func newTestEngine(t *testing.T, g *graph.BuildGraph) (*Engine, *events.Subscription) {
	t.Helper()
	reg := handler.NewRegistry()
	reg.Register(noopHandler{language: "noop"})

	store, err := cas.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	coord := cache.New(store)
	bus := events.New()
	sub := bus.Subscribe(64)

	return New(g, reg, coord, bus, nil), sub
}

func chainGraph(t *testing.T) *graph.BuildGraph {
	t.Helper()
	g := graph.New()
	for _, id := range []string{"//a:base", "//b:mid", "//c:top"} {
		if _, err := g.AddTarget(&graph.Target{ID: id, Language: "noop", OutputPath: "/out/" + id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.AddEdge("//b:mid", "//a:base"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("//c:top", "//b:mid"); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestRunBuildsEveryNodeInDependencyOrder(t *testing.T) {
	g := chainGraph(t)
	e, _ := newTestEngine(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := e.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Status != graph.Success {
			t.Errorf("target %s status = %v, want Success", r.TargetID, r.Status)
		}
	}
}

func TestRunSecondBuildHitsCache(t *testing.T) {
	g := chainGraph(t)
	e, _ := newTestEngine(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}

	g2 := chainGraph(t)
	e2 := New(g2, e.Handlers, e.Cache, e.Bus, nil)
	results, err := e2.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Status != graph.Cached {
			t.Errorf("target %s status = %v, want Cached on second run", r.TargetID, r.Status)
		}
	}
}

func TestRunSourceChangeInvalidatesCache(t *testing.T) {
	dir := t.TempDir()
	srcPath := dir + "/main.noop"
	if err := os.WriteFile(srcPath, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	newGraph := func() *graph.BuildGraph {
		g := graph.New()
		if _, err := g.AddTarget(&graph.Target{ID: "//a:src", Language: "noop", Sources: []string{srcPath}}); err != nil {
			t.Fatal(err)
		}
		return g
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g1 := newGraph()
	e1, _ := newTestEngine(t, g1)
	results, err := e1.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != graph.Success {
		t.Fatalf("first build status = %v, want Success", results[0].Status)
	}

	g2 := newGraph()
	e2 := New(g2, e1.Handlers, e1.Cache, e1.Bus, nil)
	results, err = e2.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != graph.Cached {
		t.Fatalf("unchanged-source rebuild status = %v, want Cached", results[0].Status)
	}

	if err := os.WriteFile(srcPath, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	g3 := newGraph()
	e3 := New(g3, e1.Handlers, e1.Cache, e1.Bus, nil)
	results, err = e3.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != graph.Success {
		t.Errorf("changed-source rebuild status = %v, want Success (cache miss), got %v", results[0].Status, results[0].Status)
	}
}

func TestFingerprintsComputesWithoutBuilding(t *testing.T) {
	g := chainGraph(t)
	e, _ := newTestEngine(t, g)

	fps, err := e.Fingerprints()
	if err != nil {
		t.Fatal(err)
	}
	if len(fps) != 3 {
		t.Fatalf("got %d fingerprints, want 3", len(fps))
	}
	for _, id := range []string{"//a:base", "//b:mid", "//c:top"} {
		n, _ := g.Node(id)
		if n.Status() != graph.Pending {
			t.Errorf("node %s status = %v, want unchanged Pending (no build should have run)", id, n.Status())
		}
		if fps[id] == "" {
			t.Errorf("fingerprint for %s is empty", id)
		}
	}
}

func TestRunMissingHandlerFailsOnlyThatTargetAndItsDependents(t *testing.T) {
	g := graph.New()
	if _, err := g.AddTarget(&graph.Target{ID: "//a:ok", Language: "noop"}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddTarget(&graph.Target{ID: "//b:broken", Language: "unregistered"}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddTarget(&graph.Target{ID: "//c:depends-on-broken", Language: "noop"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("//c:depends-on-broken", "//b:broken"); err != nil {
		t.Fatal(err)
	}

	e, _ := newTestEngine(t, g)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := e.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	byID := make(map[string]Result)
	for _, r := range results {
		byID[r.TargetID] = r
	}
	if byID["//a:ok"].Status != graph.Success {
		t.Errorf("//a:ok = %v, want Success", byID["//a:ok"].Status)
	}
	if byID["//b:broken"].Status != graph.Failed {
		t.Errorf("//b:broken = %v, want Failed", byID["//b:broken"].Status)
	}
	n, _ := g.Node("//c:depends-on-broken")
	if n.Status() != graph.Skipped {
		t.Errorf("//c:depends-on-broken = %v, want Skipped", n.Status())
	}
}
