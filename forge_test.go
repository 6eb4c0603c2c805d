package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/handler"
)

// noopHandler never touches the sandbox, keeping these tests free of any
// dependency on a real cmake/go toolchain being present, the same reasoning
// internal/engine's own noopHandler documents.
type noopHandler struct{}

func (noopHandler) Language() string { return "test-noop" }

func (noopHandler) Plan(ctx context.Context, t *graph.Target, depOutputs map[string]string) (handler.Plan, error) {
	return handler.Plan{Outputs: []string{t.OutputPath}}, nil
}

func newTestCoreServices(t *testing.T) *CoreServices {
	t.Helper()
	cs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cs.Handlers.Register(noopHandler{})
	return cs
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewConstructsWorkingDefaults(t *testing.T) {
	cs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cs.CAS == nil || cs.Cache == nil || cs.Handlers == nil || cs.Bus == nil {
		t.Fatal("New left a core service field nil")
	}
	if cs.Remote != nil {
		t.Error("Remote should be nil when REMOTE_CACHE_URL is unset")
	}
	for _, lang := range []string{"generic", "go", "cmake"} {
		if _, ok := cs.Handlers.Lookup(lang); !ok {
			t.Errorf("handler for %q not registered by default", lang)
		}
	}
}

func TestLoadTargetsBuildsGraphWithEdges(t *testing.T) {
	cs := newTestCoreServices(t)
	targets := []*graph.Target{
		{ID: "//a:base", Language: "test-noop"},
		{ID: "//b:mid", Language: "test-noop", Deps: []string{"//a:base"}},
	}
	if err := cs.LoadTargets(targets); err != nil {
		t.Fatal(err)
	}
	stats, err := cs.Graph("")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalNodes != 2 || stats.TotalEdges != 1 {
		t.Fatalf("stats = %+v, want 2 nodes / 1 edge", stats)
	}
}

func TestGraphReportsStatsForSubsetTarget(t *testing.T) {
	cs := newTestCoreServices(t)
	targets := []*graph.Target{
		{ID: "//a:base", Language: "test-noop"},
		{ID: "//b:mid", Language: "test-noop", Deps: []string{"//a:base"}},
		{ID: "//c:unrelated", Language: "test-noop"},
	}
	if err := cs.LoadTargets(targets); err != nil {
		t.Fatal(err)
	}
	stats, err := cs.Graph("//b:mid")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalNodes != 2 {
		t.Fatalf("subgraph TotalNodes = %d, want 2 (b and its dep a, not the unrelated c)", stats.TotalNodes)
	}
}

func TestBuildRunsLoadedTargetsAndWritesCheckpoint(t *testing.T) {
	cs := newTestCoreServices(t)
	srcDir := t.TempDir()
	src := writeSource(t, srcDir, "main.src", "package main")

	targets := []*graph.Target{
		{ID: "//a:base", Language: "test-noop", Sources: []string{src}, OutputPath: filepath.Join(t.TempDir(), "base")},
	}
	if err := cs.LoadTargets(targets); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := cs.Build(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Results) != 1 || report.Results[0].Status != graph.Success {
		t.Fatalf("report = %+v, want one Success result", report.Results)
	}

	if _, err := os.Stat(cs.checkpointPath()); err != nil {
		t.Errorf("checkpoint was not written: %v", err)
	}
}

func TestResumeSkipsUnchangedTargetsViaCheckpoint(t *testing.T) {
	workDir := t.TempDir()
	srcDir := t.TempDir()
	src := writeSource(t, srcDir, "main.src", "package main")
	outDir := t.TempDir()

	targets := func() []*graph.Target {
		return []*graph.Target{
			{ID: "//a:base", Language: "test-noop", Sources: []string{src}, OutputPath: filepath.Join(outDir, "base")},
		}
	}

	cs1, err := New(workDir)
	if err != nil {
		t.Fatal(err)
	}
	cs1.Handlers.Register(noopHandler{})
	if err := cs1.LoadTargets(targets()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cs1.Build(ctx, ""); err != nil {
		t.Fatal(err)
	}

	// A fresh CoreServices over the same workDir picks up the on-disk CAS
	// and checkpoint, so Resume should find the prior build still valid and
	// report the target with its checkpointed status (Success) rather than
	// rerunning it.
	cs2, err := New(workDir)
	if err != nil {
		t.Fatal(err)
	}
	cs2.Handlers.Register(noopHandler{})
	if err := cs2.LoadTargets(targets()); err != nil {
		t.Fatal(err)
	}
	report, err := cs2.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Results) != 1 || report.Results[0].Status != graph.Success {
		t.Fatalf("resume report = %+v, want one Success result", report.Results)
	}
}

func TestResumeRejectsStaleCheckpointOnSourceChange(t *testing.T) {
	workDir := t.TempDir()
	srcDir := t.TempDir()
	src := writeSource(t, srcDir, "main.src", "package main v1")
	outDir := t.TempDir()

	target := func() []*graph.Target {
		return []*graph.Target{
			{ID: "//a:base", Language: "test-noop", Sources: []string{src}, OutputPath: filepath.Join(outDir, "base")},
		}
	}

	cs1, err := New(workDir)
	if err != nil {
		t.Fatal(err)
	}
	cs1.Handlers.Register(noopHandler{})
	if err := cs1.LoadTargets(target()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cs1.Build(ctx, ""); err != nil {
		t.Fatal(err)
	}

	writeSource(t, srcDir, "main.src", "package main v2")

	cs2, err := New(workDir)
	if err != nil {
		t.Fatal(err)
	}
	cs2.Handlers.Register(noopHandler{})
	if err := cs2.LoadTargets(target()); err != nil {
		t.Fatal(err)
	}
	if _, err := cs2.Resume(ctx); err == nil {
		t.Fatal("expected Resume to reject a checkpoint whose source content changed")
	}
}

func TestEnableTraceWritesChromeTraceEventsForBuild(t *testing.T) {
	cs := newTestCoreServices(t)
	srcDir := t.TempDir()
	src := writeSource(t, srcDir, "main.src", "package main")
	if err := cs.LoadTargets([]*graph.Target{
		{ID: "//a:base", Language: "test-noop", Sources: []string{src}, OutputPath: filepath.Join(t.TempDir(), "base")},
	}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	cs.EnableTrace(&buf)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cs.Build(ctx, ""); err != nil {
		t.Fatal(err)
	}
	cs.Hooks.Shutdown()
	select {
	case <-cs.traceDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for trace sink to drain")
	}

	var events []map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &events); err != nil {
		t.Fatalf("trace output is not valid JSON: %v\n%s", err, buf.String())
	}
	if len(events) != 1 || events[0]["name"] != "//a:base" {
		t.Errorf("trace events = %+v, want one event named //a:base", events)
	}
}

func TestCleanRemovesCacheAndCheckpoint(t *testing.T) {
	cs := newTestCoreServices(t)
	srcDir := t.TempDir()
	src := writeSource(t, srcDir, "main.src", "package main")
	if err := cs.LoadTargets([]*graph.Target{
		{ID: "//a:base", Language: "test-noop", Sources: []string{src}, OutputPath: filepath.Join(t.TempDir(), "base")},
	}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cs.Build(ctx, ""); err != nil {
		t.Fatal(err)
	}

	if err := cs.Clean(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cs.checkpointPath()); !os.IsNotExist(err) {
		t.Errorf("checkpoint still present after Clean: %v", err)
	}
	if _, ok := cs.Cache.LookupTarget("anything"); ok {
		t.Error("cache still has entries after Clean")
	}
}
