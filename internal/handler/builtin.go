package handler

import (
	"context"
	"fmt"
	"strconv"

	"github.com/forgebuild/forge/internal/graph"
)

// GenericHandler runs Target.Flags as a literal argv, for targets that
// don't need any language-specific step derivation. Grounded on
// internal/build.Ctx.Build falling back to the raw BuildStep list
// (Proto.GetBuildStep()) when no structured builder is set.
type GenericHandler struct{}

func (GenericHandler) Language() string { return "generic" }

func (GenericHandler) Plan(ctx context.Context, t *graph.Target, depOutputs map[string]string) (Plan, error) {
	if len(t.Flags) == 0 {
		return Plan{}, fmt.Errorf("generic handler: target %s has no build steps", t.ID)
	}
	return Plan{
		Actions: []Action{{Argv: t.Flags, Dir: t.OutputPath}},
		Outputs: []string{t.OutputPath},
	}, nil
}

// CMakeHandler derives the configure/build/install triple CMake-based
// targets need. Grounded on internal/build/buildcmake.go's buildcmake,
// generalized from distri's DISTRI_SOURCEDIR/DISTRI_PREFIX/DISTRI_DESTDIR
// env-var convention to explicit directory arguments on the Target.
type CMakeHandler struct {
	// Jobs bounds the parallelism passed to ninja -j, mirroring
	// buildcmake.go's strconv.Itoa(b.Jobs).
	Jobs int
}

func (CMakeHandler) Language() string { return "cmake" }

func (h CMakeHandler) Plan(ctx context.Context, t *graph.Target, depOutputs map[string]string) (Plan, error) {
	jobs := h.Jobs
	if jobs <= 0 {
		jobs = 1
	}
	prefix := t.OutputPath
	configure := append([]string{
		"cmake", ".",
		"-DCMAKE_INSTALL_PREFIX:PATH=" + prefix,
		"-DCMAKE_VERBOSE_MAKEFILE:BOOL=ON",
		"-G", "Ninja",
	}, t.Flags...)

	return Plan{
		Actions: []Action{
			{Argv: configure, Dir: t.OutputPath},
			{Argv: []string{"ninja", "-v", "-j", strconv.Itoa(jobs)}, Dir: t.OutputPath},
			{Argv: []string{"ninja", "-v", "-j", strconv.Itoa(jobs), "install"}, Dir: t.OutputPath},
		},
		Outputs: []string{prefix},
	}, nil
}

// GoHandler builds a Go module target with `go build`, generalized from
// internal/build.Ctx.buildgo's invocation of the go toolchain with
// GOFLAGS/GO111MODULE pinned for reproducibility.
type GoHandler struct{}

func (GoHandler) Language() string { return "go" }

func (GoHandler) Plan(ctx context.Context, t *graph.Target, depOutputs map[string]string) (Plan, error) {
	argv := []string{"go", "build", "-trimpath", "-o", t.OutputPath}
	argv = append(argv, t.Sources...)
	return Plan{
		Actions: []Action{{
			Argv: argv,
			Env:  []string{"GOFLAGS=-mod=readonly", "GO111MODULE=on", "CGO_ENABLED=0"},
			Dir:  t.OutputPath,
		}},
		Outputs: []string{t.OutputPath},
	}, nil
}
