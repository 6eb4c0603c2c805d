// Package handler defines the LanguageHandler interface (spec §4.3's
// per-target build step) and a registry dispatching by Target.Language,
// generalized from internal/build.Ctx.Build's switch over
// pb.Build_Cbuilder/Cmakebuilder/Mesonbuilder/Pythonbuilder/Gobuilder/etc
// into an interface any language can implement and register against,
// instead of one function with a growing type switch.
package handler

import (
	"context"

	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/sandbox"
)

// Action is one unit of work a LanguageHandler asks the engine to run
// inside a sandbox.
type Action struct {
	Argv    []string
	Env     []string
	Dir     string
	Network sandbox.NetworkPolicy
}

// Plan is the ordered sequence of actions a LanguageHandler derives for one
// target, plus the output paths it expects to exist afterward.
type Plan struct {
	Actions []Action
	Outputs []string
}

// LanguageHandler turns one Target into a Plan. Implementations must be
// pure with respect to their inputs: given the same Target and dependency
// output paths, they must produce the same Plan (spec §8 purity
// invariant extends to handler planning, not just fingerprinting).
type LanguageHandler interface {
	// Language returns the Target.Language value this handler serves.
	Language() string
	// Plan derives the build plan for t, given the resolved output paths
	// of its dependencies (depOutputs keyed by dependency target id).
	Plan(ctx context.Context, t *graph.Target, depOutputs map[string]string) (Plan, error)
}

// Registry dispatches by Target.Language to a registered LanguageHandler.
type Registry struct {
	handlers map[string]LanguageHandler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]LanguageHandler)}
}

// Register adds h under its own Language() key, overwriting any handler
// previously registered for that language.
func (r *Registry) Register(h LanguageHandler) {
	r.handlers[h.Language()] = h
}

// Lookup returns the handler for language, if one is registered.
func (r *Registry) Lookup(language string) (LanguageHandler, bool) {
	h, ok := r.handlers[language]
	return h, ok
}

// Languages lists every registered language tag.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.handlers))
	for l := range r.handlers {
		out = append(out, l)
	}
	return out
}
