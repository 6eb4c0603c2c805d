// Package result implements the error taxonomy and Result type used
// throughout the build execution core (see spec §7 error handling design).
package result

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

// Category groups related error Codes for reporting and suggestion lookup.
type Category string

const (
	CategoryBuild        Category = "build"
	CategoryParse        Category = "parse"
	CategoryAnalysis     Category = "analysis"
	CategoryCache        Category = "cache"
	CategoryFileSystem   Category = "filesystem"
	CategoryGraph        Category = "graph"
	CategoryLanguage     Category = "language"
	CategorySystem       Category = "system"
	CategoryInternal     Category = "internal"
	CategoryDistributed  Category = "distributed"
)

// Code is a stable numeric identifier suitable for log correlation and
// dashboards. Values are grouped by Category in blocks of 100.
type Code int

const (
	BuildFailed Code = 100 + iota
	BuildTimeout
	BuildCancelled
	OutputMissing
)

const (
	ParseFailed Code = 200 + iota
	InvalidJSON
	InvalidBuildFile
	MissingField
	InvalidFieldValue
	InvalidGlob
)

const (
	AnalysisFailed Code = 300 + iota
	ImportResolutionFailed
	MissingDependency
	InvalidImport
	CircularDependency
)

const (
	CacheLoadFailed Code = 400 + iota
	CacheSaveFailed
	CacheEvictionFailed
	CacheCorrupted
)

const (
	FileReadFailed Code = 500 + iota
	FileWriteFailed
	FileNotFound
	DirectoryNotFound
	PermissionDenied
)

const (
	GraphCycle Code = 600 + iota
	GraphInvalid
	NodeNotFound
	EdgeInvalid
)

const (
	SyntaxError Code = 700 + iota
	CompilationFailed
	ValidationFailed
	UnsupportedLanguage
	MissingCompiler
)

const (
	ProcessSpawnFailed Code = 800 + iota
	ProcessTimeout
	ProcessCrashed
	OutOfMemory
	ThreadPoolError
	InvalidSpec
	ResourceLimitExceeded
)

const (
	InternalError Code = 900 + iota
	NotImplemented
	AssertionFailed
	UnreachableCode
)

const (
	NetworkError Code = 1000 + iota
	DistributedTimeout
	NoAvailableWorkers
	StaleCheckpoint
)

var categoryOf = map[Code]Category{
	BuildFailed: CategoryBuild, BuildTimeout: CategoryBuild, BuildCancelled: CategoryBuild, OutputMissing: CategoryBuild,

	ParseFailed: CategoryParse, InvalidJSON: CategoryParse, InvalidBuildFile: CategoryParse,
	MissingField: CategoryParse, InvalidFieldValue: CategoryParse, InvalidGlob: CategoryParse,

	AnalysisFailed: CategoryAnalysis, ImportResolutionFailed: CategoryAnalysis,
	MissingDependency: CategoryAnalysis, InvalidImport: CategoryAnalysis, CircularDependency: CategoryAnalysis,

	CacheLoadFailed: CategoryCache, CacheSaveFailed: CategoryCache,
	CacheEvictionFailed: CategoryCache, CacheCorrupted: CategoryCache,

	FileReadFailed: CategoryFileSystem, FileWriteFailed: CategoryFileSystem,
	FileNotFound: CategoryFileSystem, DirectoryNotFound: CategoryFileSystem, PermissionDenied: CategoryFileSystem,

	GraphCycle: CategoryGraph, GraphInvalid: CategoryGraph, NodeNotFound: CategoryGraph, EdgeInvalid: CategoryGraph,

	SyntaxError: CategoryLanguage, CompilationFailed: CategoryLanguage,
	ValidationFailed: CategoryLanguage, UnsupportedLanguage: CategoryLanguage, MissingCompiler: CategoryLanguage,

	ProcessSpawnFailed: CategorySystem, ProcessTimeout: CategorySystem,
	ProcessCrashed: CategorySystem, OutOfMemory: CategorySystem, ThreadPoolError: CategorySystem,
	InvalidSpec: CategorySystem, ResourceLimitExceeded: CategorySystem,

	InternalError: CategoryInternal, NotImplemented: CategoryInternal,
	AssertionFailed: CategoryInternal, UnreachableCode: CategoryInternal,

	NetworkError: CategoryDistributed, DistributedTimeout: CategoryDistributed,
	NoAvailableWorkers: CategoryDistributed, StaleCheckpoint: CategoryDistributed,
}

// suggestions maps a Code to operator-facing remediation text.
var suggestions = map[Code]string{
	CacheCorrupted:        "run `clean` to discard the local cache and rebuild from scratch",
	GraphCycle:            "inspect the reported cycle path and remove one of the edges",
	CircularDependency:    "inspect the reported cycle path and remove one of the edges",
	MissingCompiler:       "install the language toolchain referenced by the failing target",
	NoAvailableWorkers:    "check worker health with the distributed coordinator's registry dump",
	StaleCheckpoint:       "discard the checkpoint and start a fresh build",
	InvalidSpec:           "fix the sandbox spec (disjoint inputs/outputs, valid resource limits) and retry",
	ResourceLimitExceeded: "the action exceeded a configured resource limit; raise the limit or fix the action",
}

// Frame is one entry in an Error's context chain, accumulated as the error
// propagates up through calling operations.
type Frame struct {
	Op       string // the operation being attempted, e.g. "cache.Lookup"
	Details  string // operation-specific detail, e.g. "fingerprint=deadbeef"
	Location string // file:line, filled in by WithLocation at the call site
}

// Error is the taxonomy-tagged error type returned by fallible operations.
// It carries a Category, a stable Code, a primary message, and a context
// chain of Frames accumulated via Wrap.
type Error struct {
	Code    Code
	Message string
	Frames  []Frame
	cause   error
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a context Frame to err, creating a new *Error if err is not
// already one (defaulting to InternalError), or appending to the existing
// chain otherwise. The original error is preserved as the cause for errors.Is
// / errors.As interoperability via golang.org/x/xerrors.
func Wrap(err error, op, details string) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if xerrors.As(err, &fe) {
		clone := *fe
		clone.Frames = append(append([]Frame{}, fe.Frames...), Frame{Op: op, Details: details})
		return &clone
	}
	return &Error{
		Code:    InternalError,
		Message: err.Error(),
		Frames:  []Frame{{Op: op, Details: details}},
		cause:   err,
	}
}

func (e *Error) Category() Category {
	if c, ok := categoryOf[e.Code]; ok {
		return c
	}
	return CategoryInternal
}

func (e *Error) Unwrap() error { return e.cause }

// Error renders innermost-to-outermost, matching spec §7's formatting rule:
// category tag, code, primary message, then the context chain indented.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%d] %s", e.Category(), e.Code, e.Message)
	for i, f := range e.Frames {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("  ", i+1))
		fmt.Fprintf(&b, "while %s", f.Op)
		if f.Details != "" {
			fmt.Fprintf(&b, " (%s)", f.Details)
		}
		if f.Location != "" {
			fmt.Fprintf(&b, " at %s", f.Location)
		}
	}
	if s, ok := suggestions[e.Code]; ok {
		fmt.Fprintf(&b, "\nsuggestion: %s", s)
	}
	return b.String()
}

// Is supports errors.Is(err, SomeCode) style comparisons by code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}
