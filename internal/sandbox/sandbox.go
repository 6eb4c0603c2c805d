// Package sandbox runs one build action hermetically inside Linux
// namespaces (spec §4.4): a fresh mount namespace and a user namespace
// mapping the invoking user to container-root. Run makes no mounts inside
// the new mount namespace, so the action sees the host filesystem as is;
// no read-only dependency view is set up.
//
// Grounded on internal/build.Ctx.Build's re-exec-with-SysProcAttr dance and
// userns.go's usernsError diagnostics, generalized from one hardcoded
// CLONE_NEWNS|CLONE_NEWUSER re-exec of os.Args[0] into a reusable Spec value
// any handler can populate and hand to Run.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/result"
)

// NetworkPolicy controls whether a sandboxed action may reach the network.
type NetworkPolicy int

const (
	// NetworkNone isolates the action into its own empty network namespace
	// (CLONE_NEWNET): no interfaces besides loopback.
	NetworkNone NetworkPolicy = iota
	// NetworkHost leaves the host's network namespace untouched, for the
	// rare action that legitimately needs outbound access (e.g. a
	// dependency fetch step explicitly marked as such).
	NetworkHost
)

// PathSet is an unordered collection of filesystem paths, compared after
// filepath.Clean so "a/b" and "a/b/" are treated as the same path.
type PathSet []string

func (ps PathSet) cleaned() map[string]bool {
	out := make(map[string]bool, len(ps))
	for _, p := range ps {
		out[filepath.Clean(p)] = true
	}
	return out
}

// disjoint reports whether ps and other share no path (spec §4.5: "inputs.paths
// / outputs.paths: disjoint path sets").
func (ps PathSet) disjoint(other PathSet) bool {
	a := ps.cleaned()
	for p := range other.cleaned() {
		if a[p] {
			return false
		}
	}
	return true
}

// Resources bounds one sandboxed invocation's consumption (spec §4.5
// `resources`). A zero field means "no limit enforced" for that dimension.
type Resources struct {
	MaxMemoryBytes   int64
	MaxCPUTimeMs     int64
	MaxWallTimeMs    int64
	MaxProcesses     int64
	MaxFileSizeBytes int64
}

// Determinism controls the nondeterminism scan (spec §4.5 `determinism`).
type Determinism struct {
	Enabled              bool
	SourceDateEpoch      int64
	PathRemaps           map[string]string
	StrictTimestampCheck bool
}

// Spec describes one sandboxed invocation.
type Spec struct {
	Argv    []string
	Env     []string
	Dir     string
	Network NetworkPolicy

	// Inputs and Outputs are the path sets Runner MUST #1 requires be
	// disjoint; Run rejects a Spec where they overlap. Run does not restrict
	// the action's reads to Inputs or its writes to Outputs.
	Inputs  PathSet
	Outputs PathSet

	Resources   Resources
	Determinism Determinism

	// UID/GID the namespace's root (container id 0) maps to on the host.
	HostUID, HostGID int

	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// Result carries the outcome of a sandboxed run (spec §4.5 Runner contract:
// "{status, exitCode, duration, stdout, stderr, resourceUsage,
// outputArtifacts}").
type Result struct {
	ExitCode int
	Duration time.Duration

	// OutputArtifacts lists the paths under spec.Outputs that existed after
	// the run completed.
	OutputArtifacts []string

	// NondeterminismWarnings is populated only when spec.Determinism.Enabled
	// is set (Runner MUST #3).
	NondeterminismWarnings []NondeterminismWarning

	// LimitExceeded is true when the run was terminated by one of
	// spec.Resources' limits rather than exiting on its own.
	LimitExceeded bool
}

// Run executes spec inside fresh mount and user namespaces (and, when
// spec.Network is NetworkNone, a fresh network namespace), blocking until
// the child exits or ctx is canceled.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, xerrors.New("sandbox: empty argv")
	}
	if !spec.Inputs.disjoint(spec.Outputs) {
		return Result{}, result.New(result.InvalidSpec, "sandbox: inputs and outputs path sets are not disjoint")
	}

	runCtx := ctx
	if spec.Resources.MaxWallTimeMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.Resources.MaxWallTimeMs)*time.Millisecond)
		defer cancel()
	}

	cloneflags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER)
	if spec.Network == NetworkNone {
		cloneflags |= syscall.CLONE_NEWNET
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneflags,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: spec.HostUID, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: spec.HostGID, Size: 1},
		},
	}

	start := time.Now()
	err := runWithRlimits(spec.Resources, cmd)
	duration := time.Since(start)

	res := Result{Duration: duration}
	if err != nil {
		var exitErr *exec.ExitError
		if errorsAs(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.LimitExceeded = limitExceeded(runCtx, exitErr)
			if res.LimitExceeded {
				return res, result.New(result.ResourceLimitExceeded, "sandbox: %v", annotate(err))
			}
			return res, annotate(err)
		}
		return res, annotate(err)
	}

	res.OutputArtifacts = existingPaths(spec.Outputs)
	if spec.Determinism.Enabled {
		for _, out := range spec.Outputs {
			warnings, werr := ScanForNondeterminism(out)
			if werr != nil {
				continue
			}
			res.NondeterminismWarnings = append(res.NondeterminismWarnings, warnings...)
		}
	}
	return res, nil
}

// runWithRlimits applies r as the process's resource limits for the
// duration of cmd.Start, so the limits are inherited by the child at fork
// time (Rlimit MUST #4) without permanently changing this process' own
// limits. The rlimit dance only covers the calling OS thread, so it locks
// the goroutine to one for as long as it takes to fork.
func runWithRlimits(r Resources, cmd *exec.Cmd) error {
	limits := rlimitsFor(r)
	if len(limits) == 0 {
		return cmd.Run()
	}

	runtime.LockOSThread()

	saved := make(map[int]unix.Rlimit, len(limits))
	for res, lim := range limits {
		var cur unix.Rlimit
		if err := unix.Getrlimit(res, &cur); err != nil {
			continue
		}
		saved[res] = cur
		_ = unix.Setrlimit(res, &unix.Rlimit{Cur: lim, Max: lim})
	}
	err := cmd.Start()
	for res, cur := range saved {
		cur := cur
		_ = unix.Setrlimit(res, &cur)
	}
	runtime.UnlockOSThread()
	if err != nil {
		return err
	}
	return cmd.Wait()
}

func rlimitsFor(r Resources) map[int]uint64 {
	out := make(map[int]uint64)
	if r.MaxMemoryBytes > 0 {
		out[unix.RLIMIT_AS] = uint64(r.MaxMemoryBytes)
	}
	if r.MaxCPUTimeMs > 0 {
		out[unix.RLIMIT_CPU] = uint64((r.MaxCPUTimeMs + 999) / 1000)
	}
	if r.MaxProcesses > 0 {
		out[unix.RLIMIT_NPROC] = uint64(r.MaxProcesses)
	}
	if r.MaxFileSizeBytes > 0 {
		out[unix.RLIMIT_FSIZE] = uint64(r.MaxFileSizeBytes)
	}
	return out
}

// limitExceeded reports whether exitErr reflects termination by one of the
// rlimits applied in runWithRlimits (SIGXCPU/SIGXFSZ/SIGKILL from fork
// failure) or by runCtx's wall-time deadline.
func limitExceeded(runCtx context.Context, exitErr *exec.ExitError) bool {
	if runCtx.Err() == context.DeadlineExceeded {
		return true
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return false
	}
	switch status.Signal() {
	case syscall.SIGXCPU, syscall.SIGXFSZ, syscall.SIGKILL:
		return true
	default:
		return false
	}
}

func existingPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func annotate(err error) error {
	if suggestion := usernsError(); suggestion != "" {
		return xerrors.Errorf("sandbox run failed: %w\n\n%s", err, suggestion)
	}
	return xerrors.Errorf("sandbox run failed: %w", err)
}

// errorsAs avoids importing errors solely for this one call site used in a
// file that otherwise sticks to xerrors for wrapping.
func errorsAs(err error, target **exec.ExitError) bool {
	for err != nil {
		if e, ok := err.(*exec.ExitError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// usernsError inspects the host for the common reasons unprivileged user
// namespaces fail to be created, and returns an actionable suggestion (or ""
// if nothing looks wrong).
func usernsError() string {
	var runningInContainer bool
	if b, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		if strings.Contains(string(b), "docker") || strings.Contains(string(b), "kubepods") {
			runningInContainer = true
		}
	}

	var fixes []string
	if b, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		if val := strings.TrimSpace(string(b)); val != "1" {
			fixes = append(fixes, "sysctl -w kernel.unprivileged_userns_clone=1")
		}
	}
	if b, err := os.ReadFile("/proc/sys/user/max_user_namespaces"); err == nil {
		if val := strings.TrimSpace(string(b)); val == "0" {
			fixes = append(fixes, "sysctl -w user.max_user_namespaces=1000")
		}
	}
	if len(fixes) == 0 {
		return ""
	}
	suggestion := strings.Join(fixes, "\n")
	if runningInContainer {
		return fmt.Sprintf("On the container host (not inside this container), try:\n%s", suggestion)
	}
	return fmt.Sprintf("try:\n%s", suggestion)
}
