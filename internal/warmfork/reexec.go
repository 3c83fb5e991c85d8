// This file implements the self-reexec technique the ordered child
// setup requires: Go's runtime cannot safely call a bare fork() once
// multiple OS threads exist, so the parent forks+execs its own binary
// (/proc/self/exe) with a sentinel argv, and this file's MaybeRunChild
// is the very first thing cmd/judgeworker's main() calls. If the
// sentinel is present, the ordered setup (cgroup join, stdio redirect,
// setsid, env scrub, no_new_privs, rlimits, seccomp, closefds) runs and
// then syscall.Exec replaces the process image with the configured
// Python interpreter — this call never returns. This mirrors the
// reexec pattern used by runc/moby to work around the same fork()
// constraint; no teacher-pack repo shows it directly (see DESIGN.md).
package warmfork

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const childSentinelArg = "__warmfork_child__"
const envChildSpec = "WARMFORK_CHILD_SPEC"

// childSpec is the ordered-setup configuration passed from parent to
// re-exec'd child via a single JSON-encoded environment variable (the
// parent's environment is about to be scrubbed anyway, so nothing of
// the caller's process leaks through this channel).
type childSpec struct {
	CgroupPath        string   `json:"cgroup_path"`
	EnableCgroup      bool     `json:"enable_cgroup"`
	EnableNoNewPrivs  bool     `json:"enable_no_new_privs"`
	EnableSeccomp     bool     `json:"enable_seccomp"`
	SeccompFailClosed bool     `json:"seccomp_fail_closed"`
	DenyFilesystem    bool     `json:"deny_filesystem"`
	ClearEnv          bool     `json:"clear_env"`
	Passthroughs      []string `json:"passthroughs"`
	CPUSeconds        int      `json:"cpu_seconds"`
	MemoryMB          int      `json:"memory_mb"`
	FsizeKB           int      `json:"fsize_kb"`
	ProcessLimit      int      `json:"process_limit"`
	ChildNofile       int      `json:"child_nofile"`
	PythonBin         string   `json:"python_bin"`
	ScriptPath        string   `json:"script_path"` // a -c script, staged via argv at exec time
}

// IsChildReexec reports whether this process invocation is the
// sentinel re-exec, so cmd/judgeworker's main can branch before doing
// anything else.
func IsChildReexec(args []string) bool {
	return len(args) > 1 && args[1] == childSentinelArg
}

// MaybeRunChild performs the ordered setup and execs the interpreter.
// It never returns when the sentinel is present; callers should invoke
// it unconditionally as the first statement in main().
func MaybeRunChild(args []string) {
	if !IsChildReexec(args) {
		return
	}
	if err := runChildSetup(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", infraMarker, err)
		os.Exit(70) // EX_SOFTWARE
	}
	// runChildSetup only returns on success by calling syscall.Exec,
	// which does not return to Go code at all. Reaching here is a bug.
	os.Exit(70)
}

func runChildSetup() error {
	raw := os.Getenv(envChildSpec)
	var spec childSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return fmt.Errorf("decode child spec: %w", err)
	}

	// Step 1: join cgroup. Must happen before no_new_privs (step 5)
	// because seccomp would otherwise block the required file writes.
	if spec.EnableCgroup && spec.CgroupPath != "" {
		cg := &cgroup{path: spec.CgroupPath}
		if err := cg.join(os.Getpid()); err != nil {
			return fmt.Errorf("join cgroup: %w", err)
		}
	}

	// Step 2: stdio redirect. fd 0/1/2 are already arranged by the
	// parent's ForkExec Files slice before this process image started,
	// so there is nothing further to dup2 here — the parent passes
	// /dev/null and its pipe write ends directly as fds 0/1/2.

	// Step 3: new session.
	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("setsid: %w", err)
	}

	// Step 4: environment scrub.
	env := []string{}
	if spec.ClearEnv {
		env = scrubbedEnv(spec.Passthroughs)
	} else {
		env = os.Environ()
	}
	unix.Umask(0o077)

	// Step 5: no new privs.
	if spec.EnableNoNewPrivs {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("PR_SET_NO_NEW_PRIVS: %w", err)
		}
	}

	// Step 6: resource limits.
	plan := rlimitPlan(spec.CPUSeconds, spec.MemoryMB, spec.FsizeKB, spec.ProcessLimit, spec.ChildNofile)
	if err := applyAllRlimits(plan); err != nil {
		return fmt.Errorf("apply rlimits: %w", err)
	}

	// Step 7: seccomp.
	if spec.EnableSeccomp {
		if err := installSeccompFilter(denySyscalls(spec.DenyFilesystem), spec.SeccompFailClosed); err != nil {
			return fmt.Errorf("install seccomp filter: %w", err)
		}
	}

	// Step 8: close fds above the three stdio descriptors.
	if err := unix.CloseRange(3, closeRangeMax(), 0); err != nil {
		// Not fatal by itself: fall back to a best-effort loop when the
		// kernel doesn't support close_range.
		closeFdsFallback(3, closeRangeMax())
	}

	// Step 9: execute the harness with user code and test config
	// injected as literal Python source built into ScriptPath's argv,
	// never read back off disk — satisfies the filesystem-deny profile.
	argv := []string{spec.PythonBin, "-I", "-c", spec.ScriptPath}
	return unix.Exec(spec.PythonBin, argv, env)
}

func closeRangeMax() uint {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil || rlim.Cur == 0 {
		return 65536
	}
	if rlim.Cur > 65536 {
		return 65536
	}
	return uint(rlim.Cur)
}

func closeFdsFallback(low, high uint) {
	for fd := low; fd < high; fd++ {
		unix.Close(int(fd))
	}
}
