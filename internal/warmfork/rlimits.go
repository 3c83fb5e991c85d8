package warmfork

import "golang.org/x/sys/unix"

// limitSpec names one resource limit the ordered child setup applies
// (spec §4.F step 6).
type limitSpec struct {
	resource int
	soft     uint64
}

// rlimitPlan builds the ordered set of limits to apply for a job with
// the given memory/time budget, matching the fixed set spec §4.F names:
// RLIMIT_CPU, RLIMIT_AS, RLIMIT_FSIZE, RLIMIT_NPROC, RLIMIT_NOFILE,
// RLIMIT_CORE=0.
func rlimitPlan(cpuSeconds, memoryMB, fsizeKB, processLimit, nofile int) []limitSpec {
	return []limitSpec{
		{unix.RLIMIT_CPU, uint64(cpuSeconds)},
		{unix.RLIMIT_AS, uint64(memoryMB) * 1024 * 1024},
		{unix.RLIMIT_FSIZE, uint64(fsizeKB) * 1024},
		{unix.RLIMIT_NPROC, uint64(processLimit)},
		{unix.RLIMIT_NOFILE, uint64(nofile)},
		{unix.RLIMIT_CORE, 0},
	}
}

// clampToHard takes the resource's current hard limit and returns the
// soft value to actually request: the requested value if it fits under
// the hard limit, otherwise the hard limit itself. Matches spec §4.F's
// "each setter first reads the current hard limit and clamps to it."
func clampToHard(requested, hard uint64) uint64 {
	if hard != unix.RLIM_INFINITY && requested > hard {
		return hard
	}
	return requested
}

// applyRlimit sets resource to soft (clamped against the current hard
// limit), retrying with soft-only if raising both simultaneously fails
// — the fallback spec §4.F calls for when soft=hard cannot be set at
// once.
func applyRlimit(resource int, requested uint64) error {
	var cur unix.Rlimit
	if err := unix.Getrlimit(resource, &cur); err != nil {
		return err
	}
	soft := clampToHard(requested, cur.Max)

	rlim := unix.Rlimit{Cur: soft, Max: soft}
	if err := unix.Setrlimit(resource, &rlim); err == nil {
		return nil
	}

	// Retry raising only the soft limit, leaving Max as reported.
	rlim = unix.Rlimit{Cur: soft, Max: cur.Max}
	return unix.Setrlimit(resource, &rlim)
}

// applyAllRlimits applies every limit in plan, in order, returning the
// first error encountered (spec §4.F: "any required limit that cannot
// be set aborts the child with an infrastructure-error marker").
func applyAllRlimits(plan []limitSpec) error {
	for _, spec := range plan {
		if err := applyRlimit(spec.resource, spec.soft); err != nil {
			return err
		}
	}
	return nil
}
