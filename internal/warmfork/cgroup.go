package warmfork

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// cgroup wraps one cgroup v2 job directory under the worker's parent
// cgroup, per spec §4.F step 1.
type cgroup struct {
	path string
}

// newJobCgroup creates <parentCgroup>/job-<n>, sets memory.max and
// pids.max, and returns a handle for joining/reading it. Must be called
// before the child sets no_new_privs (spec §4.F: "later seccomp rules
// will block the required file writes").
func newJobCgroup(parentCgroup string, jobNumber int, memoryMB, processLimit int) (*cgroup, error) {
	path := filepath.Join(parentCgroup, fmt.Sprintf("job-%d", jobNumber))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("warmfork: create cgroup %s: %w", path, err)
	}

	memMax := int64(memoryMB) * 1024 * 1024
	if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatInt(memMax, 10)), 0o644); err != nil {
		return nil, fmt.Errorf("warmfork: set memory.max: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "pids.max"), []byte(strconv.Itoa(processLimit)), 0o644); err != nil {
		return nil, fmt.Errorf("warmfork: set pids.max: %w", err)
	}
	return &cgroup{path: path}, nil
}

// join writes pid into cgroup.procs.
func (c *cgroup) join(pid int) error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
}

// oomKilled reports whether memory.events recorded an oom_kill, per
// spec §4.F's verdict table.
func (c *cgroup) oomKilled() (bool, error) {
	f, err := os.Open(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return false, err
			}
			return n > 0, nil
		}
	}
	return false, scanner.Err()
}

// remove tears down the job cgroup directory once the child has exited
// and the cgroup is empty.
func (c *cgroup) remove() error {
	return os.Remove(c.path)
}
