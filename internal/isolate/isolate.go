// Package isolate implements the isolate-based executor (spec §4.E):
// init/stage/run/classify/cleanup around the external `isolate` sandbox
// binary, grounded on the meta-state classification table of spec §4.E
// and on worker.py's _derive_isolate_box_id for box numbering. Shells
// out via os/exec since isolate is a real external binary — there is no
// library in the pack that wraps arbitrary sandbox CLI invocation.
package isolate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/judge/judge/internal/harness"
)

// Config is the fixed, per-executor configuration (spec §4.E).
type Config struct {
	Executable      string
	BoxID           int
	UseCgroups      bool
	ProcessLimit    int
	WallTimeExtraS  int
	TimeoutGraceS   int
	FsizeKB         int
	RuntimeDir      string // shared dir holding the ensure-once harness copy
}

// Verdict is the sandbox-level outcome the executor hands back to the
// dispatch loop. Status only carries a terminal job status (Time Limit
// Exceeded, Memory Limit Exceeded, Runtime Error) when the box itself
// failed to produce harness output; once HarnessResults is set, the
// dispatch loop derives the real per-case-aggregated status (which can
// be Wrong Answer) from those results instead, per spec §3 — Status is
// not consulted in that case.
type Verdict struct {
	Status         string
	IsInternal     bool
	Error          string
	HarnessResults []harness.CaseResult
}

// Executor runs jobs against a single reserved isolate box.
type Executor struct {
	cfg Config

	mu sync.Mutex // serializes ensureHarness's write-to-tmp+rename
}

func New(cfg Config) *Executor {
	return &Executor{cfg: cfg}
}

// ParseWorkerIndex extracts the worker ordinal from the trailing run of
// digits in a consumer name (spec §6: "Consumer name must end in a
// digit that identifies the worker index"), e.g. "worker-torch-3" → 3.
func ParseWorkerIndex(consumer string) (int, error) {
	i := len(consumer)
	for i > 0 && consumer[i-1] >= '0' && consumer[i-1] <= '9' {
		i--
	}
	if i == len(consumer) {
		return 0, fmt.Errorf("isolate: consumer name %q must end in a digit", consumer)
	}
	return strconv.Atoi(consumer[i:])
}

// DeriveBoxID implements worker.py's _derive_isolate_box_id: light
// workers occupy 1..49, torch workers occupy 51..99, indexed by a
// worker ordinal parsed from the consumer name's trailing digits.
func DeriveBoxID(profile string, workerIndex int) (int, error) {
	switch profile {
	case "light":
		if workerIndex < 0 || workerIndex > 48 {
			return 0, fmt.Errorf("isolate: worker index %d out of range for light profile (0..48)", workerIndex)
		}
		return 1 + workerIndex, nil
	case "torch":
		if workerIndex < 0 || workerIndex > 48 {
			return 0, fmt.Errorf("isolate: worker index %d out of range for torch profile (0..48)", workerIndex)
		}
		return 51 + workerIndex, nil
	default:
		return 0, fmt.Errorf("isolate: unsupported profile for box id mapping: %s", profile)
	}
}

func (e *Executor) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Executable, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// initBox runs isolate --init for this box, retrying once via --cleanup
// on transient failure, and returns the box's working path.
func (e *Executor) initBox(ctx context.Context) (string, error) {
	boxArg := fmt.Sprintf("--box-id=%d", e.cfg.BoxID)
	out, err := e.run(ctx, boxArg, "--init")
	if err != nil {
		_, _ = e.run(ctx, boxArg, "--cleanup")
		out, err = e.run(ctx, boxArg, "--init")
		if err != nil {
			return "", fmt.Errorf("isolate: init box %d failed: %w", e.cfg.BoxID, err)
		}
	}
	boxPath := strings.TrimSpace(out)
	if boxPath == "" {
		return "", fmt.Errorf("isolate: init box %d returned empty path", e.cfg.BoxID)
	}
	return boxPath, nil
}

func (e *Executor) cleanupBox(ctx context.Context) {
	boxArg := fmt.Sprintf("--box-id=%d", e.cfg.BoxID)
	_, _ = e.run(ctx, boxArg, "--cleanup")
}

// ensureHarness writes the embedded harness source into the shared
// runtime dir exactly once, via write-to-tmp + atomic rename, so
// concurrent boxes staging the same binary never race each other or
// see a partial file (spec §5's "Harness runtime dir" invariant).
func (e *Executor) ensureHarness() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dest := filepath.Join(e.cfg.RuntimeDir, "harness.py")
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(e.cfg.RuntimeDir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(e.cfg.RuntimeDir, "harness-*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(harness.Source); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dest, nil
}

// Run executes one job: code under test against the harness's
// test_config.json, inside this executor's reserved box, returning a
// classified Verdict.
func (e *Executor) Run(ctx context.Context, code string, cfg *harness.TestConfig, timeLimitS, memoryMB int) (*Verdict, error) {
	boxPath, err := e.initBox(ctx)
	if err != nil {
		return nil, err
	}
	defer e.cleanupBox(ctx)

	harnessPath, err := e.ensureHarness()
	if err != nil {
		return nil, fmt.Errorf("isolate: ensure harness: %w", err)
	}

	if err := os.WriteFile(filepath.Join(boxPath, "box", "main.py"), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("isolate: stage main.py: %w", err)
	}
	configJSON, err := marshalConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(boxPath, "box", "test_config.json"), configJSON, 0o644); err != nil {
		return nil, fmt.Errorf("isolate: stage test_config.json: %w", err)
	}

	metaPath := filepath.Join(boxPath, "meta.txt")
	wallTime := timeLimitS + e.cfg.WallTimeExtraS

	args := []string{
		fmt.Sprintf("--box-id=%d", e.cfg.BoxID),
		fmt.Sprintf("--time=%d", timeLimitS),
		fmt.Sprintf("--wall-time=%d", wallTime),
		fmt.Sprintf("--mem=%d", memoryMB*1024),
		fmt.Sprintf("--fsize=%d", e.cfg.FsizeKB),
		fmt.Sprintf("--processes=%d", e.cfg.ProcessLimit),
		fmt.Sprintf("--meta=%s", metaPath),
		"--dir=" + harnessDir(harnessPath) + ":ro",
		"--stdout=stdout.txt",
		"--stderr=stderr.txt",
	}
	if e.cfg.UseCgroups {
		args = append(args, "--cg", fmt.Sprintf("--cg-mem=%d", memoryMB*1024))
	}
	args = append(args, "--run", "--", "/usr/bin/python3", "-I", harnessPath)

	deadline := time.Duration(wallTime+e.cfg.TimeoutGraceS) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	_, _ = e.run(runCtx, args...)

	stdout, _ := os.ReadFile(filepath.Join(boxPath, "box", "stdout.txt"))
	meta, metaErr := parseMeta(metaPath)

	return classify(meta, metaErr, stdout)
}

func harnessDir(harnessPath string) string {
	return filepath.Dir(harnessPath)
}

func marshalConfig(cfg *harness.TestConfig) ([]byte, error) {
	return json.Marshal(cfg)
}

// meta holds the parsed key/value lines of isolate's --meta file.
type meta struct {
	status      string
	cgOOMKilled int
	exitCode    int
	present     bool
}

func parseMeta(path string) (meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return meta{}, err
	}
	defer f.Close()

	m := meta{present: true}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		switch key {
		case "status":
			m.status = value
		case "cg-oom-killed":
			n, _ := strconv.Atoi(value)
			m.cgOOMKilled = n
		case "exitcode":
			n, _ := strconv.Atoi(value)
			m.exitCode = n
		}
	}
	return m, scanner.Err()
}

// classify implements spec §4.E's meta-state mapping table.
func classify(m meta, metaErr error, stdout []byte) (*Verdict, error) {
	if metaErr != nil || !m.present {
		return &Verdict{Status: "Runtime Error", IsInternal: true, Error: "sandbox meta file missing"}, nil
	}
	if m.status == "TO" {
		return &Verdict{Status: "Time Limit Exceeded", IsInternal: false, Error: "time limit exceeded"}, nil
	}
	if m.cgOOMKilled != 0 {
		return &Verdict{Status: "Memory Limit Exceeded", IsInternal: false, Error: "memory limit exceeded"}, nil
	}
	if m.status == "XX" {
		return &Verdict{Status: "Runtime Error", IsInternal: true, Error: "sandbox internal error (XX)"}, nil
	}
	if m.exitCode != 0 {
		return &Verdict{Status: "Runtime Error", IsInternal: false, Error: fmt.Sprintf("exited with status %d", m.exitCode)}, nil
	}

	results, err := harness.ParseResults(stdout)
	if err != nil {
		return &Verdict{Status: "Runtime Error", IsInternal: true, Error: "unparseable harness output"}, nil
	}
	// Per-case outcome aggregation (Accepted/Wrong Answer/Runtime Error)
	// happens in the dispatch loop from results; Status is unused here.
	return &Verdict{HarnessResults: results}, nil
}
