package warmfork

import (
	"fmt"
	"strings"

	"github.com/judge/judge/internal/harness"
)

// Verdict is the outcome of one warm-fork job, mirroring
// internal/isolate.Verdict so the dispatch loop can treat either
// executor uniformly. Status only carries a terminal job status when
// the child itself failed (OOM/TLE/signal/non-zero exit); once
// HarnessResults is set, the dispatch loop aggregates the real
// per-case status (including Wrong Answer) from those results instead,
// per spec §3 — Status is not consulted in that case.
type Verdict struct {
	Status         string
	IsInternal     bool
	Error          string
	HarnessResults []harness.CaseResult
}

const outputCapBytes = 2 * 1024 * 1024

// childOutcome is the parent's observation of one finished (or killed)
// child, collected by Executor.wait before classification.
type childOutcome struct {
	oomKilled      bool
	deadlineFired  bool
	outputCapHit   bool
	exited         bool
	exitCode       int
	signaled       bool
	signal         int
	stderrHasInfra bool
	stdout         []byte
}

const infraMarker = "__warmfork_infra_error__"

// classify implements spec §4.F's verdict table, evaluated top to
// bottom exactly as listed there.
func classify(o childOutcome) (*Verdict, error) {
	if o.oomKilled {
		return &Verdict{Status: "Memory Limit Exceeded", IsInternal: false, Error: "memory limit exceeded"}, nil
	}
	if o.deadlineFired {
		return &Verdict{Status: "Time Limit Exceeded", IsInternal: false, Error: "time limit exceeded"}, nil
	}
	if o.signaled {
		return &Verdict{
			Status:     "Runtime Error",
			IsInternal: false,
			Error:      fmt.Sprintf("killed by signal (exit %d)", 128+o.signal),
		}, nil
	}
	if o.outputCapHit {
		return &Verdict{Status: "Runtime Error", IsInternal: false, Error: "Output Limit Exceeded"}, nil
	}
	if o.exited && o.exitCode != 0 {
		if o.stderrHasInfra {
			return &Verdict{Status: "Runtime Error", IsInternal: true, Error: "sandbox infrastructure error"}, nil
		}
		return &Verdict{Status: "Runtime Error", IsInternal: false, Error: fmt.Sprintf("exited with status %d", o.exitCode)}, nil
	}

	results, err := harness.ParseResults(o.stdout)
	if err != nil {
		return &Verdict{Status: "Runtime Error", IsInternal: true, Error: "unparseable harness output"}, nil
	}
	// Per-case outcome aggregation (Accepted/Wrong Answer/Runtime Error)
	// happens in the dispatch loop from results; Status is unused here.
	return &Verdict{HarnessResults: results}, nil
}

func hasInfraMarker(stderr string) bool {
	return strings.Contains(stderr, infraMarker)
}
