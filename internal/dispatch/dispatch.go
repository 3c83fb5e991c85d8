// Package dispatch implements the worker's main loop (spec §4.G):
// ensure the consumer group, periodically autoclaim stale deliveries,
// block-read fresh ones, and run each entry through mark_running →
// execute → mark_done/mark_error → ack-and-delete. Grounded on
// jobs/jobmanager.go's Run() loop shape (fetch → process-each-row →
// summarize) and original_source/judge/src/judge/worker.py's
// process_entry closure and main loop for the exact per-entry control
// flow.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/judge/judge/internal/harness"
	"github.com/judge/judge/internal/metrics"
	"github.com/judge/judge/internal/problems"
	"github.com/judge/judge/internal/queue"
	"github.com/judge/judge/internal/results"
)

// Verdict is the executor-agnostic outcome dispatch consumes: both
// internal/isolate.Verdict and internal/warmfork.Verdict convert to it
// directly since their field sets are identical.
type Verdict struct {
	Status         string
	IsInternal     bool
	Error          string
	HarnessResults []harness.CaseResult
}

// Executor runs one job's code against its test config and returns the
// sandbox-level outcome (isolate or warm-fork, selected by wiring).
type Executor interface {
	Run(ctx context.Context, code string, cfg *harness.TestConfig, timeLimitS, memoryMB int) (*Verdict, error)
}

// ErrNeedsRecycle is returned by Run once the wrapped executor reports
// it has reached its job limit (spec §4.F "Recycling"); the caller
// should exit so its supervisor can start a fresh worker process.
var ErrNeedsRecycle = errors.New("dispatch: executor needs recycle")

// Recyclable is implemented by executor adapters whose underlying
// executor tracks a job count and can signal it should be torn down.
type Recyclable interface {
	NeedsRecycle() bool
}

// Loop is one worker process's dispatch loop. Single-threaded by
// construction (spec §5): exactly one goroutine should call Run.
type Loop struct {
	Queue    *queue.Queue
	Results  *results.Store
	Problems *problems.Store
	Executor Executor
	Metrics  *metrics.Judge
	Logger   *logharbour.Logger

	Stream           string
	Group            string
	Consumer         string
	BlockMS          int
	ReclaimInterval  time.Duration
	ReclaimMinIdleMS int64
	ReclaimCount     int
	MaxOutputChars   int
}

// Run blocks until ctx is cancelled, processing entries one at a time.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Queue.EnsureGroup(ctx, l.Stream, l.Group); err != nil {
		return err
	}

	lastReclaim := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastReclaim) > l.ReclaimInterval {
			reclaimed, err := l.Queue.Autoclaim(ctx, l.Stream, l.Group, l.Consumer, l.ReclaimMinIdleMS, l.ReclaimCount)
			if err != nil {
				l.Logger.Error(err).LogActivity("autoclaim failed", map[string]any{"stream": l.Stream, "group": l.Group})
			}
			for _, entry := range reclaimed {
				l.processEntry(ctx, entry)
				if l.needsRecycle() {
					return ErrNeedsRecycle
				}
			}
			lastReclaim = time.Now()
		}

		entry, err := l.Queue.Read(ctx, l.Stream, l.Group, l.Consumer, l.BlockMS)
		if err != nil {
			l.Logger.Error(err).LogActivity("queue read failed", map[string]any{"stream": l.Stream})
			continue
		}
		if entry == nil {
			continue
		}
		l.processEntry(ctx, *entry)
		if l.needsRecycle() {
			return ErrNeedsRecycle
		}
	}
}

func (l *Loop) needsRecycle() bool {
	r, ok := l.Executor.(Recyclable)
	return ok && r.NeedsRecycle()
}

// processEntry implements spec §4.G steps 3-7 for one delivered
// message, matching worker.py's process_entry closure.
func (l *Loop) processEntry(ctx context.Context, entry queue.Entry) {
	msg := entry.Message

	if msg.JobID == "" || msg.ProblemID == "" {
		_ = l.Queue.AckAndDelete(ctx, l.Stream, l.Group, entry.ID)
		return
	}

	createdAt := parseCreatedAt(msg.CreatedAt)
	profile := msg.Profile
	if profile == "" {
		profile = "unknown"
	}

	l.Metrics.JobStarted(profile, msg.Kind)
	l.Metrics.ObserveQueueWait(profile, createdAt)
	start := time.Now()

	status := "error"
	errorKind := "internal"
	persisted := true

	func() {
		now := time.Now()
		touched, err := l.Results.MarkRunning(ctx, msg.JobID, now)
		if err != nil {
			l.Logger.Error(err).LogActivity("mark_running failed", map[string]any{"job_id": msg.JobID})
			return
		}
		if !touched {
			// Already terminal: a previous delivery finished this job.
			status = "done"
			errorKind = "none"
			return
		}

		if msg.Kind != "run" && msg.Kind != "submit" {
			persisted = l.persistError(ctx, msg.JobID, "invalid job kind: "+msg.Kind, results.ErrorKindInternal)
			errorKind = "internal"
			return
		}

		problem, err := l.Problems.Load(msg.ProblemID)
		if err != nil {
			persisted = l.persistError(ctx, msg.JobID, "problem not found: "+err.Error(), results.ErrorKindInternal)
			errorKind = "internal"
			return
		}

		includeHidden := msg.Kind == "submit"
		cfg, err := harness.BuildTestConfig(problem, includeHidden)
		if err != nil {
			persisted = l.persistError(ctx, msg.JobID, "invalid problem test config: "+err.Error(), results.ErrorKindInternal)
			errorKind = "internal"
			return
		}

		verdict, err := l.Executor.Run(ctx, msg.Code, cfg, problem.TimeLimitS, problem.MemoryMB)
		if err != nil {
			persisted = l.persistError(ctx, msg.JobID, "executor error: "+err.Error(), results.ErrorKindInternal)
			errorKind = "internal"
			return
		}

		if verdict.HarnessResults == nil {
			kind := results.ErrorKindUser
			if verdict.IsInternal {
				kind = results.ErrorKindInternal
			}
			persisted = l.persistError(ctx, msg.JobID, verdict.Error, kind)
			errorKind = string(kind)
			return
		}

		detailMode := harness.DetailModeAll
		if msg.Kind == "submit" {
			detailMode = harness.DetailModeFirstFailure
		}
		result := buildResult(verdict.HarnessResults, l.MaxOutputChars, detailMode)
		resultJSON, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			persisted = l.persistError(ctx, msg.JobID, "failed to encode result: "+marshalErr.Error(), results.ErrorKindInternal)
			errorKind = "internal"
			return
		}
		if _, err := l.Results.MarkDone(ctx, msg.JobID, resultJSON, time.Now()); err != nil {
			l.Logger.Error(err).LogActivity("mark_done failed", map[string]any{"job_id": msg.JobID})
			return
		}
		status = "done"
		errorKind = "none"
	}()

	l.Metrics.ObserveJobDuration(profile, time.Since(start))
	l.Metrics.JobFinished(profile, status, errorKind)

	if !persisted {
		return
	}
	if err := l.Queue.AckAndDelete(ctx, l.Stream, l.Group, entry.ID); err != nil {
		l.Logger.Error(err).LogActivity("ack-and-delete failed", map[string]any{"job_id": msg.JobID, "msg_id": entry.ID})
	}
}

// persistError records a terminal error against jobID and reports
// whether the write succeeded. A secondary mark_error failure is logged
// and processEntry then skips the ack — the message stays pending and
// autoclaim will retry it (spec §7 Propagation).
func (l *Loop) persistError(ctx context.Context, jobID, message string, kind results.ErrorKind) bool {
	if _, err := l.Results.MarkError(ctx, jobID, message, kind, nil, time.Now()); err != nil {
		l.Logger.Error(err).LogActivity("mark_error failed", map[string]any{"job_id": jobID})
		return false
	}
	return true
}

func parseCreatedAt(raw string) time.Time {
	ns, ok := parseUnixSeconds(raw)
	if !ok {
		return time.Time{}
	}
	return time.Unix(ns, 0)
}

func parseUnixSeconds(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	var n int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// runResult mirrors warm_executor.py's run_problem return dict shape
// (spec §3's Run Result data model), stored verbatim as the job's
// result_json.
type runResult struct {
	Status  string                    `json:"status"`
	Summary runResultSummary          `json:"summary"`
	Tests   []harness.SanitizedResult `json:"tests"`
	Error   *string                   `json:"error"`
}

// counts is {total, passed, failed}, reused for the overall summary and
// its public/hidden split.
type counts struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

type runResultSummary struct {
	counts
	Public counts `json:"public"`
	Hidden counts `json:"hidden"`
}

// summarizeResults tallies total/passed/failed split by public/hidden
// and returns the first non-Accepted case in case order, mirroring
// _summarize_results.
func summarizeResults(caseResults []harness.CaseResult) (runResultSummary, *harness.CaseResult) {
	var summary runResultSummary
	var firstFailed *harness.CaseResult
	for i := range caseResults {
		c := &caseResults[i]
		bucket := &summary.Public
		if c.Hidden {
			bucket = &summary.Hidden
		}
		summary.Total++
		bucket.Total++
		if c.Status == "Accepted" {
			summary.Passed++
			bucket.Passed++
			continue
		}
		summary.Failed++
		bucket.Failed++
		if firstFailed == nil {
			firstFailed = c
		}
	}
	return summary, firstFailed
}

// buildResult derives the overall status from the harness's own
// per-case results (first-failed-wins, matching
// warm_executor.py:277-280's _summarize_results) and sanitizes the
// detail tests carries per detailMode.
func buildResult(caseResults []harness.CaseResult, maxOutputChars int, detailMode string) runResult {
	summary, firstFailed := summarizeResults(caseResults)

	status := "Accepted"
	if summary.Failed > 0 && firstFailed != nil {
		status = firstFailed.Status
	}

	return runResult{
		Status:  status,
		Summary: summary,
		Tests:   harness.SanitizeResults(caseResults, maxOutputChars, detailMode),
		Error:   nil,
	}
}
