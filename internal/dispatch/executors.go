package dispatch

import (
	"context"

	"github.com/judge/judge/internal/harness"
	"github.com/judge/judge/internal/isolate"
	"github.com/judge/judge/internal/warmfork"
)

// IsolateAdapter wraps an internal/isolate.Executor as a dispatch.Executor.
type IsolateAdapter struct {
	Exec *isolate.Executor
}

func (a *IsolateAdapter) Run(ctx context.Context, code string, cfg *harness.TestConfig, timeLimitS, memoryMB int) (*Verdict, error) {
	v, err := a.Exec.Run(ctx, code, cfg, timeLimitS, memoryMB)
	if err != nil {
		return nil, err
	}
	return &Verdict{
		Status:         v.Status,
		IsInternal:     v.IsInternal,
		Error:          v.Error,
		HarnessResults: v.HarnessResults,
	}, nil
}

// WarmForkAdapter wraps an internal/warmfork.Executor as a
// dispatch.Executor. FsizeKB, ProcessLimit and GraceS are fixed per
// profile at wiring time since warmfork.Executor.Run takes them
// explicitly rather than baking them into a config struct.
type WarmForkAdapter struct {
	Exec         *warmfork.Executor
	FsizeKB      int
	ProcessLimit int
	GraceS       int
}

func (a *WarmForkAdapter) Run(ctx context.Context, code string, cfg *harness.TestConfig, timeLimitS, memoryMB int) (*Verdict, error) {
	v, err := a.Exec.Run(code, cfg, timeLimitS, memoryMB, a.FsizeKB, a.ProcessLimit, a.GraceS)
	if err != nil {
		return nil, err
	}
	return &Verdict{
		Status:         v.Status,
		IsInternal:     v.IsInternal,
		Error:          v.Error,
		HarnessResults: v.HarnessResults,
	}, nil
}

// NeedsRecycle reports whether the wrapped warm-fork executor should be
// torn down and replaced (spec §4.F "Recycling"); the dispatch loop
// checks this after each job and exits cleanly for its supervisor to
// restart the process.
func (a *WarmForkAdapter) NeedsRecycle() bool {
	return a.Exec.NeedsRecycle()
}
