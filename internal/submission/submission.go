// Package submission implements the submission service (spec §4.H):
// validate the problem id, admit under the backlog cap, create the job
// row, and enqueue — mirroring
// original_source/judge/src/judge/services.py's SubmissionService.submit
// orchestration field-for-field, generalized onto this module's own
// problems/queue/results stores.
package submission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/judge/judge/internal/judgeerr"
	"github.com/judge/judge/internal/metrics"
	"github.com/judge/judge/internal/problems"
	"github.com/judge/judge/internal/queue"
	"github.com/judge/judge/internal/results"
	"github.com/judge/judge/internal/routing"
)

var allowedKinds = map[string]bool{"run": true, "submit": true}

// problemKeyPattern is the shape a caller-supplied problem key must
// match before it ever reaches the problem store:
// <course>/<chapter>/<challenge>.
const problemKeyPattern = "*/*/*"

// Accepted mirrors services.py's SubmissionAccepted.
type Accepted struct {
	JobID  string
	Status string
}

// Input is the caller-supplied submission request, pre-validation.
type Input struct {
	ProblemKey string
	Kind       string
	Code       string
}

// Service orchestrates one submission end to end. Its fields are the Go
// equivalent of SubmissionService.__init__'s keyword arguments.
type Service struct {
	Queue    *queue.Queue
	Results  *results.Store
	Problems *problems.Store
	Catalog  *problems.Catalog
	Routing  *routing.Table
	Metrics  *metrics.Judge
	Logger   *logharbour.Logger

	// BacklogCap disables the admission check when <= 0, matching
	// queue_maxlen's "if self.queue_maxlen > 0" guard.
	BacklogCap int
}

// Submit implements spec §4.H in full: resolve problem, pick profile and
// stream, check backlog, insert the job row, enqueue, and roll a failed
// enqueue forward into an internal-error terminal state.
func (s *Service) Submit(ctx context.Context, in Input) (*Accepted, error) {
	if !allowedKinds[in.Kind] {
		return nil, judgeerr.ErrInvalidProblemID(in.ProblemKey, fmt.Errorf("invalid kind: %s", in.Kind))
	}
	if matched, _ := doublestar.Match(problemKeyPattern, in.ProblemKey); !matched {
		return nil, judgeerr.ErrInvalidProblemID(in.ProblemKey, fmt.Errorf("problem key must match %s", problemKeyPattern))
	}
	if mt := mimetype.Detect([]byte(in.Code)); !isTextSubmission(mt) {
		return nil, judgeerr.ErrInvalidProblemID(in.ProblemKey, fmt.Errorf("submission code must be text, detected %s", mt.String()))
	}

	problem, err := s.resolveProblem(ctx, in.ProblemKey)
	if err != nil {
		return nil, err
	}

	profile := "light"
	if problem.RequiresTorch {
		profile = "torch"
	}
	stream, err := s.Routing.StreamForProfile(profile)
	if err != nil {
		return nil, judgeerr.ErrQueueUnavailable(err)
	}
	group, err := s.Routing.GroupForStream(stream)
	if err != nil {
		return nil, judgeerr.ErrQueueUnavailable(err)
	}

	if s.BacklogCap > 0 {
		backlog, err := s.Queue.Backlog(ctx, stream, group)
		if err != nil {
			return nil, judgeerr.ErrQueueUnavailable(err)
		}
		if backlog >= int64(s.BacklogCap) {
			return nil, judgeerr.ErrQueueFull()
		}
	}

	jobID := uuid.NewString()
	now := time.Now()

	if err := s.Results.Insert(ctx, jobID, profile, problem.ID, in.Kind, now); err != nil {
		return nil, judgeerr.ErrQueueUnavailable(err)
	}

	_, err = s.Queue.Enqueue(ctx, stream, queue.EnqueueInput{
		JobID:      jobID,
		ProblemID:  problem.ID,
		ProblemKey: in.ProblemKey,
		Profile:    profile,
		Kind:       in.Kind,
		Code:       in.Code,
		CreatedAt:  fmt.Sprintf("%d", now.Unix()),
	})
	if err != nil {
		s.persistEnqueueFailure(ctx, jobID, stream, err)
		return nil, judgeerr.ErrQueueUnavailable(err)
	}

	return &Accepted{JobID: jobID, Status: "queued"}, nil
}

// resolveProblem maps the problem store's untyped errors onto the
// submission error taxonomy, matching services.py's _resolve_problem. A
// wired Catalog rejects an unindexed id before the filesystem (and any
// configured remote mirror) is ever touched.
func (s *Service) resolveProblem(ctx context.Context, problemKey string) (*problems.Problem, error) {
	if s.Catalog != nil {
		exists, err := s.Catalog.Exists(ctx, problemKey)
		if err == nil && !exists {
			return nil, judgeerr.ErrProblemNotFound(problemKey, fmt.Errorf("not in catalog"))
		}
	}

	problem, err := s.Problems.Load(problemKey)
	if err == nil {
		return problem, nil
	}
	if errors.Is(err, problems.ErrInvalidProblemID) {
		return nil, judgeerr.ErrInvalidProblemID(problemKey, err)
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, judgeerr.ErrProblemNotFound(problemKey, err)
	}
	return nil, judgeerr.ErrProblemNotFound(problemKey, err)
}

// isTextSubmission rejects binary uploads disguised as source code: the
// harness only ever executes text, so anything mimetype doesn't
// classify under text/plain is an invalid submission rather than an
// internal error.
func isTextSubmission(mt *mimetype.MIME) bool {
	return mt.Is("text/plain")
}

// persistEnqueueFailure mirrors services.py's _persist_enqueue_failure:
// best-effort mark_error, logging (never raising) if the row could not
// be persisted either.
func (s *Service) persistEnqueueFailure(ctx context.Context, jobID, stream string, cause error) {
	touched, err := s.Results.MarkError(ctx, jobID, "failed to enqueue job", results.ErrorKindInternal, nil, time.Now())
	if err != nil {
		s.Logger.Error(err).LogActivity("failed to persist enqueue failure", map[string]any{"job_id": jobID, "stream": stream})
		return
	}
	if !touched {
		s.Logger.Info().LogActivity("failed to persist enqueue failure: row not updatable", map[string]any{"job_id": jobID, "stream": stream, "cause": cause.Error()})
	}
}
