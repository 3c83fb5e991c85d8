// Package queue implements the Redis Streams queue client (spec §4.C),
// grounded field-for-field on
// original_source/judge/src/judge/queue.py and built on the teacher's
// primary Redis client, github.com/go-redis/redis/v8 (see
// jobs/rediskeys.go for the key-naming idiom this generalizes).
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

var allowedKinds = map[string]bool{"run": true, "submit": true}

// Message is one queue stream entry (spec §6).
type Message struct {
	JobID      string
	ProblemID  string
	ProblemKey string
	Profile    string
	Kind       string
	Code       string
	CreatedAt  string
}

// Fields renders the message as the flat string map XAdd expects.
func (m Message) Fields() map[string]interface{} {
	return map[string]interface{}{
		"job_id":      m.JobID,
		"problem_id":  m.ProblemID,
		"problem_key": m.ProblemKey,
		"profile":     m.Profile,
		"kind":        m.Kind,
		"code":        m.Code,
		"created_at":  m.CreatedAt,
	}
}

// Entry is a delivered stream entry: its message id plus parsed fields.
type Entry struct {
	ID      string
	Message Message
}

// Queue wraps a redis.Client with the operations spec §4.C names.
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// EnsureGroup creates the consumer group, idempotent against BUSYGROUP,
// matching queue.py's ensure_group.
func (q *Queue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func requireNonEmptyString(field string, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s must be a non-empty string", field)
	}
	return trimmed, nil
}

// EnqueueInput is the pre-validation shape of a message, mirroring
// queue.py's enqueue(payload) dict before field coercion.
type EnqueueInput struct {
	JobID      string
	ProblemID  string
	ProblemKey string // defaults to ProblemID when empty
	Profile    string
	Kind       string
	Code       string
	CreatedAt  string // digits only, or "" for unset
}

// Enqueue validates every field per spec §4.C/§8 and, only if valid,
// XAdds the entry. kind must be explicitly "run" or "submit" — there is
// no default for an absent kind (see DESIGN.md: this supersedes
// queue.py's "default to submit" behavior, since spec §8 lists kind as
// a required-validated field like job_id/problem_id/profile).
func (q *Queue) Enqueue(ctx context.Context, stream string, in EnqueueInput) (string, error) {
	jobID, err := requireNonEmptyString("job_id", in.JobID)
	if err != nil {
		return "", err
	}
	problemID, err := requireNonEmptyString("problem_id", in.ProblemID)
	if err != nil {
		return "", err
	}
	problemKey := strings.TrimSpace(in.ProblemKey)
	if problemKey == "" {
		problemKey = problemID
	}
	profile, err := requireNonEmptyString("profile", in.Profile)
	if err != nil {
		return "", err
	}
	kind, err := requireNonEmptyString("kind", in.Kind)
	if err != nil {
		return "", err
	}
	if !allowedKinds[kind] {
		return "", fmt.Errorf("kind must be one of run, submit, got %q", kind)
	}

	createdAt := strings.TrimSpace(in.CreatedAt)
	if createdAt != "" {
		if strings.Trim(createdAt, "0123456789") != "" {
			return "", fmt.Errorf("created_at must be a digit string, got %q", createdAt)
		}
		if _, convErr := strconv.ParseInt(createdAt, 10, 64); convErr != nil {
			return "", fmt.Errorf("created_at must be a digit string: %w", convErr)
		}
	}

	msg := Message{
		JobID:      jobID,
		ProblemID:  problemID,
		ProblemKey: problemKey,
		Profile:    profile,
		Kind:       kind,
		Code:       in.Code,
		CreatedAt:  createdAt,
	}

	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: msg.Fields(),
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func parseMessage(values map[string]interface{}) Message {
	get := func(k string) string {
		v, ok := values[k]
		if !ok {
			return ""
		}
		s, _ := v.(string)
		return s
	}
	return Message{
		JobID:      get("job_id"),
		ProblemID:  get("problem_id"),
		ProblemKey: get("problem_key"),
		Profile:    get("profile"),
		Kind:       get("kind"),
		Code:       get("code"),
		CreatedAt:  get("created_at"),
	}
}

// Read performs a blocking XREADGROUP for a single entry, matching
// queue.py's read(). Returns (nil, nil) on timeout.
func (q *Queue) Read(ctx context.Context, stream, group, consumer string, blockMS int) (*Entry, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    time.Duration(blockMS) * time.Millisecond,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	for _, s := range res {
		for _, m := range s.Messages {
			return &Entry{ID: m.ID, Message: parseMessage(m.Values)}, nil
		}
	}
	return nil, nil
}

// Ack acknowledges a delivered entry without deleting it.
func (q *Queue) Ack(ctx context.Context, stream, group, msgID string) error {
	return q.rdb.XAck(ctx, stream, group, msgID).Err()
}

// AckAndDelete performs XACK then XDEL, a deliberately non-atomic pair
// (spec §4.C, §9 Open Questions) — idempotency of the result store
// absorbs the narrow race between the two calls.
func (q *Queue) AckAndDelete(ctx context.Context, stream, group, msgID string) error {
	if err := q.rdb.XAck(ctx, stream, group, msgID).Err(); err != nil {
		return err
	}
	return q.rdb.XDel(ctx, stream, msgID).Err()
}

// Backlog returns pending + max(lag, 0) for the group, or 0 if the
// stream/group does not exist yet, per queue.py's backlog().
func (q *Queue) Backlog(ctx context.Context, stream, group string) (int64, error) {
	groups, err := q.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") || strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, err
	}
	for _, g := range groups {
		if g.Name != group {
			continue
		}
		lag := g.Lag
		if lag < 0 {
			lag = 0
		}
		return g.Pending + lag, nil
	}
	return 0, nil
}

// Autoclaim claims pending messages idle longer than minIdleMS, per
// queue.py's autoclaim(). Returns an empty slice (not an error) when the
// stream/group is missing, matching the original's behavior.
func (q *Queue) Autoclaim(ctx context.Context, stream, group, consumer string, minIdleMS int64, count int) ([]Entry, error) {
	messages, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  time.Duration(minIdleMS) * time.Millisecond,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") || strings.Contains(err.Error(), "NOGROUP") {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Entry, 0, len(messages))
	for _, m := range messages {
		out = append(out, Entry{ID: m.ID, Message: parseMessage(m.Values)})
	}
	return out, nil
}

