package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), rdb
}

func TestEnqueueRejectsMissingKind(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "queue:light", EnqueueInput{
		JobID:     "j1",
		ProblemID: "p1",
		Profile:   "light",
	})
	require.Error(t, err)
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "queue:light", EnqueueInput{
		JobID:     "j1",
		ProblemID: "p1",
		Profile:   "light",
		Kind:      "bogus",
	})
	require.Error(t, err)
}

func TestEnqueueDefaultsProblemKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, "queue:light", EnqueueInput{
		JobID:     "j1",
		ProblemID: "course/add",
		Profile:   "light",
		Kind:      "run",
	})
	require.NoError(t, err)
	require.NoError(t, q.EnsureGroup(ctx, "queue:light", "workers-light"))

	entry, err := q.Read(ctx, "queue:light", "workers-light", "c1", 10)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, "course/add", entry.Message.ProblemKey)
	assert.Equal(t, "run", entry.Message.Kind)
}

func TestAckAndDeleteRemovesEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "queue:light", EnqueueInput{
		JobID: "j1", ProblemID: "p1", Profile: "light", Kind: "submit",
	})
	require.NoError(t, err)
	require.NoError(t, q.EnsureGroup(ctx, "queue:light", "workers-light"))

	entry, err := q.Read(ctx, "queue:light", "workers-light", "c1", 10)
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.NoError(t, q.AckAndDelete(ctx, "queue:light", "workers-light", entry.ID))

	backlog, err := q.Backlog(ctx, "queue:light", "workers-light")
	require.NoError(t, err)
	assert.Zero(t, backlog)
}

func TestBacklogMissingStreamIsZero(t *testing.T) {
	q, _ := newTestQueue(t)
	backlog, err := q.Backlog(context.Background(), "queue:nope", "workers-nope")
	require.NoError(t, err)
	assert.Zero(t, backlog)
}

// TestEnqueueSurfacesRedisError exercises the XAdd failure path with a
// scripted mock rather than miniredis, which has no way to make a
// well-formed command fail outright.
func TestEnqueueSurfacesRedisError(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	q := New(rdb)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "queue:light",
		Values: Message{
			JobID:      "j1",
			ProblemID:  "p1",
			ProblemKey: "p1",
			Profile:    "light",
			Kind:       "submit",
		}.Fields(),
	}).SetErr(errors.New("connection reset"))

	_, err := q.Enqueue(context.Background(), "queue:light", EnqueueInput{
		JobID: "j1", ProblemID: "p1", Profile: "light", Kind: "submit",
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
