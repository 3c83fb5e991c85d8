package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/judge/judge/internal/harness"
	"github.com/judge/judge/internal/metrics"
	"github.com/judge/judge/internal/problems"
	"github.com/judge/judge/internal/queue"
	"github.com/judge/judge/internal/results"
)

// fakeExecutor lets tests script a canned Verdict without touching a
// real sandbox.
type fakeExecutor struct {
	verdict *Verdict
	err     error
	calls   int
}

func (f *fakeExecutor) Run(ctx context.Context, code string, cfg *harness.TestConfig, timeLimitS, memoryMB int) (*Verdict, error) {
	f.calls++
	return f.verdict, f.err
}

func newTestResultsStore(t *testing.T) *results.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, results.Migrate(ctx, conn))
	require.NoError(t, conn.Close(ctx))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return results.New(pool)
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.New(rdb)
}

func writeTestProblem(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := `{"id":"` + id + `","version":"v1","runner":"add(a,b)","requires_torch":false,"time_limit_s":1,"memory_mb":64,"comparison":{"type":"exact"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))
	public := `{"cases":[{"id":"c1","input_code":"a = 1\nb = 2\n","expected":3}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "public_tests.json"), []byte(public), 0o644))
	hidden := `{"cases":[{"id":"h1","input_code":"a = 4\nb = 5\n","expected":9}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hidden_tests.json"), []byte(hidden), 0o644))
}

func newTestLoop(t *testing.T, exec Executor) (*Loop, *queue.Queue, *results.Store) {
	t.Helper()
	q := newTestQueue(t)
	store := newTestResultsStore(t)
	root := t.TempDir()
	writeTestProblem(t, root, "course/add")
	probs := problems.NewStore(root)
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "dispatch-test", os.Stdout)

	loop := &Loop{
		Queue:            q,
		Results:          store,
		Problems:         probs,
		Executor:         exec,
		Metrics:          metrics.New(),
		Logger:           logger,
		Stream:           "queue:light",
		Group:            "workers-light",
		Consumer:         "worker-1",
		BlockMS:          50,
		ReclaimInterval:  time.Minute,
		ReclaimMinIdleMS: 30000,
		ReclaimCount:     10,
		MaxOutputChars:   2000,
	}
	return loop, q, store
}

func TestProcessEntryMarksDoneOnAcceptedVerdict(t *testing.T) {
	exec := &fakeExecutor{verdict: &Verdict{
		Status: "Accepted",
		HarnessResults: []harness.CaseResult{
			{ID: "c1", Status: "Accepted"},
			{ID: "h1", Status: "Accepted", Hidden: true},
		},
	}}
	loop, q, store := newTestLoop(t, exec)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "job-1", "light", "course/add", "submit", time.Now()))
	require.NoError(t, q.EnsureGroup(ctx, loop.Stream, loop.Group))
	_, err := q.Enqueue(ctx, loop.Stream, queue.EnqueueInput{
		JobID: "job-1", ProblemID: "course/add", Profile: "light", Kind: "submit",
	})
	require.NoError(t, err)

	entry, err := q.Read(ctx, loop.Stream, loop.Group, loop.Consumer, 100)
	require.NoError(t, err)
	require.NotNil(t, entry)

	loop.processEntry(ctx, *entry)

	job, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, results.StatusDone, job.Status)
	assert.Equal(t, 1, exec.calls)
}

func TestProcessEntryMarksErrorOnSandboxFailure(t *testing.T) {
	exec := &fakeExecutor{verdict: &Verdict{
		Status:     "Time Limit Exceeded",
		IsInternal: false,
		Error:      "time limit exceeded",
	}}
	loop, q, store := newTestLoop(t, exec)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "job-2", "light", "course/add", "run", time.Now()))
	require.NoError(t, q.EnsureGroup(ctx, loop.Stream, loop.Group))
	_, err := q.Enqueue(ctx, loop.Stream, queue.EnqueueInput{
		JobID: "job-2", ProblemID: "course/add", Profile: "light", Kind: "run",
	})
	require.NoError(t, err)

	entry, err := q.Read(ctx, loop.Stream, loop.Group, loop.Consumer, 100)
	require.NoError(t, err)
	require.NotNil(t, entry)

	loop.processEntry(ctx, *entry)

	job, err := store.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, results.StatusError, job.Status)
	require.NotNil(t, job.ErrorKind)
	assert.Equal(t, results.ErrorKindUser, *job.ErrorKind)
}

func TestProcessEntryWithMissingJobIDAcksAndDeletesSilently(t *testing.T) {
	exec := &fakeExecutor{}
	loop, q, _ := newTestLoop(t, exec)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx, loop.Stream, loop.Group))

	entry := queue.Entry{ID: "1-1", Message: queue.Message{ProblemID: "course/add"}}
	loop.processEntry(ctx, entry)

	assert.Equal(t, 0, exec.calls, "executor must never run for an entry missing job_id")
}

func TestNeedsRecycleReflectsExecutor(t *testing.T) {
	exec := &fakeExecutor{verdict: &Verdict{Status: "Accepted", HarnessResults: []harness.CaseResult{{ID: "c1", Status: "Accepted"}}}}
	recyclable := &recyclableExecutor{Executor: exec, recycle: true}
	loop, _, _ := newTestLoop(t, recyclable)
	assert.True(t, loop.needsRecycle())
}

type recyclableExecutor struct {
	Executor
	recycle bool
}

func (r *recyclableExecutor) NeedsRecycle() bool { return r.recycle }
