// Package results implements the job result store (spec §4.B): a
// Postgres-backed table of idempotent job state transitions, grounded
// on jobs/jobmanager.go's pgxpool usage and jobs/migration.go's Tern
// migration wiring, generalized from the teacher's batch-job table to
// the judge's own queued/running/done/error state machine.
package results

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Status is one of the job state machine's four states (spec §3).
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// ErrorKind distinguishes a user-attributable failure from an internal
// one, mirroring internal/judgeerr.Kind for the persisted row.
type ErrorKind string

const (
	ErrorKindUser     ErrorKind = "user"
	ErrorKindInternal ErrorKind = "internal"
)

// Job is one row of the jobs table.
type Job struct {
	ID         string
	Status     Status
	Profile    string
	ProblemID  string
	Kind       string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Attempts   int
	ResultJSON json.RawMessage
	Error      *string
	ErrorKind  *ErrorKind
}

// Store wraps a pgxpool.Pool with the job-row operations spec §4.B
// names. Every mutator is a conditional UPDATE gated on current status;
// callers get back whether a row was actually touched.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate runs the embedded Tern migrations against conn, matching
// jobs/migration.go's MigrateDatabase shape.
func Migrate(ctx context.Context, conn *pgx.Conn) error {
	migrator, err := migrate.NewMigrator(ctx, conn, "schema_version")
	if err != nil {
		return fmt.Errorf("results: create migrator: %w", err)
	}
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("results: sub-filesystem: %w", err)
	}
	if err := migrator.LoadMigrations(sub); err != nil {
		return fmt.Errorf("results: load migrations: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("results: migrate: %w", err)
	}
	return nil
}

// Insert creates a new row in the queued state, matching the
// submission service's "insert the job row with created_at = now"
// step (spec §4.H).
func (s *Store) Insert(ctx context.Context, id, profile, problemID, kind string, createdAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, status, profile, problem_id, kind, created_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
	`, id, StatusQueued, profile, problemID, kind, createdAt)
	return err
}

// Get fetches a job row by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, profile, problem_id, kind, created_at, started_at,
		       finished_at, attempts, result_json, error, error_kind
		FROM jobs WHERE id = $1
	`, id)

	var j Job
	var errKind *string
	if err := row.Scan(&j.ID, &j.Status, &j.Profile, &j.ProblemID, &j.Kind, &j.CreatedAt,
		&j.StartedAt, &j.FinishedAt, &j.Attempts, &j.ResultJSON, &j.Error, &errKind); err != nil {
		return nil, err
	}
	if errKind != nil {
		k := ErrorKind(*errKind)
		j.ErrorKind = &k
	}
	return &j, nil
}

// MarkRunning transitions queued or running to running, bumping
// attempts and stamping started_at. Returns whether a row was touched.
func (s *Store) MarkRunning(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = $3, attempts = attempts + 1
		WHERE id = $1 AND status IN ($4, $2)
	`, id, StatusRunning, now, StatusQueued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDone transitions running to done, persisting the result and
// clearing any error fields. Returns whether a row was touched.
func (s *Store) MarkDone(ctx context.Context, id string, result json.RawMessage, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, finished_at = $3, result_json = $4, error = NULL, error_kind = NULL
		WHERE id = $1 AND status = $5
	`, id, StatusDone, now, result, StatusRunning)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkError transitions queued or running to error, optionally
// attaching a partial result. Returns whether a row was touched.
func (s *Store) MarkError(ctx context.Context, id, message string, kind ErrorKind, result json.RawMessage, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, finished_at = $3, error = $4, error_kind = $5, result_json = COALESCE($6, result_json)
		WHERE id = $1 AND status IN ($7, $8)
	`, id, StatusError, now, message, kind, result, StatusQueued, StatusRunning)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
