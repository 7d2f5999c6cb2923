//go:build sqlite
// +build sqlite

package jobsched

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements the Store interface using SQLite. It provides ACID
// transactions and is suitable for single-server deployments where the
// database file must be inspectable with standard tooling.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store. The database file will be
// created if it doesn't exist.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// storms under concurrent claim attempts.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema initializes the database schema.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		params BLOB,
		priority INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL,
		group_id TEXT,
		retry_of TEXT,
		status TEXT NOT NULL,
		not_before INTEGER,
		retry_suppressed INTEGER NOT NULL DEFAULT 0,
		chain_exhausted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		queued_at INTEGER,
		started_at INTEGER,
		finished_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL UNIQUE,
		params_snapshot BLOB,
		status TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		exit_code INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		artifacts BLOB,
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);

	CREATE TABLE IF NOT EXISTS job_groups (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		job_ids TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		released_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, position ASC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_jobs_group_id ON jobs(group_id);
	CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id);
	CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, job_type, params, priority, position, group_id, retry_of, status,
	not_before, retry_suppressed, chain_exhausted, created_at, queued_at, started_at, finished_at`

const runColumns = `id, job_id, params_snapshot, status, started_at, finished_at, exit_code,
	error_message, artifacts`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var groupID, retryOf sql.NullString
	var notBefore, queuedAt, startedAt, finishedAt sql.NullInt64
	var retrySuppressed, chainExhausted int
	var createdAt int64

	err := row.Scan(&job.ID, &job.Type, &job.Params, &job.Priority, &job.Position,
		&groupID, &retryOf, &job.Status, &notBefore, &retrySuppressed, &chainExhausted,
		&createdAt, &queuedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	job.GroupID = groupID.String
	job.RetryOf = retryOf.String
	job.RetrySuppressed = retrySuppressed != 0
	job.ChainExhausted = chainExhausted != 0
	job.CreatedAt = time.Unix(0, createdAt)
	job.NotBefore = nanosToTimePtr(notBefore)
	job.QueuedAt = nanosToTimePtr(queuedAt)
	job.StartedAt = nanosToTimePtr(startedAt)
	job.FinishedAt = nanosToTimePtr(finishedAt)
	return &job, nil
}

func scanRun(row rowScanner) (*JobRun, error) {
	var run JobRun
	var startedAt int64
	var finishedAt sql.NullInt64
	var exitCode sql.NullInt64

	err := row.Scan(&run.ID, &run.JobID, &run.ParamsSnapshot, &run.Status, &startedAt,
		&finishedAt, &exitCode, &run.Error, &run.Artifacts)
	if err != nil {
		return nil, err
	}

	run.StartedAt = time.Unix(0, startedAt)
	run.FinishedAt = nanosToTimePtr(finishedAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	return &run, nil
}

func nanosToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func timePtrToNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// CreateJob persists a new job with a store-assigned position.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	if err := validateNewJob(job); err != nil {
		return "", err
	}

	prepared := prepareJobForCreate(job, time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, prepared.ID).Scan(&exists); err != nil {
		return "", err
	}
	if exists > 0 {
		return "", validationErrorf("id", "job already exists: %s", prepared.ID)
	}

	var maxPosition sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(position) FROM jobs`).Scan(&maxPosition); err != nil {
		return "", err
	}
	prepared.Position = maxPosition.Int64 + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, prepared.ID, prepared.Type, prepared.Params, prepared.Priority, prepared.Position,
		nullableString(prepared.GroupID), nullableString(prepared.RetryOf), prepared.Status,
		timePtrToNanos(prepared.NotBefore), boolToInt(prepared.RetrySuppressed), boolToInt(prepared.ChainExhausted),
		prepared.CreatedAt.UnixNano(), timePtrToNanos(prepared.QueuedAt), nil, nil)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("CreateJob: persisted", "jobID", prepared.ID, "status", prepared.Status, "position", prepared.Position)
	return prepared.ID, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, validationErrorf("id", "job ID is required")
	}

	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListQueuedJobs returns all QUEUED jobs in claim order.
func (s *SQLiteStore) ListQueuedJobs(ctx context.Context) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY priority DESC, position ASC, created_at ASC
	`, JobStatusQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	queued := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		queued = append(queued, job)
	}
	return queued, rows.Err()
}

// ClaimNextJob atomically claims the highest-ordered due job. The claim is a
// compare-and-swap: the conditional UPDATE to DISPATCHED succeeds for exactly
// one claimer; the loser re-selects. The RUNNING transition and run insert
// commit in the same transaction.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, now time.Time) (*Job, *JobRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
		}

		job, err := scanJob(tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE status = ? AND (not_before IS NULL OR not_before <= ?)
			ORDER BY priority DESC, position ASC, created_at ASC
			LIMIT 1
		`, JobStatusQueued, now.UnixNano()))
		if err == sql.ErrNoRows {
			tx.Rollback()
			return nil, nil, nil
		}
		if err != nil {
			tx.Rollback()
			return nil, nil, err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ? WHERE id = ? AND status = ?
		`, JobStatusDispatched, job.ID, JobStatusQueued)
		if err != nil {
			tx.Rollback()
			return nil, nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return nil, nil, err
		}
		if affected != 1 {
			// Lost the race for this job; re-select.
			tx.Rollback()
			continue
		}

		started := now
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = ? WHERE id = ?
		`, JobStatusRunning, started.UnixNano(), job.ID); err != nil {
			tx.Rollback()
			return nil, nil, err
		}

		run := &JobRun{
			ID:             uuid.NewString(),
			JobID:          job.ID,
			ParamsSnapshot: copyBytes(job.Params),
			StartedAt:      started,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, job_id, params_snapshot, started_at)
			VALUES (?, ?, ?, ?)
		`, run.ID, run.JobID, run.ParamsSnapshot, run.StartedAt.UnixNano()); err != nil {
			tx.Rollback()
			return nil, nil, fmt.Errorf("failed to insert run: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
		}

		job.Status = JobStatusRunning
		job.StartedAt = &started
		s.logger.Debug("ClaimNextJob: claimed", "jobID", job.ID, "runID", run.ID, "priority", job.Priority, "position", job.Position)
		return job, run, nil
	}
}

// UpdateJobParams replaces the params of a job still awaiting dispatch.
func (s *SQLiteStore) UpdateJobParams(ctx context.Context, jobID string, params []byte) (*Job, error) {
	return s.mutateQueuedJob(ctx, "update_params", jobID, `params = ?`, params)
}

// UpdateJobPriority changes the priority of a job still awaiting dispatch.
func (s *SQLiteStore) UpdateJobPriority(ctx context.Context, jobID string, priority int) (*Job, error) {
	return s.mutateQueuedJob(ctx, "update_priority", jobID, `priority = ?`, priority)
}

// ReorderJob moves a job still awaiting dispatch to a new position.
func (s *SQLiteStore) ReorderJob(ctx context.Context, jobID string, position int64) (*Job, error) {
	return s.mutateQueuedJob(ctx, "reorder", jobID, `position = ?`, position)
}

// mutateQueuedJob applies a single-column mutation to a job still awaiting
// dispatch, in one transaction.
func (s *SQLiteStore) mutateQueuedJob(ctx context.Context, op, jobID, setClause string, value interface{}) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, validationErrorf("id", "job ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status JobStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if status != JobStatusQueued && status != JobStatusPending {
		return nil, invalidOpErrorf(op, "job %s is %s, not %s", jobID, status.External(), JobStatusQueued)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+setClause+` WHERE id = ?`, value, jobID); err != nil {
		return nil, err
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

// CancelJob cancels a QUEUED/PENDING job, or suppresses future retries of a
// RUNNING one.
func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, validationErrorf("id", "job ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch job.Status {
	case JobStatusQueued, JobStatusPending:
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?
		`, JobStatusCancelled, now.UnixNano(), jobID); err != nil {
			return nil, err
		}
		job.Status = JobStatusCancelled
		job.FinishedAt = &now
	case JobStatusRunning:
		if job.FinishedAt != nil {
			return nil, invalidOpErrorf("cancel", "job %s already finished", jobID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET retry_suppressed = 1 WHERE id = ?
		`, jobID); err != nil {
			return nil, err
		}
		job.RetrySuppressed = true
	default:
		return nil, invalidOpErrorf("cancel", "job %s is %s", jobID, job.Status)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

// PromoteJob transitions a PENDING job to QUEUED.
func (s *SQLiteStore) PromoteJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status JobStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if status != JobStatusPending {
		return nil, invalidOpErrorf("promote", "job %s is %s, not %s", jobID, status, JobStatusPending)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, queued_at = ? WHERE id = ?
	`, JobStatusQueued, now.UnixNano(), jobID); err != nil {
		return nil, err
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

// MarkChainExhausted flags a job whose retry chain gave up automatically.
func (s *SQLiteStore) MarkChainExhausted(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET chain_exhausted = 1 WHERE id = ?`, jobID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*JobRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if runID == "" {
		return nil, validationErrorf("id", "run ID is required")
	}

	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRunForJob retrieves the single run owned by a job.
func (s *SQLiteStore) GetRunForJob(ctx context.Context, jobID string) (*JobRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE job_id = ?`, jobID))
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinishRun applies the one-shot terminal transition to a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, outcome RunOutcome) (*JobRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := validateOutcome(outcome); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	run, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return nil, invalidOpErrorf("finish_run", "run %s already terminal (%s)", runID, run.Status)
	}

	now := time.Now()
	applyOutcome(run, outcome, now)

	var exitCode interface{}
	if run.ExitCode != nil {
		exitCode = *run.ExitCode
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, exit_code = ?, error_message = ?, artifacts = ?
		WHERE id = ?
	`, run.Status, now.UnixNano(), exitCode, run.Error, run.Artifacts, runID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET finished_at = ? WHERE id = ? AND finished_at IS NULL
	`, now.UnixNano(), run.JobID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return run, nil
}

// CreateGroup persists a new job group. Member IDs are stored as a JSON array
// to preserve submission order.
func (s *SQLiteStore) CreateGroup(ctx context.Context, group *JobGroup) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	if group == nil {
		return "", validationErrorf("group", "group is nil")
	}
	if group.ID == "" {
		return "", validationErrorf("id", "group ID is required")
	}
	if group.Mode != GroupModeParallel && group.Mode != GroupModeSequential {
		return "", validationErrorf("mode", "unknown group mode %q", group.Mode)
	}

	stored := cloneGroup(group)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	jobIDs, err := json.Marshal(stored.JobIDs)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_groups (id, mode, job_ids, status, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, NULL)
	`, stored.ID, stored.Mode, string(jobIDs), GroupStatusRunning, stored.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert group: %w", err)
	}
	return stored.ID, nil
}

// GetGroup retrieves a group by ID.
func (s *SQLiteStore) GetGroup(ctx context.Context, groupID string) (*JobGroup, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var group JobGroup
	var jobIDs string
	var createdAt int64
	var finishedAt sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT id, mode, job_ids, status, created_at, finished_at FROM job_groups WHERE id = ?
	`, groupID).Scan(&group.ID, &group.Mode, &jobIDs, &group.Status, &createdAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(jobIDs), &group.JobIDs); err != nil {
		return nil, err
	}
	group.CreatedAt = time.Unix(0, createdAt)
	group.FinishedAt = nanosToTimePtr(finishedAt)
	return &group, nil
}

// ListGroupJobs returns every job referencing the group, retries included.
func (s *SQLiteStore) ListGroupJobs(ctx context.Context, groupID string) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE group_id = ? ORDER BY created_at ASC
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateGroupStatus sets a group's aggregate status.
func (s *SQLiteStore) UpdateGroupStatus(ctx context.Context, groupID string, status GroupStatus) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	var finishedAt interface{}
	if status != GroupStatusRunning {
		finishedAt = time.Now().UnixNano()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_groups SET status = ?, finished_at = COALESCE(finished_at, ?) WHERE id = ?
	`, status, finishedAt, groupID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// CreateReservation persists a new ACTIVE reservation.
func (s *SQLiteStore) CreateReservation(ctx context.Context, res *Reservation) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	if res == nil {
		return "", validationErrorf("reservation", "reservation is nil")
	}

	stored := cloneReservation(res)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reservations WHERE status = ?
	`, ReservationStatusActive).Scan(&active); err != nil {
		return "", err
	}
	if active > 0 {
		return "", ErrReservationHeld
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (id, status, created_at, released_at)
		VALUES (?, ?, ?, NULL)
	`, stored.ID, ReservationStatusActive, stored.CreatedAt.UnixNano()); err != nil {
		return "", fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored.ID, nil
}

// ActiveReservation returns the ACTIVE reservation, if any.
func (s *SQLiteStore) ActiveReservation(ctx context.Context) (*Reservation, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var res Reservation
	var createdAt int64
	var releasedAt sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT id, status, created_at, released_at FROM reservations WHERE status = ? LIMIT 1
	`, ReservationStatusActive).Scan(&res.ID, &res.Status, &createdAt, &releasedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res.CreatedAt = time.Unix(0, createdAt)
	res.ReleasedAt = nanosToTimePtr(releasedAt)
	return &res, nil
}

// ExpireReservation transitions a reservation to EXPIRED.
func (s *SQLiteStore) ExpireReservation(ctx context.Context, resID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	var status ReservationStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM reservations WHERE id = ?`, resID).Scan(&status)
	if err == sql.ErrNoRows {
		return invalidOpErrorf("expire_reservation", "reservation %s not found", resID)
	}
	if err != nil {
		return err
	}
	if status == ReservationStatusExpired {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE reservations SET status = ?, released_at = ? WHERE id = ?
	`, ReservationStatusExpired, time.Now().UnixNano(), resID)
	return err
}

// RecoverOrphans synthesizes FAILED runs for jobs orphaned by a crash.
func (s *SQLiteStore) RecoverOrphans(ctx context.Context, errorMsg string) ([]*JobRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Claimed jobs whose run is missing or never finished.
	rows, err := tx.QueryContext(ctx, `
		SELECT j.id, j.params, r.id, r.status
		FROM jobs j LEFT JOIN runs r ON r.job_id = j.id
		WHERE j.status IN (?, ?)
		  AND (r.id IS NULL OR r.status NOT IN (?, ?, ?))
		ORDER BY j.id ASC
	`, JobStatusRunning, JobStatusDispatched, RunStatusCompleted, RunStatusFailed, RunStatusSkipped)
	if err != nil {
		return nil, err
	}

	type orphan struct {
		jobID  string
		params []byte
		runID  sql.NullString
	}
	orphans := make([]orphan, 0)
	for rows.Next() {
		var o orphan
		var runStatus sql.NullString
		if err := rows.Scan(&o.jobID, &o.params, &o.runID, &runStatus); err != nil {
			rows.Close()
			return nil, err
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	recovered := make([]*JobRun, 0, len(orphans))
	for _, o := range orphans {
		run := &JobRun{
			JobID:          o.jobID,
			ParamsSnapshot: copyBytes(o.params),
			StartedAt:      now,
		}
		if o.runID.Valid {
			existing, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, o.runID.String))
			if err != nil {
				return nil, err
			}
			run = existing
		} else {
			// Crash landed between claim and run creation; synthesize both
			// halves so the orphan stays inspectable.
			run.ID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO runs (id, job_id, params_snapshot, started_at)
				VALUES (?, ?, ?, ?)
			`, run.ID, run.JobID, run.ParamsSnapshot, run.StartedAt.UnixNano()); err != nil {
				return nil, err
			}
		}

		applyOutcome(run, RunOutcome{Status: RunStatusFailed, Error: errorMsg}, now)
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, finished_at = ?, error_message = ? WHERE id = ?
		`, run.Status, now.UnixNano(), run.Error, run.ID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, finished_at = COALESCE(finished_at, ?) WHERE id = ?
		`, JobStatusRunning, now.UnixNano(), o.jobID); err != nil {
			return nil, err
		}
		recovered = append(recovered, run)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if len(recovered) > 0 {
		s.logger.Debug("RecoverOrphans: recovered", "count", len(recovered))
	}
	return recovered, nil
}

// ExpireActiveReservations force-expires any ACTIVE reservation.
func (s *SQLiteStore) ExpireActiveReservations(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = ?, released_at = ? WHERE status = ?
	`, ReservationStatusExpired, time.Now().UnixNano(), ReservationStatusActive)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Stats returns cumulative counters over all jobs and runs.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) FROM jobs
	`, JobStatusCancelled).Scan(&stats.Total, &stats.Cancelled)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM runs
	`, RunStatusCompleted, RunStatusFailed, RunStatusSkipped).Scan(&stats.Succeeded, &stats.Failed, &stats.Skipped)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// QueueLength counts jobs whose external status is QUEUED.
func (s *SQLiteStore) QueueLength(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	length := 0
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status IN (?, ?)
	`, JobStatusQueued, JobStatusPending).Scan(&length)
	if err != nil {
		return 0, err
	}
	return length, nil
}
