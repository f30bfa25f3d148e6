// Package sqlite implements the store interfaces on SQLite for single-node
// deployments. Times are stored as unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bulkmail/internal/store"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS owners (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	api_key_hash TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mail_jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	batch_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	payload BLOB NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	retry_after INTEGER,
	locked_until INTEGER,
	error_message TEXT,
	created_at INTEGER NOT NULL,
	processing_started_at INTEGER,
	completed_at INTEGER,
	result_ref TEXT
);

CREATE INDEX IF NOT EXISTS idx_mail_jobs_owner_status ON mail_jobs(owner_id, status, created_at);

CREATE TABLE IF NOT EXISTS sent_messages (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	to_email TEXT NOT NULL,
	subject TEXT NOT NULL,
	message_id TEXT NOT NULL,
	sent_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS email_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id TEXT NOT NULL,
	job_id TEXT,
	to_email TEXT NOT NULL,
	subject TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'sent',
	sent_at INTEGER NOT NULL
);
`

const jobColumns = `id, owner_id, batch_id, status, payload, retry_count, retry_after,
	locked_until, error_message, created_at, processing_started_at, completed_at, result_ref`

// Store is the SQLite-backed QueueStore, DeliveryLog and OwnerStore.
type Store struct {
	db        *sql.DB
	now       func() time.Time
	legacyLog bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for every time comparison.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLegacyLog enables the dual write of deliveries into email_log.
func WithLegacyLog(enabled bool) Option {
	return func(s *Store) { s.legacyLog = enabled }
}

// Open opens (creating if needed) the database file at path and applies the schema.
// Transactions are started with BEGIN IMMEDIATE so claims serialize on the write lock.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path + "?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") {
		dsn = path
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var (
		job          store.Job
		id, ownerID  string
		batchID      sql.NullString
		payload      []byte
		retryAfter   sql.NullInt64
		lockedUntil  sql.NullInt64
		errorMessage sql.NullString
		createdAt    int64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
		resultRef    sql.NullString
	)

	err := row.Scan(&id, &ownerID, &batchID, &job.Status, &payload, &job.RetryCount,
		&retryAfter, &lockedUntil, &errorMessage, &createdAt, &startedAt, &completedAt, &resultRef)
	if err != nil {
		return nil, err
	}

	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", id, err)
	}
	if job.OwnerID, err = uuid.Parse(ownerID); err != nil {
		return nil, fmt.Errorf("invalid owner id %q: %w", ownerID, err)
	}
	if job.Payload, err = store.UnmarshalPayload(payload); err != nil {
		return nil, fmt.Errorf("corrupt payload for job %s: %w", job.ID, err)
	}

	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.RetryAfter = fromMillis(retryAfter)
	job.LockedUntil = fromMillis(lockedUntil)
	job.ProcessingStartedAt = fromMillis(startedAt)
	job.CompletedAt = fromMillis(completedAt)
	if batchID.Valid {
		job.BatchID = &batchID.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}
	if resultRef.Valid {
		job.ResultRef = &resultRef.String
	}

	return &job, nil
}

// Enqueue inserts pending jobs in a single transaction.
func (s *Store) Enqueue(ctx context.Context, jobs []*store.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mail_jobs (id, owner_id, batch_id, status, payload, retry_count, created_at)
		VALUES (?, ?, ?, 'pending', ?, 0, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, job := range jobs {
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = s.now().UTC()
		}
		job.Status = store.JobStatusPending

		payload, err := store.MarshalPayload(job.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload of job %s: %w", job.ID, err)
		}

		var batchID any
		if job.BatchID != nil {
			batchID = *job.BatchID
		}

		if _, err := stmt.ExecContext(ctx, job.ID.String(), job.OwnerID.String(), batchID, payload, millis(job.CreatedAt)); err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}

	return tx.Commit()
}

// LockNextEligible claims the oldest eligible pending job with one conditional
// UPDATE ... RETURNING. The status guard in the outer WHERE makes the claim
// a no-op if another connection flipped the row first.
func (s *Store) LockNextEligible(ctx context.Context, ownerID uuid.UUID, lockTTL time.Duration) (*store.Job, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE mail_jobs
		SET status = 'processing', processing_started_at = ?, locked_until = ?
		WHERE id = (
			SELECT id FROM mail_jobs
			WHERE owner_id = ? AND status = 'pending'
			  AND (retry_after IS NULL OR retry_after <= ?)
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+jobColumns,
		millis(now), millis(now.Add(lockTTL)), ownerID.String(), millis(now))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit failed: %w", err)
	}
	return job, nil
}

// CommitOutcome records the result of a send attempt for a job that is still processing.
func (s *Store) CommitOutcome(ctx context.Context, ownerID, jobID uuid.UUID, t store.Transition) error {
	now := s.now()

	var (
		res sql.Result
		err error
	)

	switch t.To {
	case store.JobStatusCompleted:
		var ref any
		if t.ResultRef != "" {
			ref = t.ResultRef
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE mail_jobs
			SET status = 'completed', completed_at = ?, locked_until = NULL,
			    retry_after = NULL, error_message = NULL, result_ref = ?
			WHERE id = ? AND owner_id = ? AND status = 'processing'
		`, millis(now), ref, jobID.String(), ownerID.String())

	case store.JobStatusPending:
		res, err = s.db.ExecContext(ctx, `
			UPDATE mail_jobs
			SET status = 'pending', retry_count = ?, retry_after = ?,
			    locked_until = NULL, error_message = ?
			WHERE id = ? AND owner_id = ? AND status = 'processing'
		`, t.RetryCount, millis(now.Add(t.RetryDelay)), t.ErrorMessage, jobID.String(), ownerID.String())

	case store.JobStatusFailed:
		res, err = s.db.ExecContext(ctx, `
			UPDATE mail_jobs
			SET status = 'failed', retry_count = ?, retry_after = NULL,
			    locked_until = NULL, error_message = ?
			WHERE id = ? AND owner_id = ? AND status = 'processing'
		`, t.RetryCount, t.ErrorMessage, jobID.String(), ownerID.String())

	default:
		return fmt.Errorf("invalid outcome status %q", t.To)
	}

	if err != nil {
		return fmt.Errorf("failed to commit outcome for job %s: %w", jobID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

// RecoverStale reverts processing jobs whose lock expired back to pending.
func (s *Store) RecoverStale(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_jobs
		SET status = 'pending', locked_until = NULL, retry_after = NULL
		WHERE owner_id = ? AND status = 'processing'
		  AND (locked_until IS NULL OR locked_until < ?)
	`, ownerID.String(), millis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("stale recovery failed: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed resets all failed jobs of the owner.
func (s *Store) RetryFailed(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_jobs
		SET status = 'pending', retry_count = 0, retry_after = NULL,
		    error_message = NULL, locked_until = NULL
		WHERE owner_id = ? AND status = 'failed'
	`, ownerID.String())
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// RetryJob resets a single failed job.
func (s *Store) RetryJob(ctx context.Context, ownerID, jobID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_jobs
		SET status = 'pending', retry_count = 0, retry_after = NULL,
		    error_message = NULL, locked_until = NULL
		WHERE id = ? AND owner_id = ? AND status = 'failed'
	`, jobID.String(), ownerID.String())
	if err != nil {
		return fmt.Errorf("retry job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ClearFailed deletes all failed jobs of the owner.
func (s *Store) ClearFailed(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM mail_jobs WHERE owner_id = ? AND status = 'failed'", ownerID.String())
	if err != nil {
		return 0, fmt.Errorf("clear failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns the per-status job counts of the owner.
func (s *Store) Stats(ctx context.Context, ownerID uuid.UUID) (store.Stats, error) {
	var stats store.Stats

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM mail_jobs WHERE owner_id = ? GROUP BY status", ownerID.String())
	if err != nil {
		return stats, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status store.JobStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.Add(status, count)
	}
	return stats, rows.Err()
}

// List returns the owner's jobs matching filter ordered processing, pending,
// failed, completed and newest first within a state.
func (s *Store) List(ctx context.Context, ownerID uuid.UUID, filter store.Filter, limit, offset int) ([]store.Job, error) {
	statuses := make([]string, 0, 4)
	for _, st := range filter.Statuses() {
		statuses = append(statuses, string(st))
	}

	query, args, err := sq.Select(jobColumns).
		From("mail_jobs").
		Where(sq.Eq{"owner_id": ownerID.String(), "status": statuses}).
		OrderBy(
			"CASE status WHEN 'processing' THEN 0 WHEN 'pending' THEN 1 WHEN 'failed' THEN 2 ELSE 3 END",
			"created_at DESC",
			"id DESC",
		).
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]store.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// GetJob returns one job of the owner, or store.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, ownerID, jobID uuid.UUID) (*store.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM mail_jobs WHERE id = ? AND owner_id = ?", jobID.String(), ownerID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return job, err
}

// CountPending counts pending jobs across all owners.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mail_jobs WHERE status = 'pending'").Scan(&n)
	return n, err
}
