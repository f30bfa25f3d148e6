package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bulkmail/internal/store"

	"github.com/google/uuid"
)

const jobColumns = `id, owner_id, batch_id, status, payload, retry_count, retry_after,
	locked_until, error_message, created_at, processing_started_at, completed_at, result_ref`

// Enqueue inserts pending jobs in a single transaction.
func (s *Store) Enqueue(ctx context.Context, jobs []*store.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO mail_jobs (id, owner_id, batch_id, status, payload, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`

	for _, job := range jobs {
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now().UTC()
		}
		job.Status = store.JobStatusPending

		payload, err := store.MarshalPayload(job.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload of job %s: %w", job.ID, err)
		}

		if _, err := tx.ExecContext(ctx, query,
			job.ID, job.OwnerID, job.BatchID, job.Status, payload, job.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
		}
	}

	return tx.Commit()
}

// LockNextEligible claims the oldest eligible pending job of the owner using
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent callers each get a distinct row.
// Returns nil if no job is eligible.
func (s *Store) LockNextEligible(ctx context.Context, ownerID uuid.UUID, lockTTL time.Duration) (*store.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT ` + jobColumns + `
		FROM mail_jobs
		WHERE owner_id = $1
		  AND status = $2
		  AND (retry_after IS NULL OR retry_after <= NOW())
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	job, err := scanJob(tx.QueryRowContext(ctx, selectQuery, ownerID, store.JobStatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim query failed: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE mail_jobs
		SET status = $2,
		    processing_started_at = NOW(),
		    locked_until = NOW() + ($3 * INTERVAL '1 second')
		WHERE id = $1
		RETURNING processing_started_at, locked_until
	`, job.ID, store.JobStatusProcessing, lockTTL.Seconds()).Scan(&job.ProcessingStartedAt, &job.LockedUntil)
	if err != nil {
		return nil, fmt.Errorf("claim update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit failed: %w", err)
	}

	job.Status = store.JobStatusProcessing
	return job, nil
}

// CommitOutcome records the result of a send attempt for a job that is still processing.
func (s *Store) CommitOutcome(ctx context.Context, ownerID, jobID uuid.UUID, t store.Transition) error {
	var (
		res sql.Result
		err error
	)

	switch t.To {
	case store.JobStatusCompleted:
		res, err = s.db.ExecContext(ctx, `
			UPDATE mail_jobs
			SET status = $3, completed_at = NOW(), locked_until = NULL,
			    retry_after = NULL, error_message = NULL, result_ref = $4
			WHERE id = $1 AND owner_id = $2 AND status = 'processing'
		`, jobID, ownerID, store.JobStatusCompleted, nullString(t.ResultRef))

	case store.JobStatusPending:
		res, err = s.db.ExecContext(ctx, `
			UPDATE mail_jobs
			SET status = $3, retry_count = $4,
			    retry_after = NOW() + ($5 * INTERVAL '1 second'),
			    locked_until = NULL, error_message = $6
			WHERE id = $1 AND owner_id = $2 AND status = 'processing'
		`, jobID, ownerID, store.JobStatusPending, t.RetryCount, t.RetryDelay.Seconds(), t.ErrorMessage)

	case store.JobStatusFailed:
		res, err = s.db.ExecContext(ctx, `
			UPDATE mail_jobs
			SET status = $3, retry_count = $4, retry_after = NULL,
			    locked_until = NULL, error_message = $5
			WHERE id = $1 AND owner_id = $2 AND status = 'processing'
		`, jobID, ownerID, store.JobStatusFailed, t.RetryCount, t.ErrorMessage)

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
// retry_count and error_message are preserved.
func (s *Store) RecoverStale(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_jobs
		SET status = $2, locked_until = NULL, retry_after = NULL
		WHERE owner_id = $1
		  AND status = $3
		  AND (locked_until IS NULL OR locked_until < NOW())
	`, ownerID, store.JobStatusPending, store.JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("stale recovery failed: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed resets all failed jobs of the owner.
func (s *Store) RetryFailed(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_jobs
		SET status = $2, retry_count = 0, retry_after = NULL,
		    error_message = NULL, locked_until = NULL
		WHERE owner_id = $1 AND status = $3
	`, ownerID, store.JobStatusPending, store.JobStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// RetryJob resets a single failed job.
func (s *Store) RetryJob(ctx context.Context, ownerID, jobID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_jobs
		SET status = $3, retry_count = 0, retry_after = NULL,
		    error_message = NULL, locked_until = NULL
		WHERE id = $1 AND owner_id = $2 AND status = $4
	`, jobID, ownerID, store.JobStatusPending, store.JobStatusFailed)
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
		"DELETE FROM mail_jobs WHERE owner_id = $1 AND status = $2",
		ownerID, store.JobStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("clear failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountPending tracks the number of pending jobs across all owners.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mail_jobs WHERE status = $1", store.JobStatusPending).Scan(&count)
	return count, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
