package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bulkmail/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var (
		job          store.Job
		batchID      sql.NullString
		payload      []byte
		retryAfter   sql.NullTime
		lockedUntil  sql.NullTime
		errorMessage sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		resultRef    sql.NullString
	)

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&batchID,
		&job.Status,
		&payload,
		&job.RetryCount,
		&retryAfter,
		&lockedUntil,
		&errorMessage,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&resultRef,
	)
	if err != nil {
		return nil, err
	}

	job.Payload, err = store.UnmarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("corrupt payload for job %s: %w", job.ID, err)
	}

	if batchID.Valid {
		job.BatchID = &batchID.String
	}
	if retryAfter.Valid {
		job.RetryAfter = &retryAfter.Time
	}
	if lockedUntil.Valid {
		job.LockedUntil = &lockedUntil.Time
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}
	if startedAt.Valid {
		job.ProcessingStartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if resultRef.Valid {
		job.ResultRef = &resultRef.String
	}

	return &job, nil
}

// Stats returns the per-status job counts of the owner.
func (s *Store) Stats(ctx context.Context, ownerID uuid.UUID) (store.Stats, error) {
	var stats store.Stats

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM mail_jobs WHERE owner_id = $1 GROUP BY status", ownerID)
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

// List returns the owner's jobs matching filter, with processing first, then
// pending, failed and completed, newest first within a state.
func (s *Store) List(ctx context.Context, ownerID uuid.UUID, filter store.Filter, limit, offset int) ([]store.Job, error) {
	statuses := make([]string, 0, 4)
	for _, st := range filter.Statuses() {
		statuses = append(statuses, string(st))
	}

	query := `
		SELECT ` + jobColumns + `
		FROM mail_jobs
		WHERE owner_id = $1 AND status = ANY($2::text[])
		ORDER BY CASE status
			WHEN 'processing' THEN 0
			WHEN 'pending' THEN 1
			WHEN 'failed' THEN 2
			ELSE 3
		END, created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID, pq.Array(statuses), limit, offset)
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
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM mail_jobs WHERE id = $1 AND owner_id = $2", jobID, ownerID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return job, err
}
