package postgres

import (
	"context"
	"fmt"
	"time"

	"bulkmail/internal/store"

	"github.com/google/uuid"
)

// RecordDelivery writes the audit record of an accepted message. With the
// legacy log enabled the email_log row is written in the same transaction.
func (s *Store) RecordDelivery(ctx context.Context, d *store.Delivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertDelivery(ctx, tx, d); err != nil {
		return err
	}

	if s.legacyLog {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO email_log (owner_id, job_id, to_email, subject, sent_at)
			VALUES ($1, $2, $3, $4, $5)
		`, d.OwnerID, d.JobID, d.ToEmail, d.Subject, d.SentAt)
		if err != nil {
			return fmt.Errorf("failed to write email_log: %w", err)
		}
	}

	return tx.Commit()
}

func insertDelivery(ctx context.Context, tx store.DBTransaction, d *store.Delivery) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sent_messages (id, owner_id, job_id, to_email, subject, message_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.OwnerID, d.JobID, d.ToEmail, d.Subject, d.MessageID, d.SentAt)
	if err != nil {
		return fmt.Errorf("failed to write sent_messages: %w", err)
	}
	return nil
}

// ListDeliveries returns the owner's deliveries, newest first.
func (s *Store) ListDeliveries(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]store.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, job_id, to_email, subject, message_id, sent_at
		FROM sent_messages
		WHERE owner_id = $1
		ORDER BY sent_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]store.Delivery, 0)
	for rows.Next() {
		var d store.Delivery
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.JobID, &d.ToEmail, &d.Subject, &d.MessageID, &d.SentAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
