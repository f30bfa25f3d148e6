package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bulkmail/internal/store"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// RecordDelivery writes the audit record, and the legacy email_log row in the
// same transaction when enabled.
func (s *Store) RecordDelivery(ctx context.Context, d *store.Delivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.SentAt.IsZero() {
		d.SentAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sent_messages (id, owner_id, job_id, to_email, subject, message_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID.String(), d.OwnerID.String(), d.JobID.String(), d.ToEmail, d.Subject, d.MessageID, millis(d.SentAt))
	if err != nil {
		return fmt.Errorf("failed to write sent_messages: %w", err)
	}

	if s.legacyLog {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO email_log (owner_id, job_id, to_email, subject, sent_at)
			VALUES (?, ?, ?, ?, ?)
		`, d.OwnerID.String(), d.JobID.String(), d.ToEmail, d.Subject, millis(d.SentAt))
		if err != nil {
			return fmt.Errorf("failed to write email_log: %w", err)
		}
	}

	return tx.Commit()
}

// ListDeliveries returns the owner's deliveries, newest first.
func (s *Store) ListDeliveries(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]store.Delivery, error) {
	query, args, err := sq.Select("id", "owner_id", "job_id", "to_email", "subject", "message_id", "sent_at").
		From("sent_messages").
		Where(sq.Eq{"owner_id": ownerID.String()}).
		OrderBy("sent_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build deliveries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]store.Delivery, 0)
	for rows.Next() {
		var (
			d                store.Delivery
			id, owner, jobID string
			sentAt           int64
		)
		if err := rows.Scan(&id, &owner, &jobID, &d.ToEmail, &d.Subject, &d.MessageID, &sentAt); err != nil {
			return nil, err
		}
		d.ID, _ = uuid.Parse(id)
		d.OwnerID, _ = uuid.Parse(owner)
		d.JobID, _ = uuid.Parse(jobID)
		d.SentAt = time.UnixMilli(sentAt).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// LegacyLogCount returns the number of email_log rows of the owner.
func (s *Store) LegacyLogCount(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM email_log WHERE owner_id = ?", ownerID.String()).Scan(&n)
	return n, err
}

// CreateOwner inserts an owner together with the hash of its API key.
func (s *Store) CreateOwner(ctx context.Context, owner *store.Owner, hashedKey string) error {
	if owner.ID == uuid.Nil {
		owner.ID = uuid.New()
	}
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO owners (id, name, api_key_hash, created_at) VALUES (?, ?, ?, ?)",
		owner.ID.String(), owner.Name, hashedKey, millis(owner.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create owner: %w", err)
	}
	return nil
}

// GetOwnerByAPIKeyHash returns nil, nil when no owner has the key.
func (s *Store) GetOwnerByAPIKeyHash(ctx context.Context, hash string) (*store.Owner, error) {
	var (
		o         store.Owner
		id        string
		createdAt int64
	)

	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM owners WHERE api_key_hash = ?", hash,
	).Scan(&id, &o.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if o.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &o, nil
}
