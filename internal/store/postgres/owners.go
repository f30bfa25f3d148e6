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

// CreateOwner inserts an owner together with the hash of its API key.
func (s *Store) CreateOwner(ctx context.Context, owner *store.Owner, hashedKey string) error {
	if owner.ID == uuid.Nil {
		owner.ID = uuid.New()
	}
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owners (id, name, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, owner.ID, owner.Name, hashedKey, owner.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create owner: %w", err)
	}
	return nil
}

// GetOwnerByAPIKeyHash returns nil, nil when no owner has the key.
func (s *Store) GetOwnerByAPIKeyHash(ctx context.Context, hash string) (*store.Owner, error) {
	var o store.Owner

	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM owners WHERE api_key_hash = $1", hash,
	).Scan(&o.ID, &o.Name, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &o, nil
}
