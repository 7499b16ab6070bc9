package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"metering-service/internal/models"
)

// LookupAPIKey fetches the credential row for a hashed secret. Activity
// and expiry policy belong to the auth layer; this is a plain read.
func (r *Repository) LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var k models.APIKey
	err := r.db.QueryRow(ctx, `
		SELECT id, name, key_hash, tenant_id, is_active, created_at, last_used_at, expires_at
		FROM metering.api_keys
		WHERE key_hash = $1
	`, keyHash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.TenantID, &k.IsActive, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return &k, nil
}

// TouchAPIKeyUsage records a successful authentication. Only valid keys
// ever reach this write.
func (r *Repository) TouchAPIKeyUsage(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE metering.api_keys SET last_used_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("touch api key %s: %w", id, err)
	}
	return nil
}

// CreateAPIKey stores a new credential (hash only). Used by the key tool.
func (r *Repository) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO metering.api_keys (id, name, key_hash, tenant_id, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, k.ID, k.Name, k.KeyHash, k.TenantID, k.IsActive, k.ExpiresAt).Scan(&k.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}
