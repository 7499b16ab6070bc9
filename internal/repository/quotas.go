package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"metering-service/internal/models"
)

// GetActiveQuota resolves the quota governing (tenant, resource, feature).
// When both a resource-specific row and a wildcard (NULL resource) row are
// active, the specific one wins; among equally specific rows the newest
// wins. Returns models.ErrNotFound when nothing matches.
func (r *Repository) GetActiveQuota(ctx context.Context, tenantID, resource, feature string) (*models.Quota, error) {
	var q models.Quota
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, resource, feature, limit_value, period,
		       alert_threshold, is_active, created_at, updated_at
		FROM metering.quotas
		WHERE tenant_id = $1 AND feature = $2 AND is_active
		  AND (resource = $3 OR resource IS NULL)
		ORDER BY (resource IS NULL), created_at DESC
		LIMIT 1
	`, tenantID, feature, resource).Scan(
		&q.ID, &q.TenantID, &q.Resource, &q.Feature, &q.LimitValue, &q.Period,
		&q.AlertThreshold, &q.IsActive, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve quota %s/%s/%s: %w", tenantID, resource, feature, err)
	}
	return &q, nil
}

// CreateQuota inserts a quota row. Used by the seed tool and tests; quota
// administration has no HTTP surface.
func (r *Repository) CreateQuota(ctx context.Context, q *models.Quota) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.AlertThreshold == 0 {
		q.AlertThreshold = 80
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO metering.quotas (id, tenant_id, resource, feature, limit_value, period, alert_threshold, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, q.ID, q.TenantID, q.Resource, q.Feature, q.LimitValue, q.Period, q.AlertThreshold, q.IsActive).
		Scan(&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert quota: %w", err)
	}
	return nil
}

// ListQuotas returns every quota row for a tenant, newest first.
func (r *Repository) ListQuotas(ctx context.Context, tenantID string) ([]models.Quota, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, resource, feature, limit_value, period,
		       alert_threshold, is_active, created_at, updated_at
		FROM metering.quotas
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list quotas for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var quotas []models.Quota
	for rows.Next() {
		var q models.Quota
		if err := rows.Scan(&q.ID, &q.TenantID, &q.Resource, &q.Feature, &q.LimitValue, &q.Period,
			&q.AlertThreshold, &q.IsActive, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan quota: %w", err)
		}
		quotas = append(quotas, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quotas: %w", err)
	}
	return quotas, nil
}
