package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"metering-service/internal/models"
)

// AggregateFilter narrows rollup reads. WindowType, Start and End are
// required; the window bounds compare against the stored wire columns
// (window_start >= Start, window_end <= End).
type AggregateFilter struct {
	WindowType string
	Start      time.Time
	End        time.Time
	TenantID   string
	Resource   string
	Feature    string
}

// UsageGroup is one (tenant, resource, feature) bucket of a window scan.
type UsageGroup struct {
	TenantID      string
	Resource      string
	Feature       string
	TotalQuantity int64
	EventCount    int64
}

// GroupUsage folds raw events in the half-open [start, end) range into
// per-(tenant, resource, feature) sums. The range is one window; callers
// iterate windows.
func (r *Repository) GroupUsage(ctx context.Context, start, end time.Time) ([]UsageGroup, error) {
	rows, err := r.db.Query(ctx, `
		SELECT tenant_id, resource, feature, COALESCE(SUM(quantity), 0), COUNT(*)
		FROM metering.events
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY tenant_id, resource, feature
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("group usage [%s, %s): %w", start, end, err)
	}
	defer rows.Close()

	var groups []UsageGroup
	for rows.Next() {
		var g UsageGroup
		if err := rows.Scan(&g.TenantID, &g.Resource, &g.Feature, &g.TotalQuantity, &g.EventCount); err != nil {
			return nil, fmt.Errorf("scan usage group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage groups: %w", err)
	}
	return groups, nil
}

// UpsertAggregates writes rollup rows in chunks. The value columns are
// overwritten, never added to: recomputing a window is idempotent.
func (r *Repository) UpsertAggregates(ctx context.Context, aggs []models.Aggregate, chunkSize int) error {
	if len(aggs) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	for offset := 0; offset < len(aggs); offset += chunkSize {
		chunk := aggs[offset:min(offset+chunkSize, len(aggs))]

		ids := make([]string, len(chunk))
		tenants := make([]string, len(chunk))
		resources := make([]string, len(chunk))
		features := make([]string, len(chunk))
		windowTypes := make([]string, len(chunk))
		windowStarts := make([]time.Time, len(chunk))
		windowEnds := make([]time.Time, len(chunk))
		totals := make([]int64, len(chunk))
		counts := make([]int64, len(chunk))

		for i, a := range chunk {
			id := a.ID
			if id == "" {
				id = uuid.NewString()
			}
			ids[i] = id
			tenants[i] = a.TenantID
			resources[i] = a.Resource
			features[i] = a.Feature
			windowTypes[i] = a.WindowType
			windowStarts[i] = a.WindowStart.UTC()
			windowEnds[i] = a.WindowEnd.UTC()
			totals[i] = a.TotalQuantity
			counts[i] = a.EventCount
		}

		_, err := r.db.Exec(ctx, `
			INSERT INTO metering.aggregates (
				id, tenant_id, resource, feature,
				window_type, window_start, window_end,
				total_quantity, event_count, updated_at
			)
			SELECT
				u.id, u.tenant_id, u.resource, u.feature,
				u.window_type, u.window_start, u.window_end,
				u.total_quantity, u.event_count, NOW()
			FROM UNNEST(
				$1::text[],        -- id
				$2::text[],        -- tenant_id
				$3::text[],        -- resource
				$4::text[],        -- feature
				$5::text[],        -- window_type
				$6::timestamptz[], -- window_start
				$7::timestamptz[], -- window_end
				$8::bigint[],      -- total_quantity
				$9::bigint[]       -- event_count
			) AS u(
				id, tenant_id, resource, feature,
				window_type, window_start, window_end,
				total_quantity, event_count
			)
			ON CONFLICT (tenant_id, resource, feature, window_type, window_start, window_end) DO UPDATE SET
				total_quantity = EXCLUDED.total_quantity,
				event_count = EXCLUDED.event_count,
				updated_at = NOW()
		`, ids, tenants, resources, features, windowTypes, windowStarts, windowEnds, totals, counts)
		if err != nil {
			return fmt.Errorf("failed to bulk upsert aggregates: %w", err)
		}
	}
	return nil
}

// GetAggregates reads rollup rows matching the filter, ordered by window
// start and grouping key.
func (r *Repository) GetAggregates(ctx context.Context, f AggregateFilter) ([]models.Aggregate, error) {
	query := `
		SELECT id, tenant_id, resource, feature, window_type, window_start, window_end,
		       total_quantity, event_count, updated_at
		FROM metering.aggregates
		WHERE window_type = $1 AND window_start >= $2 AND window_end <= $3
	`
	args := []interface{}{f.WindowType, f.Start.UTC(), f.End.UTC()}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if f.Resource != "" {
		args = append(args, f.Resource)
		query += fmt.Sprintf(" AND resource = $%d", len(args))
	}
	if f.Feature != "" {
		args = append(args, f.Feature)
		query += fmt.Sprintf(" AND feature = $%d", len(args))
	}
	query += " ORDER BY window_start, tenant_id, resource, feature"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []models.Aggregate
	for rows.Next() {
		var a models.Aggregate
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Resource, &a.Feature, &a.WindowType,
			&a.WindowStart, &a.WindowEnd, &a.TotalQuantity, &a.EventCount, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}
	return aggs, nil
}
