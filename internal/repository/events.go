package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"metering-service/internal/models"
)

// MaxBatchSize bounds a single transactional bulk insert.
const MaxBatchSize = 1000

// EventFilter narrows event reads. Zero values mean "no constraint";
// date bounds are closed on both sides.
type EventFilter struct {
	TenantID string
	Resource string
	Feature  string
	Start    *time.Time
	End      *time.Time
}

// eventFilterSQL renders the WHERE clause and argument list for a filter.
// Arguments are numbered from startArg.
func eventFilterSQL(f EventFilter, startArg int) (string, []interface{}) {
	clause := ""
	args := make([]interface{}, 0, 5)
	add := func(cond string, val interface{}) {
		args = append(args, val)
		if clause == "" {
			clause = "WHERE "
		} else {
			clause += " AND "
		}
		clause += fmt.Sprintf(cond, startArg+len(args)-1)
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if f.Feature != "" {
		add("feature = $%d", f.Feature)
	}
	if f.Start != nil {
		add("timestamp >= $%d", f.Start.UTC())
	}
	if f.End != nil {
		add("timestamp <= $%d", f.End.UTC())
	}
	return clause, args
}

func metadataJSON(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func scanMetadata(raw []byte, dst *map[string]interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// CreateEvent inserts a single event and fills in the assigned id and
// created_at. Quantity is checked here as well as at the wire boundary so
// no path can slip a non-positive row past the invariant.
func (r *Repository) CreateEvent(ctx context.Context, e *models.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	meta, err := metadataJSON(e.Metadata)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO metering.events (id, tenant_id, resource, feature, quantity, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.TenantID, e.Resource, e.Feature, e.Quantity, e.Timestamp.UTC(), meta).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// CreateEventBatch inserts up to MaxBatchSize events in one transaction.
// Either every row commits or none do.
func (r *Repository) CreateEventBatch(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return (&models.ValidationError{}).Add("events", "batch must contain at least 1 event")
	}
	if len(events) > MaxBatchSize {
		return (&models.ValidationError{}).Add("events", fmt.Sprintf("batch size %d exceeds the maximum of %d", len(events), MaxBatchSize))
	}

	ids := make([]string, len(events))
	tenants := make([]string, len(events))
	resources := make([]string, len(events))
	features := make([]string, len(events))
	quantities := make([]int64, len(events))
	timestamps := make([]time.Time, len(events))
	metadatas := make([][]byte, len(events))

	for i, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		meta, err := metadataJSON(e.Metadata)
		if err != nil {
			return err
		}
		ids[i] = e.ID
		tenants[i] = e.TenantID
		resources[i] = e.Resource
		features[i] = e.Feature
		quantities[i] = e.Quantity
		timestamps[i] = e.Timestamp.UTC()
		metadatas[i] = meta
	}

	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer dbtx.Rollback(ctx)

	rows, err := dbtx.Query(ctx, `
		INSERT INTO metering.events (id, tenant_id, resource, feature, quantity, timestamp, metadata)
		SELECT u.id, u.tenant_id, u.resource, u.feature, u.quantity, u.timestamp, u.metadata
		FROM UNNEST(
			$1::text[],        -- id
			$2::text[],        -- tenant_id
			$3::text[],        -- resource
			$4::text[],        -- feature
			$5::bigint[],      -- quantity
			$6::timestamptz[], -- timestamp
			$7::jsonb[]        -- metadata
		) AS u(id, tenant_id, resource, feature, quantity, timestamp, metadata)
		RETURNING id, created_at
	`, ids, tenants, resources, features, quantities, timestamps, metadatas)
	if err != nil {
		return fmt.Errorf("failed to bulk insert events: %w", err)
	}

	createdAt := make(map[string]time.Time, len(events))
	for rows.Next() {
		var (
			id string
			ts time.Time
		)
		if err := rows.Scan(&id, &ts); err != nil {
			rows.Close()
			return fmt.Errorf("scan inserted event: %w", err)
		}
		createdAt[id] = ts
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("bulk insert events: %w", err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch insert: %w", err)
	}

	for _, e := range events {
		e.CreatedAt = createdAt[e.ID]
	}
	return nil
}

// GetEventByID returns one event or models.ErrNotFound.
func (r *Repository) GetEventByID(ctx context.Context, id string) (*models.Event, error) {
	var (
		e    models.Event
		meta []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, resource, feature, quantity, timestamp, metadata, created_at
		FROM metering.events
		WHERE id = $1
	`, id).Scan(&e.ID, &e.TenantID, &e.Resource, &e.Feature, &e.Quantity, &e.Timestamp, &meta, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	if err := scanMetadata(meta, &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode event metadata %s: %w", id, err)
	}
	return &e, nil
}

// GetEvents returns one page ordered newest-first (timestamp, then id, both
// descending) plus the unpaged total. Pages are 1-indexed.
func (r *Repository) GetEvents(ctx context.Context, f EventFilter, page, pageSize int) ([]models.Event, int64, error) {
	if page < 1 {
		page = 1
	}

	where, args := eventFilterSQL(f, 1)

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM metering.events "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, resource, feature, quantity, timestamp, metadata, created_at
		FROM metering.events
		%s
		ORDER BY timestamp DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0, pageSize)
	for rows.Next() {
		var (
			e    models.Event
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Resource, &e.Feature, &e.Quantity, &e.Timestamp, &meta, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		if err := scanMetadata(meta, &e.Metadata); err != nil {
			return nil, 0, fmt.Errorf("decode event metadata %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate events: %w", err)
	}
	return events, total, nil
}

// GetUsageSummary sums quantity over the half-open [start, end) range.
// Resource and feature are optional narrowing filters.
func (r *Repository) GetUsageSummary(ctx context.Context, tenantID, resource, feature string, start, end time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(quantity), 0)
		FROM metering.events
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp < $3
	`
	args := []interface{}{tenantID, start.UTC(), end.UTC()}
	if resource != "" {
		args = append(args, resource)
		query += fmt.Sprintf(" AND resource = $%d", len(args))
	}
	if feature != "" {
		args = append(args, feature)
		query += fmt.Sprintf(" AND feature = $%d", len(args))
	}

	var total int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("usage summary for %s: %w", tenantID, err)
	}
	return total, nil
}
