package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// LoadCheckpoint returns the resume point for a window type's aggregation
// loop. ok=false when the worker has never run for that type.
func (r *Repository) LoadCheckpoint(ctx context.Context, windowType string) (time.Time, bool, error) {
	var ts time.Time
	err := r.db.QueryRow(ctx, `
		SELECT last_window_start FROM metering.aggregation_checkpoints WHERE window_type = $1
	`, windowType).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load checkpoint %s: %w", windowType, err)
	}
	return ts, true, nil
}

// SaveCheckpoint records how far aggregation has advanced for a window type.
func (r *Repository) SaveCheckpoint(ctx context.Context, windowType string, ts time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO metering.aggregation_checkpoints (window_type, last_window_start, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (window_type) DO UPDATE SET
			last_window_start = EXCLUDED.last_window_start,
			updated_at = NOW()
	`, windowType, ts.UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", windowType, err)
	}
	return nil
}
