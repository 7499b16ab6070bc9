package repository

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository owns the PostgreSQL pool shared by every store. All metering
// tables live in the 'metering' schema.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository connects a pool sized poolSize+maxOverflow. Connections are
// pinged on acquire so a dead backend never reaches a request handler.
func NewRepository(dbURL string, poolSize, maxOverflow int) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	if poolSize > 0 {
		config.MaxConns = int32(poolSize + maxOverflow)
	}

	// Recycle connections periodically so stale ones do not survive
	// across deploys.
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	config.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return conn.Ping(ctx) == nil
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Repository{db: pool}, nil
}

// Migrate executes the schema file. The script is idempotent
// (CREATE ... IF NOT EXISTS throughout).
func (r *Repository) Migrate(ctx context.Context, schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := r.db.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity for health reporting.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *Repository) Close() {
	r.db.Close()
}
