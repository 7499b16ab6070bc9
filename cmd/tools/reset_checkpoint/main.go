package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"metering-service/internal/timewindow"
)

// Deletes aggregation checkpoints so the worker recomputes from the oldest
// event on its next tick. Aggregate upserts are absolute overwrites, so a
// replay converges to the same rows; this is safe to run on a live service.
func main() {
	var window string
	flag.StringVar(&window, "window", "", "window type to reset (hourly, daily, monthly); default resets all")
	flag.Parse()

	if window != "" && !timewindow.Valid(window) {
		log.Fatalf("unknown window type %q", window)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = os.Getenv("DB_URL")
	}
	if databaseURL == "" {
		log.Fatal("DATABASE_URL or DB_URL is required")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("Unable to parse DB URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()

	var (
		tag   string
		count int64
	)
	if window == "" {
		cmdTag, err := pool.Exec(ctx, "DELETE FROM metering.aggregation_checkpoints")
		if err != nil {
			log.Fatalf("Failed to delete checkpoints: %v", err)
		}
		tag, count = "all window types", cmdTag.RowsAffected()
	} else {
		cmdTag, err := pool.Exec(ctx, "DELETE FROM metering.aggregation_checkpoints WHERE window_type = $1", window)
		if err != nil {
			log.Fatalf("Failed to delete checkpoint: %v", err)
		}
		tag, count = fmt.Sprintf("window type '%s'", window), cmdTag.RowsAffected()
	}

	if count == 0 {
		fmt.Printf("No checkpoint found for %s. It might have already been reset or never existed.\n", tag)
	} else {
		fmt.Printf("Deleted %d checkpoint(s) for %s. The aggregation worker will recompute from the oldest event on its next tick.\n", count, tag)
	}
}
