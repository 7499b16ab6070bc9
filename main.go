package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"metering-service/internal/aggregator"
	"metering-service/internal/api"
	"metering-service/internal/cache"
	"metering-service/internal/config"
	"metering-service/internal/ingest"
	"metering-service/internal/quota"
	"metering-service/internal/repository"
)

func main() {
	cfg := config.FromEnv()

	log.Println("Initializing Metering Service...")
	log.Printf("DB: %s", redactURL(cfg.DatabaseURL))
	log.Printf("Redis: %s", redactURL(cfg.RedisURL))

	// 1. Durable store
	repo, err := repository.NewRepository(cfg.DatabaseURL, cfg.DBPoolSize, cfg.DBMaxOverflow)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// Auto-migration (skip with SKIP_MIGRATION=true when another instance owns the schema)
	if cfg.SkipMigration {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate(context.Background(), cfg.SchemaPath); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	// 2. Live counters. Every caller degrades to the durable store when
	// Redis is down, so an unreachable cache is a warning, not a crash.
	redisClient, err := cache.Connect(cfg.RedisURL, cfg.RedisPoolSize)
	if err != nil {
		log.Fatalf("Invalid Redis configuration: %v", err)
	}
	counters := cache.NewService(redisClient)
	defer counters.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := counters.Ping(pingCtx); err != nil {
		log.Printf("Warning: Redis unreachable at startup: %v", err)
	}
	pingCancel()

	// 3. Services
	ingestService := ingest.NewService(repo, counters)
	engine := aggregator.NewEngine(repo, repo, counters, cfg.AggregationBatchSize)
	aggService := aggregator.NewService(engine, repo)
	evaluator := quota.NewEvaluator(repo, repo, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	debug := strings.EqualFold(cfg.LogLevel, "debug")
	worker := aggregator.NewWorker(engine, repo, cfg.AggregationInterval, debug)
	worker.Start(ctx)

	// 4. API server
	apiServer := api.NewServer(api.Deps{
		Ingest:     ingestService,
		Events:     repo,
		Aggregates: aggService,
		Validator:  evaluator,
		Keys:       repo,
		DB:         repo,
		Cache:      counters,
	}, cfg.ListenAddr())

	go func() {
		log.Printf("API server listening on %s", cfg.ListenAddr())
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	// Block until shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	cancel()
	worker.Stop()
}

func redactURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)(\S+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
