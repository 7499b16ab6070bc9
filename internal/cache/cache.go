// Package cache wraps Redis with the metering key layout. The key format
// is a published contract; operators inspect counters directly:
//
//	meter:counter:{tenant}:{resource}:{feature}:{period}:{YYYY-MM-DD-HH}
//	meter:aggregate:{tenant}:{resource}:{feature}:{window_type}:{YYYY-MM-DD-HH}
//	meter:quota:{tenant}:{resource}:{feature}
//
// The date suffix is always derived from the normalized window start, so
// non-hourly windows collapse to hour 00.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"metering-service/internal/timewindow"
)

const (
	keyPrefix    = "meter"
	aggregateTTL = time.Hour
	quotaTTL     = 5 * time.Minute
)

// Connect builds a Redis client from a redis:// URL with the configured
// pool size. The connection is verified lazily; callers ping explicitly.
func Connect(url string, poolSize int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	return redis.NewClient(opts), nil
}

// Service exposes the counter, aggregate and quota caches.
type Service struct {
	client *redis.Client
}

func NewService(client *redis.Client) *Service {
	return &Service{client: client}
}

// CounterKey builds the published counter key for the window containing ts.
func CounterKey(tenant, resource, feature string, period timewindow.Kind, ts time.Time) string {
	start := timewindow.Start(ts, period)
	return fmt.Sprintf("%s:counter:%s:%s:%s:%s:%s",
		keyPrefix, tenant, resource, feature, period, timewindow.CounterSuffix(start))
}

func aggregateKey(tenant, resource, feature string, windowType timewindow.Kind, windowStart time.Time) string {
	return fmt.Sprintf("%s:aggregate:%s:%s:%s:%s:%s",
		keyPrefix, tenant, resource, feature, windowType, timewindow.CounterSuffix(windowStart))
}

func quotaKey(tenant, resource, feature string) string {
	return fmt.Sprintf("%s:quota:%s:%s:%s", keyPrefix, tenant, resource, feature)
}

// IncrementUsage atomically adds delta to the counter for the window
// containing ts and returns the new value. The TTL is (re)set on every
// call; only the first set matters, later ones merely refresh it.
func (s *Service) IncrementUsage(ctx context.Context, tenant, resource, feature string, period timewindow.Kind, ts time.Time, delta int64) (int64, error) {
	key := CounterKey(tenant, resource, feature, period, ts)
	val, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if err := s.client.Expire(ctx, key, timewindow.TTL(period)).Err(); err != nil {
		return val, fmt.Errorf("expire %s: %w", key, err)
	}
	return val, nil
}

// GetUsage reads the counter for the window containing ts. Absence is
// distinct from zero: a missing key returns ok=false.
func (s *Service) GetUsage(ctx context.Context, tenant, resource, feature string, period timewindow.Kind, ts time.Time) (int64, bool, error) {
	key := CounterKey(tenant, resource, feature, period, ts)
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse counter %s=%q: %w", key, raw, err)
	}
	return val, true, nil
}

// SetUsage overwrites the counter for the window containing ts with the
// period TTL. Used by the quota evaluator's cold-path write-back so the
// durable sum becomes the counter baseline.
func (s *Service) SetUsage(ctx context.Context, tenant, resource, feature string, period timewindow.Kind, ts time.Time, value int64) error {
	key := CounterKey(tenant, resource, feature, period, ts)
	if err := s.client.Set(ctx, key, value, timewindow.TTL(period)).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetAggregate publishes a computed rollup as "total:count".
func (s *Service) SetAggregate(ctx context.Context, tenant, resource, feature string, windowType timewindow.Kind, windowStart time.Time, total, count int64) error {
	key := aggregateKey(tenant, resource, feature, windowType, windowStart)
	val := fmt.Sprintf("%d:%d", total, count)
	if err := s.client.Set(ctx, key, val, aggregateTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetAggregate reads a published rollup. ok=false on a miss.
func (s *Service) GetAggregate(ctx context.Context, tenant, resource, feature string, windowType timewindow.Kind, windowStart time.Time) (int64, int64, bool, error) {
	key := aggregateKey(tenant, resource, feature, windowType, windowStart)
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	totalStr, countStr, found := strings.Cut(raw, ":")
	if !found {
		return 0, 0, false, fmt.Errorf("malformed aggregate %s=%q", key, raw)
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse aggregate total %q: %w", raw, err)
	}
	count, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse aggregate count %q: %w", raw, err)
	}
	return total, count, true, nil
}

// QuotaEntry is the cached quota configuration, stored as
// "limit:period:alert_threshold".
type QuotaEntry struct {
	Limit          int64
	Period         timewindow.Kind
	AlertThreshold int
}

// SetQuota caches a resolved quota configuration for 5 minutes. The key
// carries the request's resource segment so a wildcard row cached for one
// resource never shadows a more specific row for another.
func (s *Service) SetQuota(ctx context.Context, tenant, resource, feature string, entry QuotaEntry) error {
	key := quotaKey(tenant, resource, feature)
	val := fmt.Sprintf("%d:%s:%d", entry.Limit, entry.Period, entry.AlertThreshold)
	if err := s.client.Set(ctx, key, val, quotaTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetQuota reads a cached quota configuration. ok=false on a miss.
func (s *Service) GetQuota(ctx context.Context, tenant, resource, feature string) (QuotaEntry, bool, error) {
	key := quotaKey(tenant, resource, feature)
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return QuotaEntry{}, false, nil
	}
	if err != nil {
		return QuotaEntry{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return QuotaEntry{}, false, fmt.Errorf("malformed quota %s=%q", key, raw)
	}
	limit, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return QuotaEntry{}, false, fmt.Errorf("parse quota limit %q: %w", raw, err)
	}
	period, err := timewindow.Parse(parts[1])
	if err != nil {
		return QuotaEntry{}, false, fmt.Errorf("parse quota period %q: %w", raw, err)
	}
	threshold, err := strconv.Atoi(parts[2])
	if err != nil {
		return QuotaEntry{}, false, fmt.Errorf("parse quota threshold %q: %w", raw, err)
	}
	return QuotaEntry{Limit: limit, Period: period, AlertThreshold: threshold}, true, nil
}

// Ping verifies cache connectivity for health reporting.
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Service) Close() error {
	return s.client.Close()
}
