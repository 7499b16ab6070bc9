// Package quota answers the admission question: given a candidate
// consumption, is the tenant still inside its configured limit? Evaluation
// is read-only; quota is consumed by ingest, never here.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"metering-service/internal/cache"
	"metering-service/internal/models"
	"metering-service/internal/timewindow"
)

// Unlimited is the limit and remaining value reported when no quota is
// configured for the requested key.
const Unlimited int64 = 999999

// QuotaSource resolves the active quota row for a key, most specific
// resource first.
type QuotaSource interface {
	GetActiveQuota(ctx context.Context, tenantID, resource, feature string) (*models.Quota, error)
}

// UsageSource sums persisted event quantities over a window. It backs the
// cold path when the live counter is missing.
type UsageSource interface {
	GetUsageSummary(ctx context.Context, tenantID, resource, feature string, start, end time.Time) (int64, error)
}

// Cache is the hot path for both quota config and usage counters.
type Cache interface {
	GetQuota(ctx context.Context, tenant, resource, feature string) (cache.QuotaEntry, bool, error)
	SetQuota(ctx context.Context, tenant, resource, feature string, entry cache.QuotaEntry) error
	GetUsage(ctx context.Context, tenant, resource, feature string, period timewindow.Kind, ts time.Time) (int64, bool, error)
	SetUsage(ctx context.Context, tenant, resource, feature string, period timewindow.Kind, ts time.Time, value int64) error
}

// Request is one admission check.
type Request struct {
	TenantID string
	Resource string
	Feature  string
	Quantity int64
	Period   timewindow.Kind
}

// Result reports the outcome. ResetAt is the wire end of the current
// window of the governing period.
type Result struct {
	Allowed      bool            `json:"allowed"`
	Remaining    int64           `json:"remaining"`
	Limit        int64           `json:"limit"`
	Period       timewindow.Kind `json:"period"`
	ResetAt      time.Time       `json:"reset_at"`
	CurrentUsage int64           `json:"current_usage"`
	Message      string          `json:"message,omitempty"`
}

type Evaluator struct {
	quotas QuotaSource
	events UsageSource
	cache  Cache
}

func NewEvaluator(quotas QuotaSource, events UsageSource, c Cache) *Evaluator {
	return &Evaluator{quotas: quotas, events: events, cache: c}
}

// Validate runs the admission check against the current window. Cache
// trouble degrades to the event store; only store errors surface.
func (e *Evaluator) Validate(ctx context.Context, req Request) (Result, error) {
	return e.validateAt(ctx, req, time.Now().UTC())
}

func (e *Evaluator) validateAt(ctx context.Context, req Request, now time.Time) (Result, error) {
	entry, ok, err := e.lookupQuota(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{
			Allowed:   true,
			Remaining: Unlimited,
			Limit:     Unlimited,
			Period:    req.Period,
			ResetAt:   timewindow.WireEnd(now, req.Period),
			Message:   "No quota configured",
		}, nil
	}

	// The configured period governs, not the one the caller declared.
	period := entry.Period
	usage, err := e.currentUsage(ctx, req, period, now)
	if err != nil {
		return Result{}, err
	}

	remaining := entry.Limit - usage
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:      remaining >= req.Quantity,
		Remaining:    remaining,
		Limit:        entry.Limit,
		Period:       period,
		ResetAt:      timewindow.WireEnd(now, period),
		CurrentUsage: usage,
	}
	if !res.Allowed {
		res.Message = fmt.Sprintf("Quota exceeded for feature '%s'. Current usage: %d/%d", req.Feature, usage, entry.Limit)
	}

	if entry.AlertThreshold > 0 && usage*100 >= entry.Limit*int64(entry.AlertThreshold) {
		log.Printf("[quota] tenant %s at %d/%d of %s %s quota (alert threshold %d%%)",
			req.TenantID, usage, entry.Limit, period, req.Feature, entry.AlertThreshold)
	}
	return res, nil
}

// lookupQuota resolves the governing quota, cache first. A missing quota is
// not an error and is not cached; only configured quotas are.
func (e *Evaluator) lookupQuota(ctx context.Context, req Request) (cache.QuotaEntry, bool, error) {
	entry, ok, err := e.cache.GetQuota(ctx, req.TenantID, req.Resource, req.Feature)
	if err != nil {
		log.Printf("[quota] config cache read failed: %v", err)
	} else if ok {
		return entry, true, nil
	}

	q, err := e.quotas.GetActiveQuota(ctx, req.TenantID, req.Resource, req.Feature)
	if errors.Is(err, models.ErrNotFound) {
		return cache.QuotaEntry{}, false, nil
	}
	if err != nil {
		return cache.QuotaEntry{}, false, fmt.Errorf("quota lookup: %w", err)
	}

	entry = cache.QuotaEntry{
		Limit:          q.LimitValue,
		Period:         timewindow.Kind(q.Period),
		AlertThreshold: q.AlertThreshold,
	}
	if err := e.cache.SetQuota(ctx, req.TenantID, req.Resource, req.Feature, entry); err != nil {
		log.Printf("[quota] config cache write failed: %v", err)
	}
	return entry, true, nil
}

// currentUsage reads the live counter for the window containing now,
// falling back to a durable sum on miss. The sum is written back with the
// period's TTL so the next check is hot.
func (e *Evaluator) currentUsage(ctx context.Context, req Request, period timewindow.Kind, now time.Time) (int64, error) {
	usage, ok, err := e.cache.GetUsage(ctx, req.TenantID, req.Resource, req.Feature, period, now)
	if err != nil {
		log.Printf("[quota] counter read failed, using store: %v", err)
	} else if ok {
		return usage, nil
	}

	start, end := timewindow.Window(now, period)
	sum, err := e.events.GetUsageSummary(ctx, req.TenantID, req.Resource, req.Feature, start, end)
	if err != nil {
		return 0, fmt.Errorf("usage summary: %w", err)
	}
	if err := e.cache.SetUsage(ctx, req.TenantID, req.Resource, req.Feature, period, now, sum); err != nil {
		log.Printf("[quota] counter write-back failed: %v", err)
	}
	return sum, nil
}
