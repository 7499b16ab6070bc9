// Package aggregator folds raw events into per-window rollup rows. The
// computation is absolute: a window is always recomputed from the durable
// log and the row overwritten, so running it twice is harmless and racing
// an ingest only delays the correct value by one pass.
package aggregator

import (
	"context"
	"fmt"
	"log"
	"time"

	"metering-service/internal/models"
	"metering-service/internal/repository"
	"metering-service/internal/timewindow"
)

// maxWindowsPerCompute bounds one compute call: a month of hourly windows.
const maxWindowsPerCompute = 744

// EventSource feeds the engine grouped usage for one window.
type EventSource interface {
	GroupUsage(ctx context.Context, start, end time.Time) ([]repository.UsageGroup, error)
}

// AggregateStore persists and serves rollup rows.
type AggregateStore interface {
	UpsertAggregates(ctx context.Context, aggs []models.Aggregate, chunkSize int) error
	GetAggregates(ctx context.Context, f repository.AggregateFilter) ([]models.Aggregate, error)
}

// RollupCache receives computed rows for fast readers.
type RollupCache interface {
	SetAggregate(ctx context.Context, tenant, resource, feature string, windowType timewindow.Kind, windowStart time.Time, total, count int64) error
}

// Engine computes rollups window by window.
type Engine struct {
	events    EventSource
	store     AggregateStore
	cache     RollupCache
	chunkSize int
}

func NewEngine(events EventSource, store AggregateStore, cache RollupCache, chunkSize int) *Engine {
	return &Engine{events: events, store: store, cache: cache, chunkSize: chunkSize}
}

// ComputeRange recomputes every window of the given kind overlapping
// [from, to), in order, and returns the upserted rows together with the
// resume point (the end of the last window processed). Iteration advances
// through the window-end function so calendar windows step correctly, and
// is capped at maxWindowsPerCompute.
func (e *Engine) ComputeRange(ctx context.Context, kind timewindow.Kind, from, to time.Time) ([]models.Aggregate, time.Time, error) {
	cur := timewindow.Start(from, kind)
	to = to.UTC()

	var out []models.Aggregate
	windows := 0
	for cur.Before(to) {
		if windows >= maxWindowsPerCompute {
			log.Printf("[aggregator] %s compute truncated at %d windows (resume at %s)", kind, windows, cur.Format(time.RFC3339))
			break
		}
		end := timewindow.End(cur, kind)

		groups, err := e.events.GroupUsage(ctx, cur, end)
		if err != nil {
			return nil, cur, fmt.Errorf("group usage for %s window %s: %w", kind, cur.Format(time.RFC3339), err)
		}

		rows := make([]models.Aggregate, 0, len(groups))
		for _, g := range groups {
			rows = append(rows, models.Aggregate{
				TenantID:      g.TenantID,
				Resource:      g.Resource,
				Feature:       g.Feature,
				WindowType:    string(kind),
				WindowStart:   cur,
				WindowEnd:     timewindow.ToWire(end),
				TotalQuantity: g.TotalQuantity,
				EventCount:    g.EventCount,
			})
		}

		if len(rows) > 0 {
			if err := e.store.UpsertAggregates(ctx, rows, e.chunkSize); err != nil {
				return nil, cur, fmt.Errorf("upsert %s window %s: %w", kind, cur.Format(time.RFC3339), err)
			}
			e.publish(ctx, kind, rows)
			out = append(out, rows...)
		}

		cur = end
		windows++
	}
	return out, cur, nil
}

// publish pushes fresh rows to the aggregate cache. Cache trouble never
// fails a computation.
func (e *Engine) publish(ctx context.Context, kind timewindow.Kind, rows []models.Aggregate) {
	for _, a := range rows {
		err := e.cache.SetAggregate(ctx, a.TenantID, a.Resource, a.Feature, kind, a.WindowStart, a.TotalQuantity, a.EventCount)
		if err != nil {
			log.Printf("[aggregator] cache publish failed tenant=%s window=%s: %v", a.TenantID, a.WindowStart.Format(time.RFC3339), err)
		}
	}
}

// Query names an aggregate read. Window bounds are required.
type Query struct {
	WindowType timewindow.Kind
	Start      time.Time
	End        time.Time
	TenantID   string
	Resource   string
	Feature    string
}

// Summary totals the returned rows.
type Summary struct {
	TotalQuantity int64 `json:"total_quantity"`
	TotalEvents   int64 `json:"total_events"`
}

// Service answers aggregate queries, falling back to an on-the-fly
// computation when the store has no rows for the range yet. The fallback
// persists what it computes, so an unaggregated range is warmed by the
// first read.
type Service struct {
	engine *Engine
	store  AggregateStore
}

func NewService(engine *Engine, store AggregateStore) *Service {
	return &Service{engine: engine, store: store}
}

func (s *Service) GetAggregates(ctx context.Context, q Query) ([]models.Aggregate, Summary, error) {
	rows, err := s.store.GetAggregates(ctx, repository.AggregateFilter{
		WindowType: string(q.WindowType),
		Start:      q.Start,
		End:        q.End,
		TenantID:   q.TenantID,
		Resource:   q.Resource,
		Feature:    q.Feature,
	})
	if err != nil {
		return nil, Summary{}, err
	}

	if len(rows) == 0 {
		computed, _, err := s.engine.ComputeRange(ctx, q.WindowType, q.Start, q.End)
		if err != nil {
			return nil, Summary{}, err
		}
		for _, a := range computed {
			if q.TenantID != "" && a.TenantID != q.TenantID {
				continue
			}
			if q.Resource != "" && a.Resource != q.Resource {
				continue
			}
			if q.Feature != "" && a.Feature != q.Feature {
				continue
			}
			rows = append(rows, a)
		}
	}

	var sum Summary
	for _, a := range rows {
		sum.TotalQuantity += a.TotalQuantity
		sum.TotalEvents += a.EventCount
	}
	return rows, sum, nil
}
