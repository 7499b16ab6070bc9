// Package ingest coordinates the write path: live counters first, then the
// durable insert. The insert is authoritative; counter failures degrade to
// a logged alert while an insert failure fails the whole request.
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"metering-service/internal/models"
	"metering-service/internal/repository"
	"metering-service/internal/timewindow"
)

// EventStore is the durable side of ingest.
type EventStore interface {
	CreateEvent(ctx context.Context, e *models.Event) error
	CreateEventBatch(ctx context.Context, events []*models.Event) error
}

// UsageCounter is the live side of ingest.
type UsageCounter interface {
	IncrementUsage(ctx context.Context, tenant, resource, feature string, period timewindow.Kind, ts time.Time, delta int64) (int64, error)
}

type Service struct {
	store    EventStore
	counters UsageCounter
}

func NewService(store EventStore, counters UsageCounter) *Service {
	return &Service{store: store, counters: counters}
}

// IngestEvent accepts one event. Validation happens before any side
// effect; a rejected event leaves no row and no counter movement.
func (s *Service) IngestEvent(ctx context.Context, e *models.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Timestamp = e.Timestamp.UTC()
	if err := e.Validate(); err != nil {
		return err
	}

	s.bumpCounters(ctx, e)

	if err := s.store.CreateEvent(ctx, e); err != nil {
		// Counters already moved; their TTL bounds the drift and the
		// next aggregation pass recomputes from the durable log.
		return fmt.Errorf("persist event: %w", err)
	}
	return nil
}

// IngestBatch accepts 1..MaxBatchSize events atomically. Every event is
// validated up front so an invalid row aborts before any side effect.
func (s *Service) IngestBatch(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return (&models.ValidationError{}).Add("events", "batch must contain at least 1 event")
	}
	if len(events) > repository.MaxBatchSize {
		return (&models.ValidationError{}).Add("events",
			fmt.Sprintf("batch size %d exceeds the maximum of %d", len(events), repository.MaxBatchSize))
	}

	now := time.Now().UTC()
	for _, e := range events {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		e.Timestamp = e.Timestamp.UTC()
		if err := e.Validate(); err != nil {
			return err
		}
	}

	for _, e := range events {
		s.bumpCounters(ctx, e)
	}

	if err := s.store.CreateEventBatch(ctx, events); err != nil {
		return fmt.Errorf("persist batch: %w", err)
	}
	return nil
}

// bumpCounters advances every period counter for the window containing
// the event's own timestamp. Best-effort: failures are alerts, not errors.
func (s *Service) bumpCounters(ctx context.Context, e *models.Event) {
	for _, period := range timewindow.CounterKinds {
		if _, err := s.counters.IncrementUsage(ctx, e.TenantID, e.Resource, e.Feature, period, e.Timestamp, e.Quantity); err != nil {
			log.Printf("[ingest] counter increment failed tenant=%s resource=%s feature=%s period=%s: %v",
				e.TenantID, e.Resource, e.Feature, period, err)
		}
	}
}
