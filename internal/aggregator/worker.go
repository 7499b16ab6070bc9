package aggregator

import (
	"context"
	"log"
	"sync"
	"time"

	"metering-service/internal/timewindow"
)

// CheckpointStore remembers how far each window type has been aggregated.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, windowType string) (time.Time, bool, error)
	SaveCheckpoint(ctx context.Context, windowType string, ts time.Time) error
}

// Worker drives the engine on a timer. Each tick recomputes every window
// from the stored checkpoint up to now, for hourly, daily and monthly
// rollups. The checkpoint is held back to the window containing
// now−interval, so a window stays recomputable for at least one tick after
// it closes and late ingests are folded in.
type Worker struct {
	engine      *Engine
	checkpoints CheckpointStore
	interval    time.Duration
	debug       bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWorker(engine *Engine, checkpoints CheckpointStore, interval time.Duration, debug bool) *Worker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Worker{
		engine:      engine,
		checkpoints: checkpoints,
		interval:    interval,
		debug:       debug,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the aggregation loop. One pass runs immediately so a fresh
// deploy serves warm rollups without waiting a full interval.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[aggregator] worker started (interval: %s)", w.interval)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()

	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[aggregator] stopping...")
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) tick(ctx context.Context) {
	now := time.Now().UTC()
	horizon := now.Add(-w.interval)

	for _, kind := range timewindow.AggregateKinds {
		if err := w.aggregateKind(ctx, kind, now, horizon); err != nil {
			log.Printf("[aggregator] %s pass failed: %v", kind, err)
		}
	}
}

func (w *Worker) aggregateKind(ctx context.Context, kind timewindow.Kind, now, horizon time.Time) error {
	from, ok, err := w.checkpoints.LoadCheckpoint(ctx, string(kind))
	if err != nil {
		return err
	}
	if !ok {
		// First run: no backfill, begin with the window that is open now.
		from = timewindow.Start(now, kind)
	}

	rows, resume, err := w.engine.ComputeRange(ctx, kind, from, now)
	if err != nil {
		return err
	}

	// Never advance past the window containing the horizon; it may still
	// receive racing ingests and must be recomputed next tick.
	next := timewindow.Start(horizon, kind)
	if resume.Before(next) {
		next = resume
	}
	if err := w.checkpoints.SaveCheckpoint(ctx, string(kind), next); err != nil {
		return err
	}

	if len(rows) > 0 {
		log.Printf("[aggregator] %s: upserted %d rows for [%s, %s)",
			kind, len(rows), timewindow.Start(from, kind).Format(time.RFC3339), resume.Format(time.RFC3339))
	} else if w.debug {
		log.Printf("[aggregator] %s: nothing to do for [%s, %s)",
			kind, timewindow.Start(from, kind).Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return nil
}
