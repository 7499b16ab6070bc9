// Package timewindow implements the window calculus shared by counters,
// aggregation and quota evaluation. Windows are half-open [start, end) in
// UTC; stored and serialized window ends are inclusive, one microsecond
// before the half-open boundary.
package timewindow

import (
	"fmt"
	"time"
)

// Kind labels a window period.
type Kind string

const (
	Hourly  Kind = "hourly"
	Daily   Kind = "daily"
	Monthly Kind = "monthly"
	Yearly  Kind = "yearly"
)

// Kinds lists every supported period, shortest first.
var Kinds = []Kind{Hourly, Daily, Monthly, Yearly}

// CounterKinds lists the periods the ingest path keeps live counters for.
var CounterKinds = Kinds

// AggregateKinds lists the periods the aggregation engine materializes.
// Yearly rollups are not queryable and are served from raw events.
var AggregateKinds = []Kind{Hourly, Daily, Monthly}

// wireInset is the gap between a half-open window boundary and the
// inclusive end that gets stored and serialized.
const wireInset = time.Microsecond

// Parse validates a period label.
func Parse(s string) (Kind, error) {
	switch Kind(s) {
	case Hourly, Daily, Monthly, Yearly:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown window period %q", s)
}

// Valid reports whether s names a supported period.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Start returns the beginning of the window containing ts.
func Start(ts time.Time, kind Kind) time.Time {
	ts = ts.UTC()
	switch kind {
	case Hourly:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), 0, 0, 0, time.UTC)
	case Daily:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Yearly:
		return time.Date(ts.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	// Unreachable for parsed kinds; fall back to the hourly floor.
	return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), 0, 0, 0, time.UTC)
}

// End returns the exclusive end of the window containing ts.
func End(ts time.Time, kind Kind) time.Time {
	start := Start(ts, kind)
	switch kind {
	case Hourly:
		return start.Add(time.Hour)
	case Daily:
		return start.AddDate(0, 0, 1)
	case Monthly:
		return start.AddDate(0, 1, 0)
	case Yearly:
		return start.AddDate(1, 0, 0)
	}
	return start.Add(time.Hour)
}

// Window returns the half-open [start, end) window containing ts.
func Window(ts time.Time, kind Kind) (time.Time, time.Time) {
	return Start(ts, kind), End(ts, kind)
}

// WireEnd returns the wire representation of the window end for ts:
// the exclusive boundary minus one microsecond.
func WireEnd(ts time.Time, kind Kind) time.Time {
	return End(ts, kind).Add(-wireInset)
}

// ToWire converts an exclusive window end to the wire convention.
func ToWire(end time.Time) time.Time {
	return end.Add(-wireInset)
}

// Next returns the start of the window after the one containing ts.
// Iteration must always advance through End so calendar-length windows
// step correctly.
func Next(ts time.Time, kind Kind) time.Time {
	return End(ts, kind)
}

// CounterSuffix formats the cache-key date segment for a window start.
// The layout is fixed at hour granularity; coarser windows collapse to
// hour 00 because the input is a normalized window start, never a raw
// event timestamp.
func CounterSuffix(windowStart time.Time) string {
	return windowStart.UTC().Format("2006-01-02-15")
}

// TTL returns the counter lifetime for a period: one window longer than
// the period itself so consumers reading a just-closed window still hit.
func TTL(kind Kind) time.Duration {
	switch kind {
	case Hourly:
		return 2 * time.Hour
	case Daily:
		return 48 * time.Hour
	case Monthly:
		return 32 * 24 * time.Hour
	case Yearly:
		return 366 * 24 * time.Hour
	}
	return 2 * time.Hour
}
