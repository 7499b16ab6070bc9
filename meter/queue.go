package meter

import "sync"

// Queue is the bounded in-memory buffer between instrumented code and the
// transport. Producers and the single draining worker share it; when it is
// full new events are refused, never overwriting buffered ones.
type Queue struct {
	mu       sync.Mutex
	items    []Event
	capacity int
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Queue{capacity: capacity}
}

// Add appends an event, or returns ErrQueueFull when the buffer is at
// capacity. The caller decides whether the drop is worth more than a
// warning.
func (q *Queue) Add(e Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, e)
	return nil
}

// GetBatch removes and returns up to n events in FIFO order. An empty
// queue returns nil.
func (q *Queue) GetBatch(n int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]Event, n)
	copy(batch, q.items)
	rest := copy(q.items, q.items[n:])
	q.items = q.items[:rest]
	return batch
}

// Requeue puts events back after a failed send, keeping as many as fit.
// It returns the number dropped past capacity.
func (q *Queue) Requeue(events []Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for _, e := range events {
		if len(q.items) >= q.capacity {
			dropped++
			continue
		}
		q.items = append(q.items, e)
	}
	return dropped
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every buffered event.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}
