package meter

import (
	"errors"
	"fmt"
)

// ErrQueueFull reports that the local buffer is at capacity. The event
// that would have exceeded it is dropped; buffered events are never
// overwritten.
var ErrQueueFull = errors.New("meter: event queue is full")

// APIError reports a failed service call after retries were exhausted.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("meter: api error (status %d): %s", e.StatusCode, e.Message)
	}
	return "meter: api error: " + e.Message
}
