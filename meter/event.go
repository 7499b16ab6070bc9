package meter

import "time"

// Event is one usage sample. Quantity zero means one; a zero Timestamp is
// omitted on the wire so the service stamps arrival time.
type Event struct {
	TenantID  string
	Resource  string
	Feature   string
	Quantity  int64
	Timestamp time.Time
	Metadata  map[string]interface{}
}

type wireEvent struct {
	TenantID  string                 `json:"tenant_id"`
	Resource  string                 `json:"resource"`
	Feature   string                 `json:"feature"`
	Quantity  int64                  `json:"quantity"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e Event) wire() wireEvent {
	w := wireEvent{
		TenantID: e.TenantID,
		Resource: e.Resource,
		Feature:  e.Feature,
		Quantity: e.Quantity,
		Metadata: e.Metadata,
	}
	if w.Quantity == 0 {
		w.Quantity = 1
	}
	if !e.Timestamp.IsZero() {
		ts := e.Timestamp.UTC()
		w.Timestamp = &ts
	}
	return w
}

type batchBody struct {
	Events []wireEvent `json:"events"`
}

func toWire(events []Event) []wireEvent {
	out := make([]wireEvent, len(events))
	for i, e := range events {
		out[i] = e.wire()
	}
	return out
}
