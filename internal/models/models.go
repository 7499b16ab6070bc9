package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// Event represents the 'metering.events' table. Events are immutable
// once accepted.
type Event struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	Resource  string                 `json:"resource"`
	Feature   string                 `json:"feature"`
	Quantity  int64                  `json:"quantity"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"` // Stored as JSONB
	CreatedAt time.Time              `json:"created_at"`
}

// Aggregate represents the 'metering.aggregates' table. Rows are keyed by
// (tenant, resource, feature, window_type, window_start, window_end) and
// overwritten in place on every recomputation.
type Aggregate struct {
	ID            string    `json:"-"`
	TenantID      string    `json:"tenant_id"`
	Resource      string    `json:"resource"`
	Feature       string    `json:"feature"`
	WindowType    string    `json:"window_type"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"` // wire convention: window end - 1µs
	TotalQuantity int64     `json:"total_quantity"`
	EventCount    int64     `json:"event_count"`
	UpdatedAt     time.Time `json:"-"`
}

// Quota represents the 'metering.quotas' table. Resource is nil for
// wildcard rows that apply to every resource of the tenant.
type Quota struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Resource       *string   `json:"resource,omitempty"`
	Feature        string    `json:"feature"`
	LimitValue     int64     `json:"limit_value"`
	Period         string    `json:"period"` // hourly, daily, monthly, yearly
	AlertThreshold int       `json:"alert_threshold"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// APIKey represents the 'metering.api_keys' table. Only the SHA-256 hash
// of the secret is stored.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	TenantID   *string    `json:"tenant_id,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// FieldError describes a single invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries field-level detail for malformed input. It maps
// to a 422 at the HTTP boundary and is raised before any side effect.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field error and returns the receiver so checks can chain.
func (e *ValidationError) Add(field, message string) *ValidationError {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
	return e
}

// Err returns nil when no field errors were recorded.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Validate checks the event fields shared by single and batch ingest.
func (e *Event) Validate() error {
	v := &ValidationError{}
	if l := len(e.TenantID); l < 1 || l > 255 {
		v.Add("tenant_id", "must be between 1 and 255 characters")
	}
	if l := len(e.Resource); l < 1 || l > 255 {
		v.Add("resource", "must be between 1 and 255 characters")
	}
	if l := len(e.Feature); l < 1 || l > 255 {
		v.Add("feature", "must be between 1 and 255 characters")
	}
	if e.Quantity <= 0 {
		v.Add("quantity", "must be greater than 0")
	}
	return v.Err()
}
