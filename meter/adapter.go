package meter

import (
	"context"
	"log"
)

// Spec is the static description of what one metered call site emits.
// Tenant resolution tries TenantID, then the Tenant extractor, then the
// context value set by WithTenant, and settles on "unknown".
type Spec struct {
	Resource string
	Feature  string
	Quantity int64
	Metadata map[string]interface{}

	// TenantID pins every emission to one tenant.
	TenantID string
	// Tenant extracts the tenant from the call's context, for call sites
	// where the tenant is per-request rather than per-process.
	Tenant func(ctx context.Context) string
}

func (s Spec) tenant(ctx context.Context) string {
	if s.TenantID != "" {
		return s.TenantID
	}
	if s.Tenant != nil {
		if t := s.Tenant(ctx); t != "" {
			return t
		}
	}
	if t := TenantFromContext(ctx); t != "" {
		return t
	}
	return "unknown"
}

type tenantKey struct{}

// WithTenant returns a context carrying the tenant for metered calls
// beneath it.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFromContext returns the tenant set by WithTenant, or "".
func TenantFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}

// Meter runs one unit of work and, only when it succeeds, emits the event
// spec describes. The work's own result always propagates; metering
// failures are logged and swallowed here.
func (c *Client) Meter(ctx context.Context, spec Spec, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}

	e := Event{
		TenantID: spec.tenant(ctx),
		Resource: spec.Resource,
		Feature:  spec.Feature,
		Quantity: spec.Quantity,
		Metadata: spec.Metadata,
	}
	if err := c.Record(ctx, e); err != nil {
		log.Printf("[meter] record %s/%s failed: %v", spec.Resource, spec.Feature, err)
	}
	return nil
}

// Wrap returns fn decorated so each successful invocation emits one event.
// The returned function has the same signature and failure behavior as fn.
func (c *Client) Wrap(spec Spec, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return c.Meter(ctx, spec, fn)
	}
}
