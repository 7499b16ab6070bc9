package meter

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// excludedPaths are never metered: probes and API documentation.
var excludedPaths = map[string]bool{
	"/health":       true,
	"/docs":         true,
	"/redoc":        true,
	"/openapi.json": true,
}

// Middleware meters inbound HTTP traffic: every request that completes
// below status 400 emits one event with the path as resource (slashes
// become dots) and the lowercased method as feature. The response is never
// delayed or failed by metering.
func (c *Client) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if excludedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= 400 {
			return
		}

		c.emitDetached(Event{
			TenantID: tenantFromRequest(r),
			Resource: resourceFromPath(r.URL.Path),
			Feature:  strings.ToLower(r.Method),
			Quantity: 1,
			Metadata: map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": rec.status,
			},
		})
	})
}

// emitDetached records an event without blocking the finished request. In
// batch mode the event joins the buffer; other modes get one detached
// attempt with buffer fallback so a slow service never holds a handler.
func (c *Client) emitDetached(e Event) {
	if c.cfg.TransportMode == TransportBatch {
		c.enqueue(e)
		return
	}
	c.sendAsync(e)
}

// tenantFromRequest resolves the tenant: X-Tenant-ID header, then the
// tenant_id route variable, then the tenant_id query parameter.
func tenantFromRequest(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	if t := mux.Vars(r)["tenant_id"]; t != "" {
		return t
	}
	if t := r.URL.Query().Get("tenant_id"); t != "" {
		return t
	}
	return "unknown"
}

// resourceFromPath turns "/billing/invoices" into "billing.invoices".
// The bare root maps to "api".
func resourceFromPath(path string) string {
	res := strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
	if res == "" {
		return "api"
	}
	return res
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
