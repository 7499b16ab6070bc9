package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"time"

	"metering-service/internal/models"
)

type contextKey string

const tenantScopeKey contextKey = "api_key_tenant"

// HashAPIKey returns the hex SHA-256 digest under which a key secret is
// stored. The plaintext secret never touches the database.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// apiKeyMiddleware guards the metering routes. The health probe stays open
// so load balancers can reach it without credentials. Inactive and expired
// keys are indistinguishable from unknown ones on the wire.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" || r.URL.Path == "/v1/meter/health" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "API key is required")
			return
		}

		record, err := s.keys.LookupAPIKey(r.Context(), HashAPIKey(key))
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		if err != nil {
			log.Printf("[api] key lookup failed: %v", err)
			writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}
		if !record.IsActive || (record.ExpiresAt != nil && record.ExpiresAt.Before(time.Now().UTC())) {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		if err := s.keys.TouchAPIKeyUsage(r.Context(), record.ID); err != nil {
			log.Printf("[api] touch api key %s: %v", record.ID, err)
		}

		ctx := r.Context()
		if record.TenantID != nil && *record.TenantID != "" {
			ctx = context.WithValue(ctx, tenantScopeKey, *record.TenantID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantScope returns the tenant a key is pinned to, or "" for keys that
// may act for any tenant.
func TenantScope(ctx context.Context) string {
	v, _ := ctx.Value(tenantScopeKey).(string)
	return v
}
