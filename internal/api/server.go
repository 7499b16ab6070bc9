package api

import (
	"context"
	"net/http"
	"time"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "metering-service",
		"version": Version,
		"docs":    "/openapi.json",
	})
}

// handleHealth reports dependency liveness. The probe itself always
// answers 200; a broken backend degrades the status instead of failing it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{"database": "connected", "redis": "connected"}
	status := "healthy"
	if s.db == nil || s.db.Ping(ctx) != nil {
		services["database"] = "disconnected"
		status = "degraded"
	}
	if s.cache == nil || s.cache.Ping(ctx) != nil {
		services["redis"] = "disconnected"
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": formatTime(time.Now()),
		"services":  services,
	})
}
