package api

import (
	"time"

	"github.com/gorilla/mux"
)

func registerBaseRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/", s.handleRoot).Methods("GET", "OPTIONS")
	r.HandleFunc("/openapi.json", s.handleOpenAPIJSON).Methods("GET", "OPTIONS")
}

func registerMeterRoutes(r *mux.Router, s *Server) {
	v1 := r.PathPrefix("/v1/meter").Subrouter()
	v1.Use(s.apiKeyMiddleware)

	v1.HandleFunc("/events", s.handleCreateEvent).Methods("POST", "OPTIONS")
	v1.HandleFunc("/events/batch", s.handleCreateEventBatch).Methods("POST", "OPTIONS")
	v1.HandleFunc("/events", s.handleListEvents).Methods("GET")
	v1.HandleFunc("/aggregates", s.handleGetAggregates).Methods("GET", "OPTIONS")
	v1.HandleFunc("/validate", s.handleValidateQuota).Methods("POST", "OPTIONS")
	v1.HandleFunc("/health", s.cached(5*time.Second, s.handleHealth)).Methods("GET", "OPTIONS")
}
