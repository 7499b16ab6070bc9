package api

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"

	"metering-service/internal/aggregator"
	"metering-service/internal/models"
	"metering-service/internal/quota"
	"metering-service/internal/repository"
)

// Version is set by main to the build version baked in at build time.
var Version = "dev"

// IngestService accepts usage events: counters first, durable insert as
// the authority.
type IngestService interface {
	IngestEvent(ctx context.Context, e *models.Event) error
	IngestBatch(ctx context.Context, events []*models.Event) error
}

// EventStore is the read side of the event log.
type EventStore interface {
	GetEvents(ctx context.Context, f repository.EventFilter, page, pageSize int) ([]models.Event, int64, error)
}

// AggregateService answers rollup queries.
type AggregateService interface {
	GetAggregates(ctx context.Context, q aggregator.Query) ([]models.Aggregate, aggregator.Summary, error)
}

// QuotaValidator runs the read-only admission check.
type QuotaValidator interface {
	Validate(ctx context.Context, req quota.Request) (quota.Result, error)
}

// KeyStore resolves API credentials by hash.
type KeyStore interface {
	LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error)
	TouchAPIKeyUsage(ctx context.Context, id string) error
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps collects everything the HTTP layer talks to.
type Deps struct {
	Ingest     IngestService
	Events     EventStore
	Aggregates AggregateService
	Validator  QuotaValidator
	Keys       KeyStore
	DB         Pinger
	Cache      Pinger
}

type Server struct {
	ingest     IngestService
	events     EventStore
	aggregates AggregateService
	validator  QuotaValidator
	keys       KeyStore
	db         Pinger
	cache      Pinger

	httpServer  *http.Server
	limiter     *ipLimiter
	responses   *responseCache
	openapi     *openapiCache
	corsOrigins []string
}

func NewServer(deps Deps, addr string) *Server {
	r := mux.NewRouter()

	s := &Server{
		ingest:     deps.Ingest,
		events:     deps.Events,
		aggregates: deps.Aggregates,
		validator:  deps.Validator,
		keys:       deps.Keys,
		db:         deps.DB,
		cache:      deps.Cache,
		limiter:    newIPLimiterFromEnv(),
		responses:  newResponseCache(),
		openapi:    &openapiCache{},
	}
	if raw := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); raw != "" && raw != "*" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.corsOrigins = append(s.corsOrigins, o)
			}
		}
	}

	r.Use(s.commonMiddleware)
	r.Use(s.rateLimitMiddleware)

	registerBaseRoutes(r, s)
	registerMeterRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// allowOrigin picks the Access-Control-Allow-Origin value for a request.
// With no configured origins everything is allowed.
func (s *Server) allowOrigin(r *http.Request) string {
	if len(s.corsOrigins) == 0 {
		return "*"
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.corsOrigins {
		if o == origin {
			return origin
		}
	}
	return s.corsOrigins[0]
}

func (s *Server) commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin(r))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Tenant-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
