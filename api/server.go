/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request counters and latency by route pattern (optional)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/claims           Claim endpoint
  /api/users/*          Balances, ledger, audit
  /api/admin/*          Pending commission queue
  /api/scenarios/*      Demo fixtures (local store only)
  /store/*              Record store protocol (local store only)
  /healthz              Liveness and store reachability
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. The claim endpoint trusts the user id in
  the body; deploy behind the gateway that authenticates callers.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/AzimPower/investpro-sub001/metrics"
)

// DefaultAllowedOrigins are used when RouterOptions leaves them empty.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// RouterOptions configures the optional parts of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *metrics.Collector

	// Health, if set, is called by /healthz; an error answers 503.
	Health func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.InstrumentHandler)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			if err := opts.Health(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "unhealthy", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/claims", h.Claim)

		// User routes
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", h.GetUser)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/audit", h.AuditUser)
		})

		// Admin routes
		r.Route("/admin/commissions", func(r chi.Router) {
			r.Get("/pending", h.ListPending)
			r.Post("/retry", h.RetryPending)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetStore)
			r.Post("/{id}", h.LoadScenarioByID)
		})
	})

	// Record store protocol
	if h.Local != nil {
		r.Route("/store", h.StoreRoutes)
	}

	return r
}
