/*
server.go - HTTP router and middleware configuration

ROUTER: chi

MIDDLEWARE STACK (outermost first):
  1. RequestID:  Unique ID per request, echoed in the access log
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Observe:    logrus access log + Prometheus request metrics
  4. CORS:       Cross-origin requests for the frontend
  5. RateLimit:  Per-IP limit (ulule/limiter, in-memory), optional
  /api only:
  6. Authenticate: HS256 bearer token, subject = acting user id

UNAUTHENTICATED:
  /healthz   store ping
  /metrics   Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Authenticate, RateLimit, Observe
  - cmd/server/main.go: Server startup
*/
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	leavemetrics "github.com/warp/leave-engine/metrics"
)

// RouterOptions configures the middleware around the handlers.
type RouterOptions struct {
	JWTSecret   string
	JWTIssuer   string
	CORSOrigins []string
	// RateLimit in limiter format ("300-M"); empty disables limiting.
	RateLimit string
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
	Metrics  *leavemetrics.Metrics
	Log      logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) (*chi.Mux, error) {
	if opts.JWTSecret == "" {
		return nil, errors.New("api: JWT secret is required")
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Observe(opts.Log.WithField("component", "http"), opts.Metrics))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
		}))
	}
	if opts.RateLimit != "" {
		limit, err := RateLimit(opts.RateLimit)
		if err != nil {
			return nil, err
		}
		r.Use(limit)
	}

	r.Get("/healthz", h.Healthz)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", leavemetrics.Handler(opts.Gatherer))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate([]byte(opts.JWTSecret), opts.JWTIssuer))

		// Request routes
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.SubmitRequest)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/cancel", h.CancelRequest)
		})

		// Approval routes
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/pending", h.ListPendingApprovals)
			r.Post("/{id}/decision", h.DecideApproval)
		})

		// User views
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balances", h.GetBalances)
			r.Get("/wfh-utilization", h.GetWFHUtilization)
			r.Get("/delegations", h.ListDelegations)
		})

		// Delegation routes
		r.Route("/delegations", func(r chi.Router) {
			r.Post("/", h.CreateDelegation)
			r.Post("/{id}/toggle", h.ToggleDelegation)
			r.Delete("/{id}", h.DeleteDelegation)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/users/{id}/recalculate", h.Recalculate)
			r.Post("/users/{id}/deactivate", h.DeactivateUser)
			r.Post("/year-end", h.TriggerYearEnd)
			r.Post("/escalations/sweep", h.TriggerSweep)
			r.Get("/scheduler", h.SchedulerStatus)
		})
	})

	return r, nil
}
