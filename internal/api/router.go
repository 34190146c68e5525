package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/tollgate-ai/tollgate/internal/api/middleware"
	"github.com/tollgate-ai/tollgate/internal/api/response"
	"github.com/tollgate-ai/tollgate/internal/metrics"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
// The middleware stages and Metrics are required; a nil handler serves 501.
type Dependencies struct {
	Metrics   *metrics.Collector
	Auth      *mw.Auth
	Usage     *mw.Usage
	RateLimit *mw.RateLimit
	Access    *mw.Access
	Balance   *mw.Balance

	HealthHandler http.HandlerFunc

	ExecuteAgentHandler http.HandlerFunc
	ListJobsHandler     http.HandlerFunc
	JobStatusHandler    http.HandlerFunc
	JobResultHandler    http.HandlerFunc
	CancelJobHandler    http.HandlerFunc
	CompletionHandler   http.HandlerFunc

	CreateKeyHandler   http.HandlerFunc
	ListKeysHandler    http.HandlerFunc
	RevokeKeyHandler   http.HandlerFunc
	CreateUserHandler  http.HandlerFunc
	AddCreditsHandler  http.HandlerFunc
	MintTokenHandler   http.HandlerFunc
	PendingJobsHandler http.HandlerFunc
}

// NewRouter builds the chi router with the middleware stack and all routes.
// Protected routes run usage tracking outermost, then auth and audit, rate
// limiting, the endpoint grant check, and the balance deduction, so the
// billing stages only ever see authenticated requests and every response is
// metered on the way out.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.NewLogger(deps.Metrics))
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Handle("/metrics", metrics.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Usage.Track)
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)
		r.Use(deps.Access.Check)
		r.Use(deps.Balance.Deduct)

		r.Post("/api/v1/agents/execute", orNotImplemented(deps.ExecuteAgentHandler))

		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatusHandler))
		r.Get("/api/v1/jobs/{jobID}/result", orNotImplemented(deps.JobResultHandler))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))

		r.Post("/api/v1/completions", orNotImplemented(deps.CompletionHandler))

		// Admin routes: the admin prefix exempts them from the grant and
		// balance stages, the scope check takes over.
		r.Group(func(r chi.Router) {
			r.Use(mw.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))

			r.Post("/api/v1/admin/users", orNotImplemented(deps.CreateUserHandler))
			r.Post("/api/v1/admin/users/{userID}/credits", orNotImplemented(deps.AddCreditsHandler))
			r.Post("/api/v1/admin/tokens", orNotImplemented(deps.MintTokenHandler))

			r.Get("/api/v1/admin/jobs/pending", orNotImplemented(deps.PendingJobsHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
