package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/opserve/errlog/internal/api/middleware"
)

// Dependencies holds all handler and middleware dependencies for the
// router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	ReportError    http.HandlerFunc
	ListErrors     http.HandlerFunc
	GetError       http.HandlerFunc
	ProtectError   http.HandlerFunc
	UnprotectError http.HandlerFunc
	DeleteError    http.HandlerFunc
	DeleteAll      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestLogger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", deps.HealthHandler)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/errors", deps.ReportError)
		r.Get("/api/v1/errors", deps.ListErrors)
		r.Delete("/api/v1/errors", deps.DeleteAll)

		r.Get("/api/v1/errors/{guid}", deps.GetError)
		r.Delete("/api/v1/errors/{guid}", deps.DeleteError)
		r.Post("/api/v1/errors/{guid}/protect", deps.ProtectError)
		r.Delete("/api/v1/errors/{guid}/protect", deps.UnprotectError)
	})

	return r
}
