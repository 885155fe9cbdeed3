// Package api exposes the engine's caller operations over HTTP.
//
//	POST   /v1/jobs                    enqueue
//	GET    /v1/jobs                    list, newest first
//	GET    /v1/jobs/{jobID}            status
//	POST   /v1/jobs/{jobID}/cancel     cancel a pending or retrying job
//	POST   /v1/jobs/{jobID}/resubmit   copy a terminal job under a new key
//	DELETE /v1/jobs/{jobID}            purge a terminal job
//	GET    /v1/stats                   counts per state
//	POST   /v1/wake                    run a dispatch cycle now
//
// Errors are JSON objects with an "error" field. Unknown jobs map to 404,
// state conflicts to 409, malformed input to 400.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/mailq/engine"
)

// API wires the HTTP handlers to an Engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger used for server-side errors.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an API from a mailq Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns a router with every route registered.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the API on an existing router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", a.enqueueJob)
			r.Get("/", a.listJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", a.getJob)
				r.Delete("/", a.purgeJob)
				r.Post("/cancel", a.cancelJob)
				r.Post("/resubmit", a.resubmitJob)
			})
		})
		r.Get("/stats", a.stats)
		r.Post("/wake", a.wake)
	})
}
