// Package api wires the HTTP surfaces: the API-key authenticated
// library endpoints used by client SDKs and the JWT authenticated admin
// endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/exparo/exparo/internal/auth"
	"github.com/exparo/exparo/internal/experiment"
	"github.com/exparo/exparo/internal/identity"
	"github.com/exparo/exparo/internal/store"
	"github.com/exparo/exparo/internal/telemetry"
)

// Options configures the server.
type Options struct {
	Store       store.Store
	Identity    *identity.Resolver
	Experiments *experiment.Service
	Tokens      *auth.TokenManager
	Logger      zerolog.Logger
	RateLimit   int          // per-IP requests per minute on the library surface
	Websocket   http.Handler // mounted at /ws/experiments/; nil disables
}

// Server holds the handler dependencies.
type Server struct {
	store       store.Store
	identity    *identity.Resolver
	experiments *experiment.Service
	tokens      *auth.TokenManager
	log         zerolog.Logger
	rateLimit   int
	websocket   http.Handler
}

// NewServer creates a server from its dependencies.
func NewServer(opts Options) *Server {
	return &Server{
		store:       opts.Store,
		identity:    opts.Identity,
		experiments: opts.Experiments,
		tokens:      opts.Tokens,
		log:         opts.Logger.With().Str("component", "api").Logger(),
		rateLimit:   opts.RateLimit,
		websocket:   opts.Websocket,
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(telemetry.Middleware)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Library surface: API key auth, per-IP rate limit.
	r.Group(func(r chi.Router) {
		if s.rateLimit > 0 {
			r.Use(httprate.LimitByIP(s.rateLimit, time.Minute))
		}
		r.Use(s.apiKeyAuth)
		r.Get("/experiments", s.handleListExperiments)
		r.Get("/experiments/{key}/variant", s.handleGetVariant)
		r.Post("/users/identify", s.handleIdentify)
	})

	// Admin surface: JWT auth, login excepted.
	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.jwtAuth)

			r.Route("/projects", func(r chi.Router) {
				r.Get("/", s.handleListProjects)
				r.Post("/", s.handleCreateProject)
				r.Get("/{id}", s.handleGetProject)
				r.Put("/{id}", s.handleUpdateProject)
				r.Delete("/{id}", s.handleDeleteProject)
				r.Post("/{id}/regenerate_api_key", s.handleRegenerateAPIKey)
			})

			r.Route("/experiments", func(r chi.Router) {
				r.Get("/", s.handleListExperimentsAdmin)
				r.Post("/", s.handleCreateExperiment)
				r.Get("/{id}", s.handleGetExperiment)
				r.Put("/{id}", s.handleUpdateExperiment)
				r.Delete("/{id}", s.handleDeleteExperiment)
				r.Get("/{id}/stats", s.handleExperimentStats)
				r.Post("/{id}/recalculate", s.handleRecalculate)
				r.Post("/{id}/bulk_update_variants", s.handleBulkUpdateVariants)
				r.Post("/{id}/variants", s.handleCreateVariant)
			})

			r.Route("/variants", func(r chi.Router) {
				r.Get("/{id}", s.handleGetVariantAdmin)
				r.Put("/{id}", s.handleUpdateVariant)
				r.Delete("/{id}", s.handleDeleteVariant)
			})

			r.Route("/users", func(r chi.Router) {
				r.Get("/", s.handleListUsers)
				r.Get("/{id}", s.handleGetUser)
				r.Get("/{id}/distributions", s.handleUserDistributions)
			})

			r.Get("/distributions", s.handleListDistributions)
		})
	})

	if s.websocket != nil {
		r.Handle("/ws/experiments/", s.websocket)
	}

	return r
}
