package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Endpoints used by the UI and CI integrations.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Public,
				))
			}

			r.Post("/release-runs", s.handleCreateReleaseRun)
			r.Route("/release-runs/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetReleaseRun)
				r.Post("/rerun", s.handleRerun)
				r.Post("/rerun-all", s.handleRerunAll)
				r.Post("/cancel", s.handleCancel)
				r.Put("/manual-status/{testType}", s.handleSetManualStatus)
			})

			r.Route("/projects/{projectID}", func(r chi.Router) {
				r.Get("/release-runs", s.handleListReleaseRuns)
				r.Get("/ignored-rules", s.handleListIgnoredRules)
				r.Get("/dictionary", s.handleListDictionary)
			})

			r.Post("/test-runs", s.handleCreateStandaloneRun)
			r.Get("/test-runs/{id}", s.handleGetTestRun)
			r.Get("/test-runs/{id}/screenshots", s.handleListScreenshots)
			r.Get("/screenshots/{id}", s.handleGetScreenshot)

			r.Put("/result-items/{id}/ignored", s.handleSetIgnored)
		})

		// Endpoints used by provider workers.
		r.Route("/worker", func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Worker,
				))
			}

			r.Post("/claim", s.handleClaim)
			r.Route("/test-runs/{id}", func(r chi.Router) {
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Post("/url-results", s.handleRecordURLResult)
				r.Post("/screenshots", s.handleUploadScreenshot)
				r.Post("/complete", s.handleComplete)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
