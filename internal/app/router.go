// Package app wires adapters, usecases, and the HTTP router together.
package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/httpserver"
	"github.com/fairyhunter13/jobmail-tracker/internal/config"
)

// NewRouter assembles the narrow HTTP surface the pipeline requires.
func NewRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowOrigins},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

	r.Get("/healthz", srv.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", srv.Register)
		r.Post("/auth/login", srv.Login)

		r.Group(func(r chi.Router) {
			r.Use(srv.RequireAuth)
			r.Post("/sync-emails", srv.StartSync)
			r.Post("/sync-cancel", srv.CancelSync)
			r.Get("/sync-status", srv.SyncStatus)
			r.Get("/sync-events", srv.SyncEvents)
			r.Post("/reprocess", srv.StartReprocess)
			r.Get("/reprocess-status", srv.ReprocessStatus)
			r.Get("/mailbox/auth", srv.MailboxAuth)
			r.Delete("/mailbox/token", srv.MailboxRevoke)
		})

		// The provider redirects here without our session token; the state
		// token is the credential.
		r.Get("/mailbox/callback", srv.MailboxCallback)
	})

	return r
}
