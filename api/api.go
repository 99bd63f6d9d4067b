// Package api exposes a small REST surface over the vault engine: status,
// manual sync triggering, and backup management. It is a local control
// plane, not the sync wire protocol.
package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keyfort/keyfort/backup"
	"github.com/keyfort/keyfort/masterkey"
	"github.com/keyfort/keyfort/syncer"
	"github.com/keyfort/keyfort/vault"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	keys    *masterkey.Service
	store   *vault.Store
	backups *backup.Engine
	sync    *syncer.Engine
	logger  *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// New creates a new API instance.
func New(keys *masterkey.Service, store *vault.Store, backups *backup.Engine, sync *syncer.Engine, opts ...Option) *API {
	a := &API{
		keys:    keys,
		store:   store,
		backups: backups,
		sync:    sync,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", a.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", a.Status)
		r.Post("/sync", a.TriggerSync)

		r.Route("/backups", func(r chi.Router) {
			r.Get("/", a.ListBackups)
			r.Post("/", a.CreateBackup)
			r.Get("/{name}", a.GetBackup)
			r.Delete("/{name}", a.DeleteBackup)
			r.Post("/{name}/restore", a.RestoreBackup)
		})
	})

	return r
}
