// Package api serves the application over HTTP, Server-Sent Events and MCP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/curio/internal/app"
)

// Deps holds what the HTTP handler serves.
type Deps struct {
	App   *app.App
	Token string
	// Events streams store changes on /events; nil disables the route.
	Events *Broker
}

// NewHandler returns the HTTP API. Everything except /health and /metrics
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", deps.App.Metrics().Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/items", handleListItems(deps))
		r.Post("/items", handleCreateItem(deps))
		r.Post("/items/import", handleImportItems(deps))
		r.Get("/items/{id}", handleGetItem(deps))
		r.Patch("/items/{id}", handlePatchItem(deps))
		r.Delete("/items/{id}", handleDeleteItem(deps))
		r.Get("/items/{id}/artifacts", handleListArtifacts(deps))
		r.Post("/items/{id}/enrich", handleEnrichItem(deps))
		r.Get("/items/{id}/enrich/{kind}", handleEnrichStatus(deps))
		r.Get("/tags", handleListTags(deps))

		r.Get("/sync", handleSyncStatus(deps))
		r.Post("/sync/flush", handleSyncFlush(deps))
		r.Get("/sync/failed", handleListFailed(deps))
		r.Post("/sync/failed/{opID}/retry", handleRetryFailed(deps))
		r.Delete("/sync/failed/{opID}", handleDiscardFailed(deps))

		if deps.Events != nil {
			r.Get("/events", deps.Events.ServeHTTP)
		}
	})

	return r
}

// NewServer returns an HTTP server for handler on addr. Shutting it down
// closes events first so open /events streams do not hold it up.
func NewServer(addr string, handler http.Handler, events *Broker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if events != nil {
		srv.RegisterOnShutdown(events.Close)
	}
	return srv
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
