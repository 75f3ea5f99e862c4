package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/curio/internal/app"
	"github.com/kalambet/curio/internal/guard"
	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/view"
)

// CreateRequest is the body of POST /items. Enrich lists artifact kinds to
// generate right after the item is saved.
type CreateRequest struct {
	app.NewEntity
	Enrich []store.ArtifactKind `json:"enrich,omitempty"`
}

// CreateResponse reports the created item and which enrichments started.
type CreateResponse struct {
	Item     store.Entity         `json:"item"`
	Enriched []store.ArtifactKind `json:"enriched,omitempty"`
}

// EnrichRequest is the body of POST /items/{id}/enrich.
type EnrichRequest struct {
	Kind   store.ArtifactKind `json:"kind"`
	SubKey string             `json:"sub_key,omitempty"`
	// Wait runs the producer before responding instead of in the background.
	Wait bool `json:"wait,omitempty"`
}

// EnrichStatus reports the generation state of one artifact kind.
type EnrichStatus struct {
	ID     string             `json:"id"`
	Kind   store.ArtifactKind `json:"kind"`
	Status guard.Status       `json:"status"`
}

// ItemResponse is an item together with its artifacts.
type ItemResponse struct {
	store.Entity
	Artifacts []store.Artifact `json:"artifacts"`
}

// FilterFromQuery builds a view filter from list query parameters.
func FilterFromQuery(r *http.Request) view.Filter {
	q := r.URL.Query()
	f := view.Filter{
		Kind:       store.Kind(q.Get("kind")),
		Tags:       q["tag"],
		TagPattern: q.Get("tag_pattern"),
		Query:      q.Get("q"),
		Sort:       view.Sort(q.Get("sort")),
		Limit:      parseIntParam(r, "limit", 0, 1000),
	}
	if deleted, err := strconv.ParseBool(q.Get("deleted")); err == nil {
		f.IncludeDeleted = deleted
	}
	return f
}

func handleListItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.App.List(FilterFromQuery(r))
		if err != nil {
			writeAppError(w, err)
			return
		}
		if items == nil {
			items = []store.Entity{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleCreateItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		e, err := deps.App.Create(req.NewEntity)
		if err != nil {
			writeAppError(w, err)
			return
		}

		resp := CreateResponse{Item: e}
		for _, kind := range req.Enrich {
			// The item is saved; a failed request only skips that enrichment.
			if err := deps.App.RequestEnrichment(context.WithoutCancel(r.Context()), e.ID, kind, ""); err != nil {
				slog.Warn("enrichment not started", "entity_id", e.ID, "kind", kind, "error", err)
				continue
			}
			resp.Enriched = append(resp.Enriched, kind)
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func handleImportItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var entities []store.Entity
		if !decodeBody(w, r, &entities) {
			return
		}
		res, err := deps.App.Import(entities)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, err := deps.App.Get(id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		arts, err := deps.App.Artifacts(id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if arts == nil {
			arts = []store.Artifact{}
		}
		writeJSON(w, http.StatusOK, ItemResponse{Entity: e, Artifacts: arts})
	}
}

func handlePatchItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch store.Patch
		if !decodeBody(w, r, &patch) {
			return
		}
		e, err := deps.App.Mutate(chi.URLParam(r, "id"), patch)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleDeleteItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.App.DeleteEntity(chi.URLParam(r, "id")); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListArtifacts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		arts, err := deps.App.Artifacts(chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(w, err)
			return
		}
		if arts == nil {
			arts = []store.Artifact{}
		}
		writeJSON(w, http.StatusOK, arts)
	}
}

func handleEnrichItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnrichRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id := chi.URLParam(r, "id")
		if req.Wait {
			art, err := deps.App.Generate(r.Context(), id, req.Kind, req.SubKey)
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, art)
			return
		}
		err := deps.App.RequestEnrichment(context.WithoutCancel(r.Context()), id, req.Kind, req.SubKey)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"kind":   string(req.Kind),
			"status": "queued",
		})
	}
}

func handleEnrichStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		kind := store.ArtifactKind(chi.URLParam(r, "kind"))
		if !kind.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown artifact kind %q", kind)
			return
		}
		if _, err := deps.App.Get(id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, EnrichStatus{ID: id, Kind: kind, Status: deps.App.EnrichmentStatus(id, kind)})
	}
}

func handleListTags(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tags := deps.App.Tags()
		if tags == nil {
			tags = []store.Tag{}
		}
		writeJSON(w, http.StatusOK, tags)
	}
}
