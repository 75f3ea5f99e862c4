package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/curio/internal/syncq"
)

func handleSyncStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := deps.App.SyncStatus()
		if st.Pending == nil {
			st.Pending = []syncq.Op{}
		}
		if st.Failed == nil {
			st.Failed = []syncq.Op{}
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleSyncFlush(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.App.Flush(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "sync_error", "flush stopped after %d ops: %v", n, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"processed": n})
	}
}

func handleListFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failed := deps.App.SyncStatus().Failed
		if failed == nil {
			failed = []syncq.Op{}
		}
		writeJSON(w, http.StatusOK, failed)
	}
}

func handleRetryFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opID := chi.URLParam(r, "opID")
		outcome, err := deps.App.RetryFailed(opID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": opID, "outcome": string(outcome)})
	}
}

func handleDiscardFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.App.DiscardFailed(chi.URLParam(r, "opID")); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
	}
}
