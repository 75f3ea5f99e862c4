package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kalambet/curio/internal/app"
	"github.com/kalambet/curio/internal/enrich"
	"github.com/kalambet/curio/internal/syncq"
	"github.com/kalambet/curio/internal/view"
)

const maxRequestBodySize = 1 << 20 // 1MB

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// writeAppError maps application errors to status codes.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalid), errors.Is(err, view.ErrInvalidFilter), errors.Is(err, enrich.ErrNoProducer):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, app.ErrNotFound), errors.Is(err, syncq.ErrUnknownOp):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, app.ErrDeleted):
		httpError(w, http.StatusGone, "deleted", "%v", err)
	case errors.Is(err, app.ErrExists):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, enrich.ErrBusy):
		httpError(w, http.StatusConflict, "busy", "%v", err)
	case errors.Is(err, app.ErrQueueFull):
		httpError(w, http.StatusServiceUnavailable, "queue_full", "%v", err)
	case errors.As(err, new(*enrich.ProducerError)):
		httpError(w, http.StatusBadGateway, "producer_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
