package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shiftbeat/shiftbeat/internal/ledger"
	"github.com/shiftbeat/shiftbeat/internal/pause"
	"github.com/shiftbeat/shiftbeat/internal/session"
	"github.com/shiftbeat/shiftbeat/internal/shiftcal"
	"github.com/shiftbeat/shiftbeat/internal/storage"
)

var errTrailingBody = errors.New("api: unexpected trailing data in request body")

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// mapError translates core errors into an HTTP status and error code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "connection_not_found"
	case errors.Is(err, ledger.ErrUnknownUser), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, ledger.ErrNegativeDelta),
		errors.Is(err, shiftcal.ErrInvalidSpec),
		errors.Is(err, pause.ErrMissingReason):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
