// Package api is the HTTP boundary: connection lifecycle, activity and
// pause signals, read-only user queries, and the realtime event stream.
// All timing decisions live in the session and ledger layers; handlers
// only validate input and translate errors.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shiftbeat/shiftbeat/internal/broadcast"
	"github.com/shiftbeat/shiftbeat/internal/pause"
	"github.com/shiftbeat/shiftbeat/internal/session"
	"github.com/shiftbeat/shiftbeat/internal/storage"
)

// Handler serves the tracking API.
type Handler struct {
	coordinator *session.Coordinator
	pauses      *pause.Controller
	broadcaster broadcast.Broadcaster
	logger      zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(coordinator *session.Coordinator, pauses *pause.Controller, broadcaster broadcast.Broadcaster, logger zerolog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		pauses:      pauses,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

type createConnectionRequest struct {
	UserID string `json:"user_id"`
}

type createConnectionResponse struct {
	ConnID string                  `json:"conn_id"`
	Record *storage.ActivityRecord `json:"record"`
}

func (h *Handler) createConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "user_id is required")
		return
	}

	connID := uuid.NewString()
	record, err := h.coordinator.Authenticate(r.Context(), connID, req.UserID)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createConnectionResponse{ConnID: connID, Record: record})
}

type setActivityRequest struct {
	Active *bool `json:"active"`
}

func (h *Handler) setActivity(w http.ResponseWriter, r *http.Request) {
	var req setActivityRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "active is required")
		return
	}

	record, err := h.coordinator.SetActivity(r.Context(), chi.URLParam(r, "connID"), *req.Active)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	if record == nil {
		// Unchanged state, nothing was written.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) tick(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Tick(r.Context(), chi.URLParam(r, "connID")); err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) pauseConnection(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	reason, err := session.ParsePauseReason(req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	if err := h.pauses.OnPauseStart(r.Context(), chi.URLParam(r, "connID"), reason); err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resumeConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.pauses.OnPauseEnd(r.Context(), chi.URLParam(r, "connID")); err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Disconnect(r.Context(), chi.URLParam(r, "connID")); err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request) {
	record, err := h.coordinator.Snapshot(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.coordinator.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type windowResponse struct {
	BucketID          string    `json:"bucket_id"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	NightShift        bool      `json:"night_shift"`
	BetweenShifts     bool      `json:"between_shifts"`
	Fallback          bool      `json:"fallback"`
	SecondsUntilReset int64     `json:"seconds_until_reset"`
}

func (h *Handler) getWindow(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	window, err := h.coordinator.WindowFor(r.Context(), userID)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	untilReset, err := h.coordinator.TimeUntilReset(r.Context(), userID)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, windowResponse{
		BucketID:          window.BucketID,
		Start:             window.Start,
		End:               window.End,
		NightShift:        window.NightShift,
		BetweenShifts:     window.BetweenShifts,
		Fallback:          window.Fallback,
		SecondsUntilReset: int64(untilReset / time.Second),
	})
}

// streamEvents is a server-sent-events feed of the user's ledger changes.
// Each event is a full-state snapshot; clients replace, never merge.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	userID := chi.URLParam(r, "userID")
	events, cancel, err := h.broadcaster.Subscribe(r.Context(), userID)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug().Str("user_id", userID).Msg("Event stream opened")

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// decodeStrict parses a JSON body rejecting unknown fields and trailing
// garbage.
func decodeStrict(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return errTrailingBody
	}
	return nil
}
