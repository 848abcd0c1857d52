package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
)

// callLogResponse is the JSON shape of a call log entry.
type callLogResponse struct {
	ID              int64   `json:"id"`
	Number          string  `json:"number"`
	Name            *string `json:"name"`
	Timestamp       string  `json:"timestamp"`
	DurationSeconds int     `json:"duration_seconds"`
	Type            string  `json:"type"`
}

func toCallLogResponse(e *models.CallLogEntry) callLogResponse {
	return callLogResponse{
		ID:              e.ID,
		Number:          e.Number,
		Name:            e.Name,
		Timestamp:       e.Timestamp.UTC().Format(time.RFC3339),
		DurationSeconds: e.DurationSeconds,
		Type:            string(e.Type),
	}
}

// handleListCallLog returns call history newest first. Query parameters:
// type (INCOMING_ANSWERED, INCOMING_MISSED, INCOMING_REJECTED, BLOCKED),
// q (number or name substring), since (RFC 3339), limit and offset.
func (s *Server) handleListCallLog(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := database.CallLogFilter{
		Limit:  pg.Limit,
		Offset: pg.Offset,
		Search: strings.TrimSpace(q.Get("q")),
	}

	if v := q.Get("type"); v != "" {
		t := models.CallType(strings.ToUpper(v))
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, "invalid call type")
			return
		}
		filter.Type = t
	}
	if msg := validateStringLen("q", filter.Search, maxSearchLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}

	entries, total, err := s.callLog.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list call log: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callLogResponse, len(entries))
	for i := range entries {
		items[i] = toCallLogResponse(&entries[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCallLogEntry returns a single entry.
func (s *Server) handleGetCallLogEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid call log id")
		return
	}

	e, err := s.callLog.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get call log: failed to query", "error", err, "entry_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "call log entry not found")
		return
	}
	writeJSON(w, http.StatusOK, toCallLogResponse(e))
}

// handleDeleteCallLogEntry removes one entry.
func (s *Server) handleDeleteCallLogEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid call log id")
		return
	}

	err := s.callLog.Delete(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call log entry not found")
		return
	}
	if err != nil {
		s.logger.Error("delete call log: failed to delete", "error", err, "entry_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearCallLog deletes the whole history.
func (s *Server) handleClearCallLog(w http.ResponseWriter, r *http.Request) {
	n, err := s.callLog.DeleteAll(r.Context())
	if err != nil {
		s.logger.Error("clear call log: failed to delete", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("call log cleared", "deleted", n)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
