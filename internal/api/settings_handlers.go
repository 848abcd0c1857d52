package api

import (
	"net/http"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/settings"
)

// settingsRequest is the shape accepted by PUT /settings. Omitted fields
// keep their current value.
type settingsRequest struct {
	AllowAllCalls    *bool   `json:"allow_all_calls"`
	RingerEnabled    *bool   `json:"ringer_enabled"`
	DefaultSpeaker   *bool   `json:"default_speaker"`
	LogRetentionDays *int    `json:"log_retention_days"`
	NightModeEnabled *bool   `json:"night_mode_enabled"`
	NightModeStart   *string `json:"night_mode_start"`
	NightModeEnd     *string `json:"night_mode_end"`
}

// apply overlays the fields present in req onto cur.
func (req settingsRequest) apply(cur settings.Settings) settings.Settings {
	if req.AllowAllCalls != nil {
		cur.AllowAllCalls = *req.AllowAllCalls
	}
	if req.RingerEnabled != nil {
		cur.RingerEnabled = *req.RingerEnabled
	}
	if req.DefaultSpeaker != nil {
		cur.DefaultSpeaker = *req.DefaultSpeaker
	}
	if req.LogRetentionDays != nil {
		cur.LogRetentionDays = *req.LogRetentionDays
	}
	if req.NightModeEnabled != nil {
		cur.NightModeEnabled = *req.NightModeEnabled
	}
	if req.NightModeStart != nil {
		cur.NightModeStart = *req.NightModeStart
	}
	if req.NightModeEnd != nil {
		cur.NightModeEnd = *req.NightModeEnd
	}
	return cur
}

// handleGetSettings returns the user settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.settings.Load(r.Context())
	if err != nil {
		s.logger.Error("get settings: failed to load", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// handleUpdateSettings updates the fields present in the body. Changes
// apply to the next incoming call.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	cur, err := s.settings.Load(r.Context())
	if err != nil {
		s.logger.Error("update settings: failed to load", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	next := req.apply(cur)
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.settings.Save(r.Context(), next); err != nil {
		s.logger.Error("update settings: failed to save", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("settings updated",
		"allow_all_calls", next.AllowAllCalls,
		"ringer_enabled", next.RingerEnabled,
		"night_mode_enabled", next.NightModeEnabled,
	)
	writeJSON(w, http.StatusOK, next)
}
