package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/api/middleware"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/settings"
)

type loginRequest struct {
	PIN string `json:"pin"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type changePINRequest struct {
	CurrentPIN string `json:"current_pin"`
	NewPIN     string `json:"new_pin"`
}

// handleLogin exchanges the admin PIN for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.PIN == "" {
		writeError(w, http.StatusBadRequest, "pin is required")
		return
	}

	if err := s.settings.VerifyPIN(r.Context(), req.PIN); err != nil {
		switch {
		case errors.Is(err, settings.ErrInvalidPIN):
			s.logger.Warn("admin login failed", "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid pin")
		case errors.Is(err, settings.ErrPINNotSet):
			writeError(w, http.StatusConflict, "admin pin not configured")
		default:
			s.logger.Error("login: failed to verify pin", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(s.jwtSecret, s.now())
	if err != nil {
		s.logger.Error("login: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.pinLimiter.Forget(middleware.ClientIP(r))

	s.logger.Info("admin logged in", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

// handleChangePIN replaces the admin PIN after re-checking the current one.
func (s *Server) handleChangePIN(w http.ResponseWriter, r *http.Request) {
	var req changePINRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validatePIN("new_pin", req.NewPIN); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.settings.VerifyPIN(r.Context(), req.CurrentPIN); err != nil {
		if errors.Is(err, settings.ErrInvalidPIN) || errors.Is(err, settings.ErrPINNotSet) {
			writeError(w, http.StatusForbidden, "current pin is incorrect")
			return
		}
		s.logger.Error("change pin: failed to verify pin", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.settings.SetPIN(r.Context(), req.NewPIN); err != nil {
		s.logger.Error("change pin: failed to store pin", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("admin pin changed")
	w.WriteHeader(http.StatusNoContent)
}
