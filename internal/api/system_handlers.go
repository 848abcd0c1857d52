package api

import (
	"net/http"
	"time"
)

// healthResponse is the shape returned by GET /health.
type healthResponse struct {
	Status       string `json:"status"`
	CallState    string `json:"call_state"`
	Registration string `json:"registration"`
	StartedAt    string `json:"started_at"`
	UptimeSec    int64  `json:"uptime_sec"`
}

// handleHealth reports liveness, the current call state and the provider
// registration status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	registration := "disabled"
	if s.registration != nil {
		registration = s.registration.RegistrationState()
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		CallState:    string(s.calls.Snapshot().State),
		Registration: registration,
		StartedAt:    s.startedAt.UTC().Format(time.RFC3339),
		UptimeSec:    int64(s.now().Sub(s.startedAt).Seconds()),
	})
}
