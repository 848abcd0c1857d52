package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/call"
)

// sseKeepalive is how often an idle event stream sends a comment line.
const sseKeepalive = 25 * time.Second

type speakerRequest struct {
	On *bool `json:"on"`
}

// handleGetCall returns the current call snapshot.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// handleAcceptCall answers the ringing call. It is a no-op in any other
// state; the response carries the resulting snapshot either way.
func (s *Server) handleAcceptCall(w http.ResponseWriter, r *http.Request) {
	s.calls.Accept()
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// handleRejectCall declines a ringing call or hangs up an active one.
func (s *Server) handleRejectCall(w http.ResponseWriter, r *http.Request) {
	s.calls.Reject()
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// handleClearCall dismisses the current call and returns to idle. A call
// that is screening, ringing or active must be rejected first.
func (s *Server) handleClearCall(w http.ResponseWriter, r *http.Request) {
	if snap := s.calls.Snapshot(); snap.Screening || snap.State == call.StateRinging || snap.State == call.StateActive {
		writeError(w, http.StatusConflict, "call is still in progress")
		return
	}
	s.calls.Clear()
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// handleSetSpeaker switches the active call between earpiece and
// loudspeaker.
func (s *Server) handleSetSpeaker(w http.ResponseWriter, r *http.Request) {
	var req speakerRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.On == nil {
		writeError(w, http.StatusBadRequest, "on is required")
		return
	}
	if !s.calls.HasAudioRoute() {
		writeError(w, http.StatusConflict, "no audio route registered")
		return
	}
	s.calls.SetSpeakerOn(*req.On)
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// handleCallEvents streams call snapshots as server-sent events. The first
// event is the current snapshot; each later event is a change.
func (s *Server) handleCallEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Error("call events: streaming not supported", "error", err)
		return
	}

	ctx := r.Context()
	updates := s.calls.Watch(ctx)
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		case snap, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("call events: failed to encode snapshot", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: call\ndata: %s\n\n", data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
