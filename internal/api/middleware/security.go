package middleware

import (
	"encoding/json"
	"net"
	"net/http"
)

// errorEnvelope matches the api package's envelope for error responses.
type errorEnvelope struct {
	Error string `json:"error"`
}

// writeError writes a JSON error in the API envelope format.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}

// SecurityHeaders sets response headers suited to a JSON API that is only
// called by the kiosk UI and the caretaker app. Nothing is cached since
// responses carry call state and contact data.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// LocalOnly rejects requests that did not come from the loopback
// interface. The kiosk UI runs on the device and holds no credentials, so
// its routes must not be reachable from the network.
func LocalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := net.ParseIP(ClientIP(r))
		if ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "kiosk routes are local only")
			return
		}
		next.ServeHTTP(w, r)
	})
}
