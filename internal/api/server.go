// Package api serves the kiosk's local HTTP API: the call surface the kiosk
// UI drives, and the PIN-protected admin surface for contacts, call history
// and settings.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/api/middleware"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/call"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/settings"
)

// CallController is the call lifecycle as seen by the kiosk UI.
type CallController interface {
	Snapshot() call.Snapshot
	Watch(ctx context.Context) <-chan call.Snapshot
	Accept()
	Reject()
	Clear()
	SetSpeakerOn(on bool)
	HasAudioRoute() bool
}

// SettingsStore reads and writes user settings and the admin PIN.
type SettingsStore interface {
	Load(ctx context.Context) (settings.Settings, error)
	Save(ctx context.Context, in settings.Settings) error
	VerifyPIN(ctx context.Context, pin string) error
	SetPIN(ctx context.Context, pin string) error
}

// RegistrationReporter reports the SIP provider registration status.
type RegistrationReporter interface {
	RegistrationState() string
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router       *chi.Mux
	jwtSecret    []byte
	contacts     database.ContactRepository
	callLog      database.CallLogRepository
	settings     SettingsStore
	calls        CallController
	registration RegistrationReporter
	metrics      http.Handler
	logger       *slog.Logger

	apiLimiter *middleware.IPRateLimiter
	pinLimiter *middleware.IPRateLimiter

	startedAt time.Time
	now       func() time.Time
}

// NewServer creates the HTTP handler with all routes mounted. registration
// and metrics may be nil.
func NewServer(jwtSecret []byte, contacts database.ContactRepository, callLog database.CallLogRepository,
	store SettingsStore, calls CallController, registration RegistrationReporter, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		jwtSecret:    jwtSecret,
		contacts:     contacts,
		callLog:      callLog,
		settings:     store,
		calls:        calls,
		registration: registration,
		metrics:      metrics,
		logger:       logger.With("subsystem", "api"),
		apiLimiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		pinLimiter:   middleware.NewIPRateLimiter(middleware.PINRateLimitConfig()),
		startedAt:    time.Now(),
		now:          time.Now,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiters' cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.pinLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/health", s.handleHealth)

		// Kiosk surface. The kiosk UI runs on the device and holds no
		// credentials.
		r.Route("/call", func(r chi.Router) {
			r.Use(middleware.LocalOnly)
			r.Get("/", s.handleGetCall)
			r.Get("/events", s.handleCallEvents)
			r.Post("/accept", s.handleAcceptCall)
			r.Post("/reject", s.handleRejectCall)
			r.Post("/clear", s.handleClearCall)
			r.Put("/speaker", s.handleSetSpeaker)
		})

		r.With(middleware.RateLimit(s.pinLimiter)).Post("/auth/login", s.handleLogin)

		// Admin surface.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(s.jwtSecret))

			r.With(middleware.RateLimit(s.pinLimiter)).Put("/auth/pin", s.handleChangePIN)

			r.Route("/contacts", func(r chi.Router) {
				r.Get("/", s.handleListContacts)
				r.Post("/", s.handleCreateContact)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetContact)
					r.Put("/", s.handleUpdateContact)
					r.Delete("/", s.handleDeleteContact)
				})
			})

			r.Route("/call-log", func(r chi.Router) {
				r.Get("/", s.handleListCallLog)
				r.Delete("/", s.handleClearCallLog)
				r.Get("/{id}", s.handleGetCallLogEntry)
				r.Delete("/{id}", s.handleDeleteCallLogEntry)
			})

			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handleUpdateSettings)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
