// Package sip connects the kiosk to a SIP provider. Inbound INVITEs are
// screened before they ring; admitted calls are handed to the call
// lifecycle as call.Handle implementations.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/admission"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/call"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/config"
)

const (
	// endedLinger is how long an ended call stays visible before it is
	// cleared from the lifecycle.
	endedLinger = 3 * time.Second
	// screenBudget bounds the pre-ring screening of one INVITE.
	screenBudget = 10 * time.Second
)

// Screener decides whether a caller may ring. It records blocked calls.
type Screener interface {
	Screen(ctx context.Context, number string) admission.Decision
}

// RingerPolicy reports whether the ringer is audible right now.
type RingerPolicy interface {
	RingerEnabled(ctx context.Context, now time.Time) (bool, error)
}

// Target receives admitted calls.
type Target interface {
	SetCall(h call.Handle)
	ClearCall(h call.Handle)
}

// inviteTransaction is the part of sip.ServerTransaction an INVITE needs.
type inviteTransaction interface {
	Respond(res *sip.Response) error
	Done() <-chan struct{}
}

// Server wraps the sipgo stack with the kiosk's handlers.
type Server struct {
	cfg       *config.Config
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	registrar *Registrar

	screener Screener
	ringer   RingerPolicy
	target   Target
	tracer   *Tracer
	media    MediaEndpoint
	contact  sip.ContactHeader
	send     requestSender
	linger   time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	calls map[string]*Call // keyed by Call-ID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a SIP server with all handlers registered. When a
// provider is configured a Registrar keeps the account registered.
func NewServer(cfg *config.Config, screener Screener, ringer RingerPolicy, target Target, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("callkiosk"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	s := newServer(screener, ringer, target, MediaEndpoint{IP: cfg.MediaIP(), Port: cfg.RTPPort}, cfg.SIPPort, logger)
	s.cfg = cfg
	s.ua = ua
	s.srv = srv
	s.client = client
	s.tracer = NewTracer(logger, ParseTraceLevel(cfg.SIPTrace))
	s.send = s.sendRequest

	if cfg.RegistrationEnabled() {
		s.registrar = NewRegistrar(Provider{
			Host:         cfg.ProviderHost,
			Port:         cfg.ProviderPort,
			Transport:    cfg.ProviderTransport,
			Username:     cfg.ProviderUsername,
			Password:     cfg.ProviderPassword,
			AuthUsername: cfg.ProviderAuthUsername,
			Expiry:       cfg.ProviderExpiry,
		}, client, fmt.Sprintf("%s:%d", cfg.MediaIP(), cfg.SIPPort), logger)
	}

	s.registerHandlers()
	return s, nil
}

// newServer builds the transport-independent part of a Server.
func newServer(screener Screener, ringer RingerPolicy, target Target, media MediaEndpoint, sipPort int, logger *slog.Logger) *Server {
	return &Server{
		screener: screener,
		ringer:   ringer,
		target:   target,
		media:    media,
		contact: sip.ContactHeader{
			Address: sip.Uri{Scheme: "sip", User: "kiosk", Host: media.IP, Port: sipPort},
		},
		linger: endedLinger,
		logger: logger,
		calls:  make(map[string]*Call),
	}
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnOptions(s.handleOptions)
}

// Start begins listening on the configured transports and starts provider
// registration. Listeners stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	var transports []string
	switch s.cfg.SIPTransport {
	case "both":
		transports = []string{"udp", "tcp"}
	default:
		transports = []string{s.cfg.SIPTransport}
	}

	for _, network := range transports {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", network, "addr", addr)
			if err := s.srv.ListenAndServe(ctx, network, addr); err != nil && ctx.Err() == nil {
				s.logger.Error("sip listener stopped", "transport", network, "error", err)
			}
		}()
	}

	if s.registrar != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.registrar.Run(ctx)
		}()
	}

	return nil
}

// Stop shuts down listeners and registration, and waits for goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Registrar returns the provider registrar, or nil when registration is
// disabled.
func (s *Server) Registrar() *Registrar {
	return s.registrar
}

// RegistrationState reports the provider registration status for metrics.
func (s *Server) RegistrationState() string {
	if s.registrar == nil {
		return string(StatusDisabled)
	}
	return s.registrar.RegistrationState()
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	s.onInvite(req, tx)
}

// onInvite screens a new INVITE and, if the caller is admitted, rings the
// kiosk and hands the call to the lifecycle.
func (s *Server) onInvite(req *sip.Request, tx inviteTransaction) {
	s.tracer.Received(req, req.Source())
	rtx := tracedResponder{inner: tx, tracer: s.tracer, remote: req.Source()}

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	logger := s.logger.With("call_id", callID)

	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			s.onReInvite(req, rtx, callID)
			return
		}
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := rtx.Respond(trying); err != nil {
		logger.Error("failed to send 100 trying", "error", err)
		return
	}

	number := callerNumber(req)
	logger.Info("invite received", "number", number, "source", req.Source())

	ctx, cancel := context.WithTimeout(context.Background(), screenBudget)
	decision := s.screener.Screen(ctx, number)
	cancel()

	if !decision.Allowed() {
		logger.Info("invite declined by screening", "reason", decision.Reason)
		s.respond(rtx, req, 603, "Decline")
		return
	}

	c := newCall(req, rtx, s.send, s.media, s.contact, s.logger)

	s.mu.Lock()
	if _, exists := s.calls[callID]; exists {
		s.mu.Unlock()
		logger.Warn("duplicate invite for active call-id")
		s.respond(rtx, req, 482, "Loop Detected")
		return
	}
	s.calls[callID] = c
	s.mu.Unlock()

	c.OnStateChange(func(st call.PlatformState) {
		if st == call.PlatformDisconnected {
			s.release(c)
		}
	})

	audible := true
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	if on, err := s.ringer.RingerEnabled(ctx, time.Now()); err != nil {
		logger.Warn("reading ringer setting, ringing audibly", "error", err)
	} else {
		audible = on
	}
	cancel()

	if err := c.ring(audible); err != nil {
		logger.Error("failed to ring", "error", err)
		s.forget(c)
		return
	}

	s.target.SetCall(c)

	go func() {
		<-tx.Done()
		c.transactionDone()
	}()
}

// onReInvite answers an in-dialog INVITE (e.g. hold or session refresh).
func (s *Server) onReInvite(req *sip.Request, tx responder, callID string) {
	c := s.lookup(callID)
	if c == nil || c.State() != call.PlatformActive {
		s.respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}

	body, err := buildAnswer(req.Body(), s.media, time.Now().Unix())
	if err != nil {
		s.respond(tx, req, 488, "Not Acceptable Here")
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.HeaderClone(&s.contact))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to answer re-invite", "call_id", callID, "error", err)
	}
}

func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Received(req, req.Source())
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	s.logger.Debug("sip ack received", "call_id", callID, "known", s.lookup(callID) != nil)
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s.onBye(req, tracedResponder{inner: tx, tracer: s.tracer, remote: req.Source()})
}

// onBye ends the matching call, or answers 481 for an unknown dialog.
func (s *Server) onBye(req *sip.Request, tx responder) {
	s.tracer.Received(req, req.Source())
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	c := s.lookup(callID)
	if c == nil {
		s.respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(tx, req, 200, "OK")
	c.remoteHangup()
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s.onCancel(req, tracedResponder{inner: tx, tracer: s.tracer, remote: req.Source()})
}

// onCancel stops a ringing call: 200 to the CANCEL, 487 to the INVITE.
func (s *Server) onCancel(req *sip.Request, tx responder) {
	s.tracer.Received(req, req.Source())
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	c := s.lookup(callID)
	if c == nil {
		s.respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(tx, req, 200, "OK")
	c.remoteCancel()
}

// handleOptions answers keepalive pings from the provider.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// sendRequest sends an in-dialog request and waits for its final response.
func (s *Server) sendRequest(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	s.tracer.Sent(req, req.Destination())
	tx, err := s.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	res, err := finalResponse(ctx, tx)
	if err != nil {
		return nil, err
	}
	s.tracer.Received(res, req.Destination())
	return res, nil
}

func (s *Server) respond(tx responder, req *sip.Request, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send response", "code", code, "error", err)
	}
}

func (s *Server) lookup(callID string) *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callID]
}

// forget drops a call from the dialog table.
func (s *Server) forget(c *Call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls[c.ID()] != c {
		return false
	}
	delete(s.calls, c.ID())
	return true
}

// release forgets an ended call and clears it from the lifecycle once the
// kiosk has shown the ended state.
func (s *Server) release(c *Call) {
	if !s.forget(c) {
		return
	}
	time.AfterFunc(s.linger, func() {
		s.target.ClearCall(c)
	})
}
