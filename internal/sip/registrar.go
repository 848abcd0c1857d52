package sip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// RegistrationStatus is the state of the provider registration.
type RegistrationStatus string

const (
	StatusDisabled     RegistrationStatus = "disabled"
	StatusRegistering  RegistrationStatus = "registering"
	StatusRegistered   RegistrationStatus = "registered"
	StatusFailed       RegistrationStatus = "failed"
	StatusUnregistered RegistrationStatus = "unregistered"
)

// Provider is the SIP account the kiosk registers with to receive calls.
type Provider struct {
	Host         string
	Port         int
	Transport    string // "udp" or "tcp"
	Username     string
	Password     string
	AuthUsername string // digest username, defaults to Username
	Expiry       int    // requested lifetime in seconds
}

func (p Provider) registrarURI() string {
	return fmt.Sprintf("sip:%s:%d", p.Host, p.Port)
}

// RegistrationState is a snapshot of the registration for the API.
type RegistrationState struct {
	Status       RegistrationStatus `json:"status"`
	LastError    string             `json:"last_error,omitempty"`
	RetryAttempt int                `json:"retry_attempt,omitempty"`
	RegisteredAt *time.Time         `json:"registered_at,omitempty"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
}

// requestClient is the part of sipgo.Client the registrar uses.
type requestClient interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
}

// Registrar keeps the kiosk registered with its provider: REGISTER with
// digest auth, refresh before the granted expiry and back off on failure.
type Registrar struct {
	provider Provider
	client   requestClient
	contact  string
	logger   *slog.Logger

	mu    sync.RWMutex
	state RegistrationState
}

// NewRegistrar creates a registrar. contactHost is the host:port the
// provider should send INVITEs to.
func NewRegistrar(provider Provider, client requestClient, contactHost string, logger *slog.Logger) *Registrar {
	if provider.Expiry <= 0 {
		provider.Expiry = 300
	}
	return &Registrar{
		provider: provider,
		client:   client,
		contact:  fmt.Sprintf("<sip:%s@%s>", provider.Username, contactHost),
		logger:   logger.With("subsystem", "registrar", "provider", provider.Host),
		state:    RegistrationState{Status: StatusRegistering},
	}
}

// Status returns the current registration state.
func (r *Registrar) Status() RegistrationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// RegistrationState returns the status as a string for metrics.
func (r *Registrar) RegistrationState() string {
	return string(r.Status().Status)
}

// Run registers and refreshes until ctx is cancelled, then un-registers.
func (r *Registrar) Run(ctx context.Context) {
	r.logger.Info("starting provider registration",
		"port", r.provider.Port,
		"transport", r.provider.Transport,
		"expiry", r.provider.Expiry,
	)
	defer r.unregister()

	b := newBackoff()

	for {
		granted, err := r.register(ctx, r.provider.Expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := b.next()
			r.logger.Error("provider registration failed",
				"error", err,
				"attempt", b.attempt,
				"retry_in", retryDelay.String(),
			)

			r.mu.Lock()
			r.state.Status = StatusFailed
			r.state.LastError = err.Error()
			r.state.RetryAttempt = b.attempt
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		b.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(granted) * time.Second)
		r.mu.Lock()
		r.state = RegistrationState{
			Status:       StatusRegistered,
			RegisteredAt: &now,
			ExpiresAt:    &expiresAt,
		}
		r.mu.Unlock()

		r.logger.Info("registered with provider",
			"requested_expiry", r.provider.Expiry,
			"granted_expiry", granted,
		)

		// Refresh at 80% of the granted lifetime.
		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
			r.logger.Debug("refreshing registration")
		}
	}
}

// unregister sends a best-effort REGISTER with Expires: 0.
func (r *Registrar) unregister() {
	registered := r.Status().Status == StatusRegistered

	r.mu.Lock()
	r.state = RegistrationState{Status: StatusUnregistered}
	r.mu.Unlock()

	if !registered {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.register(ctx, 0); err != nil {
		r.logger.Warn("failed to un-register", "error", err)
		return
	}
	r.logger.Info("un-registered from provider")
}

// register sends one REGISTER, answering a digest challenge if needed, and
// returns the server-granted expiry.
func (r *Registrar) register(ctx context.Context, expiry int) (int, error) {
	p := r.provider

	var recipient sip.Uri
	if err := sip.ParseUri(p.registrarURI(), &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(p.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", p.Username, p.Host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", r.contact))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := r.authorize(req, res)
		if err != nil {
			return 0, err
		}
		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}
	return grantedExpiry(res, expiry), nil
}

// authorize answers a 401/407 challenge with a digest credential.
func (r *Registrar) authorize(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	challengeHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, challengeHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	user := r.provider.Username
	if r.provider.AuthUsername != "" {
		user = r.provider.AuthUsername
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      r.provider.registrarURI(),
		Username: user,
		Password: r.provider.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// grantedExpiry reads the registrar's lifetime from the 200 OK: the
// Contact expires parameter first, then the Expires header.
func grantedExpiry(res *sip.Response, requested int) int {
	if h := res.GetHeader("Contact"); h != nil {
		if v := parseContactExpires(h.Value()); v > 0 {
			return v
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if v := parseExpiresHeader(h.Value()); v > 0 {
			return v
		}
	}
	return requested
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// finalResponse waits for the first final (>= 200) response.
func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 200 {
			return res, nil
		}
	}
}

// parseContactExpires extracts the expires parameter from a Contact
// header value such as "<sip:user@host>;expires=3600". It returns 0 when
// absent or malformed.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value; 0 if malformed.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff is exponential backoff with ±20% jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
