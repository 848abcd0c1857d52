package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/call"
)

// byeTimeout bounds how long Disconnect waits for the BYE transaction.
const byeTimeout = 5 * time.Second

// ErrInvalidState is returned for an action the call's state does not allow.
var ErrInvalidState = errors.New("action not valid in current call state")

// responder is the part of sip.ServerTransaction a Call answers through.
type responder interface {
	Respond(res *sip.Response) error
}

// requestSender sends an in-dialog request and waits for its final response.
type requestSender func(ctx context.Context, req *sip.Request) (*sip.Response, error)

// Call is one inbound INVITE dialog. It implements call.Handle.
type Call struct {
	id      string
	number  string
	invite  *sip.Request
	tx      responder
	send    requestSender
	local   MediaEndpoint
	contact sip.ContactHeader
	logger  *slog.Logger

	// notifyMu serialises state changes with their listener callbacks so
	// listeners observe transitions in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     call.PlatformState
	finalSent bool
	byeSent   bool
	toTag     string
	cseq      uint32
	listeners map[int]func(call.PlatformState)
	nextID    int
}

func newCall(invite *sip.Request, tx responder, send requestSender, local MediaEndpoint, contact sip.ContactHeader, logger *slog.Logger) *Call {
	id := ""
	if cid := invite.CallID(); cid != nil {
		id = cid.Value()
	}
	var cseq uint32 = 1
	if h := invite.CSeq(); h != nil {
		cseq = h.SeqNo
	}
	return &Call{
		id:        id,
		number:    callerNumber(invite),
		invite:    invite,
		tx:        tx,
		send:      send,
		local:     local,
		contact:   contact,
		logger:    logger.With("call_id", id),
		state:     call.PlatformNew,
		toTag:     sip.GenerateTagN(16),
		cseq:      cseq,
		listeners: make(map[int]func(call.PlatformState)),
	}
}

// ID returns the SIP Call-ID.
func (c *Call) ID() string { return c.id }

// Number returns the caller's number, or "" when withheld.
func (c *Call) Number() string { return c.number }

// State returns the current platform state.
func (c *Call) State() call.PlatformState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn for state changes.
func (c *Call) OnStateChange(fn func(call.PlatformState)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// ring sends the provisional response that starts ringing. A silent ring
// uses 183 so the caller hears ringback while the kiosk stays quiet.
func (c *Call) ring(audible bool) error {
	code, reason := 180, "Ringing"
	if !audible {
		code, reason = 183, "Session Progress"
	}
	res := sip.NewResponseFromRequest(c.invite, code, reason, nil)
	c.tagTo(res)
	if err := c.tx.Respond(res); err != nil {
		return fmt.Errorf("sending %d: %w", code, err)
	}
	c.setState(call.PlatformRinging)
	return nil
}

// Answer accepts a ringing call with a 200 OK carrying the SDP answer.
func (c *Call) Answer() error {
	if !c.claimFinal(call.PlatformRinging) {
		return ErrInvalidState
	}

	body, err := buildAnswer(c.invite.Body(), c.local, time.Now().Unix())
	if err != nil {
		c.logger.Warn("cannot answer offer", "error", err)
		c.respondFinal(488, "Not Acceptable Here")
		c.setState(call.PlatformDisconnected)
		return fmt.Errorf("building sdp answer: %w", err)
	}

	res := sip.NewResponseFromRequest(c.invite, 200, "OK", body)
	c.tagTo(res)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.HeaderClone(&c.contact))

	if err := c.tx.Respond(res); err != nil {
		c.setState(call.PlatformDisconnected)
		return fmt.Errorf("sending 200 ok: %w", err)
	}

	c.logger.Info("call answered")
	c.setState(call.PlatformActive)
	return nil
}

// Reject declines a ringing call. A silent reject answers 603 Decline so
// the network does not play a busy tone; otherwise 486 Busy Here.
func (c *Call) Reject(silent bool) error {
	if !c.claimFinal(call.PlatformRinging) {
		return ErrInvalidState
	}
	code, reason := 486, "Busy Here"
	if silent {
		code, reason = 603, "Decline"
	}
	c.respondFinal(code, reason)
	c.logger.Info("call rejected", "code", code)
	c.setState(call.PlatformDisconnected)
	return nil
}

// Disconnect hangs up. An established call is ended with BYE; a call that
// is still ringing is declined with 480.
func (c *Call) Disconnect() error {
	switch c.State() {
	case call.PlatformRinging:
		if !c.claimFinal(call.PlatformRinging) {
			return ErrInvalidState
		}
		c.respondFinal(480, "Temporarily Unavailable")
		c.setState(call.PlatformDisconnected)
		return nil

	case call.PlatformActive:
		c.mu.Lock()
		if c.byeSent {
			c.mu.Unlock()
			return ErrInvalidState
		}
		c.byeSent = true
		c.mu.Unlock()
		bye := c.buildBYE()

		ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
		defer cancel()
		res, err := c.send(ctx, bye)

		// The dialog is over locally whatever the far end says.
		c.setState(call.PlatformDisconnected)
		if err != nil {
			c.logger.Warn("bye failed", "error", err)
			return fmt.Errorf("sending bye: %w", err)
		}
		c.logger.Info("call hung up", "status", res.StatusCode)
		return nil

	default:
		return ErrInvalidState
	}
}

// remoteHangup ends the call after the caller sent BYE.
func (c *Call) remoteHangup() {
	if c.setState(call.PlatformDisconnected) {
		c.logger.Info("caller hung up")
	}
}

// remoteCancel ends a ringing call after the caller sent CANCEL.
func (c *Call) remoteCancel() {
	if !c.claimFinal(call.PlatformRinging) {
		return
	}
	c.respondFinal(487, "Request Terminated")
	c.logger.Info("caller cancelled before answer")
	c.setState(call.PlatformDisconnected)
}

// transactionDone handles the INVITE transaction ending. Without a final
// response the caller cancelled while ringing.
func (c *Call) transactionDone() {
	c.mu.Lock()
	final := c.finalSent
	c.mu.Unlock()
	if final {
		return
	}
	if c.setState(call.PlatformDisconnected) {
		c.logger.Info("caller cancelled before answer")
	}
}

// claimFinal reserves the single final response of the INVITE
// transaction, provided the call is in state want.
func (c *Call) claimFinal(want call.PlatformState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalSent || c.state != want {
		return false
	}
	c.finalSent = true
	return true
}

func (c *Call) respondFinal(code int, reason string) {
	res := sip.NewResponseFromRequest(c.invite, code, reason, nil)
	c.tagTo(res)
	if err := c.tx.Respond(res); err != nil {
		c.logger.Error("failed to send final response", "code", code, "error", err)
	}
}

// tagTo sets the local dialog tag on a response's To header so every
// response of the dialog carries the same tag.
func (c *Call) tagTo(res *sip.Response) {
	if to := res.To(); to != nil {
		to.Params.Add("tag", c.toTag)
	}
}

// setState records a transition and notifies listeners. It reports false
// when nothing changed or the call had already ended.
func (c *Call) setState(s call.PlatformState) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state == s || c.state == call.PlatformDisconnected {
		c.mu.Unlock()
		return false
	}
	c.state = s
	fns := make([]func(call.PlatformState), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
	return true
}

// buildBYE builds the in-dialog BYE for a call answered as UAS: the
// caller's From becomes To, and our tagged To becomes From.
func (c *Call) buildBYE() *sip.Request {
	inv := c.invite
	recipient := &inv.Recipient
	if contact := inv.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())

	if to := inv.To(); to != nil {
		from := &sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     *to.Address.Clone(),
		}
		from.Params.Add("tag", c.toTag)
		bye.AppendHeader(from)
	}
	if from := inv.From(); from != nil {
		to := &sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     *from.Address.Clone(),
		}
		if tag, ok := from.Params.Get("tag"); ok {
			to.Params.Add("tag", tag)
		}
		bye.AppendHeader(to)
	}
	if h := inv.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	c.mu.Lock()
	c.cseq++
	seq := c.cseq
	c.mu.Unlock()
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inv.Transport())
	bye.SetDestination(inv.Source())
	return bye
}

// callerNumber extracts the caller's number, preferring the network
// asserted identity. Anonymous callers yield "".
func callerNumber(req *sip.Request) string {
	if h := req.GetHeader("P-Asserted-Identity"); h != nil {
		if user := uriUser(h.Value()); user != "" {
			return withheld(user)
		}
	}
	if from := req.From(); from != nil {
		return withheld(from.Address.User)
	}
	return ""
}

func withheld(user string) string {
	switch strings.ToLower(user) {
	case "anonymous", "unknown", "restricted", "private", "unavailable":
		return ""
	}
	return user
}

// uriUser returns the user part of a name-addr or addr-spec such as
// `"Bob" <sip:+331234@host;user=phone>` or `<tel:+331234>`.
func uriUser(v string) string {
	if i := strings.IndexByte(v, '<'); i >= 0 {
		v = v[i+1:]
		if j := strings.IndexByte(v, '>'); j >= 0 {
			v = v[:j]
		}
	}
	v = strings.TrimSpace(v)
	lower := strings.ToLower(v)
	switch {
	case strings.HasPrefix(lower, "tel:"):
		v = v[len("tel:"):]
	case strings.HasPrefix(lower, "sips:"), strings.HasPrefix(lower, "sip:"):
		_, rest, _ := strings.Cut(v, ":")
		user, _, ok := strings.Cut(rest, "@")
		if !ok {
			return ""
		}
		v = user
	default:
		return ""
	}
	if i := strings.IndexAny(v, ";?"); i >= 0 {
		v = v[:i]
	}
	return v
}
