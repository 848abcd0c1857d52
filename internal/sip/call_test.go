package sip

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/call"
)

var testMedia = MediaEndpoint{IP: "10.0.0.2", Port: 40000}

var testContact = sip.ContactHeader{
	Address: sip.Uri{Scheme: "sip", User: "kiosk", Host: "10.0.0.2", Port: 5060},
}

// newInvite builds an INVITE as a provider would send it.
func newInvite(callID, fromUser, body string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "kiosk", Host: "10.0.0.2", Port: 5060})

	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "10.0.0.9", Port: 5060}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{
		DisplayName: "Caller",
		Address:     sip.Uri{Scheme: "sip", User: fromUser, Host: "provider.example"},
	}
	from.Params.Add("tag", "caller-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "kiosk", Host: "10.0.0.2"}})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "gw", Host: "10.0.0.9", Port: 5070}})

	if body != "" {
		req.SetBody([]byte(body))
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	req.SetSource("10.0.0.9:5060")
	return req
}

// fakeTx records responses and lets tests end the transaction.
type fakeTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
	err       error
}

func newFakeTx() *fakeTx {
	return &fakeTx{done: make(chan struct{})}
}

func (f *fakeTx) Respond(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return f.err
}

func (f *fakeTx) Done() <-chan struct{} { return f.done }

func (f *fakeTx) codes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.responses))
	for i, r := range f.responses {
		out[i] = r.StatusCode
	}
	return out
}

func (f *fakeTx) last() *sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil
	}
	return f.responses[len(f.responses)-1]
}

// fakeSender records in-dialog requests.
type fakeSender struct {
	mu   sync.Mutex
	sent []*sip.Request
	err  error
}

func (f *fakeSender) send(_ context.Context, req *sip.Request) (*sip.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if f.err != nil {
		return nil, f.err
	}
	return sip.NewResponse(200, "OK"), nil
}

func (f *fakeSender) requests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.sent...)
}

// stateLog collects the states a Call reports to listeners.
type stateLog struct {
	mu     sync.Mutex
	states []call.PlatformState
}

func (l *stateLog) record(s call.PlatformState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) all() []call.PlatformState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]call.PlatformState(nil), l.states...)
}

func newTestCall(t *testing.T, body string) (*Call, *fakeTx, *fakeSender, *stateLog) {
	t.Helper()
	tx := newFakeTx()
	sender := &fakeSender{}
	log := &stateLog{}
	c := newCall(newInvite("call-1", "+33612345678", body), tx, sender.send, testMedia, testContact, discard)
	c.OnStateChange(log.record)
	return c, tx, sender, log
}

func toTag(t *testing.T, res *sip.Response) string {
	t.Helper()
	to := res.To()
	if to == nil {
		t.Fatal("response has no To header")
	}
	tag, ok := to.Params.Get("tag")
	if !ok || tag == "" {
		t.Fatalf("response %d has no To tag", res.StatusCode)
	}
	return tag
}

func equalCodes(got, want []int) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCallRingAndAnswer(t *testing.T) {
	c, tx, _, log := newTestCall(t, linphoneOffer)

	if c.ID() != "call-1" || c.Number() != "+33612345678" {
		t.Fatalf("ID/Number = %q/%q", c.ID(), c.Number())
	}
	if c.State() != call.PlatformNew {
		t.Fatalf("initial state = %q, want new", c.State())
	}

	if err := c.ring(true); err != nil {
		t.Fatalf("ring() error: %v", err)
	}
	ringTag := toTag(t, tx.last())

	if err := c.Answer(); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if got := tx.codes(); !equalCodes(got, []int{180, 200}) {
		t.Fatalf("responses = %v, want [180 200]", got)
	}

	ok := tx.last()
	if toTag(t, ok) != ringTag {
		t.Error("200 OK To tag differs from 180 Ringing")
	}
	if ct := ok.GetHeader("Content-Type"); ct == nil || ct.Value() != "application/sdp" {
		t.Error("200 OK missing application/sdp Content-Type")
	}
	if ok.GetHeader("Contact") == nil {
		t.Error("200 OK missing Contact")
	}
	if !strings.Contains(string(ok.Body()), "m=audio 40000 RTP/AVP 8 101") {
		t.Errorf("200 OK body:\n%s", ok.Body())
	}

	want := []call.PlatformState{call.PlatformRinging, call.PlatformActive}
	if got := log.all(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("states = %v, want %v", got, want)
	}

	if err := c.Answer(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Answer() error = %v, want ErrInvalidState", err)
	}
}

func TestCallSilentRing(t *testing.T) {
	c, tx, _, _ := newTestCall(t, linphoneOffer)
	if err := c.ring(false); err != nil {
		t.Fatalf("ring() error: %v", err)
	}
	if got := tx.codes(); !equalCodes(got, []int{183}) {
		t.Errorf("responses = %v, want [183]", got)
	}
	if c.State() != call.PlatformRinging {
		t.Errorf("state = %q, want ringing", c.State())
	}
}

func TestCallReject(t *testing.T) {
	tests := []struct {
		silent bool
		want   int
	}{
		{silent: true, want: 603},
		{silent: false, want: 486},
	}
	for _, tt := range tests {
		c, tx, _, _ := newTestCall(t, linphoneOffer)
		_ = c.ring(true)

		if err := c.Reject(tt.silent); err != nil {
			t.Fatalf("Reject(%v) error: %v", tt.silent, err)
		}
		if got := tx.last().StatusCode; got != tt.want {
			t.Errorf("Reject(%v) sent %d, want %d", tt.silent, got, tt.want)
		}
		if c.State() != call.PlatformDisconnected {
			t.Errorf("state = %q, want disconnected", c.State())
		}
		if err := c.Answer(); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Answer() after reject = %v, want ErrInvalidState", err)
		}
	}
}

func TestCallRejectBeforeRinging(t *testing.T) {
	c, tx, _, _ := newTestCall(t, linphoneOffer)
	if err := c.Reject(true); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Reject() on new call = %v, want ErrInvalidState", err)
	}
	if len(tx.codes()) != 0 {
		t.Error("response sent for invalid reject")
	}
}

func TestCallDisconnectActiveSendsBye(t *testing.T) {
	c, tx, sender, log := newTestCall(t, linphoneOffer)
	_ = c.ring(true)
	_ = c.Answer()
	localTag := toTag(t, tx.last())

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}

	reqs := sender.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1 BYE", len(reqs))
	}
	bye := reqs[0]
	if bye.Method != sip.BYE {
		t.Fatalf("method = %s, want BYE", bye.Method)
	}
	if bye.Recipient.Host != "10.0.0.9" || bye.Recipient.Port != 5070 {
		t.Errorf("BYE sent to %s:%d, want remote contact 10.0.0.9:5070", bye.Recipient.Host, bye.Recipient.Port)
	}
	if tag, _ := bye.From().Params.Get("tag"); tag != localTag {
		t.Errorf("BYE From tag = %q, want local tag %q", tag, localTag)
	}
	if tag, _ := bye.To().Params.Get("tag"); tag != "caller-tag" {
		t.Errorf("BYE To tag = %q, want caller-tag", tag)
	}
	if bye.CallID().Value() != "call-1" {
		t.Errorf("BYE Call-ID = %q", bye.CallID().Value())
	}
	if cseq := bye.CSeq(); cseq.SeqNo != 2 || cseq.MethodName != sip.BYE {
		t.Errorf("BYE CSeq = %d %s, want 2 BYE", cseq.SeqNo, cseq.MethodName)
	}

	states := log.all()
	if states[len(states)-1] != call.PlatformDisconnected {
		t.Errorf("final state = %q, want disconnected", states[len(states)-1])
	}
	if err := c.Disconnect(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Disconnect() = %v, want ErrInvalidState", err)
	}
	if len(sender.requests()) != 1 {
		t.Error("second Disconnect sent another BYE")
	}
}

func TestCallByeFailureStillEnds(t *testing.T) {
	c, _, sender, _ := newTestCall(t, linphoneOffer)
	sender.err = errors.New("timeout")
	_ = c.ring(true)
	_ = c.Answer()

	if err := c.Disconnect(); err == nil {
		t.Error("Disconnect() should report the BYE failure")
	}
	if c.State() != call.PlatformDisconnected {
		t.Errorf("state = %q, want disconnected", c.State())
	}
}

func TestCallDisconnectWhileRinging(t *testing.T) {
	c, tx, sender, _ := newTestCall(t, linphoneOffer)
	_ = c.ring(true)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if got := tx.last().StatusCode; got != 480 {
		t.Errorf("sent %d, want 480", got)
	}
	if len(sender.requests()) != 0 {
		t.Error("BYE sent for unanswered call")
	}
}

func TestCallRemoteCancel(t *testing.T) {
	c, tx, _, _ := newTestCall(t, linphoneOffer)
	_ = c.ring(true)

	c.remoteCancel()
	if got := tx.codes(); !equalCodes(got, []int{180, 487}) {
		t.Errorf("responses = %v, want [180 487]", got)
	}
	if c.State() != call.PlatformDisconnected {
		t.Errorf("state = %q, want disconnected", c.State())
	}

	// A late CANCEL or transaction end changes nothing.
	c.remoteCancel()
	c.transactionDone()
	if len(tx.codes()) != 2 {
		t.Error("extra response after cancel")
	}
}

func TestCallTransactionDone(t *testing.T) {
	t.Run("without final response", func(t *testing.T) {
		c, _, _, _ := newTestCall(t, linphoneOffer)
		_ = c.ring(true)
		c.transactionDone()
		if c.State() != call.PlatformDisconnected {
			t.Errorf("state = %q, want disconnected", c.State())
		}
	})
	t.Run("after answer", func(t *testing.T) {
		c, _, _, _ := newTestCall(t, linphoneOffer)
		_ = c.ring(true)
		_ = c.Answer()
		c.transactionDone()
		if c.State() != call.PlatformActive {
			t.Errorf("state = %q, want active", c.State())
		}
	})
}

func TestCallRemoteHangup(t *testing.T) {
	c, _, _, log := newTestCall(t, linphoneOffer)
	_ = c.ring(true)
	_ = c.Answer()

	c.remoteHangup()
	c.remoteHangup()

	states := log.all()
	if len(states) != 3 || states[2] != call.PlatformDisconnected {
		t.Errorf("states = %v, want ringing, active, disconnected once", states)
	}
}

func TestCallAnswerUnsupportedOffer(t *testing.T) {
	offer := "v=0\r\nc=IN IP4 10.0.0.9\r\nm=audio 4000 RTP/AVP 96\r\na=rtpmap:96 opus/48000/2\r\n"
	c, tx, _, _ := newTestCall(t, offer)
	_ = c.ring(true)

	if err := c.Answer(); !errors.Is(err, ErrNoCommonCodec) {
		t.Errorf("Answer() error = %v, want ErrNoCommonCodec", err)
	}
	if got := tx.last().StatusCode; got != 488 {
		t.Errorf("sent %d, want 488", got)
	}
	if c.State() != call.PlatformDisconnected {
		t.Errorf("state = %q, want disconnected", c.State())
	}
}

func TestCallListenerUnregister(t *testing.T) {
	c, _, _, _ := newTestCall(t, linphoneOffer)
	extra := &stateLog{}
	unregister := c.OnStateChange(extra.record)

	_ = c.ring(true)
	unregister()
	_ = c.Answer()

	if got := extra.all(); len(got) != 1 || got[0] != call.PlatformRinging {
		t.Errorf("unregistered listener saw %v, want [ringing]", got)
	}
}

func TestCallerNumber(t *testing.T) {
	tests := []struct {
		name     string
		fromUser string
		pai      string
		want     string
	}{
		{"from user", "+33612345678", "", "+33612345678"},
		{"asserted identity wins", "0612345678", `"Mom" <sip:+33612345678@provider.example;user=phone>`, "+33612345678"},
		{"tel uri", "0612345678", "<tel:+33612345678;cpc=ordinary>", "+33612345678"},
		{"asserted identity without user", "0612345678", "<sip:provider.example>", "0612345678"},
		{"anonymous", "anonymous", "", ""},
		{"anonymous asserted", "0612345678", "<sip:Anonymous@anonymous.invalid>", ""},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newInvite("call-x", tt.fromUser, "")
			if tt.pai != "" {
				req.AppendHeader(sip.NewHeader("P-Asserted-Identity", tt.pai))
			}
			if got := callerNumber(req); got != tt.want {
				t.Errorf("callerNumber() = %q, want %q", got, tt.want)
			}
		})
	}
}
