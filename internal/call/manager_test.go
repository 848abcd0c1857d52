package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/admission"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeHandle is a scriptable platform call. With auto set, Answer, Reject
// and Disconnect report the resulting platform state like a real stack.
type fakeHandle struct {
	id     string
	number string
	auto   bool

	mu            sync.Mutex
	state         PlatformState
	listeners     map[int]func(PlatformState)
	nextListener  int
	answers       int
	silentRejects int
	busyRejects   int
	disconnects   int
}

func newFakeHandle(id, number string) *fakeHandle {
	return &fakeHandle{
		id:        id,
		number:    number,
		auto:      true,
		state:     PlatformRinging,
		listeners: make(map[int]func(PlatformState)),
	}
}

func (h *fakeHandle) ID() string     { return h.id }
func (h *fakeHandle) Number() string { return h.number }

func (h *fakeHandle) State() PlatformState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHandle) Answer() error {
	h.mu.Lock()
	h.answers++
	h.mu.Unlock()
	if h.auto {
		h.set(PlatformActive)
	}
	return nil
}

func (h *fakeHandle) Reject(silent bool) error {
	h.mu.Lock()
	if silent {
		h.silentRejects++
	} else {
		h.busyRejects++
	}
	h.mu.Unlock()
	if h.auto {
		h.set(PlatformDisconnected)
	}
	return nil
}

func (h *fakeHandle) Disconnect() error {
	h.mu.Lock()
	h.disconnects++
	h.mu.Unlock()
	if h.auto {
		h.set(PlatformDisconnected)
	}
	return nil
}

func (h *fakeHandle) OnStateChange(fn func(PlatformState)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextListener
	h.nextListener++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// set changes the platform state and notifies listeners.
func (h *fakeHandle) set(p PlatformState) {
	h.mu.Lock()
	h.state = p
	fns := make([]func(PlatformState), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (h *fakeHandle) counts() (answers, silentRejects, disconnects int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.answers, h.silentRejects, h.disconnects
}

func (h *fakeHandle) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

type fakeSink struct {
	mu      sync.Mutex
	entries []models.CallLogEntry
}

func (s *fakeSink) Append(e models.CallLogEntry) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

func (s *fakeSink) all() []models.CallLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CallLogEntry(nil), s.entries...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// admitFunc adapts a function to Admitter.
type admitFunc func(ctx context.Context, number string) admission.Decision

func (f admitFunc) Evaluate(ctx context.Context, number string) admission.Decision {
	return f(ctx, number)
}

type fakeContacts []models.Contact

func (f fakeContacts) List(context.Context) ([]models.Contact, error) { return f, nil }

type fakeSettings struct{ allowAll bool }

func (f fakeSettings) AllowAllCalls(context.Context) (bool, error) { return f.allowAll, nil }

var book = fakeContacts{{ID: 1, Name: "Mom", PhoneNumber: "0612345678"}}

func policy(allowAll bool) Admitter {
	return admission.NewPolicy(book, fakeSettings{allowAll: allowAll}, discard)
}

// gate holds admission for chosen numbers until released. Numbers it was
// not told about are allowed immediately.
type gate struct {
	mu       sync.Mutex
	held     map[string]chan struct{}
	verdicts map[string]admission.Decision
}

func newGate() *gate {
	return &gate{held: make(map[string]chan struct{}), verdicts: make(map[string]admission.Decision)}
}

func (g *gate) hold(number string, d admission.Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held[number] = make(chan struct{})
	g.verdicts[number] = d
}

func (g *gate) release(number string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.held[number])
}

func (g *gate) Evaluate(_ context.Context, number string) admission.Decision {
	g.mu.Lock()
	ch := g.held[number]
	d, ok := g.verdicts[number]
	g.mu.Unlock()
	if !ok {
		d = allow
	}
	if ch != nil {
		<-ch
	}
	return d
}

var allow = admission.Decision{Verdict: admission.Allow, Reason: admission.ReasonContactMatch, ContactName: "Mom"}
var block = admission.Decision{Verdict: admission.Block, Reason: admission.ReasonUnknownNumber}

type harness struct {
	m     *Manager
	sink  *fakeSink
	clock *fakeClock
}

func newHarness(t *testing.T, a Admitter, opts ...Option) *harness {
	t.Helper()
	h := &harness{sink: &fakeSink{}, clock: newFakeClock()}
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.m = NewManager(a, h.sink, discard, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go h.m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.m.stopped
	})
	return h
}

// settle waits until every event queued so far has been handled.
func (h *harness) settle() {
	h.m.do(func() {})
}

// admitted waits for the current session's admission verdict.
func (h *harness) admitted(t *testing.T) Snapshot {
	t.Helper()
	var snap Snapshot
	waitFor(t, func() bool {
		h.settle()
		snap = h.m.Snapshot()
		return !snap.Screening
	})
	return snap
}

func (h *harness) waitEntries(t *testing.T, n int) []models.CallLogEntry {
	t.Helper()
	var got []models.CallLogEntry
	waitFor(t, func() bool {
		h.settle()
		got = h.sink.all()
		return len(got) >= n
	})
	return got
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAnsweredContactCall(t *testing.T) {
	h := newHarness(t, policy(false))
	call := newFakeHandle("c1", "+33 6 12 34 56 78")

	h.m.SetCall(call)
	snap := h.admitted(t)
	if !snap.Allowed || snap.State != StateRinging || snap.Name != "Mom" {
		t.Fatalf("after admission snapshot = %+v, want allowed ringing Mom", snap)
	}

	h.m.Accept()
	h.settle()
	if got := h.m.Snapshot(); got.State != StateActive || got.AnsweredAt == nil {
		t.Fatalf("after accept snapshot = %+v, want active", got)
	}

	h.clock.Advance(42*time.Second + 900*time.Millisecond)
	call.set(PlatformDisconnected)

	entries := h.waitEntries(t, 1)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Type != models.CallTypeAnswered {
		t.Errorf("type = %s, want %s", e.Type, models.CallTypeAnswered)
	}
	if e.DurationSeconds != 42 {
		t.Errorf("duration = %d, want 42", e.DurationSeconds)
	}
	if e.Number != "+33612345678" {
		t.Errorf("number = %q, want +33612345678", e.Number)
	}
	if e.SessionID != snap.SessionID {
		t.Errorf("session id = %q, want %q", e.SessionID, snap.SessionID)
	}
	if h.m.Snapshot().State != StateEnded {
		t.Errorf("state = %s, want ended", h.m.Snapshot().State)
	}
	if call.listenerCount() != 0 {
		t.Error("platform callback still registered after the call ended")
	}
}

func TestUnknownCallerBlocked(t *testing.T) {
	h := newHarness(t, policy(false))
	call := newFakeHandle("c1", "0700000000")

	h.m.SetCall(call)
	snap := h.admitted(t)
	if snap.Allowed || snap.State != StateIdle {
		t.Errorf("snapshot = %+v, want idle and not allowed", snap)
	}

	entries := h.waitEntries(t, 1)
	if entries[0].Type != models.CallTypeBlocked || entries[0].Number != "0700000000" {
		t.Errorf("entry = %+v, want BLOCKED 0700000000", entries[0])
	}
	if entries[0].Name != nil || entries[0].DurationSeconds != 0 {
		t.Errorf("blocked entry carries name or duration: %+v", entries[0])
	}
	if _, silent, _ := call.counts(); silent != 1 {
		t.Errorf("silent rejects = %d, want 1", silent)
	}

	// Late platform callbacks change nothing.
	call.set(PlatformDisconnected)
	h.m.Accept()
	h.settle()
	if got := h.sink.all(); len(got) != 1 {
		t.Errorf("got %d entries, want exactly 1", len(got))
	}
	if answers, _, _ := call.counts(); answers != 0 {
		t.Error("blocked call was answered")
	}
}

func TestUserRejectsRingingCall(t *testing.T) {
	h := newHarness(t, policy(false))
	call := newFakeHandle("c1", "0612345678")

	h.m.SetCall(call)
	h.admitted(t)
	h.m.Reject()

	entries := h.waitEntries(t, 1)
	if entries[0].Type != models.CallTypeRejected || entries[0].DurationSeconds != 0 {
		t.Errorf("entry = %+v, want INCOMING_REJECTED with zero duration", entries[0])
	}
	if _, silent, disc := call.counts(); silent != 1 || disc != 0 {
		t.Errorf("silent rejects = %d, disconnects = %d, want 1/0", silent, disc)
	}
}

func TestAllowAllCalls(t *testing.T) {
	h := newHarness(t, policy(true))

	unknown := newFakeHandle("c1", "0700000000")
	h.m.SetCall(unknown)
	if snap := h.admitted(t); !snap.Allowed {
		t.Fatalf("unknown caller not allowed with allow-all: %+v", snap)
	}
	unknown.set(PlatformDisconnected)
	h.waitEntries(t, 1)
	h.m.Clear()

	blank := newFakeHandle("c2", "")
	h.m.SetCall(blank)
	if snap := h.admitted(t); snap.Allowed {
		t.Fatal("caller without number allowed with allow-all")
	}
	entries := h.waitEntries(t, 2)
	if entries[1].Type != models.CallTypeBlocked || entries[1].Number != UnknownNumber {
		t.Errorf("entry = %+v, want BLOCKED unknown", entries[1])
	}
}

func TestHangUpActiveCall(t *testing.T) {
	h := newHarness(t, policy(false))
	call := newFakeHandle("c1", "0612345678")

	h.m.SetCall(call)
	h.admitted(t)
	h.m.Accept()
	h.settle()
	h.clock.Advance(5 * time.Second)
	h.m.Reject()

	entries := h.waitEntries(t, 1)
	if entries[0].Type != models.CallTypeAnswered || entries[0].DurationSeconds != 5 {
		t.Errorf("entry = %+v, want INCOMING_ANSWERED 5s", entries[0])
	}
	if _, silent, disc := call.counts(); silent != 0 || disc != 1 {
		t.Errorf("silent rejects = %d, disconnects = %d, want 0/1", silent, disc)
	}
}

func TestMissedCall(t *testing.T) {
	h := newHarness(t, policy(false))
	call := newFakeHandle("c1", "0612345678")

	h.m.SetCall(call)
	h.admitted(t)
	call.set(PlatformDisconnected)

	entries := h.waitEntries(t, 1)
	if entries[0].Type != models.CallTypeMissed {
		t.Errorf("type = %s, want INCOMING_MISSED", entries[0].Type)
	}
}

func TestSecondEndedIsNoOp(t *testing.T) {
	h := newHarness(t, policy(false))
	call := newFakeHandle("c1", "0612345678")

	h.m.SetCall(call)
	h.admitted(t)
	h.m.Accept()

	// Deliver through a listener registered before release, as a platform
	// with buffered callbacks would.
	var late func(PlatformState)
	h.m.do(func() {
		s := h.m.cur
		late = func(p PlatformState) { h.m.inbox.push(func() { h.m.onPlatformState(s, p) }) }
	})
	call.set(PlatformDisconnected)
	late(PlatformDisconnected)
	late(PlatformActive)
	h.settle()

	if got := h.sink.all(); len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if h.m.Snapshot().State != StateEnded {
		t.Errorf("state = %s, want ended", h.m.Snapshot().State)
	}
}

func TestTransitionsDeferredUntilAdmitted(t *testing.T) {
	g := newGate()
	g.hold("0612345678", allow)
	h := newHarness(t, g)
	call := newFakeHandle("c1", "0612345678")

	h.m.SetCall(call)
	call.set(PlatformActive)
	h.settle()
	if snap := h.m.Snapshot(); snap.State != StateIdle || !snap.Screening {
		t.Fatalf("snapshot during admission = %+v, want idle and screening", snap)
	}

	call.set(PlatformDisconnected)
	g.release("0612345678")

	entries := h.waitEntries(t, 1)
	// The Active callback arrived before admission and was not applied;
	// only the re-derived Ended state counts.
	if entries[0].Type != models.CallTypeMissed {
		t.Errorf("type = %s, want INCOMING_MISSED", entries[0].Type)
	}
	if h.m.Snapshot().State != StateEnded {
		t.Errorf("state = %s, want ended", h.m.Snapshot().State)
	}
}

func TestAcceptIgnoredWhileScreening(t *testing.T) {
	g := newGate()
	g.hold("0612345678", allow)
	h := newHarness(t, g)
	call := newFakeHandle("c1", "0612345678")

	h.m.SetCall(call)
	h.m.Accept()
	if answers, _, _ := call.counts(); answers != 0 {
		t.Error("call answered before admission")
	}
	g.release("0612345678")
	h.admitted(t)
	h.m.Accept()
	if answers, _, _ := call.counts(); answers != 1 {
		t.Errorf("answers = %d, want 1", answers)
	}
}

func TestStaleAdmissionNotApplied(t *testing.T) {
	g := newGate()
	g.hold("0611111111", allow)
	h := newHarness(t, g)

	first := newFakeHandle("c1", "0611111111")
	second := newFakeHandle("c2", "0622222222")

	h.m.SetCall(first)
	h.m.SetCall(second)
	snap := h.admitted(t)
	if snap.Number != "0622222222" || !snap.Allowed {
		t.Fatalf("snapshot = %+v, want second call allowed", snap)
	}

	g.release("0611111111")
	entries := h.waitEntries(t, 1)

	if got := h.m.Snapshot(); got.SessionID != snap.SessionID || got.State != StateRinging {
		t.Errorf("stale verdict changed the live session: %+v", got)
	}
	if entries[0].Number != "0611111111" || entries[0].Type != models.CallTypeMissed {
		t.Errorf("entry = %+v, want INCOMING_MISSED for the replaced call", entries[0])
	}
	if _, silent, _ := first.counts(); silent != 1 {
		t.Errorf("replaced call silent rejects = %d, want 1", silent)
	}
	if _, silent, _ := second.counts(); silent != 0 {
		t.Error("live call was rejected by a stale verdict")
	}
}

func TestStaleBlockVerdictLoggedOnce(t *testing.T) {
	g := newGate()
	g.hold("0700000000", block)
	h := newHarness(t, g)

	first := newFakeHandle("c1", "0700000000")
	second := newFakeHandle("c2", "0612345678")

	h.m.SetCall(first)
	h.m.SetCall(second)
	h.admitted(t)

	g.release("0700000000")
	entries := h.waitEntries(t, 1)
	if entries[0].Type != models.CallTypeBlocked || entries[0].Number != "0700000000" {
		t.Errorf("entry = %+v, want BLOCKED for the replaced call", entries[0])
	}
	if snap := h.m.Snapshot(); !snap.Allowed || snap.Number != "0612345678" {
		t.Errorf("live session affected: %+v", snap)
	}

	second.set(PlatformDisconnected)
	if got := h.waitEntries(t, 2); len(got) != 2 {
		t.Errorf("got %d entries, want 2", len(got))
	}
}

func TestNewCallReplacesLiveCall(t *testing.T) {
	h := newHarness(t, policy(false))
	first := newFakeHandle("c1", "0612345678")
	second := newFakeHandle("c2", "0612345678")

	h.m.SetCall(first)
	h.admitted(t)
	h.m.SetCall(second)

	entries := h.waitEntries(t, 1)
	if entries[0].Type != models.CallTypeMissed {
		t.Errorf("replaced call type = %s, want INCOMING_MISSED", entries[0].Type)
	}
	if _, silent, _ := first.counts(); silent != 1 {
		t.Errorf("replaced call silent rejects = %d, want 1", silent)
	}

	snap := h.admitted(t)
	if snap.State != StateRinging {
		t.Errorf("new call state = %s, want ringing", snap.State)
	}
	if snap.AnsweredAt != nil {
		t.Error("new session inherited answer time")
	}
}

func TestAdmissionTimeoutBlocks(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	stuck := admitFunc(func(context.Context, string) admission.Decision {
		<-hang
		return allow
	})
	h := newHarness(t, stuck, WithAdmissionTimeout(20*time.Millisecond))
	call := newFakeHandle("c1", "0612345678")

	h.m.SetCall(call)
	entries := h.waitEntries(t, 1)
	if entries[0].Type != models.CallTypeBlocked {
		t.Errorf("type = %s, want BLOCKED", entries[0].Type)
	}
	if _, silent, _ := call.counts(); silent != 1 {
		t.Errorf("silent rejects = %d, want 1", silent)
	}
}

func TestActionsWithoutSessionAreNoOps(t *testing.T) {
	h := newHarness(t, policy(false))
	h.m.Accept()
	h.m.Reject()
	h.m.SetSpeakerOn(true)
	h.m.Clear()
	h.settle()

	if got := h.sink.all(); len(got) != 0 {
		t.Errorf("got %d entries, want 0", len(got))
	}
	if snap := h.m.Snapshot(); snap.State != StateIdle || snap.SpeakerOn {
		t.Errorf("snapshot = %+v, want idle", snap)
	}
}

type fakeRoute struct {
	mu       sync.Mutex
	requests []bool
	err      error
}

func (r *fakeRoute) RequestRoute(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, on)
	return r.err
}

func (r *fakeRoute) all() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.requests...)
}

type speakerDefault bool

func (s speakerDefault) DefaultSpeakerEnabled(context.Context) (bool, error) { return bool(s), nil }

func TestAudioRoute(t *testing.T) {
	h := newHarness(t, policy(false), WithSpeakerDefaults(speakerDefault(true)))
	route := &fakeRoute{}
	call := newFakeHandle("c1", "0612345678")

	// Without a controller speaker requests are dropped.
	h.m.SetSpeakerOn(true)
	if h.m.HasAudioRoute() {
		t.Fatal("HasAudioRoute() = true before registration")
	}

	h.m.SetAudioRoute(route)
	if !h.m.HasAudioRoute() {
		t.Fatal("HasAudioRoute() = false after registration")
	}
	h.m.SetCall(call)
	h.admitted(t)
	h.m.Accept()
	h.settle()

	if got := route.all(); len(got) != 1 || !got[0] {
		t.Fatalf("route requests after answer = %v, want [true]", got)
	}
	if !h.m.Snapshot().SpeakerOn {
		t.Error("snapshot should report speaker on")
	}

	// Hold/resume does not re-apply the default.
	call.set(PlatformHolding)
	call.set(PlatformActive)
	h.m.SetSpeakerOn(false)
	if got := route.all(); len(got) != 2 || got[1] {
		t.Errorf("route requests = %v, want [true false]", got)
	}

	route.err = errors.New("no bluetooth")
	h.m.SetSpeakerOn(true)
	if h.m.Snapshot().SpeakerOn {
		t.Error("failed route change should not flip the snapshot")
	}

	h.m.SetAudioRoute(nil)
	h.m.SetSpeakerOn(true)
	if got := route.all(); len(got) != 3 {
		t.Errorf("route used after unregister: %v", got)
	}
}

func TestClearFinalizesUnloggedCall(t *testing.T) {
	h := newHarness(t, policy(false))
	call := newFakeHandle("c1", "0612345678")

	h.m.SetCall(call)
	h.admitted(t)
	h.m.Accept()
	h.settle()
	h.clock.Advance(3 * time.Second)
	h.m.Clear()

	entries := h.waitEntries(t, 1)
	if entries[0].Type != models.CallTypeAnswered || entries[0].DurationSeconds != 3 {
		t.Errorf("entry = %+v, want ANSWERED 3s", entries[0])
	}
	if snap := h.m.Snapshot(); snap.State != StateIdle || snap.SessionID != "" {
		t.Errorf("snapshot after clear = %+v, want empty idle", snap)
	}
	if call.listenerCount() != 0 {
		t.Error("platform callback still registered after clear")
	}
}

func TestClearWhileScreeningLogsOnVerdict(t *testing.T) {
	g := newGate()
	g.hold("0700000000", block)
	h := newHarness(t, g)
	call := newFakeHandle("c1", "0700000000")

	h.m.SetCall(call)
	h.m.Clear()
	h.settle()
	if got := h.sink.all(); len(got) != 0 {
		t.Fatalf("entry written before verdict: %+v", got)
	}

	if _, rejects, _ := call.counts(); rejects != 1 {
		t.Errorf("silent rejects after clear = %d, want 1", rejects)
	}

	g.release("0700000000")
	entries := h.waitEntries(t, 1)
	if entries[0].Type != models.CallTypeBlocked {
		t.Errorf("type = %s, want BLOCKED", entries[0].Type)
	}
	if snap := h.m.Snapshot(); snap.State != StateIdle {
		t.Errorf("state = %s, want idle", snap.State)
	}
	if _, rejects, _ := call.counts(); rejects != 1 {
		t.Errorf("silent rejects after verdict = %d, want 1", rejects)
	}
}

func TestClearEndsPlatformCall(t *testing.T) {
	tests := []struct {
		name            string
		answer          bool
		wantType        models.CallType
		wantRejects     int
		wantDisconnects int
	}{
		{"ringing", false, models.CallTypeMissed, 1, 0},
		{"active", true, models.CallTypeAnswered, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, policy(false))
			call := newFakeHandle("c1", "0612345678")
			h.m.SetCall(call)
			h.admitted(t)
			if tt.answer {
				h.m.Accept()
				h.settle()
			}

			h.m.Clear()
			entries := h.waitEntries(t, 1)
			if len(entries) != 1 || entries[0].Type != tt.wantType {
				t.Fatalf("entries = %+v, want one %s", entries, tt.wantType)
			}
			if call.State() != PlatformDisconnected {
				t.Errorf("platform state = %v, want disconnected", call.State())
			}
			_, rejects, disconnects := call.counts()
			if rejects != tt.wantRejects || disconnects != tt.wantDisconnects {
				t.Errorf("rejects = %d, disconnects = %d, want %d and %d",
					rejects, disconnects, tt.wantRejects, tt.wantDisconnects)
			}
		})
	}
}

func TestClearCallIgnoresReplacedHandle(t *testing.T) {
	h := newHarness(t, policy(false))
	first := newFakeHandle("c1", "0612345678")
	second := newFakeHandle("c2", "0612345678")

	h.m.SetCall(first)
	h.admitted(t)
	h.m.SetCall(second)
	snap := h.admitted(t)

	h.m.ClearCall(first)
	if got := h.m.Snapshot(); got.SessionID != snap.SessionID {
		t.Error("ClearCall for a replaced handle cleared the live call")
	}
	h.m.ClearCall(second)
	if got := h.m.Snapshot(); got.SessionID != "" {
		t.Error("ClearCall for the live handle did not clear")
	}
}

func TestWatch(t *testing.T) {
	h := newHarness(t, policy(false))
	ctx, cancel := context.WithCancel(context.Background())
	updates := h.m.Watch(ctx)

	if first := <-updates; first.State != StateIdle {
		t.Errorf("initial snapshot = %+v, want idle", first)
	}

	call := newFakeHandle("c1", "0612345678")
	h.m.SetCall(call)
	h.admitted(t)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-updates:
			if snap.State == StateRinging && snap.Allowed {
				cancel()
				for range updates {
				}
				return
			}
		case <-deadline:
			t.Fatal("ringing snapshot never delivered")
		}
	}
}

func TestShutdownLogsLiveCall(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(policy(false), sink, discard)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	call := newFakeHandle("c1", "0612345678")
	m.SetCall(call)
	waitFor(t, func() bool {
		m.do(func() {})
		return m.Snapshot().Allowed
	})

	cancel()
	<-m.stopped
	if got := sink.all(); len(got) != 1 || got[0].Type != models.CallTypeMissed {
		t.Errorf("entries after shutdown = %+v, want one MISSED", got)
	}
	if _, rejects, _ := call.counts(); rejects != 1 {
		t.Errorf("silent rejects = %d, want 1", rejects)
	}
}

func TestShutdownBlocksCallsAwaitingVerdict(t *testing.T) {
	g := newGate()
	g.hold("0612345678", allow)
	g.hold("0699999999", allow)
	defer g.release("0612345678")
	defer g.release("0699999999")

	sink := &fakeSink{}
	m := NewManager(g, sink, discard)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	// first is replaced while screening, second is still screening.
	first := newFakeHandle("c1", "0612345678")
	second := newFakeHandle("c2", "0699999999")
	m.SetCall(first)
	m.SetCall(second)
	m.do(func() {})

	cancel()
	<-m.stopped

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("entries after shutdown = %+v, want 2", got)
	}
	for _, e := range got {
		if e.Type != models.CallTypeBlocked {
			t.Errorf("entry %+v, want BLOCKED", e)
		}
	}
	for _, c := range []*fakeHandle{first, second} {
		if _, rejects, _ := c.counts(); rejects != 1 {
			t.Errorf("%s silent rejects = %d, want 1", c.ID(), rejects)
		}
		if c.listenerCount() != 0 {
			t.Errorf("%s callback still registered after shutdown", c.ID())
		}
	}
}

// TestExactlyOneEntryPerCall drives many callback orders and checks each
// call produces one log entry.
func TestExactlyOneEntryPerCall(t *testing.T) {
	sequences := []struct {
		name    string
		number  string
		actions func(h *harness, c *fakeHandle)
	}{
		{"ring end end", "0612345678", func(h *harness, c *fakeHandle) {
			c.set(PlatformDisconnected)
			c.set(PlatformDisconnected)
		}},
		{"answer hold resume end", "0612345678", func(h *harness, c *fakeHandle) {
			h.m.Accept()
			c.set(PlatformHolding)
			c.set(PlatformActive)
			c.set(PlatformDisconnected)
		}},
		{"reject twice", "0612345678", func(h *harness, c *fakeHandle) {
			h.m.Reject()
			h.m.Reject()
		}},
		{"end then clear", "0612345678", func(h *harness, c *fakeHandle) {
			c.set(PlatformDisconnected)
			h.m.Clear()
		}},
		{"clear then end", "0612345678", func(h *harness, c *fakeHandle) {
			h.m.Clear()
			c.set(PlatformDisconnected)
		}},
		{"blocked then callbacks", "0799999999", func(h *harness, c *fakeHandle) {
			c.set(PlatformActive)
			c.set(PlatformDisconnected)
			h.m.Clear()
		}},
	}

	for _, tt := range sequences {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, policy(false))
			c := newFakeHandle("c1", tt.number)
			h.m.SetCall(c)
			h.admitted(t)
			tt.actions(h, c)
			h.settle()
			time.Sleep(5 * time.Millisecond)
			h.settle()
			if got := h.sink.all(); len(got) != 1 {
				t.Errorf("got %d entries, want 1: %+v", len(got), got)
			}
		})
	}
}

func TestMapState(t *testing.T) {
	tests := []struct {
		in   PlatformState
		want State
	}{
		{PlatformRinging, StateRinging},
		{PlatformActive, StateActive},
		{PlatformHolding, StateActive},
		{PlatformDisconnected, StateEnded},
		{PlatformNew, StateIdle},
		{PlatformConnecting, StateIdle},
		{PlatformDisconnecting, StateIdle},
		{PlatformState("bogus"), StateIdle},
	}
	for _, tt := range tests {
		if got := MapState(tt.in); got != tt.want {
			t.Errorf("MapState(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		answered, rejected bool
		want               models.CallType
	}{
		{true, false, models.CallTypeAnswered},
		{true, true, models.CallTypeAnswered},
		{false, true, models.CallTypeRejected},
		{false, false, models.CallTypeMissed},
	}
	for _, tt := range tests {
		if got := Classify(tt.answered, tt.rejected); got != tt.want {
			t.Errorf("Classify(%v, %v) = %s, want %s", tt.answered, tt.rejected, got, tt.want)
		}
	}
}
