// Package call owns the incoming call lifecycle: admission of a new call,
// the Idle/Ringing/Active/Ended state machine, user actions and the single
// call log entry every call produces.
//
// All session state is owned by one goroutine (Manager.Run). Platform
// callbacks, user actions and admission results are posted to it as events,
// so no two transitions ever interleave.
package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/admission"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/phone"
)

// UnknownNumber is logged in place of a missing caller number.
const UnknownNumber = "unknown"

// Handle is the platform's view of one call.
type Handle interface {
	// ID identifies the call on the platform (e.g. the SIP Call-ID).
	ID() string
	// Number is the caller's number as delivered, possibly empty.
	Number() string
	// State returns the current platform state.
	State() PlatformState
	Answer() error
	// Reject declines a ringing call. A silent reject does not signal busy
	// to the caller.
	Reject(silent bool) error
	Disconnect() error
	// OnStateChange registers fn for platform state changes and returns a
	// function that removes it. fn must not block.
	OnStateChange(fn func(PlatformState)) (unregister func())
}

// AudioRoute switches the audio output of the active call.
type AudioRoute interface {
	RequestRoute(speakerOn bool) error
}

// Sink receives call log entries. Append must not block.
type Sink interface {
	Append(entry models.CallLogEntry)
}

// Admitter decides whether a caller may ring.
type Admitter interface {
	Evaluate(ctx context.Context, number string) admission.Decision
}

// SpeakerDefaults reports whether answered calls start on the loudspeaker.
type SpeakerDefaults interface {
	DefaultSpeakerEnabled(ctx context.Context) (bool, error)
}

// Snapshot is the observable call state for the kiosk UI.
type Snapshot struct {
	SessionID  string     `json:"session_id,omitempty"`
	State      State      `json:"state"`
	Number     string     `json:"number,omitempty"`
	Name       string     `json:"name,omitempty"`
	Allowed    bool       `json:"allowed"`
	Screening  bool       `json:"screening"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	SpeakerOn  bool       `json:"speaker_on"`
}

// session is the state of one call. It is only touched by the Run goroutine
// except for the immutable id and number.
type session struct {
	id        string
	number    string
	origin    Handle
	logger    *slog.Logger
	startedAt time.Time

	handle     Handle
	unregister func()

	pending      bool
	allowed      bool
	name         string
	wasAnswered  bool
	answeredAt   time.Time
	userRejected bool
	finished     bool

	// detached is set when the session was replaced or cleared before its
	// admission verdict arrived. It still owes exactly one log entry.
	detached bool
}

// reasonShutdown marks calls blocked because the manager stopped before
// their verdict arrived.
const reasonShutdown = "shutdown"

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAdmissionTimeout bounds how long admission may take. A call whose
// verdict is not known in time is blocked. Zero waits indefinitely.
func WithAdmissionTimeout(d time.Duration) Option {
	return func(m *Manager) { m.admissionTimeout = d }
}

// WithSpeakerDefaults sets where the default audio route is read from.
func WithSpeakerDefaults(s SpeakerDefaults) Option {
	return func(m *Manager) { m.speaker = s }
}

// Manager runs the call lifecycle.
type Manager struct {
	admitter         Admitter
	sink             Sink
	speaker          SpeakerDefaults
	logger           *slog.Logger
	now              func() time.Time
	admissionTimeout time.Duration

	inbox   *mailbox
	stopped chan struct{}

	// Owned by the Run goroutine.
	ctx       context.Context
	cur       *session
	detached  map[*session]struct{}
	route     AudioRoute
	state     State
	speakerOn bool

	mu       sync.RWMutex
	snap     Snapshot
	watchers map[chan Snapshot]struct{}
}

// NewManager creates a Manager. Run must be started before any other
// method is called.
func NewManager(admitter Admitter, sink Sink, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		admitter: admitter,
		sink:     sink,
		logger:   logger.With("subsystem", "call"),
		now:      time.Now,
		inbox:    newMailbox(),
		stopped:  make(chan struct{}),
		detached: make(map[*session]struct{}),
		state:    StateIdle,
		snap:     Snapshot{State: StateIdle},
		watchers: make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run processes events until ctx is cancelled. A call still in progress at
// shutdown is logged with its disposition so far.
func (m *Manager) Run(ctx context.Context) {
	m.ctx = ctx
	defer close(m.stopped)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case <-m.inbox.ready:
			for _, fn := range m.inbox.drain() {
				fn()
			}
		}
	}
}

// SetCall starts a new session for h, replacing any previous one.
func (m *Manager) SetCall(h Handle) {
	m.do(func() { m.setCall(h) })
}

// Accept answers the current call if it was admitted.
func (m *Manager) Accept() {
	m.do(m.accept)
}

// Reject declines a ringing call or hangs up an active one.
func (m *Manager) Reject() {
	m.do(m.reject)
}

// SetSpeakerOn routes audio to the loudspeaker or the earpiece.
func (m *Manager) SetSpeakerOn(on bool) {
	m.do(func() { m.setSpeakerOn(on) })
}

// SetAudioRoute registers the audio route controller. nil unregisters it.
func (m *Manager) SetAudioRoute(r AudioRoute) {
	m.do(func() { m.route = r })
}

// HasAudioRoute reports whether an audio route controller is registered.
// Without one, speaker changes are ignored.
func (m *Manager) HasAudioRoute() bool {
	var ok bool
	m.do(func() { ok = m.route != nil })
	return ok
}

// Clear ends the current platform call if it is still up, drops the
// session and returns to Idle.
func (m *Manager) Clear() {
	m.do(m.clear)
}

// ClearCall is Clear restricted to the session started for h. It is a no-op
// when a newer call has replaced it.
func (m *Manager) ClearCall(h Handle) {
	m.do(func() {
		if m.cur != nil && m.cur.origin == h {
			m.clear()
		}
	})
}

// Snapshot returns the latest observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Watch returns a channel that receives the current snapshot and then every
// change until ctx is done. Slow readers only see the latest snapshot.
func (m *Manager) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	ch <- m.snap
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

// do runs fn on the Run goroutine and waits for it.
func (m *Manager) do(fn func()) {
	done := make(chan struct{})
	m.inbox.push(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-m.stopped:
	}
}

func (m *Manager) setCall(h Handle) {
	if prev := m.cur; prev != nil {
		m.supersede(prev)
	}

	s := &session{
		id:        uuid.NewString(),
		number:    h.Number(),
		origin:    h,
		handle:    h,
		startedAt: m.now(),
		pending:   true,
	}
	s.logger = m.logger.With("session_id", s.id, "call_id", h.ID())
	s.unregister = h.OnStateChange(func(p PlatformState) {
		m.inbox.push(func() { m.onPlatformState(s, p) })
	})

	m.cur = s
	m.state = StateIdle
	m.speakerOn = false
	m.publish()

	s.logger.Info("incoming call", "number", phone.ForLog(s.number, UnknownNumber))
	m.admit(s)
}

// admit evaluates s on its own goroutine and posts the verdict back.
func (m *Manager) admit(s *session) {
	ctx, cancel := m.ctx, context.CancelFunc(func() {})
	if m.admissionTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.admissionTimeout)
	}

	go func() {
		defer cancel()

		result := make(chan admission.Decision, 1)
		go func() { result <- m.admitter.Evaluate(ctx, s.number) }()

		var d admission.Decision
		select {
		case d = <-result:
		case <-ctx.Done():
			d = admission.Decision{Verdict: admission.Block, Reason: admission.ReasonTimeout}
		}
		m.inbox.push(func() { m.onAdmission(s, d) })
	}()
}

func (m *Manager) onAdmission(s *session, d admission.Decision) {
	delete(m.detached, s)
	if s.finished {
		return
	}
	s.pending = false

	if s.detached {
		s.logger.Info("late admission verdict for replaced call", "verdict", d.Verdict, "reason", d.Reason)
		if !d.Allowed() {
			m.block(s, d.Reason)
			return
		}
		m.hangUp(s)
		m.finish(s)
		return
	}

	if !d.Allowed() {
		m.block(s, d.Reason)
		m.cur = nil
		m.state = StateIdle
		m.publish()
		return
	}

	s.allowed = true
	s.name = d.ContactName
	s.logger.Info("call admitted", "reason", d.Reason)

	// Transitions reported while admission was pending were not applied;
	// feed the platform's current state once.
	m.apply(s, MapState(s.handle.State()))
}

func (m *Manager) onPlatformState(s *session, p PlatformState) {
	if s != m.cur || s.finished {
		s.logger.Debug("ignoring callback for finished or replaced call", "platform_state", p)
		return
	}
	if s.pending {
		s.logger.Debug("deferring callback until admitted", "platform_state", p)
		return
	}
	m.apply(s, MapState(p))
}

func (m *Manager) apply(s *session, st State) {
	switch st {
	case StateRinging:
		m.state = StateRinging
	case StateActive:
		if !s.wasAnswered {
			s.wasAnswered = true
			s.answeredAt = m.now()
			s.logger.Info("call answered")
			m.applyDefaultRoute(s)
		}
		m.state = StateActive
	case StateEnded:
		m.finish(s)
		m.state = StateEnded
	case StateIdle:
		m.state = StateIdle
	}
	m.publish()
}

func (m *Manager) accept() {
	s := m.cur
	if s == nil || !s.allowed || s.finished || s.handle == nil {
		m.logger.Debug("accept ignored: no admitted call")
		return
	}
	if err := s.handle.Answer(); err != nil {
		s.logger.Warn("answer failed", "error", err)
	}
}

func (m *Manager) reject() {
	s := m.cur
	if s == nil || s.finished || s.handle == nil {
		m.logger.Debug("reject ignored: no call")
		return
	}
	if MapState(s.handle.State()) == StateRinging {
		s.userRejected = true
		if err := s.handle.Reject(true); err != nil {
			s.logger.Warn("reject failed", "error", err)
		}
		return
	}
	if err := s.handle.Disconnect(); err != nil {
		s.logger.Warn("disconnect failed", "error", err)
	}
}

func (m *Manager) setSpeakerOn(on bool) {
	if m.route == nil {
		m.logger.Debug("speaker change ignored: no audio route registered")
		return
	}
	if err := m.route.RequestRoute(on); err != nil {
		m.logger.Warn("audio route change failed", "speaker_on", on, "error", err)
		return
	}
	m.speakerOn = on
	m.publish()
}

func (m *Manager) applyDefaultRoute(s *session) {
	if m.route == nil {
		return
	}
	on := false
	if m.speaker != nil {
		var err error
		if on, err = m.speaker.DefaultSpeakerEnabled(m.ctx); err != nil {
			s.logger.Warn("reading default audio route", "error", err)
			on = false
		}
	}
	if err := m.route.RequestRoute(on); err != nil {
		s.logger.Warn("default audio route failed", "speaker_on", on, "error", err)
		return
	}
	m.speakerOn = on
}

// clear ends the platform call if it is still up, so a dismissed call is
// never left ringing with nobody able to answer or reject it.
func (m *Manager) clear() {
	s := m.cur
	m.cur = nil
	if s != nil && !s.finished {
		m.hangUp(s)
		if s.pending {
			m.detach(s)
			m.release(s)
		} else {
			m.finish(s)
		}
	}
	m.state = StateIdle
	m.speakerOn = false
	m.publish()
}

// supersede retires s because a newer call arrived. The old call is ended
// on the platform; its log entry is written now or, if its verdict is
// still pending, when the verdict arrives.
func (m *Manager) supersede(s *session) {
	if s.finished {
		return
	}
	s.logger.Info("call replaced by a newer call")
	if s.pending {
		m.detach(s)
		if s.unregister != nil {
			s.unregister()
			s.unregister = nil
		}
		return
	}
	m.hangUp(s)
	m.finish(s)
}

// detach parks a pending session until its verdict arrives.
func (m *Manager) detach(s *session) {
	s.detached = true
	m.detached[s] = struct{}{}
}

// hangUp ends the platform call behind s if it is still up.
func (m *Manager) hangUp(s *session) {
	if s.handle == nil {
		return
	}
	var err error
	switch MapState(s.handle.State()) {
	case StateEnded:
		return
	case StateActive:
		err = s.handle.Disconnect()
	default:
		err = s.handle.Reject(true)
	}
	if err != nil {
		s.logger.Warn("ending call failed", "error", err)
	}
}

// block rejects s silently and logs it as BLOCKED.
func (m *Manager) block(s *session, reason string) {
	if s.finished {
		return
	}
	s.finished = true

	if s.handle != nil {
		if err := s.handle.Reject(true); err != nil {
			s.logger.Warn("reject of blocked call failed", "error", err)
		}
	}
	m.sink.Append(models.CallLogEntry{
		SessionID: s.id,
		Number:    phone.ForLog(s.number, UnknownNumber),
		Timestamp: s.startedAt,
		Type:      models.CallTypeBlocked,
	})
	s.logger.Info("call blocked", "reason", reason)
	m.release(s)
}

// finish classifies s and logs it. Only the first call has any effect.
func (m *Manager) finish(s *session) {
	if s.finished {
		return
	}
	s.finished = true

	duration := 0
	if s.wasAnswered {
		if d := m.now().Sub(s.answeredAt); d > 0 {
			duration = int(d / time.Second)
		}
	}
	typ := Classify(s.wasAnswered, s.userRejected)

	m.sink.Append(models.CallLogEntry{
		SessionID:       s.id,
		Number:          phone.ForLog(s.number, UnknownNumber),
		Timestamp:       s.startedAt,
		DurationSeconds: duration,
		Type:            typ,
	})
	s.logger.Info("call ended", "type", typ, "duration_s", duration)
	m.release(s)
}

func (m *Manager) release(s *session) {
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
	s.handle = nil
}

// shutdown ends every call the manager still owns. A call whose verdict
// never arrived is blocked, the same as an admission timeout.
func (m *Manager) shutdown() {
	if s := m.cur; s != nil && !s.finished {
		if s.pending {
			m.block(s, reasonShutdown)
		} else {
			m.hangUp(s)
			m.finish(s)
		}
	}
	for s := range m.detached {
		delete(m.detached, s)
		m.block(s, reasonShutdown)
	}
	m.cur = nil
	m.state = StateIdle
	m.publish()
}

func (m *Manager) publish() {
	snap := Snapshot{State: m.state, SpeakerOn: m.speakerOn}
	if s := m.cur; s != nil {
		snap.SessionID = s.id
		snap.Number = s.number
		snap.Name = s.name
		snap.Allowed = s.allowed
		snap.Screening = s.pending
		if s.wasAnswered {
			at := s.answeredAt
			snap.AnsweredAt = &at
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	for ch := range m.watchers {
		select {
		case ch <- snap:
		default:
			// Replace the unread snapshot with the latest one.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

// mailbox is an unbounded FIFO of events. push never blocks, so platform
// callbacks fired from inside a handle method cannot deadlock the Run
// goroutine.
type mailbox struct {
	mu    sync.Mutex
	items []func()
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (b *mailbox) push(fn func()) {
	b.mu.Lock()
	b.items = append(b.items, fn)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}
