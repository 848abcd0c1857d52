package sip

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int32

const (
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers without the SDP body.
	TraceHeaders
	TraceFull
)

// ParseTraceLevel converts a setting such as "headers" to a TraceLevel.
// Unknown values disable tracing.
func ParseTraceLevel(s string) TraceLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

func (v TraceLevel) String() string {
	switch v {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// Tracer logs the SIP messages of kiosk dialogs at debug level. A nil
// *Tracer traces nothing.
type Tracer struct {
	logger *slog.Logger
	level  atomic.Int32
}

// NewTracer creates a tracer at the given level.
func NewTracer(logger *slog.Logger, level TraceLevel) *Tracer {
	t := &Tracer{logger: logger.With("subsystem", "tracer")}
	t.level.Store(int32(level))
	return t
}

// SetLevel changes the tracing level at runtime.
func (t *Tracer) SetLevel(v TraceLevel) {
	t.level.Store(int32(v))
	t.logger.Info("sip tracing level changed", "level", v.String())
}

// Level returns the current tracing level.
func (t *Tracer) Level() TraceLevel {
	if t == nil {
		return TraceOff
	}
	return TraceLevel(t.level.Load())
}

// Received traces an inbound message.
func (t *Tracer) Received(msg sip.Message, remote string) {
	t.trace("sip recv", msg, remote)
}

// Sent traces an outbound message.
func (t *Tracer) Sent(msg sip.Message, remote string) {
	t.trace("sip send", msg, remote)
}

func (t *Tracer) trace(what string, msg sip.Message, remote string) {
	v := t.Level()
	if v == TraceOff || msg == nil {
		return
	}
	t.logger.Debug(what, "remote_addr", remote, "message", formatMessage(msg.String(), v))
}

// formatMessage strips the body unless the level is TraceFull.
func formatMessage(raw string, v TraceLevel) string {
	if v == TraceFull {
		return raw
	}
	if idx := strings.Index(raw, "\r\n\r\n"); idx >= 0 {
		return raw[:idx]
	}
	return raw
}

// tracedResponder traces every response before it is sent.
type tracedResponder struct {
	inner  responder
	tracer *Tracer
	remote string
}

func (r tracedResponder) Respond(res *sip.Response) error {
	r.tracer.Sent(res, r.remote)
	return r.inner.Respond(res)
}
