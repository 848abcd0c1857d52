// Package screening is the pre-ring entry point for incoming calls. It runs
// before any call session exists, so a blocked caller never rings the
// kiosk and never reaches the call lifecycle.
package screening

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/admission"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/call"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/phone"
)

// Evaluator is the shared admission policy.
type Evaluator interface {
	Evaluate(ctx context.Context, number string) admission.Decision
}

// Sink receives the BLOCKED entries the hook records.
type Sink interface {
	Append(entry models.CallLogEntry)
}

// Hook screens incoming calls with the same policy the call lifecycle uses.
type Hook struct {
	policy  Evaluator
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewHook creates a Hook. A positive timeout bounds each decision; a
// decision that is not ready in time blocks the caller.
func NewHook(policy Evaluator, sink Sink, timeout time.Duration, logger *slog.Logger) *Hook {
	return &Hook{
		policy:  policy,
		sink:    sink,
		timeout: timeout,
		logger:  logger.With("subsystem", "screening"),
		now:     time.Now,
	}
}

// ShouldAllow returns the verdict for number without recording anything.
func (h *Hook) ShouldAllow(ctx context.Context, number string) admission.Verdict {
	return h.decide(ctx, number).Verdict
}

// Screen decides number and, when it is blocked, records the BLOCKED call
// log entry. The caller must decline the call without ringing on Block.
func (h *Hook) Screen(ctx context.Context, number string) admission.Decision {
	d := h.decide(ctx, number)
	if d.Allowed() {
		return d
	}

	logged := phone.ForLog(number, call.UnknownNumber)
	h.sink.Append(models.CallLogEntry{
		SessionID: uuid.NewString(),
		Number:    logged,
		Timestamp: h.now(),
		Type:      models.CallTypeBlocked,
	})
	h.logger.Info("call screened out", "number", logged, "reason", d.Reason)
	return d
}

func (h *Hook) decide(ctx context.Context, number string) admission.Decision {
	if h.timeout <= 0 {
		return h.policy.Evaluate(ctx, number)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	result := make(chan admission.Decision, 1)
	go func() { result <- h.policy.Evaluate(ctx, number) }()

	select {
	case d := <-result:
		return d
	case <-ctx.Done():
		h.logger.Warn("screening timed out", "timeout", h.timeout)
		return admission.Decision{Verdict: admission.Block, Reason: admission.ReasonTimeout}
	}
}
