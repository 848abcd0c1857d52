// Package notify alerts caretakers about calls the kiosk user did not take:
// missed calls from contacts and calls that were blocked.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
)

// sendTimeout bounds delivery of one alert to one token.
const sendTimeout = 15 * time.Second

// Alert is the data payload pushed to caretaker devices.
type Alert struct {
	Type      string // call log type, e.g. "INCOMING_MISSED"
	Number    string
	Name      string
	Timestamp time.Time
}

func (a Alert) data() map[string]string {
	return map[string]string{
		"type":      a.Type,
		"number":    a.Number,
		"name":      a.Name,
		"timestamp": strconv.FormatInt(a.Timestamp.UnixMilli(), 10),
	}
}

// Sender delivers an alert to one device token.
type Sender interface {
	Send(ctx context.Context, token string, alert Alert) error
}

// LimiterConfig throttles alerts per caller number so a robocaller that
// redials cannot flood caretaker phones.
type LimiterConfig struct {
	Rate  rate.Limit
	Burst int
	// MaxAge is how long an idle per-number limiter is kept.
	MaxAge time.Duration
}

// DefaultLimiterConfig allows a burst of 3 alerts per number, then one
// every 10 minutes.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Rate:   rate.Every(10 * time.Minute),
		Burst:  3,
		MaxAge: 6 * time.Hour,
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Notifier turns stored call log entries into caretaker alerts. It
// implements calllog.Observer.
type Notifier struct {
	sender Sender
	tokens []string
	cfg    LimiterConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*limiterEntry

	wg sync.WaitGroup
}

// NewNotifier creates a Notifier sending to tokens.
func NewNotifier(sender Sender, tokens []string, cfg LimiterConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender:   sender,
		tokens:   tokens,
		cfg:      cfg,
		logger:   logger.With("subsystem", "notify"),
		limiters: make(map[string]*limiterEntry),
	}
}

// EntryWritten sends an alert for missed and blocked calls. Delivery runs
// in the background; the call log worker is never held up.
func (n *Notifier) EntryWritten(_ context.Context, e models.CallLogEntry) {
	if e.Type != models.CallTypeMissed && e.Type != models.CallTypeBlocked {
		return
	}
	if len(n.tokens) == 0 {
		return
	}
	if !n.allow(e.Number) {
		n.logger.Info("alert suppressed by rate limit", "number", e.Number, "type", e.Type)
		return
	}

	alert := Alert{Type: string(e.Type), Number: e.Number, Timestamp: e.Timestamp}
	if e.Name != nil {
		alert.Name = *e.Name
	}

	for _, token := range n.tokens {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := n.sender.Send(ctx, token, alert); err != nil {
				n.logger.Warn("caretaker alert failed", "token_suffix", tokenSuffix(token), "error", err)
			}
		}()
	}
}

// Wait blocks until in-flight alerts have been delivered or failed.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) allow(number string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	n.evictLocked(now)

	entry, ok := n.limiters[number]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(n.cfg.Rate, n.cfg.Burst)}
		n.limiters[number] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// evictLocked drops limiters idle for longer than MaxAge.
func (n *Notifier) evictLocked(now time.Time) {
	if n.cfg.MaxAge <= 0 {
		return
	}
	cutoff := now.Add(-n.cfg.MaxAge)
	for number, entry := range n.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(n.limiters, number)
		}
	}
}

func tokenSuffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return "…" + token[len(token)-6:]
}
