// Package admission decides whether an incoming caller is allowed to ring
// the kiosk. The same Policy backs both the screening hook and the in-call
// lifecycle so the two paths can never disagree.
package admission

import (
	"context"
	"log/slog"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/phone"
)

// Verdict is the outcome of an admission check.
type Verdict string

const (
	Allow Verdict = "allow"
	Block Verdict = "block"
)

// Reasons are attached to decisions for logs and metrics only.
const (
	ReasonNoNumber      = "no_number"
	ReasonAllowAll      = "allow_all"
	ReasonContactMatch  = "contact_match"
	ReasonUnknownNumber = "unknown_number"
	ReasonLookupFailed  = "lookup_failed"
	ReasonTimeout       = "timeout"
)

// Decision is a verdict plus the data the caller needs to present it.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`

	// ContactName is the matched contact, empty when none matched.
	ContactName string `json:"contact_name,omitempty"`
}

// Allowed reports whether the decision lets the call ring.
func (d Decision) Allowed() bool {
	return d.Verdict == Allow
}

// Decide applies the admission rules to a contact snapshot:
//
//  1. a missing or undialable number is blocked;
//  2. allowAll admits every dialable number;
//  3. otherwise the number must loosely match a contact.
func Decide(number string, contacts []models.Contact, allowAll bool) Verdict {
	return decide(number, contacts, allowAll).Verdict
}

func decide(number string, contacts []models.Contact, allowAll bool) Decision {
	if !phone.Dialable(number) {
		return Decision{Verdict: Block, Reason: ReasonNoNumber}
	}

	var match *models.Contact
	for i := range contacts {
		if phone.Equivalent(number, contacts[i].PhoneNumber) {
			match = &contacts[i]
			break
		}
	}

	switch {
	case allowAll:
		d := Decision{Verdict: Allow, Reason: ReasonAllowAll}
		if match != nil {
			d.ContactName = match.Name
		}
		return d
	case match != nil:
		return Decision{Verdict: Allow, Reason: ReasonContactMatch, ContactName: match.Name}
	default:
		return Decision{Verdict: Block, Reason: ReasonUnknownNumber}
	}
}

// ContactLister provides the address book snapshot.
type ContactLister interface {
	List(ctx context.Context) ([]models.Contact, error)
}

// SettingsReader provides the allow-all switch.
type SettingsReader interface {
	AllowAllCalls(ctx context.Context) (bool, error)
}

// Policy evaluates admission against live storage. It fails closed: any
// lookup error blocks the call.
type Policy struct {
	contacts ContactLister
	settings SettingsReader
	logger   *slog.Logger
}

// NewPolicy creates a Policy.
func NewPolicy(contacts ContactLister, settings SettingsReader, logger *slog.Logger) *Policy {
	return &Policy{
		contacts: contacts,
		settings: settings,
		logger:   logger.With("subsystem", "admission"),
	}
}

// Evaluate loads the contact snapshot and allow-all flag and decides. Errors
// are logged and turned into a Block; they are never returned.
func (p *Policy) Evaluate(ctx context.Context, number string) Decision {
	if !phone.Dialable(number) {
		p.logger.Info("call blocked", "number", phone.ForLog(number, "unknown"), "reason", ReasonNoNumber)
		return Decision{Verdict: Block, Reason: ReasonNoNumber}
	}

	allowAll, err := p.settings.AllowAllCalls(ctx)
	if err != nil {
		p.logger.Error("admission lookup failed", "stage", "settings", "error", err)
		return Decision{Verdict: Block, Reason: ReasonLookupFailed}
	}
	contacts, err := p.contacts.List(ctx)
	if err != nil {
		p.logger.Error("admission lookup failed", "stage", "contacts", "error", err)
		return Decision{Verdict: Block, Reason: ReasonLookupFailed}
	}
	if ctx.Err() != nil {
		p.logger.Warn("admission lookup abandoned", "error", ctx.Err())
		return Decision{Verdict: Block, Reason: ReasonTimeout}
	}

	d := decide(number, contacts, allowAll)
	p.logger.Debug("admission decided",
		"number", phone.Normalize(number),
		"verdict", d.Verdict,
		"reason", d.Reason,
	)
	return d
}
