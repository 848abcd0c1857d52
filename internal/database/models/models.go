package models

import "time"

// Contact is an address book entry. Only callers matching a contact's
// number ring through unless the kiosk is set to accept every call.
type Contact struct {
	ID          int64
	Name        string
	PhoneNumber string
	PhotoURI    string
	Favorite    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CallType is the terminal disposition recorded for a call.
type CallType string

const (
	CallTypeAnswered CallType = "INCOMING_ANSWERED"
	CallTypeMissed   CallType = "INCOMING_MISSED"
	CallTypeRejected CallType = "INCOMING_REJECTED"
	CallTypeBlocked  CallType = "BLOCKED"
)

// CallTypes lists every disposition in display order.
var CallTypes = []CallType{CallTypeAnswered, CallTypeMissed, CallTypeRejected, CallTypeBlocked}

// Valid reports whether t is a known disposition.
func (t CallType) Valid() bool {
	switch t {
	case CallTypeAnswered, CallTypeMissed, CallTypeRejected, CallTypeBlocked:
		return true
	}
	return false
}

// CallLogEntry is one row of call history. Name is nil when the caller did
// not match a contact at write time; blocked calls never carry a name.
type CallLogEntry struct {
	ID              int64
	SessionID       string
	Number          string
	Name            *string
	Timestamp       time.Time
	DurationSeconds int
	Type            CallType
}
