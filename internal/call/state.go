package call

import "github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"

// PlatformState is the raw call state reported by the telephony layer.
type PlatformState string

const (
	PlatformNew           PlatformState = "new"
	PlatformRinging       PlatformState = "ringing"
	PlatformConnecting    PlatformState = "connecting"
	PlatformActive        PlatformState = "active"
	PlatformHolding       PlatformState = "holding"
	PlatformDisconnecting PlatformState = "disconnecting"
	PlatformDisconnected  PlatformState = "disconnected"
)

// State is the logical call state shown to the kiosk UI.
type State string

const (
	StateIdle    State = "idle"
	StateRinging State = "ringing"
	StateActive  State = "active"
	StateEnded   State = "ended"
)

// MapState reduces a platform state to a logical state. Anything that is
// not ringing, connected or disconnected maps to Idle, which is treated as
// a reset signal rather than a loggable event.
func MapState(p PlatformState) State {
	switch p {
	case PlatformRinging:
		return StateRinging
	case PlatformActive, PlatformHolding:
		return StateActive
	case PlatformDisconnected:
		return StateEnded
	default:
		return StateIdle
	}
}

// Classify returns the disposition of a finished, admitted call. Answering
// wins over a later hang-up by the user.
func Classify(wasAnswered, userRejected bool) models.CallType {
	switch {
	case wasAnswered:
		return models.CallTypeAnswered
	case userRejected:
		return models.CallTypeRejected
	default:
		return models.CallTypeMissed
	}
}
