// Package consult coordinates live consultation calls between a patient and
// a clinician. The signaling hub is the only source of call events; the
// access gate is consulted when a call is requested, when it rings, when
// the caller promotes it and when the callee joins.
package consult

import (
	"time"

	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/internal/platform/media"
)

type State string

const (
	StateIdle       State = "Idle"
	StateRequesting State = "Requesting"
	StateRinging    State = "Ringing"
	StateAccepted   State = "Accepted"
	StateRejected   State = "Rejected"
	StateTimedOut   State = "TimedOut"
	StateCancelled  State = "Cancelled"
	StateConnected  State = "Connected"
	StateEnded      State = "Ended"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Call is one attempt. CallerID and CalleeID are identity keys.
type Call struct {
	RoomID      string            `json:"room_id"`
	CallerID    string            `json:"caller_id"`
	CalleeID    string            `json:"callee_id"`
	Counterpart ledger.Identity   `json:"counterpart"`
	Direction   Direction         `json:"direction"`
	State       State             `json:"state"`
	RequestedAt time.Time         `json:"requested_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Credential  *media.Credential `json:"credential,omitempty"`
}

// counterpartKey is the identity key of the other side.
func (c *Call) counterpartKey() string {
	if c.Direction == Outgoing {
		return c.CalleeID
	}
	return c.CallerID
}
