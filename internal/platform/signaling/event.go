// Package signaling relays call-control events between online identities.
// It is the only authority driving call state: the media service exposes no
// invite events of its own.
package signaling

import "time"

type EventType string

const (
	EventCallRequest      EventType = "call_request"
	EventIncomingCall     EventType = "incoming_call"
	EventCallAccept       EventType = "call_accept"
	EventCallReject       EventType = "call_reject"
	EventCallCancelled    EventType = "call_cancelled"
	EventCallStarted      EventType = "call_started"
	EventCallTimedOut     EventType = "call_timed_out"
	EventRecipientOffline EventType = "recipient_offline"
	EventCallError        EventType = "call_error"
	EventCallEnded        EventType = "call_ended"
)

// Reasons carried by call_reject and call_error.
const (
	ReasonDeclined         = "declined"
	ReasonPermissionDenied = "permission_denied"
	ReasonBusy             = "busy"
	ReasonNavigation       = "navigation"
	ReasonMediaFailed      = "media_failed"
)

// Event is one signaling message. From and To are identity keys
// (role/shortId); From is always set by the hub.
type Event struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"room_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	FromName  string    `json:"from_name,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Token     string    `json:"token,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
