package bus

import "time"

type EventType string

const (
	EventQR          EventType = "qr"
	EventReady       EventType = "ready"
	EventAuthFailure EventType = "auth_failure"
	EventDisconnect  EventType = "disconnected"
)

// Event is a session state change for one (organization, channel) pair.
type Event struct {
	Type   EventType `json:"type"`
	OrgID  string    `json:"orgId"`
	Kind   string    `json:"kind"`
	QR     string    `json:"qr,omitempty"`
	Code   string    `json:"code,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}

type EventHandler func(Event)
