package sessions

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("sessions: not found")

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Update is one provider session-update event. (TenantID, EventID) is unique.
// ID is ours; SessionID is the provider's session identifier.
type Update struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	TenantID     string    `json:"tenant_id"`
	EventID      string    `json:"event_id"`
	Domain       string    `json:"domain"`
	SubscriberID string    `json:"subscriber_id"`
	Caller       string    `json:"caller"`
	Destination  string    `json:"destination"`
	Direction    Direction `json:"direction"`
	Status       string    `json:"status"`
	Action       string    `json:"action,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CallID       string    `json:"call_id,omitempty"`
	ParentCallID string    `json:"parent_call_id,omitempty"`
	Profile      string    `json:"profile,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}
