package calls

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Call is a tenant-scoped inbound or outbound phone call.
//
// Multi-tenant invariant: TenantID is required on every row.
// CallID is the provider call id and is globally unique per provider.
//
// A Call is created on the first inbound webhook and mutated only through
// validated status transitions. Once terminal it is immutable.
type Call struct {
	CallID    string    `json:"call_id" db:"call_id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Direction Direction `json:"direction" db:"direction"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	Status CallStatus `json:"status" db:"status"`

	DestinationType string `json:"destination_type,omitempty" db:"destination_type"`
	AnsweredBy      string `json:"answered_by,omitempty" db:"answered_by"`
	HangupCause     string `json:"hangup_cause,omitempty" db:"hangup_cause"`
	RecordingURL    string `json:"recording_url,omitempty" db:"recording_url"`
	ProviderStatus  string `json:"provider_status,omitempty" db:"provider_status"`

	// DurationSeconds is reported by the provider on completion.
	DurationSeconds int `json:"duration" db:"duration_seconds"`

	InitiatedAt time.Time  `json:"initiated_at" db:"initiated_at"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
	CallStatusNoAnswer  CallStatus = "no_answer"
	CallStatusBusy      CallStatus = "busy"
)

var (
	ErrNotFound = errors.New("calls: call not found")
	// ErrConflict means the stored status changed underneath a conditional update.
	ErrConflict = errors.New("calls: status changed concurrently")
)

var transitions = map[CallStatus][]CallStatus{
	CallStatusInitiated: {CallStatusRinging, CallStatusFailed, CallStatusBusy},
	CallStatusRinging:   {CallStatusAnswered, CallStatusNoAnswer, CallStatusBusy, CallStatusFailed},
	CallStatusAnswered:  {CallStatusCompleted, CallStatusFailed},
}

// Terminal statuses have no outgoing transitions.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return true
	}
	return false
}

func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusInitiated, CallStatusRinging, CallStatusAnswered,
		CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to CallStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MapProviderStatus converts a provider CallStatus value ("in-progress", "no-answer", ...).
func MapProviderStatus(s string) (CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "initiated":
		return CallStatusInitiated, true
	case "ringing":
		return CallStatusRinging, true
	case "in-progress", "in_progress", "answered":
		return CallStatusAnswered, true
	case "completed":
		return CallStatusCompleted, true
	case "busy":
		return CallStatusBusy, true
	case "no-answer", "no_answer":
		return CallStatusNoAnswer, true
	case "failed", "canceled":
		return CallStatusFailed, true
	}
	return "", false
}

// Extra fields accepted alongside a transition. Anything else is dropped.
const (
	FieldAnsweredBy      = "answered_by"
	FieldHangupCause     = "hangup_cause"
	FieldRecordingURL    = "recording_url"
	FieldDurationSeconds = "duration_seconds"
	FieldProviderStatus  = "provider_status"
	FieldDestinationType = "destination_type"
)

var allowedFields = map[string]struct{}{
	FieldAnsweredBy:      {},
	FieldHangupCause:     {},
	FieldRecordingURL:    {},
	FieldDurationSeconds: {},
	FieldProviderStatus:  {},
	FieldDestinationType: {},
}

// FilterFields keeps whitelisted, well-formed extra fields.
func FilterFields(extra map[string]string) map[string]string {
	out := make(map[string]string, len(extra))
	for k, v := range extra {
		if _, ok := allowedFields[k]; !ok {
			continue
		}
		if k == FieldDurationSeconds {
			if n, err := strconv.Atoi(v); err != nil || n < 0 {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Update is one validated transition as handed to a Repository.
type Update struct {
	From   CallStatus
	To     CallStatus
	At     time.Time
	Fields map[string]string
}

// applyTo mutates c as the persisted row will look after u.
func (u Update) applyTo(c *Call) {
	c.Status = u.To
	c.UpdatedAt = u.At
	at := u.At
	if u.To == CallStatusAnswered && c.AnsweredAt == nil {
		c.AnsweredAt = &at
	}
	if u.To.Terminal() && c.EndedAt == nil {
		c.EndedAt = &at
	}
	for k, v := range u.Fields {
		switch k {
		case FieldAnsweredBy:
			c.AnsweredBy = v
		case FieldHangupCause:
			c.HangupCause = v
		case FieldRecordingURL:
			c.RecordingURL = v
		case FieldDurationSeconds:
			c.DurationSeconds, _ = strconv.Atoi(v)
		case FieldProviderStatus:
			c.ProviderStatus = v
		case FieldDestinationType:
			c.DestinationType = v
		}
	}
}
