package cdr

import (
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("cdr: queue full")
	ErrStopped   = errors.New("cdr: worker stopped")
)

// Record is a call detail record posted by the provider once a call ends.
// (TenantID, CallID) is unique; re-posts are ignored.
type Record struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	CallID          string     `json:"call_id"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	Direction       string     `json:"direction"`
	Disposition     string     `json:"disposition"`
	StartTime       time.Time  `json:"start_time"`
	AnswerTime      *time.Time `json:"answer_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	BillableSeconds int        `json:"billable_seconds"`
	HangupCause     string     `json:"hangup_cause,omitempty"`
	RecordingURL    string     `json:"recording_url,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
}
