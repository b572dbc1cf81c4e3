package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud-pbx/internal/calls"
)

// DefaultPublishTimeout bounds a single best-effort publish.
const DefaultPublishTimeout = 2 * time.Second

func CallStateTopic(prefix, callID string) string {
	return fmt.Sprintf("%s/calls/%s/state", prefix, callID)
}

func CDRTopic(prefix, tenantID string) string {
	return fmt.Sprintf("%s/cdr/%s", prefix, tenantID)
}

// callStatePayload is the JSON published on every committed transition.
type callStatePayload struct {
	Event           string `json:"event"`
	CallID          string `json:"call_id"`
	TenantID        string `json:"tenant_id"`
	From            string `json:"from_status"`
	To              string `json:"to_status"`
	DestinationType string `json:"destination_type,omitempty"`
	HangupCause     string `json:"hangup_cause,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// CallEvents publishes call lifecycle events. Publishing is best-effort:
// failures are logged and never reach call handling.
type CallEvents struct {
	pub     Publisher
	prefix  string
	timeout time.Duration
	log     *slog.Logger
}

func NewCallEvents(pub Publisher, prefix string, log *slog.Logger) *CallEvents {
	if log == nil {
		log = slog.Default()
	}
	return &CallEvents{pub: pub, prefix: prefix, timeout: DefaultPublishTimeout, log: log.With("component", "events")}
}

// OnTransition has the calls.Observer signature.
func (e *CallEvents) OnTransition(ctx context.Context, c calls.Call, from calls.CallStatus) {
	e.publish(ctx, CallStateTopic(e.prefix, c.CallID), callStatePayload{
		Event:           "call_state",
		CallID:          c.CallID,
		TenantID:        c.TenantID,
		From:            string(from),
		To:              string(c.Status),
		DestinationType: c.DestinationType,
		HangupCause:     c.HangupCause,
		DurationSeconds: c.DurationSeconds,
		Timestamp:       c.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// PublishCDR publishes a stored CDR for downstream consumers.
func (e *CallEvents) PublishCDR(ctx context.Context, tenantID string, record any) {
	e.publish(ctx, CDRTopic(e.prefix, tenantID), record)
}

func (e *CallEvents) publish(ctx context.Context, topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.log.Error("marshaling event payload", "topic", topic, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.pub.Publish(ctx, topic, data); err != nil {
		e.log.Warn("publish failed", "topic", topic, "err", err)
		return
	}
	e.log.Debug("published", "topic", topic)
}
