package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - tenant_id is required, except for platform events (coordinator transitions)
//   which use PlatformTenant.
// - audit is best-effort; do not block call handling on audit failures.

type Event struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	Type EventType `json:"type" db:"type"`

	// Target identifiers (optional, depending on the event type).
	CallID string `json:"call_id,omitempty" db:"call_id"`
	Origin string `json:"origin,omitempty" db:"origin"`
	DID    string `json:"did,omitempty" db:"did"`
	Check  string `json:"check,omitempty" db:"check_name"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeSentryBlock          EventType = "sentry_block"
	EventTypeCoordinatorDegraded  EventType = "coordinator_degraded"
	EventTypeCoordinatorRecovered EventType = "coordinator_recovered"
)

// PlatformTenant owns events that are not scoped to a tenant.
const PlatformTenant = "_platform"
