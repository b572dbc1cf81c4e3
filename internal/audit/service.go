package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// Audit is internal-only and best-effort: the Log* helpers swallow repository
// errors after logging them so call handling never fails on audit.

type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log.With("component", "audit"), clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TenantID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogSentryBlock records an admission rejection.
func (s *Service) LogSentryBlock(ctx context.Context, tenantID, callID, origin, did, check, reason string) {
	s.bestEffort(ctx, Event{
		TenantID: tenantID,
		Type:     EventTypeSentryBlock,
		CallID:   callID,
		Origin:   origin,
		DID:      did,
		Check:    check,
		Message:  reason,
	})
}

// LogCoordinatorTransition records a switch between primary and fallback backends.
func (s *Service) LogCoordinatorTransition(ctx context.Context, degraded bool) {
	e := Event{TenantID: PlatformTenant, Type: EventTypeCoordinatorRecovered, Message: "primary backend healthy"}
	if degraded {
		e.Type = EventTypeCoordinatorDegraded
		e.Message = "primary backend unreachable, using fallback"
	}
	meta, _ := json.Marshal(map[string]bool{"degraded": degraded})
	e.Metadata = string(meta)
	s.bestEffort(ctx, e)
}

func (s *Service) bestEffort(ctx context.Context, e Event) {
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", "type", e.Type, "tenant_id", e.TenantID, "err", err)
	}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
