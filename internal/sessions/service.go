package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Record persists u unless its event id was already seen for the tenant.
// duplicate is true when nothing was written.
func (s *Service) Record(ctx context.Context, u Update) (duplicate bool, err error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.ReceivedAt.IsZero() {
		u.ReceivedAt = s.clock().UTC()
	}
	inserted, err := s.repo.Create(ctx, u)
	if err != nil {
		return false, fmt.Errorf("sessions: record %s/%s: %w", u.TenantID, u.EventID, err)
	}
	return !inserted, nil
}
