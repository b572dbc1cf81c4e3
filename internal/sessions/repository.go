package sessions

import (
	"context"
	"sync"
)

// Repository persists session updates. Create is insert-if-absent on
// (tenant, event id) and reports whether a row was written.
type Repository interface {
	Create(ctx context.Context, u Update) (bool, error)
	GetByEvent(ctx context.Context, tenantID, eventID string) (*Update, error)
}

type MemoryRepo struct {
	mu      sync.Mutex
	byEvent map[string]Update
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byEvent: map[string]Update{}}
}

func eventKey(tenantID, eventID string) string { return tenantID + "\x00" + eventID }

func (r *MemoryRepo) Create(ctx context.Context, u Update) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := eventKey(u.TenantID, u.EventID)
	if _, ok := r.byEvent[k]; ok {
		return false, nil
	}
	r.byEvent[k] = u
	return true, nil
}

func (r *MemoryRepo) GetByEvent(ctx context.Context, tenantID, eventID string) (*Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byEvent[eventKey(tenantID, eventID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r *MemoryRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEvent)
}
