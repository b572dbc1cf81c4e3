package audit

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity bounds a MemoryRepo created with a non-positive capacity.
const DefaultMemoryCapacity = 1000

// MemoryRepo is the in-memory Repository used by tests. It keeps the most
// recent events up to its capacity and mirrors SQLRepo.ListByTenant.
type MemoryRepo struct {
	mu       sync.Mutex
	capacity int
	events   []Event
}

func NewMemoryRepo() *MemoryRepo { return NewBoundedMemoryRepo(DefaultMemoryCapacity) }

func NewBoundedMemoryRepo(capacity int) *MemoryRepo {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryRepo{capacity: capacity}
}

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == r.capacity {
		r.events = append(r.events[:0], r.events[1:]...)
	}
	r.events = append(r.events, e)
	return nil
}

// ListByTenant returns a tenant's events, oldest first.
func (r *MemoryRepo) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.TenantID != tenantID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
