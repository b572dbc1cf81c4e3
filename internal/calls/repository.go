package calls

import (
	"context"
	"sync"
)

// Repository persists calls.
type Repository interface {
	// Create inserts c unless a call with the same id exists; it reports whether a row was written.
	Create(ctx context.Context, c Call) (bool, error)
	Get(ctx context.Context, callID string) (*Call, error)
	// Apply persists u atomically, only if the stored status still equals u.From.
	Apply(ctx context.Context, callID string, u Update) error
}

// MemoryRepo is a simple in-memory repository useful for tests and single-node runs.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{calls: map[string]Call{}}
}

func (r *MemoryRepo) Create(ctx context.Context, c Call) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[c.CallID]; ok {
		return false, nil
	}
	r.calls[c.CallID] = c
	return true, nil
}

func (r *MemoryRepo) Get(ctx context.Context, callID string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *MemoryRepo) Apply(ctx context.Context, callID string, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return ErrNotFound
	}
	if c.Status != u.From {
		return ErrConflict
	}
	u.applyTo(&c)
	r.calls[callID] = c
	return nil
}
