package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud-pbx/internal/coordinator"
)

// LockKey is the per-call mutex key shared by every component that mutates call state.
func LockKey(callID string) string { return "call:" + callID }

// StateCacheKey holds the last committed status of a call.
func StateCacheKey(callID string) string { return "call_state:" + callID }

// CachedState is the state cache entry.
type CachedState struct {
	Status    CallStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Observer is notified after a committed transition, once the call lock is released.
type Observer func(ctx context.Context, c Call, from CallStatus)

type transitionNote struct {
	call Call
	from CallStatus
}

// pendingNotes collects transitions committed under WithCallLock.
type pendingNotes struct {
	notes []transitionNote
}

type pendingNotesKey struct{}

type Options struct {
	LockTTL      time.Duration
	LockWait     time.Duration
	StateTTL     time.Duration
	Logger       *slog.Logger
	OnTransition Observer
}

// StateMachine guards every CallStatus change with the per-call lock.
type StateMachine struct {
	repo  Repository
	coord *coordinator.Coordinator
	opts  Options
	log   *slog.Logger
	now   func() time.Time
}

func NewStateMachine(repo Repository, coord *coordinator.Coordinator, opts Options) *StateMachine {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &StateMachine{
		repo:  repo,
		coord: coord,
		opts:  opts,
		log:   opts.Logger.With("component", "call_state"),
		now:   time.Now,
	}
}

// WithCallLock runs fn while holding the call's lock. Observers of transitions
// committed inside fn run after the lock is released, even when fn fails.
func (m *StateMachine) WithCallLock(ctx context.Context, callID string, fn func(ctx context.Context) error) error {
	p := &pendingNotes{}
	err := m.coord.WithLock(ctx, LockKey(callID), m.opts.LockTTL, m.opts.LockWait, func(ctx context.Context) error {
		return fn(context.WithValue(ctx, pendingNotesKey{}, p))
	})
	for _, n := range p.notes {
		m.notify(ctx, n.call, n.from)
	}
	return err
}

// Register creates the call record if absent. The caller must hold the call lock.
func (m *StateMachine) Register(ctx context.Context, c Call) (bool, error) {
	if c.CallID == "" || c.TenantID == "" {
		return false, errors.New("calls: call_id and tenant_id required")
	}
	if c.Status == "" {
		c.Status = CallStatusInitiated
	}
	if c.InitiatedAt.IsZero() {
		c.InitiatedAt = m.now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.InitiatedAt
	}
	created, err := m.repo.Create(ctx, c)
	if err != nil {
		return false, fmt.Errorf("calls: create %s: %w", c.CallID, err)
	}
	if created {
		m.cacheState(ctx, c.CallID, c.Status, c.UpdatedAt)
	}
	return created, nil
}

// TransitionTo moves the call to status to under the call lock. It reports false
// without error when the transition is not allowed; the record is then unchanged.
func (m *StateMachine) TransitionTo(ctx context.Context, callID string, to CallStatus, extra map[string]string) (bool, error) {
	var ok bool
	err := m.WithCallLock(ctx, callID, func(ctx context.Context) error {
		var err error
		ok, err = m.TransitionLocked(ctx, callID, to, extra)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// TransitionLocked is TransitionTo for callers already holding the call lock.
// Inside WithCallLock the observer is deferred until the lock is released.
func (m *StateMachine) TransitionLocked(ctx context.Context, callID string, to CallStatus, extra map[string]string) (bool, error) {
	ok, from, call, err := m.transition(ctx, callID, to, extra)
	if err != nil || !ok {
		return false, err
	}
	if p, deferred := ctx.Value(pendingNotesKey{}).(*pendingNotes); deferred {
		p.notes = append(p.notes, transitionNote{call: call, from: from})
	} else {
		m.notify(ctx, call, from)
	}
	return true, nil
}

func (m *StateMachine) notify(ctx context.Context, c Call, from CallStatus) {
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(ctx, c, from)
	}
}

func (m *StateMachine) transition(ctx context.Context, callID string, to CallStatus, extra map[string]string) (bool, CallStatus, Call, error) {
	c, err := m.repo.Get(ctx, callID)
	if err != nil {
		return false, "", Call{}, fmt.Errorf("calls: load %s: %w", callID, err)
	}
	from := c.Status
	if !CanTransition(from, to) {
		m.log.Info("call transition rejected", "call_id", callID, "from", from, "to", to)
		return false, from, *c, nil
	}

	u := Update{From: from, To: to, At: m.now().UTC(), Fields: FilterFields(extra)}
	if err := m.repo.Apply(ctx, callID, u); err != nil {
		if errors.Is(err, ErrConflict) {
			m.log.Warn("call transition lost a race", "call_id", callID, "from", from, "to", to)
			return false, from, *c, nil
		}
		return false, from, *c, fmt.Errorf("calls: persist %s -> %s: %w", from, to, err)
	}
	u.applyTo(c)
	m.cacheState(ctx, callID, c.Status, c.UpdatedAt)
	m.log.Debug("call transitioned", "call_id", callID, "from", from, "to", to)
	return true, from, *c, nil
}

// Status returns the current status, from the state cache when present.
func (m *StateMachine) Status(ctx context.Context, callID string) (CallStatus, error) {
	if raw, ok := m.coord.Get(ctx, StateCacheKey(callID)); ok {
		var st CachedState
		if err := json.Unmarshal(raw, &st); err == nil && st.Status.Valid() {
			return st.Status, nil
		}
	}
	c, err := m.repo.Get(ctx, callID)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

// Get loads the persisted call.
func (m *StateMachine) Get(ctx context.Context, callID string) (*Call, error) {
	return m.repo.Get(ctx, callID)
}

func (m *StateMachine) cacheState(ctx context.Context, callID string, s CallStatus, at time.Time) {
	raw, err := json.Marshal(CachedState{Status: s, UpdatedAt: at})
	if err != nil {
		return
	}
	m.coord.Put(ctx, StateCacheKey(callID), raw, m.opts.StateTTL)
}
