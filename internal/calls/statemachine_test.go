package calls

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud-pbx/internal/coordinator"
	"cloud-pbx/pkg/logger"
	"cloud-pbx/pkg/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

func newCoordinator(t *testing.T) (*miniredis.Miniredis, *coordinator.Coordinator) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, coordinator.New(coordinator.NewRedisPrimary(rdb), nil, coordinator.Options{
		Logger:        logger.Discard(),
		RetryInterval: 5 * time.Millisecond,
	})
}

func seed(t *testing.T, m *StateMachine, id string) {
	t.Helper()
	ok, err := m.Register(context.Background(), Call{CallID: id, TenantID: "t1", Direction: DirectionInbound, From: "+15550001111", To: "+15550002222"})
	if err != nil || !ok {
		t.Fatalf("register: %v %v", ok, err)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to CallStatus
		want     bool
	}{
		{CallStatusInitiated, CallStatusRinging, true},
		{CallStatusInitiated, CallStatusBusy, true},
		{CallStatusInitiated, CallStatusAnswered, false},
		{CallStatusRinging, CallStatusNoAnswer, true},
		{CallStatusAnswered, CallStatusCompleted, true},
		{CallStatusAnswered, CallStatusRinging, false},
		{CallStatusCompleted, CallStatusFailed, false},
		{CallStatusBusy, CallStatusRinging, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
	for _, s := range []CallStatus{CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy} {
		if !s.Terminal() || len(transitions[s]) != 0 {
			t.Fatalf("expected %s terminal with no transitions", s)
		}
	}
}

func TestMapProviderStatus(t *testing.T) {
	cases := map[string]CallStatus{
		"in-progress": CallStatusAnswered,
		"no-answer":   CallStatusNoAnswer,
		"Completed":   CallStatusCompleted,
		"canceled":    CallStatusFailed,
		"ringing":     CallStatusRinging,
	}
	for in, want := range cases {
		got, ok := MapProviderStatus(in)
		if !ok || got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", in, want, got, ok)
		}
	}
	if _, ok := MapProviderStatus("teleported"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestTransitionTo_PersistsAndCaches(t *testing.T) {
	mr, coord := newCoordinator(t)
	repo := NewMemoryRepo()
	var observed []CallStatus
	m := NewStateMachine(repo, coord, Options{
		Logger:       logger.Discard(),
		OnTransition: func(ctx context.Context, c Call, from CallStatus) { observed = append(observed, c.Status) },
	})
	seed(t, m, "CA1")
	ctx := context.Background()

	for _, s := range []CallStatus{CallStatusRinging, CallStatusAnswered} {
		ok, err := m.TransitionTo(ctx, "CA1", s, nil)
		if err != nil || !ok {
			t.Fatalf("transition to %s: %v %v", s, ok, err)
		}
	}
	ok, err := m.TransitionTo(ctx, "CA1", CallStatusCompleted, map[string]string{
		FieldDurationSeconds: "42",
		FieldHangupCause:     "normal_clearing",
		"tenant_id":          "attacker",
		"status":             "ringing",
	})
	if err != nil || !ok {
		t.Fatalf("complete: %v %v", ok, err)
	}

	c, _ := repo.Get(ctx, "CA1")
	if c.Status != CallStatusCompleted || c.DurationSeconds != 42 || c.HangupCause != "normal_clearing" {
		t.Fatalf("unexpected record: %+v", c)
	}
	if c.TenantID != "t1" {
		t.Fatalf("expected non-whitelisted field dropped, tenant is %q", c.TenantID)
	}
	if c.AnsweredAt == nil || c.EndedAt == nil {
		t.Fatalf("expected answered/ended timestamps")
	}

	raw, err := mr.Get(StateCacheKey("CA1"))
	if err != nil {
		t.Fatalf("expected state cache entry: %v", err)
	}
	var st CachedState
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.Status != CallStatusCompleted {
		t.Fatalf("unexpected cache entry %q", raw)
	}
	if mr.Exists(LockKey("CA1")) {
		t.Fatalf("expected call lock released")
	}
	if len(observed) != 3 {
		t.Fatalf("expected 3 observed transitions, got %v", observed)
	}
}

func TestTransitionLocked_ObserverRunsAfterLockRelease(t *testing.T) {
	_, coord := newCoordinator(t)
	var (
		m        *StateMachine
		inside   bool
		observed []CallStatus
		lockErrs []error
	)
	m = NewStateMachine(NewMemoryRepo(), coord, Options{
		Logger: logger.Discard(),
		OnTransition: func(ctx context.Context, c Call, from CallStatus) {
			if inside {
				t.Errorf("observer ran inside the call lock for %s", c.Status)
			}
			observed = append(observed, c.Status)
			lockErrs = append(lockErrs, coord.WithLock(ctx, LockKey(c.CallID), time.Second, 20*time.Millisecond,
				func(context.Context) error { return nil }))
		},
	})
	seed(t, m, "CA1")

	err := m.WithCallLock(context.Background(), "CA1", func(ctx context.Context) error {
		inside = true
		defer func() { inside = false }()
		for _, s := range []CallStatus{CallStatusRinging, CallStatusAnswered} {
			if ok, err := m.TransitionLocked(ctx, "CA1", s, nil); err != nil || !ok {
				t.Fatalf("transition to %s: %v %v", s, ok, err)
			}
		}
		if len(observed) != 0 {
			t.Fatalf("expected observers deferred, got %v", observed)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with lock: %v", err)
	}
	if len(observed) != 2 || observed[0] != CallStatusRinging || observed[1] != CallStatusAnswered {
		t.Fatalf("expected ringing then answered observed, got %v", observed)
	}
	for _, err := range lockErrs {
		if err != nil {
			t.Fatalf("observer could not take the call lock: %v", err)
		}
	}
}

func TestTransitionTo_RejectsInvalidWithoutMutation(t *testing.T) {
	_, coord := newCoordinator(t)
	repo := NewMemoryRepo()
	m := NewStateMachine(repo, coord, Options{Logger: logger.Discard()})
	seed(t, m, "CA2")
	ctx := context.Background()

	ok, err := m.TransitionTo(ctx, "CA2", CallStatusCompleted, map[string]string{FieldHangupCause: "x"})
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
	if ok, _ := m.TransitionTo(ctx, "CA2", CallStatusBusy, nil); !ok {
		t.Fatalf("expected busy from initiated")
	}
	before, _ := repo.Get(ctx, "CA2")
	ok, err = m.TransitionTo(ctx, "CA2", CallStatusRinging, nil)
	if err != nil || ok {
		t.Fatalf("expected terminal status to reject, got (%v, %v)", ok, err)
	}
	after, _ := repo.Get(ctx, "CA2")
	if *before.EndedAt != *after.EndedAt || after.Status != CallStatusBusy || after.HangupCause != "" {
		t.Fatalf("expected record unchanged: %+v", after)
	}
	if s, err := m.Status(ctx, "CA2"); err != nil || s != CallStatusBusy {
		t.Fatalf("unexpected cached status %s %v", s, err)
	}
}

func TestTransitionTo_ConcurrentAttemptsSerialize(t *testing.T) {
	_, coord := newCoordinator(t)
	repo := NewMemoryRepo()
	m := NewStateMachine(repo, coord, Options{Logger: logger.Discard()})
	seed(t, m, "CA3")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.TransitionTo(context.Background(), "CA3", CallStatusRinging, nil)
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	c, _ := repo.Get(context.Background(), "CA3")
	if c.Status != CallStatusRinging {
		t.Fatalf("unexpected final status %s", c.Status)
	}
}

// failingRepo fails every Apply.
type failingRepo struct{ *MemoryRepo }

func (failingRepo) Apply(ctx context.Context, callID string, u Update) error {
	return errors.New("disk full")
}

func TestTransitionTo_PersistenceFailureLeavesCacheUntouched(t *testing.T) {
	mr, coord := newCoordinator(t)
	repo := failingRepo{NewMemoryRepo()}
	m := NewStateMachine(repo, coord, Options{Logger: logger.Discard()})
	seed(t, m, "CA4")
	before, _ := mr.Get(StateCacheKey("CA4"))

	ok, err := m.TransitionTo(context.Background(), "CA4", CallStatusRinging, nil)
	if ok || err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected persistence error, got (%v, %v)", ok, err)
	}
	after, _ := mr.Get(StateCacheKey("CA4"))
	if before != after {
		t.Fatalf("expected cache untouched: %q -> %q", before, after)
	}
}

func TestTransitionTo_SucceedsOnLockFallback(t *testing.T) {
	ctx := context.Background()
	db, err := utils.OpenDB(ctx, utils.DriverSQLite, "file:calls_fallback?mode=memory&cache=shared", utils.DBPoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	locks := coordinator.NewSQLLockStore(db, utils.DriverSQLite)
	if err := locks.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	repo := NewSQLRepo(db, utils.DriverSQLite)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	// No primary: every lock goes through the durable table.
	coord := coordinator.New(nil, locks, coordinator.Options{Logger: logger.Discard()})
	m := NewStateMachine(repo, coord, Options{Logger: logger.Discard()})
	seed(t, m, "CA5")

	if ok, err := m.TransitionTo(ctx, "CA5", CallStatusRinging, nil); err != nil || !ok {
		t.Fatalf("transition on fallback: %v %v", ok, err)
	}
	if s, err := m.Status(ctx, "CA5"); err != nil || s != CallStatusRinging {
		t.Fatalf("expected status read from repository, got %s %v", s, err)
	}
}
