package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud-pbx/pkg/utils"

	_ "modernc.org/sqlite"
)

func newSQLRepo(t *testing.T, name string) *SQLRepo {
	t.Helper()
	ctx := context.Background()
	db, err := utils.OpenDB(ctx, utils.DriverSQLite, "file:"+name+"?mode=memory&cache=shared", utils.DBPoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	r := NewSQLRepo(db, utils.DriverSQLite)
	if err := r.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return r
}

func TestSQLRepo_CreateIsInsertIfAbsent(t *testing.T) {
	r := newSQLRepo(t, "calls_create")
	ctx := context.Background()
	c := Call{CallID: "CA1", TenantID: "t1", Direction: DirectionInbound, From: "+1", To: "+2", Status: CallStatusInitiated, InitiatedAt: time.Unix(1700000000, 0)}

	created, err := r.Create(ctx, c)
	if err != nil || !created {
		t.Fatalf("first create: %v %v", created, err)
	}
	c.From = "+9"
	created, err = r.Create(ctx, c)
	if err != nil || created {
		t.Fatalf("expected duplicate create to be a no-op, got %v %v", created, err)
	}
	got, err := r.Get(ctx, "CA1")
	if err != nil || got.From != "+1" {
		t.Fatalf("unexpected row %+v %v", got, err)
	}
}

func TestSQLRepo_ApplyIsConditional(t *testing.T) {
	r := newSQLRepo(t, "calls_apply")
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)
	if _, err := r.Create(ctx, Call{CallID: "CA1", TenantID: "t1", Direction: DirectionInbound, From: "+1", To: "+2", Status: CallStatusInitiated, InitiatedAt: t0}); err != nil {
		t.Fatalf("create: %v", err)
	}

	steps := []Update{
		{From: CallStatusInitiated, To: CallStatusRinging, At: t0.Add(time.Second)},
		{From: CallStatusRinging, To: CallStatusAnswered, At: t0.Add(2 * time.Second), Fields: map[string]string{FieldAnsweredBy: "1001"}},
		{From: CallStatusAnswered, To: CallStatusCompleted, At: t0.Add(3 * time.Second), Fields: map[string]string{FieldDurationSeconds: "61"}},
	}
	for _, u := range steps {
		if err := r.Apply(ctx, "CA1", u); err != nil {
			t.Fatalf("apply %s: %v", u.To, err)
		}
	}

	err := r.Apply(ctx, "CA1", Update{From: CallStatusRinging, To: CallStatusFailed, At: t0.Add(4 * time.Second)})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := r.Apply(ctx, "missing", steps[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := r.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != CallStatusCompleted || got.AnsweredBy != "1001" || got.DurationSeconds != 61 {
		t.Fatalf("unexpected row %+v", got)
	}
	if got.AnsweredAt == nil || !got.AnsweredAt.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("unexpected answered_at %v", got.AnsweredAt)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(t0.Add(3*time.Second)) {
		t.Fatalf("unexpected ended_at %v", got.EndedAt)
	}

	hist, err := r.Transitions(ctx, "CA1")
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(hist) != 3 || hist[2] != CallStatusCompleted {
		t.Fatalf("unexpected history %v", hist)
	}
}

func TestSQLRepo_TransitionsKeepOrderWithinOneMillisecond(t *testing.T) {
	r := newSQLRepo(t, "calls_history_order")
	ctx := context.Background()
	at := time.UnixMilli(1700000000123)
	if _, err := r.Create(ctx, Call{CallID: "CA1", TenantID: "t1", Direction: DirectionInbound, From: "+1", To: "+2", Status: CallStatusInitiated, InitiatedAt: at}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, u := range []Update{
		{From: CallStatusInitiated, To: CallStatusRinging, At: at},
		{From: CallStatusRinging, To: CallStatusAnswered, At: at},
		{From: CallStatusAnswered, To: CallStatusCompleted, At: at},
	} {
		if err := r.Apply(ctx, "CA1", u); err != nil {
			t.Fatalf("apply %s: %v", u.To, err)
		}
	}

	hist, err := r.Transitions(ctx, "CA1")
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	want := []CallStatus{CallStatusRinging, CallStatusAnswered, CallStatusCompleted}
	if len(hist) != len(want) {
		t.Fatalf("unexpected history %v", hist)
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Fatalf("history out of order: %v", hist)
		}
	}
}
