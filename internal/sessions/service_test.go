package sessions

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func sample(tenant, event string) Update {
	return Update{
		SessionID:    "sess-" + event,
		TenantID:     tenant,
		EventID:      event,
		Domain:       "pbx.test",
		SubscriberID: "sub-1",
		Caller:       "+15551230000",
		Destination:  "+15550001000",
		Direction:    DirectionIncoming,
		Status:       "ringing",
		StartedAt:    time.Unix(1700000000, 0).UTC(),
	}
}

func TestRecord_DeduplicatesPerTenant(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	dup, err := svc.Record(ctx, sample("t1", "ev-1"))
	if err != nil || dup {
		t.Fatalf("first record: dup=%v err=%v", dup, err)
	}
	dup, err = svc.Record(ctx, sample("t1", "ev-1"))
	if err != nil || !dup {
		t.Fatalf("expected duplicate, got dup=%v err=%v", dup, err)
	}
	dup, err = svc.Record(ctx, sample("t2", "ev-1"))
	if err != nil || dup {
		t.Fatalf("same event id for another tenant must be recorded: dup=%v err=%v", dup, err)
	}
	if repo.Count() != 2 {
		t.Fatalf("expected 2 records, got %d", repo.Count())
	}
}

func TestSQLRepo_CreateIsInsertIfAbsent(t *testing.T) {
	db, err := sql.Open("sqlite", "file:sessions_sql?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := NewSQLRepo(db, "sqlite")
	ctx := context.Background()
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	svc := NewService(repo)

	first := sample("t1", "ev-9")
	first.Reason = "first"
	if dup, err := svc.Record(ctx, first); err != nil || dup {
		t.Fatalf("record: dup=%v err=%v", dup, err)
	}
	second := sample("t1", "ev-9")
	second.Reason = "second"
	if dup, err := svc.Record(ctx, second); err != nil || !dup {
		t.Fatalf("expected duplicate: dup=%v err=%v", dup, err)
	}

	got, err := repo.GetByEvent(ctx, "t1", "ev-9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Reason != "first" || got.Direction != DirectionIncoming || !got.EndedAt.IsZero() {
		t.Fatalf("unexpected stored update %+v", got)
	}
	if _, err := repo.GetByEvent(ctx, "t1", "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
