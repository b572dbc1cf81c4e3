package cdr

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud-pbx/pkg/logger"

	_ "modernc.org/sqlite"
)

func record(tenant, callID string) Record {
	return Record{TenantID: tenant, CallID: callID, From: "+15551230000", To: "+15550001000", StartTime: time.Unix(1700000000, 0)}
}

func TestWorkerPersistsAndDeduplicates(t *testing.T) {
	repo := NewMemoryRepo()
	var mu sync.Mutex
	var stored []string
	w := NewWorker(repo, WorkerOptions{Workers: 2, Logger: logger.Discard(), OnStored: func(_ context.Context, r Record) {
		mu.Lock()
		stored = append(stored, r.CallID)
		mu.Unlock()
	}})
	w.Start()

	for _, id := range []string{"CA1", "CA2", "CA1"} {
		if err := w.Enqueue(record("t1", id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(repo.Records()) != 2 {
		t.Fatalf("expected 2 records, got %d", len(repo.Records()))
	}
	if len(stored) != 2 {
		t.Fatalf("expected OnStored twice, got %v", stored)
	}
	if err := w.Enqueue(record("t1", "CA3")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestEnqueueReportsFullQueue(t *testing.T) {
	w := NewWorker(NewMemoryRepo(), WorkerOptions{QueueSize: 1, Logger: logger.Discard()})
	if err := w.Enqueue(record("t1", "CA1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := w.Enqueue(record("t1", "CA2")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if w.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", w.Depth())
	}
}

type failingRepo struct{}

func (failingRepo) Create(context.Context, Record) (bool, error) { return false, errors.New("db down") }

func TestWorkerReportsFailures(t *testing.T) {
	failed := make(chan Record, 1)
	w := NewWorker(failingRepo{}, WorkerOptions{Workers: 1, Logger: logger.Discard(), OnFailed: func(r Record, _ error) { failed <- r }})
	w.Start()
	_ = w.Enqueue(record("t1", "CA1"))
	_ = w.Stop(context.Background())

	select {
	case r := <-failed:
		if r.CallID != "CA1" {
			t.Fatalf("unexpected failed record %+v", r)
		}
	default:
		t.Fatalf("expected OnFailed to be called")
	}
}

func TestSQLRepoCreate(t *testing.T) {
	db, err := sql.Open("sqlite", "file:cdr_sql?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := NewSQLRepo(db, "sqlite")
	ctx := context.Background()
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	answered := time.Unix(1700000005, 0)
	r := record("t1", "CA1")
	r.ID, r.AnswerTime, r.ReceivedAt = "id-1", &answered, time.Now()
	if ok, err := repo.Create(ctx, r); err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	r.ID = "id-2"
	if ok, err := repo.Create(ctx, r); err != nil || ok {
		t.Fatalf("expected duplicate ignored: ok=%v err=%v", ok, err)
	}
	if n, err := repo.CountByTenant(ctx, "t1"); err != nil || n != 1 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}
}
