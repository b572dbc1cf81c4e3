package coordinator

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud-pbx/pkg/logger"
	"cloud-pbx/pkg/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

var errDown = errors.New("dial tcp: connection refused")

// flakyPrimary wraps a real primary and fails every call while down is set.
type flakyPrimary struct {
	inner Primary
	down  atomic.Bool
}

func (f *flakyPrimary) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if f.down.Load() {
		return false, errDown
	}
	return f.inner.TryLock(ctx, key, owner, ttl)
}

func (f *flakyPrimary) Unlock(ctx context.Context, key, owner string) error {
	if f.down.Load() {
		return errDown
	}
	return f.inner.Unlock(ctx, key, owner)
}

func (f *flakyPrimary) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.down.Load() {
		return nil, false, errDown
	}
	return f.inner.Get(ctx, key)
}

func (f *flakyPrimary) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.down.Load() {
		return errDown
	}
	return f.inner.Set(ctx, key, value, ttl)
}

func (f *flakyPrimary) Delete(ctx context.Context, key string) error {
	if f.down.Load() {
		return errDown
	}
	return f.inner.Delete(ctx, key)
}

func (f *flakyPrimary) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if f.down.Load() {
		return 0, errDown
	}
	return f.inner.Incr(ctx, key, window)
}

func newRedisPrimary(t *testing.T) (*miniredis.Miniredis, *RedisPrimary) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisPrimary(rdb)
}

func newLockStore(t *testing.T) (*SQLLockStore, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := utils.OpenDB(ctx, utils.DriverSQLite, "file:"+name+"?mode=memory&cache=shared", utils.DBPoolConfig{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLLockStore(db, utils.DriverSQLite)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s, db
}

// skewClock follows wall time plus an adjustable offset.
type skewClock struct{ offset atomic.Int64 }

func (c *skewClock) Now() time.Time          { return time.Now().Add(time.Duration(c.offset.Load())) }
func (c *skewClock) Advance(d time.Duration) { c.offset.Add(int64(d)) }

func TestWithLock_PrimaryHealthy(t *testing.T) {
	mr, p := newRedisPrimary(t)
	c := New(p, nil, Options{Logger: logger.Discard()})

	ran := false
	err := c.WithLock(context.Background(), "call:CA1", time.Second, time.Second, func(ctx context.Context) error {
		ran = true
		if !mr.Exists("call:CA1") {
			t.Fatalf("expected lock key to exist while held")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !ran {
		t.Fatalf("expected fn to run")
	}
	if mr.Exists("call:CA1") {
		t.Fatalf("expected lock released")
	}
}

func TestWithLock_SerializesConcurrentCallers(t *testing.T) {
	_, p := newRedisPrimary(t)
	c := New(p, nil, Options{Logger: logger.Discard(), RetryInterval: 5 * time.Millisecond})

	var inFlight, maxInFlight, done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.WithLock(context.Background(), "call:same", 5*time.Second, 5*time.Second, func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				done.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("lock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Fatalf("expected mutual exclusion, saw %d concurrent holders", maxInFlight.Load())
	}
	if done.Load() != 8 {
		t.Fatalf("expected all 8 callers to run, got %d", done.Load())
	}
}

func TestDegraded_FallsBackAndRecovers(t *testing.T) {
	_, inner := newRedisPrimary(t)
	store, _ := newLockStore(t)
	flaky := &flakyPrimary{inner: inner}
	clock := &skewClock{}

	var logs bytes.Buffer
	var transitions []bool
	c := New(flaky, store, Options{
		HealthCheckInterval: time.Minute,
		Logger:              logger.NewWithWriter(&logs, "production"),
		OnStateChange:       func(d bool) { transitions = append(transitions, d) },
	})
	c.now = clock.Now

	flaky.down.Store(true)
	for i := 0; i < 2; i++ {
		if err := c.WithLock(context.Background(), "call:CA9", time.Second, time.Second, func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("fallback lock failed: %v", err)
		}
	}
	if !c.Degraded() {
		t.Fatalf("expected degraded")
	}
	if n := strings.Count(logs.String(), "coordinator degraded"); n != 1 {
		t.Fatalf("expected degraded transition logged once, got %d", n)
	}

	// Primary is back, but the re-check interval has not elapsed.
	flaky.down.Store(false)
	if c.Put(context.Background(), "k", []byte("v"), time.Minute) {
		t.Fatalf("expected put to be a no-op while degraded")
	}
	if !c.Degraded() {
		t.Fatalf("expected to stay degraded until the interval elapses")
	}

	clock.Advance(61 * time.Second)
	if err := c.WithLock(context.Background(), "call:CA9", time.Second, time.Second, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("lock after recovery failed: %v", err)
	}
	if c.Degraded() {
		t.Fatalf("expected recovery after a health check")
	}
	if !strings.Contains(logs.String(), "coordinator recovered") {
		t.Fatalf("expected recovery log, got %s", logs.String())
	}
	if len(transitions) != 2 || transitions[0] != true || transitions[1] != false {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestWithLock_FallbackTimesOut(t *testing.T) {
	store, _ := newLockStore(t)
	ctx := context.Background()
	if ok, err := store.TryInsert(ctx, "call:busy", "someone-else", time.Now().Add(time.Hour)); err != nil || !ok {
		t.Fatalf("seed lock: %v %v", ok, err)
	}

	c := New(nil, store, Options{Logger: logger.Discard(), RetryInterval: 20 * time.Millisecond})
	start := time.Now()
	err := c.WithLock(ctx, "call:busy", time.Second, 200*time.Millisecond, func(ctx context.Context) error {
		t.Fatalf("fn must not run without the lock")
		return nil
	})
	if !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("expected to wait for the timeout, returned after %s", elapsed)
	}
}

func TestWithLock_FallbackPurgesStaleRows(t *testing.T) {
	store, _ := newLockStore(t)
	ctx := context.Background()
	if ok, err := store.TryInsert(ctx, "call:stale", "crashed-holder", time.Now().Add(-time.Second)); err != nil || !ok {
		t.Fatalf("seed lock: %v %v", ok, err)
	}

	c := New(nil, store, Options{Logger: logger.Discard()})
	if err := c.WithLock(ctx, "call:stale", time.Second, 100*time.Millisecond, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("expected stale row to be purged, got %v", err)
	}
}

func TestWithLock_BothBackendsDown(t *testing.T) {
	_, inner := newRedisPrimary(t)
	store, db := newLockStore(t)
	flaky := &flakyPrimary{inner: inner}
	flaky.down.Store(true)
	_ = db.Close()

	c := New(flaky, store, Options{Logger: logger.Discard()})
	err := c.WithLock(context.Background(), "call:x", time.Second, 100*time.Millisecond, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCacheGetOrCompute(t *testing.T) {
	_, inner := newRedisPrimary(t)
	flaky := &flakyPrimary{inner: inner}
	c := New(flaky, nil, Options{Logger: logger.Discard()})
	ctx := context.Background()

	calls := 0
	compute := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("value"), nil
	}

	for i := 0; i < 2; i++ {
		v, err := c.CacheGetOrCompute(ctx, "did:+15550001", time.Minute, compute)
		if err != nil || string(v) != "value" {
			t.Fatalf("unexpected result %q %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one computation while healthy, got %d", calls)
	}

	flaky.down.Store(true)
	for i := 0; i < 2; i++ {
		if _, err := c.CacheGetOrCompute(ctx, "did:+15550001", time.Minute, compute); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if calls != 3 {
		t.Fatalf("expected recomputation on every degraded call, got %d", calls)
	}
	if c.Forget(ctx, "did:+15550001") {
		t.Fatalf("expected forget to be a no-op while degraded")
	}
	if _, ok := c.Get(ctx, "did:+15550001"); ok {
		t.Fatalf("expected miss while degraded")
	}
}

func TestGetOrComputeJSON(t *testing.T) {
	_, p := newRedisPrimary(t)
	c := New(p, nil, Options{Logger: logger.Discard()})

	type entry struct {
		Name string `json:"name"`
	}
	calls := 0
	for i := 0; i < 2; i++ {
		got, err := GetOrComputeJSON(context.Background(), c, "entry", time.Minute, func(ctx context.Context) (entry, error) {
			calls++
			return entry{Name: "sales"}, nil
		})
		if err != nil || got.Name != "sales" {
			t.Fatalf("unexpected %+v %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected cached second read, got %d computations", calls)
	}
}

func TestIncrement_DegradedIsUnavailable(t *testing.T) {
	_, inner := newRedisPrimary(t)
	flaky := &flakyPrimary{inner: inner}
	c := New(flaky, nil, Options{Logger: logger.Discard()})
	ctx := context.Background()

	n, err := c.Increment(ctx, "ctr", time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("unexpected %d %v", n, err)
	}
	flaky.down.Store(true)
	if _, err := c.Increment(ctx, "ctr", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
