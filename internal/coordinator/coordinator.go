package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud-pbx/internal/apperr"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrLockUnavailable is returned when a lock could not be acquired within the wait timeout.
	ErrLockUnavailable = errors.New("coordinator: lock unavailable")
	// ErrUnavailable is returned when both the primary and the fallback backend failed.
	ErrUnavailable = errors.New("coordinator: temporarily unavailable")
)

func init() {
	apperr.Register(ErrLockUnavailable, apperr.KindTransient)
	apperr.Register(ErrUnavailable, apperr.KindTransient)
}

// Primary is the fast shared backend (Redis in production).
// A returned error means the backend itself failed; a cache miss is (nil, false, nil).
type Primary interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// LockStore is the durable mutex table used while the primary is degraded.
type LockStore interface {
	PurgeExpired(ctx context.Context, now time.Time) error
	TryInsert(ctx context.Context, key, owner string, expiresAt time.Time) (bool, error)
	Delete(ctx context.Context, key, owner string) error
}

type Options struct {
	// HealthCheckInterval bounds how long the coordinator stays on the fallback
	// before probing the primary again.
	HealthCheckInterval time.Duration
	// RetryInterval is the pause between lock acquisition attempts.
	RetryInterval time.Duration

	Logger *slog.Logger

	// OnStateChange is called on every healthy/degraded transition.
	OnStateChange func(degraded bool)
}

func (o Options) withDefaults() Options {
	out := o
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = 60 * time.Second
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = 100 * time.Millisecond
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Coordinator provides mutual exclusion and ephemeral key/value storage on top of
// a primary backend, switching to the durable fallback while the primary is down.
// It is safe for concurrent use and must be shared, not copied.
type Coordinator struct {
	primary  Primary
	fallback LockStore
	opts     Options
	log      *slog.Logger

	mu        sync.Mutex
	degraded  bool
	nextCheck time.Time

	group singleflight.Group

	// now is injectable for deterministic tests.
	now func() time.Time
}

func New(primary Primary, fallback LockStore, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		log:      opts.Logger.With("component", "coordinator"),
		now:      time.Now,
	}
}

// Degraded reports whether operations are currently routed to the fallback.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// WithLock runs fn while holding the lock for key. Acquisition waits at most
// waitTimeout; ttl bounds how long a crashed holder can block others.
func (c *Coordinator) WithLock(ctx context.Context, key string, ttl, waitTimeout time.Duration, fn func(ctx context.Context) error) error {
	if key == "" {
		return fmt.Errorf("coordinator: lock key required")
	}
	owner := uuid.NewString()
	deadline := c.now().Add(waitTimeout)

	if c.usePrimary(ctx) {
		err := c.acquirePrimary(ctx, key, owner, ttl, deadline)
		switch {
		case err == nil:
			defer c.releasePrimary(key, owner)
			return fn(ctx)
		case errors.Is(err, ErrLockUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			c.markDegraded(err)
		}
	}

	if c.fallback == nil {
		return fmt.Errorf("%w: no fallback lock store", ErrUnavailable)
	}
	if err := c.acquireFallback(ctx, key, owner, ttl, deadline); err != nil {
		return err
	}
	defer c.releaseFallback(key, owner)
	return fn(ctx)
}

func (c *Coordinator) acquirePrimary(ctx context.Context, key, owner string, ttl time.Duration, deadline time.Time) error {
	for {
		ok, err := c.primary.TryLock(ctx, key, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := c.waitRetry(ctx, deadline); err != nil {
			return err
		}
	}
}

func (c *Coordinator) acquireFallback(ctx context.Context, key, owner string, ttl time.Duration, deadline time.Time) error {
	for {
		now := c.now()
		if err := c.fallback.PurgeExpired(ctx, now); err != nil {
			return fmt.Errorf("%w: purge expired locks: %v", ErrUnavailable, err)
		}
		ok, err := c.fallback.TryInsert(ctx, key, owner, now.Add(ttl))
		if err != nil {
			return fmt.Errorf("%w: insert lock row: %v", ErrUnavailable, err)
		}
		if ok {
			return nil
		}
		if err := c.waitRetry(ctx, deadline); err != nil {
			return err
		}
	}
}

// waitRetry sleeps one retry interval, or fails once the deadline would be crossed.
func (c *Coordinator) waitRetry(ctx context.Context, deadline time.Time) error {
	remaining := deadline.Sub(c.now())
	if remaining <= 0 {
		return ErrLockUnavailable
	}
	wait := c.opts.RetryInterval
	if wait > remaining {
		wait = remaining
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Release uses a fresh context: the caller's may already be cancelled, and a
// leaked lock would block the call until its TTL.
func (c *Coordinator) releasePrimary(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.primary.Unlock(ctx, key, owner); err != nil {
		c.log.Warn("lock release failed", "key", key, "err", err)
		c.markDegraded(err)
	}
}

func (c *Coordinator) releaseFallback(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.fallback.Delete(ctx, key, owner); err != nil {
		c.log.Warn("fallback lock release failed", "key", key, "err", err)
	}
}

// CacheGetOrCompute returns the cached value for key, computing and storing it on a miss.
// Concurrent misses on the same key share one computation.
func (c *Coordinator) CacheGetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if !c.usePrimary(ctx) {
		return fn(ctx)
	}
	v, ok, err := c.primary.Get(ctx, key)
	if err != nil {
		c.markDegraded(err)
		return fn(ctx)
	}
	if ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.primary.Set(ctx, key, v, ttl); err != nil {
			c.markDegraded(err)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// GetOrComputeJSON is CacheGetOrCompute for JSON-encodable values.
func GetOrComputeJSON[T any](ctx context.Context, c *Coordinator, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := c.CacheGetOrCompute(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		// A corrupt entry is treated as absent.
		c.Forget(ctx, key)
		return fn(ctx)
	}
	return out, nil
}

// Get returns a cached value. Absence (including degraded mode) is never an error.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.usePrimary(ctx) {
		return nil, false
	}
	v, ok, err := c.primary.Get(ctx, key)
	if err != nil {
		c.markDegraded(err)
		return nil, false
	}
	return v, ok
}

// Put stores a value. It reports false when nothing was written.
func (c *Coordinator) Put(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if !c.usePrimary(ctx) {
		return false
	}
	if err := c.primary.Set(ctx, key, value, ttl); err != nil {
		c.markDegraded(err)
		return false
	}
	return true
}

// Forget deletes a value. It reports false when nothing was deleted.
func (c *Coordinator) Forget(ctx context.Context, key string) bool {
	if !c.usePrimary(ctx) {
		return false
	}
	if err := c.primary.Delete(ctx, key); err != nil {
		c.markDegraded(err)
		return false
	}
	return true
}

// Increment bumps a fixed-window counter whose expiry is set on first increment.
// There is no durable counter fallback, so degraded mode yields ErrUnavailable.
func (c *Coordinator) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if !c.usePrimary(ctx) {
		return 0, ErrUnavailable
	}
	n, err := c.primary.Incr(ctx, key, window)
	if err != nil {
		c.markDegraded(err)
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// usePrimary decides whether the next operation goes to the primary. While degraded
// it checks at most once per interval; other callers keep using the fallback meanwhile.
func (c *Coordinator) usePrimary(ctx context.Context) bool {
	if c.primary == nil {
		return false
	}
	c.mu.Lock()
	if !c.degraded {
		c.mu.Unlock()
		return true
	}
	now := c.now()
	if now.Before(c.nextCheck) {
		c.mu.Unlock()
		return false
	}
	c.nextCheck = now.Add(c.opts.HealthCheckInterval)
	c.mu.Unlock()

	if err := c.checkPrimary(ctx); err != nil {
		c.log.Debug("primary health check failed", "err", err)
		return false
	}
	c.markHealthy()
	return true
}

func (c *Coordinator) checkPrimary(ctx context.Context) error {
	key := "coordinator:health:" + uuid.NewString()
	want := []byte(key)
	if err := c.primary.Set(ctx, key, want, 10*time.Second); err != nil {
		return err
	}
	got, ok, err := c.primary.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || string(got) != string(want) {
		return errors.New("health check value mismatch")
	}
	return c.primary.Delete(ctx, key)
}

func (c *Coordinator) markDegraded(cause error) {
	c.mu.Lock()
	if c.degraded {
		c.mu.Unlock()
		return
	}
	c.degraded = true
	c.nextCheck = c.now().Add(c.opts.HealthCheckInterval)
	c.mu.Unlock()

	c.log.Warn("coordinator degraded, using fallback backend",
		"err", cause,
		"recheck_in", c.opts.HealthCheckInterval.String(),
	)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(true)
	}
}

func (c *Coordinator) markHealthy() {
	c.mu.Lock()
	if !c.degraded {
		c.mu.Unlock()
		return
	}
	c.degraded = false
	c.mu.Unlock()

	c.log.Info("coordinator recovered, primary backend healthy")
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(false)
	}
}
