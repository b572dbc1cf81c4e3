package coordinator

import (
	"context"
	"errors"
	"time"

	"cloud-pbx/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisPrimary implements Primary on a go-redis client.
type RedisPrimary struct {
	rdb *redis.Client
}

func NewRedisPrimary(rdb *redis.Client) *RedisPrimary {
	return &RedisPrimary{rdb: rdb}
}

func (p *RedisPrimary) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return utils.AcquireLock(ctx, p.rdb, key, owner, ttl)
}

func (p *RedisPrimary) Unlock(ctx context.Context, key, owner string) error {
	_, err := utils.ReleaseLock(ctx, p.rdb, key, owner)
	return err
}

func (p *RedisPrimary) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := p.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (p *RedisPrimary) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, key, value, ttl).Err()
}

func (p *RedisPrimary) Delete(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, key).Err()
}

func (p *RedisPrimary) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return utils.IncrWindow(ctx, p.rdb, key, window)
}
