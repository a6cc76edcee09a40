package facade

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rpki-io/krillgo/internal/apperr"
)

// LeaseCoordinator serializes commits to the same aggregate handle across
// more than one daemon process sharing a PostgreSQL-backed store. A
// single-process deployment backed by MemStore doesn't need one: the
// store's own per-handle mutex already serializes commits, so noopLeases
// is the default.
type LeaseCoordinator interface {
	// Acquire blocks briefly trying to take an exclusive lease on key.
	// release must be called exactly once, whether or not ok is true.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type noopLeases struct{}

// NewNoopLeases returns a LeaseCoordinator that always succeeds
// immediately, for deployments where nothing else contends for the same
// aggregate handle.
func NewNoopLeases() LeaseCoordinator { return noopLeases{} }

func (noopLeases) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// RedisLeases coordinates commits across processes sharing one Postgres
// Aggregate Store, using Redis SETNX as a distributed mutex per aggregate
// handle.
type RedisLeases struct {
	client *redis.Client
}

// NewRedisLeases connects to a Redis instance at addr/db for lease
// coordination.
func NewRedisLeases(addr, password string, db int) *RedisLeases {
	return &RedisLeases{client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

// Close releases the underlying Redis connection pool.
func (r *RedisLeases) Close() error {
	return r.client.Close()
}

func (r *RedisLeases) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	ok, err := r.client.SetNX(ctx, "krillgo:lease:"+key, 1, ttl).Result()
	if err != nil {
		return func() {}, false, apperr.Internal("redis setnx", err)
	}
	if !ok {
		deadline := time.Now().Add(ttl)
		for time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
			ok, err = r.client.SetNX(ctx, "krillgo:lease:"+key, 1, ttl).Result()
			if err != nil {
				return func() {}, false, apperr.Internal("redis setnx", err)
			}
			if ok {
				break
			}
		}
	}
	if !ok {
		return func() {}, false, nil
	}
	release := func() {
		r.client.Del(context.Background(), "krillgo:lease:"+key)
	}
	return release, true, nil
}
