package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// This file implements the Coordinator interface (leader lock, lease and
// fencing-epoch primitives) on RedisStore, plus the generic string Set/Get
// pair controlplane/idempotency uses as its durable backend. Adapted from
// the teacher's lock/lease/epoch block in store/redis.go — same SETNX
// lock, same owner-checked Lua renew/release scripts, same ":epoch"-suffixed
// INCR counter — with the teacher's separate tenant Agent/Job/DesiredState
// methods dropped, since model.Node/model.Task cover that ground instead.
const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (s *RedisStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

func (s *RedisStore) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())
	res, err := s.client.Eval(ctx, renewScript, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	code, ok := res.(int64)
	if !ok {
		return false, errors.New("redis store: unexpected renew script result")
	}
	return code == 1, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, ownerID string) error {
	defer observeLatency(time.Now())
	_, err := s.client.Eval(ctx, releaseScript, []string{key}, ownerID).Result()
	return err
}

func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *RedisStore) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *RedisStore) IsLeaseOwner(ctx context.Context, key, value string) (bool, error) {
	owner, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return owner == value, nil
}

// IncrementEpoch bumps the fencing epoch under key+":epoch". The
// LeaderElector calls this once per successful lock acquisition.
func (s *RedisStore) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key+":epoch").Result()
}

func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Set and Get satisfy controlplane/idempotency.Backend, letting RedisStore
// double as the durable idempotency-key cache for task.submit.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	defer observeLatency(time.Now())
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	defer observeLatency(time.Now())
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}
