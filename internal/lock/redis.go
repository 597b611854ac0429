package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Owners are compared as strings: Lua numbers are doubles and would lose
// precision on 63-bit tokens.
var (
	acquireScript = redis.NewScript(1, `
local deadline = tonumber(redis.call('HGET', KEYS[1], 'deadline'))
if deadline and deadline > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'deadline', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

	extendScript = redis.NewScript(1, `
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'deadline', ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return 1
end
return 0
`)

	releaseScript = redis.NewScript(1, `
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)
)

// expiryGrace keeps an expired record around a little longer than its
// deadline; acquire checks the deadline, the key expiry only garbage-collects.
const expiryGrace = time.Second

// RedisLeases stores lease records as Redis hashes and mutates them with Lua
// scripts, which Redis runs atomically.
type RedisLeases struct {
	pool *redis.Pool
}

// NewRedisLeases returns a lease store on pool.
func NewRedisLeases(pool *redis.Pool) *RedisLeases {
	return &RedisLeases{pool: pool}
}

func (s *RedisLeases) run(ctx context.Context, script *redis.Script, key string, args ...any) (bool, error) {
	c, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("redis connection: %w", err)
	}
	defer c.Close()

	n, err := redis.Int(script.Do(c, redis.Args{}.Add(key).Add(args...)...))
	if err != nil {
		return false, fmt.Errorf("lease script %s: %w", key, err)
	}
	return n == 1, nil
}

func ttlMillis(now, deadline time.Time) int64 {
	return (deadline.Sub(now) + expiryGrace).Milliseconds()
}

func (s *RedisLeases) Acquire(ctx context.Context, key, owner string, now, deadline time.Time) (bool, error) {
	return s.run(ctx, acquireScript, key, owner, now.UnixMicro(), deadline.UnixMicro(), ttlMillis(now, deadline))
}

func (s *RedisLeases) Extend(ctx context.Context, key, owner string, now, deadline time.Time) (bool, error) {
	return s.run(ctx, extendScript, key, owner, deadline.UnixMicro(), ttlMillis(now, deadline))
}

func (s *RedisLeases) Release(ctx context.Context, key, owner string) (bool, error) {
	return s.run(ctx, releaseScript, key, owner)
}
